package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"hotbackup/internal/backup"
)

// s3API is the subset of the S3 client used by S3Vault.
type s3API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Options configures an S3Vault.
type S3Options struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the S3 endpoint, for S3-compatible stores.
	Endpoint string
	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Vault stores manifests as objects:
//
//	s3://<bucket>/<prefix>/<hostID>/manifests/<sessionID>.manifest
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   s3API
	uploader *manager.Uploader
}

// NewS3Vault creates an S3 vault using the AWS SDK's configuration chain.
func NewS3Vault(ctx context.Context, name string, opts S3Options) (*S3Vault, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3VaultWithClient(name, opts.Bucket, opts.Prefix, client), nil
}

func newS3VaultWithClient(name, bucket, prefix string, client s3API) *S3Vault {
	return &S3Vault{
		name:     name,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

func (v *S3Vault) hostPrefix(hostID string) string {
	return path.Join(v.prefix, hostID, "manifests") + "/"
}

func (v *S3Vault) manifestKey(hostID, sessionID string) string {
	return v.hostPrefix(hostID) + sessionID + manifestExt
}

// PutManifest uploads the manifest of one session.
func (v *S3Vault) PutManifest(hostID, sessionID string, r io.Reader, size int64) error {
	if err := checkNames(hostID, sessionID); err != nil {
		return err
	}

	body := &countingReader{r: r}
	_, err := v.uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.manifestKey(hostID, sessionID)),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	if body.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, body.n)
	}
	return nil
}

// GetManifest downloads a stored manifest and writes it to w.
func (v *S3Vault) GetManifest(hostID, sessionID string, w io.Writer) error {
	if err := checkNames(hostID, sessionID); err != nil {
		return err
	}

	out, err := v.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.manifestKey(hostID, sessionID)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("%w: %s/%s", ErrManifestNotFound, hostID, sessionID)
		}
		return fmt.Errorf("s3 download failed: %w", err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	return nil
}

// ListManifests returns the session IDs stored for hostID, sorted.
func (v *S3Vault) ListManifests(hostID string) ([]string, error) {
	if err := checkName("host id", hostID); err != nil {
		return nil, err
	}

	prefix := v.hostPrefix(hostID)
	paginator := s3.NewListObjectsV2Paginator(v.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(v.bucket),
		Prefix: aws.String(prefix),
	})

	ids := []string{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if strings.Contains(name, "/") || !strings.HasSuffix(name, manifestExt) {
				continue
			}
			ids = append(ids, strings.TrimSuffix(name, manifestExt))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ValidateSetup verifies that the bucket exists and is reachable.
func (v *S3Vault) ValidateSetup() error {
	_, err := v.client.HeadBucket(context.Background(), &s3.HeadBucketInput{
		Bucket: aws.String(v.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

// countingReader counts the bytes the uploader consumed.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Compile-time check that S3Vault implements backup.Vault interface
var _ backup.Vault = (*S3Vault)(nil)
