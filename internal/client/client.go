package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"hotbackup/internal/result"
)

// ErrNoActiveSession is returned by Status when the daemon has no backup running.
var ErrNoActiveSession = errors.New("no backup running")

// APIError is a failed command reported by the daemon.
type APIError struct {
	StatusCode int
	Message    string
	// Doc is the full response, including fields such as errno or reason.
	Doc *result.Document
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Client talks to the control API of a running hotbackup daemon.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// New creates a client for the daemon at baseURL. A bare host:port is
// treated as an http URL.
func New(baseURL, authToken string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		// Backups block the request for their whole run, so there is no
		// client-wide timeout; callers bound requests with ctx.
		httpClient: &http.Client{},
	}
}

// BaseURL returns the daemon URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) doRequest(ctx context.Context, method, path, body string) (*result.Document, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	doc, err := result.Parse(bytes.TrimSpace(raw))
	if err != nil {
		if resp.StatusCode >= 400 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return nil, fmt.Errorf("invalid response from daemon: %w", err)
	}

	if resp.StatusCode >= 400 || !doc.Get("ok").Bool() {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    doc.Get("errmsg").String(),
			Doc:        doc,
		}
	}
	return doc, nil
}

// Health checks that the daemon is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, "GET", "/api/health", "")
	return err
}

// Start runs a backup into destination and waits for it to finish.
// Cancelling ctx disconnects, which interrupts the backup.
func (c *Client) Start(ctx context.Context, destination string) (*result.Document, error) {
	body, err := sjson.Set(`{}`, "destination", destination)
	if err != nil {
		return nil, err
	}
	return c.doRequest(ctx, "POST", "/api/backup", body)
}

// Throttle sets the copy rate limit in bytes per second; zero removes it.
func (c *Client) Throttle(ctx context.Context, bytesPerSecond int64) error {
	body, err := sjson.Set(`{}`, "bytesPerSecond", bytesPerSecond)
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, "POST", "/api/throttle", body)
	return err
}

// Status returns the progress of the running backup, or ErrNoActiveSession.
func (c *Client) Status(ctx context.Context) (*result.Document, error) {
	doc, err := c.doRequest(ctx, "GET", "/api/status", "")
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, ErrNoActiveSession
	}
	return doc, err
}

// History returns up to limit recent sessions, newest first. The document
// holds them in a "sessions" array.
func (c *Client) History(ctx context.Context, limit int) (*result.Document, error) {
	return c.doRequest(ctx, "GET", "/api/history?limit="+strconv.Itoa(limit), "")
}

// WatchStatus calls fn with the backup status every interval until fn
// returns false. It returns ErrNoActiveSession once the backup has ended.
func (c *Client) WatchStatus(ctx context.Context, interval time.Duration, fn func(*result.Document) bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		doc, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if !fn(doc) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
