package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"hotbackup/internal/backup"
	"hotbackup/internal/config"
	"hotbackup/internal/database"
	"hotbackup/internal/encryption"
	"hotbackup/internal/engine"
	"hotbackup/internal/fs"
	"hotbackup/internal/server"
	"hotbackup/internal/vault"
)

// App is the application layer between the CLI and the backup Service.
// It constructs all dependencies from config and manages the DB lifecycle
// on Close.
type App struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	vault     backup.Vault
	encryptor backup.Encryptor
	service   *backup.Service
	logger    backup.Logger
	logFile   *os.File
}

// NewApp creates a fully wired App from the given config.
// command names the CLI command being run and tags every log line.
// The caller must call Close when done.
func NewApp(cfg *config.Config, command string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	inv := NewInvocation(command, time.Now())
	l, logFile, err := newLogger(cfg.LogDir, inv.ID(), level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: l}

	a := &App{cfg: cfg, logger: logger, logFile: logFile}

	a.db, err = database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := a.db.CheckMigrations(); err != nil {
		a.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	eng, err := engine.NewEngineFromConfig(cfg.Engine, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	a.encryptor, err = encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	var opts []backup.Option
	if len(cfg.Vaults) > 0 {
		a.vault, err = vault.NewVaultFromConfig(cfg.Vaults[0])
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("creating vault: %w", err)
		}
		opts = append(opts, backup.WithManifestVault(cfg.HostID, a.vault, a.encryptor))
	}

	sources := backup.Sources{DataDir: cfg.Source.DataDir, LogDir: cfg.Source.LogDir}
	a.service = backup.NewService(sources, eng, fs.NewOSFilesystemManager(), a.db, logger,
		backup.RealClock{}, backup.UUIDGenerator{}, opts...)

	return a, nil
}

// Service returns the backup service.
func (a *App) Service() *backup.Service {
	return a.service
}

// Serve runs the control API on the configured address until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	a.logger.Info("starting daemon", "host", a.cfg.HostID, "dataDir", a.cfg.Source.DataDir)
	return server.New(a.service, a.logger, a.cfg.Server.AuthToken).ListenAndServe(ctx, a.cfg.ListenAddr())
}

// NeedsPassphrase reports whether reading manifests requires unlocking a
// private key.
func (a *App) NeedsPassphrase() bool {
	return a.cfg.Encryption.Type == "age"
}

// ListManifests returns the IDs of the sessions archived for this host.
func (a *App) ListManifests() ([]string, error) {
	if a.vault == nil {
		return nil, fmt.Errorf("no vaults configured")
	}
	return a.vault.ListManifests(a.cfg.HostID)
}

// ShowManifest decrypts the manifest of a session and writes it to w.
func (a *App) ShowManifest(sessionID, passphrase string, w io.Writer) error {
	if a.vault == nil {
		return fmt.Errorf("no vaults configured")
	}

	var buf bytes.Buffer
	if err := a.vault.GetManifest(a.cfg.HostID, sessionID, &buf); err != nil {
		return fmt.Errorf("fetching manifest: %w", err)
	}

	dec, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking private key: %w", err)
	}
	if err := dec.Decrypt(&buf, w); err != nil {
		return fmt.Errorf("decrypting manifest: %w", err)
	}
	return nil
}

// Close releases the database and the log file.
func (a *App) Close() error {
	var firstErr error
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// MigrateDatabase brings the session history schema up to date.
func MigrateDatabase(cfg *config.Config) error {
	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}

// SetupKeys generates the manifest encryption key pair, protecting the
// private key with passphrase.
func SetupKeys(cfg *config.Config, passphrase string) error {
	if cfg.Encryption.Type != "age" {
		return fmt.Errorf("encryption type is %q; set it to \"age\" to use keys", cfg.Encryption.Type)
	}
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return err
	}
	return enc.Setup(passphrase)
}
