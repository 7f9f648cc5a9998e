package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"hotbackup/internal/app"
	"hotbackup/internal/client"
	"hotbackup/internal/config"
	"hotbackup/internal/result"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer app.Close().
// command identifies the CLI command being run (e.g. "serve", "manifest").
func newApp(command string) (*app.App, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewApp(cfg, command)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// newClient reads the config and creates a client for the local daemon.
func newClient() (*client.Client, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.ListenAddr(), cfg.Server.AuthToken), nil
}

// signalContext is cancelled on SIGINT or SIGTERM with a cause naming the signal.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			cancel(fmt.Errorf("received %s", sig))
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		cancel(nil)
	}
}

var rootCmd = &cobra.Command{
	Use:          "hotbackup",
	Short:        "Hot backups of a running database",
	SilenceUsage: true,
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backup daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("serve")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()
		return a.Serve(ctx)
	},
}

// start command
var startCmd = &cobra.Command{
	Use:   "start DEST",
	Short: "Back up the database into DEST",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		local, _ := cmd.Flags().GetBool("local")

		dest, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		ctx, stop := signalContext()
		defer stop()

		var doc *result.Document
		if local {
			a, err := newApp("start")
			if err != nil {
				return err
			}
			defer a.Close()
			doc, err = a.Service().Start(ctx, dest)
			if err != nil {
				printFailure(doc)
				return fmt.Errorf("backup failed: %w", err)
			}
		} else {
			c, err := newClient()
			if err != nil {
				return err
			}
			doc, err = c.Start(ctx, dest)
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) {
					printFailure(apiErr.Doc)
				}
				return fmt.Errorf("backup failed: %w", err)
			}
		}

		fmt.Printf("Backup %s completed into %s\n", doc.Get("session").String(), dest)
		if reason := doc.Get("reason"); reason.Exists() {
			fmt.Printf("Interrupted: %s\n", reason.String())
		}
		return nil
	},
}

// printFailure prints the engine's error report, if the result carries one.
func printFailure(doc *result.Document) {
	if doc == nil {
		return
	}
	if id := doc.Get("session"); id.Exists() {
		fmt.Printf("Session:  %s\n", id.String())
	}
	if errno := doc.Get("errno"); errno.Exists() {
		fmt.Printf("Errno:    %d (%s)\n", errno.Int(), doc.Get("strerror").String())
		fmt.Printf("Message:  %s\n", doc.Get("message").String())
	}
	if reason := doc.Get("reason"); reason.Exists() {
		fmt.Printf("Reason:   %s\n", reason.String())
	}
}

// throttle command
var throttleCmd = &cobra.Command{
	Use:   "throttle BYTES_PER_SECOND",
	Short: "Limit the copy rate of backups (0 removes the limit)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bps, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid rate %q: %w", args[0], err)
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Throttle(cmd.Context(), bps); err != nil {
			return err
		}

		if bps == 0 {
			fmt.Println("Throttle removed")
		} else {
			fmt.Printf("Throttled to %d bytes/s\n", bps)
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the progress of the running backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		interval, _ := cmd.Flags().GetDuration("interval")

		c, err := newClient()
		if err != nil {
			return err
		}

		if !watch {
			doc, err := c.Status(cmd.Context())
			if errors.Is(err, client.ErrNoActiveSession) {
				fmt.Println("No backup running.")
				return nil
			}
			if err != nil {
				return err
			}
			printStatus(doc)
			return nil
		}

		ctx, stop := signalContext()
		defer stop()
		err = c.WatchStatus(ctx, interval, func(doc *result.Document) bool {
			printStatus(doc)
			return true
		})
		switch {
		case errors.Is(err, client.ErrNoActiveSession):
			fmt.Println("No backup running.")
			return nil
		case errors.Is(err, context.Canceled):
			return nil
		}
		return err
	},
}

func printStatus(doc *result.Document) {
	fmt.Printf("%5.1f%%  files %d/%d  %d bytes\n",
		doc.Get("percent").Float(),
		doc.Get("files.done").Int(),
		doc.Get("files.total").Int(),
		doc.Get("bytesDone").Int(),
	)
	if src := doc.Get("current.source"); src.Exists() {
		if dest := doc.Get("current.dest"); dest.Exists() {
			fmt.Printf("        %s -> %s (%d/%d bytes)\n", src.String(), dest.String(),
				doc.Get("current.bytes.done").Int(), doc.Get("current.bytes.total").Int())
		} else {
			fmt.Printf("        %s\n", src.String())
		}
	}
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View backup session history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		c, err := newClient()
		if err != nil {
			return err
		}
		doc, err := c.History(cmd.Context(), limit)
		if err != nil {
			return err
		}

		sessions := doc.Get("sessions").Array()
		if len(sessions) == 0 {
			fmt.Println("No backup sessions recorded.")
			return nil
		}
		for _, s := range sessions {
			printSession(s)
		}
		return nil
	},
}

func printSession(s gjson.Result) {
	duration := ""
	started, err := time.Parse(time.RFC3339, s.Get("startedAt").String())
	if err == nil && s.Get("finishedAt").Exists() {
		if finished, err := time.Parse(time.RFC3339, s.Get("finishedAt").String()); err == nil {
			duration = finished.Sub(started).String()
		}
	}
	fmt.Printf("%s  %s  %-10s  %6s  %d/%d files  %s\n",
		s.Get("id").String(),
		started.Local().Format("2006-01-02 15:04:05"),
		s.Get("status").String(),
		duration,
		s.Get("files.done").Int(),
		s.Get("files.total").Int(),
		s.Get("destination").String(),
	)
	if msg := s.Get("message"); msg.Exists() {
		fmt.Printf("    errno %d: %s\n", s.Get("errno").Int(), msg.String())
	}
	if reason := s.Get("reason"); reason.Exists() {
		fmt.Printf("    interrupted: %s\n", reason.String())
	}
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		logDir, _ := cmd.Flags().GetString("log-dir")

		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])
		cfg.Source = config.SourceConfig{DataDir: dataDir, LogDir: logDir}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		if err := app.MigrateDatabase(cfg); err != nil {
			return err
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		if dataDir == "" {
			fmt.Println("Set source.data_dir before starting the daemon.")
		}
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:    %s\n", cfg.HostID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Data Dir:   %s\n", cfg.Source.DataDir)
		if cfg.Source.LogDir != "" {
			fmt.Printf("DB Log Dir: %s\n", cfg.Source.LogDir)
		}
		fmt.Printf("Listen:     %s\n", cfg.ListenAddr())
		fmt.Printf("Encryption: %s\n", cfg.Encryption.Type)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:      %s (%s)\n", v.Name, v.Type)
		}
		return nil
	},
}

var configMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Upgrade the session history database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if err := app.MigrateDatabase(cfg); err != nil {
			return err
		}
		fmt.Println("Database is up to date.")
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage manifest encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the manifest encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		passphrase, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if passphrase != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := app.SetupKeys(cfg, passphrase); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// manifest command
var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect archived session manifests",
}

var manifestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("manifest")
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.ListManifests()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No manifests archived.")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var manifestShowCmd = &cobra.Command{
	Use:   "show SESSION_ID",
	Short: "Decrypt and print the manifest of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("manifest")
		if err != nil {
			return err
		}
		defer a.Close()

		var passphrase string
		if a.NeedsPassphrase() {
			passphrase, err = readPassphrase("Passphrase: ")
			if err != nil {
				return err
			}
		}

		if err := a.ShowManifest(args[0], passphrase, os.Stdout); err != nil {
			return err
		}
		fmt.Println()
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("data-dir", "", "Database data directory to back up")
	configInitCmd.Flags().String("log-dir", "", "Database journal directory, when kept apart from the data")
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configMigrateCmd)

	keysCmd.AddCommand(keysInitCmd)

	manifestCmd.AddCommand(manifestListCmd)
	manifestCmd.AddCommand(manifestShowCmd)

	// root commands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().Bool("local", false, "Run the backup in this process instead of the daemon")
	rootCmd.AddCommand(throttleCmd)
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolP("watch", "w", false, "Keep polling until the backup ends")
	statusCmd.Flags().Duration("interval", time.Second, "Polling interval for --watch")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of sessions to show")
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(manifestCmd)
}
