package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sessionctl/sessionctl/internal/app"
	"github.com/sessionctl/sessionctl/internal/config"
	"github.com/sessionctl/sessionctl/internal/logging"
	"github.com/sessionctl/sessionctl/internal/storage"
	"github.com/sessionctl/sessionctl/internal/version"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Profile    string
	DataDir    string
	OutputDir  string
}

func main() {
	root := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "sessionctl",
		Short: "Backup, verify, and restore a Session data store",
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")
	rootCmd.PersistentFlags().StringVar(&root.Profile, "profile", "", "Profile name")
	rootCmd.PersistentFlags().StringVar(&root.DataDir, "data-dir", "", "Data directory (overrides platform default)")
	rootCmd.PersistentFlags().StringVar(&root.OutputDir, "output", "", "Backup output directory")

	rootCmd.AddCommand(newBackupCmd(root))
	rootCmd.AddCommand(newRestoreCmd(root))
	rootCmd.AddCommand(newVerifyCmd(root))
	rootCmd.AddCommand(newListCmd(root))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newBackupCmd(root *rootFlags) *cobra.Command {
	var (
		incremental  bool
		baseLabel    string
		label        string
		attachments  bool
		compression  string
		encrypt      bool
		password     string
		retry        int
		retryBackoff time.Duration
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a full or incremental backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("attachments") {
				cfg.Backup.IncludeAttachments = attachments
			}
			if compression != "" {
				cfg.Backup.Compression = compression
			}
			if encrypt {
				cfg.Backup.Encrypt = true
			}
			if retry > 0 {
				cfg.Backup.RetryCount = retry
			}
			if retryBackoff > 0 {
				cfg.Backup.RetryBackoff = retryBackoff
			}

			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
			appSvc := app.New(cfg, logger)

			ctx, stop := signalContext()
			defer stop()

			res, err := appSvc.Backup(ctx, app.BackupRequest{
				Incremental: incremental,
				Label:       label,
				BaseLabel:   baseLabel,
				Password:    resolvePassword(password),
			})
			if err != nil {
				return err
			}
			logger.Info().Str("label", res.Label).Str("path", res.Path).Msg("backup completed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&incremental, "incremental", false, "Capture only changes since the base backup")
	cmd.Flags().StringVar(&baseLabel, "base", "", "Base backup label for incremental (default: latest full)")
	cmd.Flags().StringVar(&label, "label", "", "Backup label (default: timestamped)")
	cmd.Flags().BoolVar(&attachments, "attachments", true, "Include the attachment directory")
	cmd.Flags().StringVar(&compression, "compression", "", "Compression (none/gzip/zstd)")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "Encrypt backup files")
	cmd.Flags().StringVar(&password, "password", "", "Encryption password (or SESSIONCTL_PASSWORD)")
	cmd.Flags().IntVar(&retry, "retry", 0, "Retry attempts")
	cmd.Flags().DurationVar(&retryBackoff, "retry-backoff", 0, "Retry backoff")
	return cmd
}

func newRestoreCmd(root *rootFlags) *cobra.Command {
	var (
		dryRun   bool
		yes      bool
		password string
	)

	cmd := &cobra.Command{
		Use:   "restore <label-or-path>",
		Short: "Restore a backup onto the live data store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if !dryRun && !cfg.Restore.DryRun && !yes {
				return fmt.Errorf("restore replaces the live data store; re-run with --yes to confirm or --dry-run to verify only")
			}

			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
			appSvc := app.New(cfg, logger)

			ctx, stop := signalContext()
			defer stop()

			out, err := appSvc.Restore(ctx, args[0], resolvePassword(password), dryRun)
			if err != nil {
				return err
			}
			logger.Info().Str("label", out.Manifest.Label).Str("stage", string(out.Stage)).Msg("restore completed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Verify the backup without touching the live data store")
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm replacing the live data store")
	cmd.Flags().StringVar(&password, "password", "", "Decryption password (or SESSIONCTL_PASSWORD)")
	return cmd
}

func newVerifyCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <label-or-path>",
		Short: "Recompute every stored checksum of a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
			appSvc := app.New(cfg, logger)

			ctx, stop := signalContext()
			defer stop()

			m, err := appSvc.Verify(ctx, args[0])
			if err != nil {
				return err
			}
			logger.Info().Str("label", m.Label).Int("files", len(m.FileEntries)).Msg("backup verified")
			return nil
		},
	}
}

func newListCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups under the output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
			appSvc := app.New(cfg, logger)

			ctx, stop := signalContext()
			defer stop()

			infos, err := appSvc.List(ctx)
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Println(storage.Describe(info))
			}
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	var input string
	var output string
	var key string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key are required")
			}
			return config.EncryptConfigFile(input, output, key)
		},
	}
	encrypt.Flags().StringVar(&input, "input", "", "Input config file")
	encrypt.Flags().StringVar(&output, "output", "", "Output encrypted config file")
	encrypt.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")

	cmd.AddCommand(encrypt)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sessionctl %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func loadConfig(root *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}
	if root.Profile != "" {
		cfg.Profile.Name = root.Profile
	}
	if root.DataDir != "" {
		cfg.Profile.DataDir = root.DataDir
	}
	if root.OutputDir != "" {
		cfg.Backup.OutputDir = root.OutputDir
	}
	return cfg, nil
}

func resolvePassword(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv("SESSIONCTL_PASSWORD")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
