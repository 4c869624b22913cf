package config

import (
	"time"
)

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Profile       ProfileConfig       `mapstructure:"profile"`
	Backup        BackupConfig        `mapstructure:"backup"`
	Restore       RestoreConfig       `mapstructure:"restore"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

type GlobalConfig struct {
	LogLevel         string `mapstructure:"log_level"`
	LogFormat        string `mapstructure:"log_format"` // json or console
	ConfigPassphrase string `mapstructure:"config_passphrase"`
}

// ProfileConfig resolves the chat application's local data store. The
// resolved paths are passed explicitly into backup and restore calls
// so one process can operate on several profiles.
type ProfileConfig struct {
	Name    string `mapstructure:"name"`     // e.g. "production"
	DataDir string `mapstructure:"data_dir"` // overrides platform resolution
}

type BackupConfig struct {
	OutputDir          string        `mapstructure:"output_dir"`
	IncludeAttachments bool          `mapstructure:"include_attachments"`
	Compression        string        `mapstructure:"compression"` // none, gzip, zstd
	Encrypt            bool          `mapstructure:"encrypt"`
	RetryCount         int           `mapstructure:"retry_count"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	Retention          Retention     `mapstructure:"retention"`
}

type Retention struct {
	KeepLast int `mapstructure:"keep_last"`
}

type RestoreConfig struct {
	DryRun bool `mapstructure:"dry_run"`
}

type NotificationsConfig struct {
	Webhooks []WebhookConfig `mapstructure:"webhooks"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}
