// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultHTTPTimeout     = 30 * time.Second
	DefaultVerifyAttempts  = 3
	DefaultVerifyInterval  = 10 * time.Second
	DefaultSettleDelay     = 3 * time.Second
	DefaultRenameAttempts  = 10
	DefaultRenameInterval  = time.Second
	DefaultMirrorRetry     = 5
	DefaultMirrorPoll      = 10 * time.Second
	DefaultMirrorMaxPolls  = 10
	DefaultMirrorQueueSize = 256
	DefaultMonitorInterval = 30 * time.Second

	DefaultMirrorTaskRefreshDelay = 3 * time.Second
)

// Config is the application configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Downloader    DownloaderConfig    `mapstructure:"downloader"`
	Mirror        MirrorConfig        `mapstructure:"mirror"`
	Notify        NotifyConfig        `mapstructure:"notify"`
	Entitlement   EntitlementConfig   `mapstructure:"entitlement"`
	Subscriptions SubscriptionsConfig `mapstructure:"subscriptions"`
	Monitor       MonitorConfig       `mapstructure:"monitor"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// DownloaderConfig holds configuration for the torrent client.
type DownloaderConfig struct {
	Type        string        `mapstructure:"type"`
	URL         string        `mapstructure:"url"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	HTTPTimeout time.Duration `mapstructure:"httpTimeout"`

	DownloadPath    string `mapstructure:"downloadPath"`
	OvaDownloadPath string `mapstructure:"ovaDownloadPath"`
	RenameTemplate  string `mapstructure:"renameTemplate"`

	Rename            bool `mapstructure:"rename"`            // start paused and resume after renaming
	WatchErrorTorrent bool `mapstructure:"watchErrorTorrent"` // verify that submitted torrents appear
	UseDownloadPath   bool `mapstructure:"useDownloadPath"`

	UpLimit                  int64    `mapstructure:"upLimit"` // KiB/s, 0 = unlimited
	DlLimit                  int64    `mapstructure:"dlLimit"` // KiB/s, 0 = unlimited
	RatioLimit               int      `mapstructure:"ratioLimit"`
	SeedingTimeLimit         int      `mapstructure:"seedingTimeLimit"`
	InactiveSeedingTimeLimit int      `mapstructure:"inactiveSeedingTimeLimit"`
	Trackers                 []string `mapstructure:"trackers"`

	VerifyAttempts int           `mapstructure:"verifyAttempts"`
	VerifyInterval time.Duration `mapstructure:"verifyInterval"`
	SettleDelay    time.Duration `mapstructure:"settleDelay"`
	RenameAttempts int           `mapstructure:"renameAttempts"`
	RenameInterval time.Duration `mapstructure:"renameInterval"`
}

// MirrorConfig holds configuration for mirroring completed downloads to remote storage.
type MirrorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Backend      string        `mapstructure:"backend"` // alist (default), rclone, s3
	Host         string        `mapstructure:"host"`
	Token        string        `mapstructure:"token"`
	Path         string        `mapstructure:"path"`
	OvaPath      string        `mapstructure:"ovaPath"`
	Retry        int           `mapstructure:"retry"`
	RetryDelay   time.Duration `mapstructure:"retryDelay"` // zero retries at once
	Task         bool          `mapstructure:"task"`       // backend runs uploads as async tasks
	PollInterval time.Duration `mapstructure:"pollInterval"`
	MaxPolls     int           `mapstructure:"maxPolls"`
	Refresh      bool          `mapstructure:"refresh"`
	RefreshDelay time.Duration `mapstructure:"refreshDelay"`
	QueueSize    int           `mapstructure:"queueSize"`
	HTTPTimeout  time.Duration `mapstructure:"httpTimeout"`
	Rclone       RcloneConfig  `mapstructure:"rclone"`
	S3           S3Config      `mapstructure:"s3"`

	// TaskRefreshDelay is the wait between a finished upload and the
	// listing refresh of its directory.
	TaskRefreshDelay time.Duration `mapstructure:"taskRefreshDelay"`
}

// Active reports whether the remote storage is used at all, either as an
// upload target or only to refresh listings of a directory it serves.
func (m MirrorConfig) Active() bool {
	return m.Enabled || m.Refresh
}

// RcloneConfig configures the rclone mirror backend.
type RcloneConfig struct {
	Remote     string    `mapstructure:"remote"` // rclone connection string, e.g. ":sftp,host=nas,user=media:/"
	SSH        SSHConfig `mapstructure:"ssh"`    // used when remote is empty
	SpeedLimit int64     `mapstructure:"speedLimit"`
}

// SSHConfig holds SSH connection configuration.
type SSHConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	KeyFile        string `mapstructure:"keyFile"`
	KnownHostsFile string `mapstructure:"knownHostsFile"`
	IgnoreHostKey  bool   `mapstructure:"ignoreHostKey"`
}

// S3Config configures the S3 mirror backend.
type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`

	// Static credentials; the default AWS credential chain is used when empty.
	AccessKeyID     string `mapstructure:"accessKeyID"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
}

// NotifyConfig holds notification configuration.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhookURL"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// EntitlementConfig gates non-essential notifications.
type EntitlementConfig struct {
	ExpiresAt int64 `mapstructure:"expiresAt"` // unix milliseconds, 0 = not entitled
}

// SubscriptionsConfig locates the subscription store.
type SubscriptionsConfig struct {
	File string `mapstructure:"file"`
}

// MonitorConfig configures the completion monitor.
type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LoadOptions configures how configuration is loaded.
type LoadOptions struct {
	// ConfigFile is an explicit config file path. If empty, default locations are searched.
	ConfigFile string
	// EnvFile is an optional dotenv file loaded before environment binding.
	EnvFile string
}

// Load reads configuration from file and environment variables.
// If opts.ConfigFile is set, that file is used directly. Otherwise $HOME, the
// current directory and /config are searched for anireap.yaml.
//
// Environment variables with prefix ANIREAP_ override config file values.
func Load(opts LoadOptions) (Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("loading env file: %w", err)
		}
	}

	v := viper.NewWithOptions(viper.ExperimentalBindStruct())

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.AddConfigPath("/config")
		v.SetConfigType("yaml")
		v.SetConfigName("anireap")
	}

	v.SetEnvPrefix("ANIREAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "[::]:7789")

	v.SetDefault("downloader.type", "qbittorrent")
	v.SetDefault("downloader.httpTimeout", DefaultHTTPTimeout)
	v.SetDefault("downloader.downloadPath", "/media/anime")
	v.SetDefault("downloader.rename", true)
	v.SetDefault("downloader.watchErrorTorrent", true)
	v.SetDefault("downloader.ratioLimit", -2)
	v.SetDefault("downloader.seedingTimeLimit", -2)
	v.SetDefault("downloader.inactiveSeedingTimeLimit", -2)
	v.SetDefault("downloader.verifyAttempts", DefaultVerifyAttempts)
	v.SetDefault("downloader.verifyInterval", DefaultVerifyInterval)
	v.SetDefault("downloader.settleDelay", DefaultSettleDelay)
	v.SetDefault("downloader.renameAttempts", DefaultRenameAttempts)
	v.SetDefault("downloader.renameInterval", DefaultRenameInterval)

	v.SetDefault("mirror.backend", "alist")
	v.SetDefault("mirror.retry", DefaultMirrorRetry)
	v.SetDefault("mirror.pollInterval", DefaultMirrorPoll)
	v.SetDefault("mirror.maxPolls", DefaultMirrorMaxPolls)
	v.SetDefault("mirror.queueSize", DefaultMirrorQueueSize)
	v.SetDefault("mirror.taskRefreshDelay", DefaultMirrorTaskRefreshDelay)
	v.SetDefault("mirror.httpTimeout", 2*time.Minute)
	v.SetDefault("mirror.rclone.ssh.port", 22)

	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("subscriptions.file", "config/subscriptions.yaml")
	v.SetDefault("monitor.interval", DefaultMonitorInterval)
}

// Valid downloader types.
//
//nolint:gochecknoglobals // validation lookup table
var validDownloaderTypes = map[string]bool{
	"qbittorrent": true,
}

// Valid mirror backends.
//
//nolint:gochecknoglobals // validation lookup table
var validMirrorBackends = map[string]bool{
	"":       true, // empty means default (alist)
	"alist":  true,
	"rclone": true,
	"s3":     true,
}

// Validate checks that the configuration is valid.
// An incomplete downloader (no url or credentials) is valid: the client reports
// itself unavailable at login instead.
func Validate(cfg *Config) error {
	var errs []error

	if !validDownloaderTypes[cfg.Downloader.Type] {
		errs = append(errs, fmt.Errorf("downloader: unknown type %q", cfg.Downloader.Type))
	}
	if cfg.Downloader.URL != "" {
		if _, err := url.Parse(cfg.Downloader.URL); err != nil {
			errs = append(errs, fmt.Errorf("downloader: invalid url: %w", err))
		}
	}
	if cfg.Downloader.VerifyAttempts < 0 || cfg.Downloader.RenameAttempts < 0 {
		errs = append(errs, errors.New("downloader: attempt counts must not be negative"))
	}

	if !validMirrorBackends[cfg.Mirror.Backend] {
		errs = append(errs, fmt.Errorf("mirror.backend: unknown backend %q", cfg.Mirror.Backend))
	}
	if cfg.Mirror.Active() {
		errs = append(errs, validateMirror(&cfg.Mirror)...)
	}

	if cfg.Subscriptions.File == "" {
		errs = append(errs, errors.New("subscriptions.file is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func validateMirror(m *MirrorConfig) []error {
	var errs []error

	if m.Path == "" {
		errs = append(errs, errors.New("mirror.path is required"))
	}

	switch m.Backend {
	case "", "alist":
		if m.Host == "" {
			errs = append(errs, errors.New("mirror.host is required"))
		} else if _, err := url.Parse(m.Host); err != nil {
			errs = append(errs, fmt.Errorf("mirror.host: invalid url: %w", err))
		}
		if m.Token == "" {
			errs = append(errs, errors.New("mirror.token is required"))
		}
	case "rclone":
		if m.Rclone.Remote == "" && m.Rclone.SSH.Host == "" {
			errs = append(errs, errors.New("mirror.rclone: remote or ssh.host is required"))
		}
		if m.Rclone.SSH.KnownHostsFile != "" && m.Rclone.SSH.IgnoreHostKey {
			errs = append(errs, errors.New(
				"mirror.rclone.ssh: knownHostsFile and ignoreHostKey are mutually exclusive"))
		}
	case "s3":
		if m.S3.Bucket == "" {
			errs = append(errs, errors.New("mirror.s3.bucket is required"))
		}
	}

	if m.Retry < 1 {
		errs = append(errs, errors.New("mirror.retry must be at least 1"))
	}
	if m.RetryDelay < 0 || m.RefreshDelay < 0 || m.TaskRefreshDelay < 0 {
		errs = append(errs, errors.New("mirror: delays must not be negative"))
	}

	return errs
}
