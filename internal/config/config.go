// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultHTTPTimeout  = 30 * time.Second
	DefaultDatabasePath = "/data/pocketcloud.db"
	DefaultSyncRoot     = "/data/files"
)

// Config is the application configuration.
type Config struct {
	Server   ServerConfig             `mapstructure:"server"`
	Accounts map[string]AccountConfig `mapstructure:"accounts"`
	Upload   UploadConfig             `mapstructure:"upload"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// AccountConfig holds the connection details of one sync-server account.
type AccountConfig struct {
	URL           string        `mapstructure:"url"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	ServerVersion string        `mapstructure:"serverVersion"` // advertised version, enables chunked uploads from 4.5
	HTTPTimeout   time.Duration `mapstructure:"httpTimeout"`
}

// UploadConfig holds upload-engine configuration.
type UploadConfig struct {
	DatabasePath string `mapstructure:"databasePath"`
	SyncRoot     string `mapstructure:"syncRoot"`    // local root for copy/move post-actions
	MailboxSize  int    `mapstructure:"mailboxSize"` // worker mailbox capacity, 0 = default
	InstantRoot  string `mapstructure:"instantRoot"` // remote folder instant uploads land in
}

// LoadOptions configures how configuration is loaded.
type LoadOptions struct {
	// ConfigFile is an explicit config file path. If empty, default locations are searched.
	ConfigFile string
}

// Load reads configuration from file and environment variables.
// If opts.ConfigFile is set, that file is used directly.
// Otherwise, it searches default locations: $HOME, current directory, /config
// for files named .pocketcloud.yaml, pocketcloud.yaml, or config.yaml.
//
// Environment variables with prefix POCKETCLOUD_ override config file values.
// For the dynamic accounts map, set POCKETCLOUD_ACCOUNTS to a comma-separated
// list of account names to enable env var binding for those entries.
func Load(opts LoadOptions) (Config, error) {
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
		v.SetConfigName(".pocketcloud")
		v.SetConfigName("pocketcloud")
		v.SetConfigName("config")
	}

	// Environment variables
	v.SetEnvPrefix("POCKETCLOUD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind env vars for dynamic map keys if specified
	bindAccountEnvVars(v)

	// Set defaults
	v.SetDefault("server.listen", "[::]:8424")
	v.SetDefault("upload.databasePath", DefaultDatabasePath)
	v.SetDefault("upload.syncRoot", DefaultSyncRoot)
	v.SetDefault("upload.instantRoot", "/InstantUpload")

	// Read config file (ignore error if not found)
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	setDefaultsOnListConfigs(&cfg)

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaultsOnListConfigs applies default values to config fields that can't
// be set with viper.SetDefault.
func setDefaultsOnListConfigs(cfg *Config) {
	for name, acct := range cfg.Accounts {
		if acct.HTTPTimeout == 0 {
			acct.HTTPTimeout = DefaultHTTPTimeout
		}
		cfg.Accounts[name] = acct
	}
}

// validate checks that the configuration is valid.
func validate(cfg *Config) error {
	var errs []error

	for name, acct := range cfg.Accounts {
		if acct.URL == "" {
			errs = append(errs, fmt.Errorf("account %q: url is required", name))
		} else if _, err := url.Parse(acct.URL); err != nil {
			errs = append(errs, fmt.Errorf("account %q: invalid url: %w", name, err))
		}

		if acct.Username == "" {
			errs = append(errs, fmt.Errorf("account %q: username is required", name))
		}
		if acct.Password == "" {
			errs = append(errs, fmt.Errorf("account %q: password is required", name))
		}
	}

	if cfg.Upload.DatabasePath == "" {
		errs = append(errs, errors.New("upload.databasePath is required"))
	}
	if cfg.Upload.SyncRoot == "" {
		errs = append(errs, errors.New("upload.syncRoot is required"))
	}
	if cfg.Upload.MailboxSize < 0 {
		errs = append(errs, errors.New("upload.mailboxSize must not be negative"))
	}
	if cfg.Upload.InstantRoot != "" && !strings.HasPrefix(cfg.Upload.InstantRoot, "/") {
		errs = append(errs, errors.New("upload.instantRoot must be an absolute remote path"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// accountEnvFields lists all AccountConfig fields for env var binding.
// This must be kept in sync with the AccountConfig struct.
// Tests verify this list matches the struct fields.
//
//nolint:gochecknoglobals // env var binding field list
var accountEnvFields = []string{
	"url",
	"username",
	"password",
	"serverVersion",
	"httpTimeout",
}

// bindAccountEnvVars reads the POCKETCLOUD_ACCOUNTS env var to get the list of
// account names, then binds all account fields for each name using MustBindEnv.
// This allows viper to discover dynamic map keys from environment variables.
// The list env var is unset after reading to prevent viper from treating it as
// the "accounts" config key (which would cause a type mismatch).
func bindAccountEnvVars(v *viper.Viper) {
	accountsEnv := os.Getenv("POCKETCLOUD_ACCOUNTS")
	if accountsEnv == "" {
		return
	}

	// Unset the list env var so viper doesn't interpret it as accounts=string
	_ = os.Unsetenv("POCKETCLOUD_ACCOUNTS")

	for name := range strings.SplitSeq(accountsEnv, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		for _, field := range accountEnvFields {
			key := "accounts." + name + "." + field
			v.MustBindEnv(key)
		}
	}
}
