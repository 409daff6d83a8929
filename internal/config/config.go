package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Accounts        []AccountConfig `mapstructure:"accounts" yaml:"accounts" validate:"required,min=1,dive"`
	Database        DatabaseConfig  `mapstructure:"database" yaml:"database" validate:"required"`
	Sync            SyncConfig      `mapstructure:"sync" yaml:"sync"`
	IgnorePatterns  []string        `mapstructure:"ignore_patterns" yaml:"ignore_patterns"`
	IncludePatterns []string        `mapstructure:"include_patterns" yaml:"include_patterns,omitempty"`
}

// AccountConfig describes one server account and the local folder it syncs into
type AccountConfig struct {
	Name       string `mapstructure:"name" yaml:"name" validate:"required"`
	ServerURL  string `mapstructure:"server_url" yaml:"server_url" validate:"required,url"`
	Username   string `mapstructure:"username" yaml:"username" validate:"required"`
	Password   string `mapstructure:"password" yaml:"password" validate:"required"`
	SyncRoot   string `mapstructure:"sync_root" yaml:"sync_root" validate:"required,dir"`
	SpaceID    string `mapstructure:"space_id" yaml:"space_id,omitempty"`
	RemoteRoot string `mapstructure:"remote_root" yaml:"remote_root,omitempty"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host" yaml:"host" validate:"required"`
	Port     int    `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`
	User     string `mapstructure:"user" yaml:"user" validate:"required"`
	Password string `mapstructure:"password" yaml:"password" validate:"required"`
	Database string `mapstructure:"database" yaml:"database" validate:"required"`
	Schema   string `mapstructure:"schema" yaml:"schema,omitempty"` // Optional: derived from the first account if not specified
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// SyncConfig holds sync and transfer behavior settings
type SyncConfig struct {
	PreferLocalOnConflict bool `mapstructure:"prefer_local_on_conflict" yaml:"prefer_local_on_conflict"`
	DebounceMs            int  `mapstructure:"debounce_ms" yaml:"debounce_ms"`
	TransferWorkers       int  `mapstructure:"transfer_workers" yaml:"transfer_workers" validate:"min=0,max=32"`
	ReconcileWorkers      int  `mapstructure:"reconcile_workers" yaml:"reconcile_workers" validate:"min=0,max=64"`
	ChunkSizeMB           int  `mapstructure:"chunk_size_mb" yaml:"chunk_size_mb" validate:"min=0"`
	TusThresholdMB        int  `mapstructure:"tus_threshold_mb" yaml:"tus_threshold_mb" validate:"min=0"`
	CreationWithUpload    bool `mapstructure:"creation_with_upload" yaml:"creation_with_upload"`
	RetryAttempts         int  `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelayMs          int  `mapstructure:"retry_delay_ms" yaml:"retry_delay_ms"`
	RequestTimeoutS       int  `mapstructure:"request_timeout_s" yaml:"request_timeout_s"`
}

// ChunkSize returns the TUS chunk size in bytes
func (s SyncConfig) ChunkSize() int64 {
	return int64(s.ChunkSizeMB) * 1024 * 1024
}

// TusThreshold returns the file size in bytes from which uploads go through TUS
func (s SyncConfig) TusThreshold() int64 {
	return int64(s.TusThresholdMB) * 1024 * 1024
}

// RetryDelay returns the base delay between transport retries
func (s SyncConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMs) * time.Millisecond
}

// RequestTimeout returns the per-request timeout, zero meaning none
func (s SyncConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutS) * time.Second
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User), url.QueryEscape(d.Password), d.Host, d.Port, d.Database, sslMode,
	)
	if d.Schema != "" {
		connStr += "&search_path=" + d.Schema + ",public"
	}
	return connStr
}

// Account returns the account with the given name
func (c *Config) Account(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("unknown account %q", name)
}

// DefaultAccount returns the account named by name, or the first configured one when name is empty
func (c *Config) DefaultAccount(name string) (*AccountConfig, error) {
	if name != "" {
		return c.Account(name)
	}
	if len(c.Accounts) == 0 {
		return nil, fmt.Errorf("no accounts configured")
	}
	return &c.Accounts[0], nil
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Port:    5432,
			SSLMode: "require",
		},
		Sync: SyncConfig{
			PreferLocalOnConflict: false,
			DebounceMs:            2000,
			TransferWorkers:       3,
			ReconcileWorkers:      4,
			ChunkSizeMB:           10,
			TusThresholdMB:        10,
			CreationWithUpload:    false,
			RetryAttempts:         3,
			RetryDelayMs:          1000,
			RequestTimeoutS:       0,
		},
		IgnorePatterns: []string{
			".git/**",
			"**/.DS_Store",
			"**/*_conflicted_copy_*",
			"**/.cloudsync-*.part",
		},
	}
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("database.port", defaults.Database.Port)
	v.SetDefault("database.sslmode", defaults.Database.SSLMode)
	v.SetDefault("sync.prefer_local_on_conflict", defaults.Sync.PreferLocalOnConflict)
	v.SetDefault("sync.debounce_ms", defaults.Sync.DebounceMs)
	v.SetDefault("sync.transfer_workers", defaults.Sync.TransferWorkers)
	v.SetDefault("sync.reconcile_workers", defaults.Sync.ReconcileWorkers)
	v.SetDefault("sync.chunk_size_mb", defaults.Sync.ChunkSizeMB)
	v.SetDefault("sync.tus_threshold_mb", defaults.Sync.TusThresholdMB)
	v.SetDefault("sync.creation_with_upload", defaults.Sync.CreationWithUpload)
	v.SetDefault("sync.retry_attempts", defaults.Sync.RetryAttempts)
	v.SetDefault("sync.retry_delay_ms", defaults.Sync.RetryDelayMs)
	v.SetDefault("sync.request_timeout_s", defaults.Sync.RequestTimeoutS)
	v.SetDefault("ignore_patterns", defaults.IgnorePatterns)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("CLOUDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		acc.Password = os.ExpandEnv(acc.Password)
		acc.SyncRoot = expandPath(acc.SyncRoot)
		acc.ServerURL = strings.TrimRight(acc.ServerURL, "/")
		acc.RemoteRoot = normalizeRemoteRoot(acc.RemoteRoot)
	}

	if cfg.Database.Schema == "" && len(cfg.Accounts) > 0 {
		cfg.Database.Schema = SanitizeIdentifier(cfg.Accounts[0].Name)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks struct constraints and cross-field rules
func Validate(cfg *Config) error {
	validate := validator.New()

	validate.RegisterValidation("dir", func(fl validator.FieldLevel) bool {
		path := fl.Field().String()
		if path == "" {
			return false
		}
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		return info.IsDir()
	})

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		if seen[acc.Name] {
			return fmt.Errorf("config validation failed: duplicate account %q", acc.Name)
		}
		seen[acc.Name] = true
	}

	return nil
}

// WriteFile serializes cfg as YAML to path, creating parent directories
func WriteFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// getConfigDir returns the appropriate config directory for the OS
func getConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "cloudsync")
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", "cloudsync")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "cloudsync")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "cloudsync")
	}
}

// GetStateDir returns the directory for storing state files
func GetStateDir() (string, error) {
	dir := getConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

// expandPath expands ~ and environment variables in a path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return os.ExpandEnv(path)
}

// normalizeRemoteRoot makes the remote root absolute, slash separated and without trailing slash
func normalizeRemoteRoot(root string) string {
	root = strings.Trim(strings.ReplaceAll(root, "\\", "/"), "/")
	return "/" + root
}

var (
	invalidIdentChars = regexp.MustCompile(`[^a-z0-9_]`)
	repeatedUnderscore = regexp.MustCompile(`_+`)
)

// SanitizeIdentifier converts an account name into a valid PostgreSQL identifier (schema name)
// Rules:
// - Lowercase only
// - Starts with letter or underscore
// - Contains only letters, digits, underscores
// - Spaces, hyphens, dots and @ become underscores
// - Max 63 characters (PostgreSQL limit)
func SanitizeIdentifier(name string) string {
	name = strings.ToLower(name)

	name = strings.NewReplacer(" ", "_", "-", "_", ".", "_", "@", "_").Replace(name)
	name = invalidIdentChars.ReplaceAllString(name, "")
	name = repeatedUnderscore.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")

	if len(name) == 0 {
		name = "cloudsync"
	} else if unicode.IsDigit(rune(name[0])) {
		name = "account_" + name
	}

	if len(name) > 63 {
		name = name[:63]
		name = strings.TrimRight(name, "_")
	}

	return name
}
