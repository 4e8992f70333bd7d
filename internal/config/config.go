package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for slotcached.
type Config struct {
	Server   ServerConfig    `mapstructure:"server"   toml:"server"`
	Model    ModelConfig     `mapstructure:"model"    toml:"model"`
	Backends []BackendConfig `mapstructure:"backends" toml:"backends"`
	Cache    CacheConfig     `mapstructure:"cache"    toml:"cache"`
	Cleanup  CleanupConfig   `mapstructure:"cleanup"  toml:"cleanup"`
	Journal  JournalConfig   `mapstructure:"journal"  toml:"journal"`
}

// ServerConfig holds the inbound HTTP server settings.
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"  toml:"bind_address"`
	Port         int    `mapstructure:"port"          toml:"port"`
	LogLevel     string `mapstructure:"log_level"     toml:"log_level"`
	DataDir      string `mapstructure:"data_dir"      toml:"data_dir"`
	ReadTimeout  int    `mapstructure:"read_timeout"  toml:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout" toml:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"  toml:"idle_timeout"`
	MaxBodySize  int64  `mapstructure:"max_body_size" toml:"max_body_size"`
}

// ModelConfig controls the model identity advertised on /v1/models. The
// advertised id is the proxy's own name; each backend's reported id is used
// only for content keys.
type ModelConfig struct {
	ID string `mapstructure:"id" toml:"id"`
}

// BackendConfig describes one inference backend with a fixed slot count.
type BackendConfig struct {
	ID             string `mapstructure:"id"              toml:"id"`
	URL            string `mapstructure:"url"             toml:"url"`
	Slots          int    `mapstructure:"slots"           toml:"slots"`
	RequestTimeout int    `mapstructure:"request_timeout" toml:"request_timeout"` // seconds
}

// RequestTimeoutDuration returns the backend request timeout as a time.Duration.
func (b BackendConfig) RequestTimeoutDuration() time.Duration {
	if b.RequestTimeout <= 0 {
		return time.Duration(DefaultRequestTimeout) * time.Second
	}
	return time.Duration(b.RequestTimeout) * time.Second
}

// CacheConfig controls the prefix-similarity cache engine.
type CacheConfig struct {
	WordsPerBlock       int      `mapstructure:"words_per_block"      toml:"words_per_block"`
	SimilarityThreshold float64  `mapstructure:"similarity_threshold" toml:"similarity_threshold"`
	ThresholdMode       string   `mapstructure:"threshold_mode"       toml:"threshold_mode"` // chars | words | blocks
	MinPrefixChars      int      `mapstructure:"min_prefix_chars"     toml:"min_prefix_chars"`
	MinPrefixWords      int      `mapstructure:"min_prefix_words"     toml:"min_prefix_words"`
	MinPrefixBlocks     int      `mapstructure:"min_prefix_blocks"    toml:"min_prefix_blocks"`
	MetaDir             string   `mapstructure:"meta_dir"             toml:"meta_dir"`
	ScanLimit           int      `mapstructure:"scan_limit"           toml:"scan_limit"`
	SnapshotMount       string   `mapstructure:"snapshot_mount"       toml:"snapshot_mount"`
	PinnedKeys          []string `mapstructure:"pinned_keys"          toml:"pinned_keys"`
	Strategy            string   `mapstructure:"strategy"             toml:"strategy"` // roleless | role-marked
	SystemPromptFile    string   `mapstructure:"system_prompt_file"   toml:"system_prompt_file"`
}

// MetaDirPath returns the metadata directory, defaulting to a subdirectory of
// the data dir when unset.
func (c CacheConfig) MetaDirPath(dataDir string) string {
	if c.MetaDir != "" {
		return c.MetaDir
	}
	return filepath.Join(dataDir, "kvslots_meta")
}

// CleanupConfig controls metadata/snapshot cleanup. An empty schedule means
// cleanup runs only on demand via the CLI.
type CleanupConfig struct {
	Schedule     string `mapstructure:"schedule"       toml:"schedule"` // cron expression
	MaxAge       string `mapstructure:"max_age"        toml:"max_age"`  // duration, e.g. "168h"
	MaxTotalSize string `mapstructure:"max_total_size" toml:"max_total_size"`
}

// MaxAgeDuration parses the max_age field. Zero means no age bound.
func (c CleanupConfig) MaxAgeDuration() (time.Duration, error) {
	if c.MaxAge == "" || c.MaxAge == "0" {
		return 0, nil
	}
	return time.ParseDuration(c.MaxAge)
}

// MaxTotalBytes parses the max_total_size field. Zero means no size bound.
func (c CleanupConfig) MaxTotalBytes() (int64, error) {
	if c.MaxTotalSize == "" || c.MaxTotalSize == "0" {
		return 0, nil
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(c.MaxTotalSize)); err != nil {
		return 0, fmt.Errorf("parsing cleanup.max_total_size: %w", err)
	}
	return int64(v.Bytes()), nil
}

// JournalConfig controls the SQLite request journal.
type JournalConfig struct {
	Enabled       bool `mapstructure:"enabled"        toml:"enabled"`
	RetentionDays int  `mapstructure:"retention_days" toml:"retention_days"`
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (SLOTCACHED_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.slotcached/slotcached.toml
//  4. ./slotcached.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Set all defaults from the default config so viper knows every key.
	setViperDefaults(v)

	// Environment variable overlay: SLOTCACHED_SERVER_PORT etc.
	v.SetEnvPrefix("SLOTCACHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Determine which file(s) to read.
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".slotcached"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("slotcached")
	}

	if err := v.ReadInConfig(); err != nil {
		// If no config file exists we still proceed with defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Store the resolved config file path.
	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	// A configured backends list replaces the default entry outright, so an
	// entry never inherits fields (such as url) from the default backend.
	if v.IsSet("backends") {
		cfg.Backends = nil
	}
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Single-backend convenience: SLOTCACHED_BACKEND_URL overrides the
	// backends list entirely, matching the common one-server deployment.
	if url := os.Getenv("SLOTCACHED_BACKEND_URL"); url != "" {
		slots := DefaultSlotsPerBackend
		if s := os.Getenv("SLOTCACHED_BACKEND_SLOTS"); s != "" {
			if n, err := parsePositiveInt(s); err == nil {
				slots = n
			}
		}
		cfg.Backends = []BackendConfig{{ID: "default", URL: url, Slots: slots}}
	}

	// Expand ~ in paths.
	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	cfg.Cache.MetaDir = expandHome(cfg.Cache.MetaDir)
	cfg.Cache.SnapshotMount = expandHome(cfg.Cache.SnapshotMount)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to ~/.slotcached/slotcached.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".slotcached")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	cfg := Get()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ImportConfig reads a TOML config file, overlays it on the built-in defaults
// (not on the current config), validates it, and makes it the current config.
// The imported config is also persisted to the active config file so changes
// survive restarts.
func ImportConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return err
	}
	set(cfg)

	// Persist to the active config file so changes survive restart.
	if dest := ConfigFilePath(); dest != "" {
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config for persistence: %w", err)
		}
		if err := os.WriteFile(dest, out, 0o600); err != nil {
			return fmt.Errorf("persisting imported config: %w", err)
		}
	}

	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var binding
// works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)

	// Model
	v.SetDefault("model.id", d.Model.ID)

	// Cache
	v.SetDefault("cache.words_per_block", d.Cache.WordsPerBlock)
	v.SetDefault("cache.similarity_threshold", d.Cache.SimilarityThreshold)
	v.SetDefault("cache.threshold_mode", d.Cache.ThresholdMode)
	v.SetDefault("cache.min_prefix_chars", d.Cache.MinPrefixChars)
	v.SetDefault("cache.min_prefix_words", d.Cache.MinPrefixWords)
	v.SetDefault("cache.min_prefix_blocks", d.Cache.MinPrefixBlocks)
	v.SetDefault("cache.meta_dir", d.Cache.MetaDir)
	v.SetDefault("cache.scan_limit", d.Cache.ScanLimit)
	v.SetDefault("cache.snapshot_mount", d.Cache.SnapshotMount)
	v.SetDefault("cache.pinned_keys", d.Cache.PinnedKeys)
	v.SetDefault("cache.strategy", d.Cache.Strategy)
	v.SetDefault("cache.system_prompt_file", d.Cache.SystemPromptFile)

	// Cleanup
	v.SetDefault("cleanup.schedule", d.Cleanup.Schedule)
	v.SetDefault("cleanup.max_age", d.Cleanup.MaxAge)
	v.SetDefault("cleanup.max_total_size", d.Cleanup.MaxTotalSize)

	// Journal
	v.SetDefault("journal.enabled", d.Journal.Enabled)
	v.SetDefault("journal.retention_days", d.Journal.RetentionDays)
}

// parsePositiveInt parses s as a positive integer.
func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("value must be positive, got %d", n)
	}
	return n, nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
