// Package config loads driveguard settings from YAML files and
// DRIVEGUARD_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/driveguard/driveguard/pkg/dlp"
)

// Config is the full daemon configuration.
type Config struct {
	Scanning    ScanningConfig    `mapstructure:"scanning" yaml:"scanning"`
	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Archive     ArchiveConfig     `mapstructure:"archive" yaml:"archive"`
	Enforcement EnforcementConfig `mapstructure:"enforcement" yaml:"enforcement"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ScanningConfig shapes the content scanner.
type ScanningConfig struct {
	Action             string              `mapstructure:"action" yaml:"action"`
	FailOpen           bool                `mapstructure:"fail_open" yaml:"fail_open"`
	MaxFileSizeMB      int64               `mapstructure:"max_file_size_mb" yaml:"max_file_size_mb"`
	AllowOversize      bool                `mapstructure:"allow_oversize" yaml:"allow_oversize"`
	TimeoutSeconds     int                 `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	FullScanLargeFiles bool                `mapstructure:"full_scan_large_files" yaml:"full_scan_large_files"`
	ExemptExtensions   []string            `mapstructure:"exempt_extensions" yaml:"exempt_extensions"`
	WarnThreshold      float64             `mapstructure:"warn_threshold" yaml:"warn_threshold"`
	BlockThreshold     float64             `mapstructure:"block_threshold" yaml:"block_threshold"`
	EnabledCategories  []string            `mapstructure:"enabled_categories" yaml:"enabled_categories"`
	DisabledPatterns   []string            `mapstructure:"disabled_patterns" yaml:"disabled_patterns"`
	CustomPatterns     []dlp.CustomPattern `mapstructure:"custom_patterns" yaml:"custom_patterns"`
}

// CacheConfig shapes the scan result cache.
type CacheConfig struct {
	Enabled    bool  `mapstructure:"enabled" yaml:"enabled"`
	MaxSizeMB  int64 `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	TTLMinutes int   `mapstructure:"ttl_minutes" yaml:"ttl_minutes"`
}

// ArchiveConfig bounds recursive archive scanning.
type ArchiveConfig struct {
	MaxDepth        int   `mapstructure:"max_depth" yaml:"max_depth"`
	MaxMembers      int   `mapstructure:"max_members" yaml:"max_members"`
	MaxMemberSizeMB int64 `mapstructure:"max_member_size_mb" yaml:"max_member_size_mb"`
	TimeoutSeconds  int   `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	BlockEncrypted  bool  `mapstructure:"block_encrypted" yaml:"block_encrypted"`
}

// EnforcementConfig controls per-volume blocking behavior.
type EnforcementConfig struct {
	EnforceEncrypted bool `mapstructure:"enforce_encrypted" yaml:"enforce_encrypted"`
	SecureDelete     bool `mapstructure:"secure_delete" yaml:"secure_delete"`
}

// LoggingConfig shapes logrus output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func setDefaults(v *viper.Viper) {
	def := dlp.DefaultConfig()

	v.SetDefault("scanning.action", "block")
	v.SetDefault("scanning.fail_open", false)
	v.SetDefault("scanning.max_file_size_mb", def.MaxFileSize>>20)
	v.SetDefault("scanning.allow_oversize", false)
	v.SetDefault("scanning.timeout_seconds", int(def.ScanTimeout/time.Second))
	v.SetDefault("scanning.full_scan_large_files", false)
	v.SetDefault("scanning.exempt_extensions", def.ExemptExtensions)
	v.SetDefault("scanning.warn_threshold", def.WarnThreshold)
	v.SetDefault("scanning.block_threshold", def.BlockThreshold)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_size_mb", def.CacheMaxBytes>>20)
	v.SetDefault("cache.ttl_minutes", int(def.CacheTTL/time.Minute))

	v.SetDefault("archive.max_depth", def.Archive.MaxDepth)
	v.SetDefault("archive.max_members", def.Archive.MaxMembers)
	v.SetDefault("archive.max_member_size_mb", def.Archive.MaxMemberSize>>20)
	v.SetDefault("archive.timeout_seconds", int(def.Archive.Timeout/time.Second))
	v.SetDefault("archive.block_encrypted", def.Archive.BlockEncrypted)

	v.SetDefault("enforcement.enforce_encrypted", false)
	v.SetDefault("enforcement.secure_delete", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads configuration from the given file path, falling back to
// defaults plus environment overrides when path is empty or the file
// is absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DRIVEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		v.SetConfigName("driveguard")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/driveguard")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine would refuse at construction.
func (c *Config) Validate() error {
	if _, err := dlp.ParseScanAction(c.Scanning.Action); err != nil {
		return err
	}
	if c.Scanning.WarnThreshold < 0 || c.Scanning.WarnThreshold > 1 {
		return fmt.Errorf("scanning.warn_threshold %v out of range [0,1]", c.Scanning.WarnThreshold)
	}
	if c.Scanning.BlockThreshold < 0 || c.Scanning.BlockThreshold > 1 {
		return fmt.Errorf("scanning.block_threshold %v out of range [0,1]", c.Scanning.BlockThreshold)
	}
	if c.Scanning.TimeoutSeconds <= 0 {
		return fmt.Errorf("scanning.timeout_seconds must be positive")
	}
	if c.Archive.MaxDepth < 1 {
		return fmt.Errorf("archive.max_depth must be at least 1")
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// ToScannerConfig converts the file-level settings into the engine's
// configuration.
func (c *Config) ToScannerConfig() dlp.Config {
	action, _ := dlp.ParseScanAction(c.Scanning.Action)

	cfg := dlp.DefaultConfig()
	cfg.DetectionAction = action
	cfg.FailOpen = c.Scanning.FailOpen
	cfg.MaxFileSize = c.Scanning.MaxFileSizeMB << 20
	cfg.AllowOversize = c.Scanning.AllowOversize
	cfg.ScanTimeout = time.Duration(c.Scanning.TimeoutSeconds) * time.Second
	cfg.FullScanLargeFiles = c.Scanning.FullScanLargeFiles
	cfg.ExemptExtensions = c.Scanning.ExemptExtensions
	cfg.WarnThreshold = c.Scanning.WarnThreshold
	cfg.BlockThreshold = c.Scanning.BlockThreshold

	cfg.CacheEnabled = c.Cache.Enabled
	cfg.CacheMaxBytes = c.Cache.MaxSizeMB << 20
	cfg.CacheTTL = time.Duration(c.Cache.TTLMinutes) * time.Minute

	cfg.Archive.MaxDepth = c.Archive.MaxDepth
	cfg.Archive.MaxMembers = c.Archive.MaxMembers
	cfg.Archive.MaxMemberSize = c.Archive.MaxMemberSizeMB << 20
	cfg.Archive.Timeout = time.Duration(c.Archive.TimeoutSeconds) * time.Second
	cfg.Archive.BlockEncrypted = c.Archive.BlockEncrypted

	for _, cat := range c.Scanning.EnabledCategories {
		cfg.Library.EnabledCategories = append(cfg.Library.EnabledCategories, dlp.Category(cat))
	}
	cfg.Library.DisabledPatterns = c.Scanning.DisabledPatterns
	cfg.Library.CustomPatterns = c.Scanning.CustomPatterns
	return cfg
}

// ConfigureLogging applies the logging section to the global logger.
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if strings.EqualFold(c.Logging.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
