package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	SafeMode           bool     `mapstructure:"safe_mode"`
	EmergencyHotkey    string   `mapstructure:"emergency_hotkey"`
	ClientProcessNames []string `mapstructure:"client_process_names"`
	CacheTTLSeconds    int      `mapstructure:"cache_ttl_seconds"`
	MaxRetries         int      `mapstructure:"max_retries"`
	RetryBackoffMs     int      `mapstructure:"retry_backoff_ms"`
	AdapterAllowlist   []string `mapstructure:"adapter_allowlist"`
	EventFeedAddr      string   `mapstructure:"event_feed_addr"`
	LogLevel           string   `mapstructure:"log_level"`
	LogFormat          string   `mapstructure:"log_format"`
	AuditMaxSizeMB     int      `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups    int      `mapstructure:"audit_max_backups"`
}

func Default() *Config {
	return &Config{
		EmergencyHotkey:    "ctrl+alt+f8",
		ClientProcessNames: []string{"mstsc.exe", "msrdc.exe"},
		CacheTTLSeconds:    5,
		MaxRetries:         3,
		RetryBackoffMs:     250,
		EventFeedAddr:      "127.0.0.1:7816",
		LogLevel:           "info",
		LogFormat:          "text",
		AuditMaxSizeMB:     10,
		AuditMaxBackups:    3,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("veil")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("VEIL")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Save(cfg *Config, cfgFile string) error {
	viper.Set("safe_mode", cfg.SafeMode)
	viper.Set("emergency_hotkey", cfg.EmergencyHotkey)
	viper.Set("client_process_names", cfg.ClientProcessNames)
	viper.Set("cache_ttl_seconds", cfg.CacheTTLSeconds)
	viper.Set("max_retries", cfg.MaxRetries)
	viper.Set("retry_backoff_ms", cfg.RetryBackoffMs)
	viper.Set("adapter_allowlist", cfg.AdapterAllowlist)
	viper.Set("event_feed_addr", cfg.EventFeedAddr)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)
	viper.Set("audit_max_size_mb", cfg.AuditMaxSizeMB)
	viper.Set("audit_max_backups", cfg.AuditMaxBackups)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "veil.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0700); err != nil {
		return err
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the directory for logs and audit records.
func GetDataDir() string {
	return filepath.Join(configDir(), "data")
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Veil")
	case "darwin":
		return "/Library/Application Support/Veil"
	default:
		return "/etc/veil"
	}
}
