package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// StoreConfig selects the event store backend.
type StoreConfig struct {
	Driver string
	Path   string
	DSN    string
}

// Config holds the sync configuration loaded from flags, env, or config file.
type Config struct {
	RPCURL        string
	Contract      string
	Topic0        string
	StartTime     time.Time
	EndTime       time.Time
	BatchSize     uint64
	BlockInterval time.Duration
	PacingDelay   time.Duration
	RetryDelay    time.Duration
	SettleDelay   time.Duration
	MaxRetries    int
	AnchorRefresh time.Duration
	Follow        bool
	MetricsAddr   string
	Store         StoreConfig
	Stats         StatsConfig
	LogLevel      string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v, err := newViper(cfgFile, flags)
	if err != nil {
		return Config{}, err
	}

	start, err := ParseTime(v.GetString("start-time"), time.Local)
	if err != nil {
		return Config{}, fmt.Errorf("start-time: %w", err)
	}
	end, err := ParseTime(v.GetString("end-time"), time.Local)
	if err != nil {
		return Config{}, fmt.Errorf("end-time: %w", err)
	}
	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		return Config{}, fmt.Errorf("end-time must be after start-time")
	}

	stats, err := statsFromViper(v)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPCURL:        v.GetString("rpc"),
		Contract:      v.GetString("contract"),
		Topic0:        v.GetString("topic0"),
		StartTime:     start,
		EndTime:       end,
		BatchSize:     v.GetUint64("batch-size"),
		BlockInterval: v.GetDuration("block-interval"),
		PacingDelay:   v.GetDuration("pacing-delay"),
		RetryDelay:    v.GetDuration("retry-delay"),
		SettleDelay:   v.GetDuration("settle-delay"),
		MaxRetries:    v.GetInt("max-retries"),
		AnchorRefresh: v.GetDuration("anchor-refresh"),
		Follow:        v.GetBool("follow"),
		MetricsAddr:   v.GetString("metrics-addr"),
		Store:         storeFromViper(v),
		Stats:         stats,
		LogLevel:      v.GetString("log-level"),
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BlockInterval < time.Millisecond {
		return Config{}, fmt.Errorf("block-interval must be at least 1ms, got %s", cfg.BlockInterval)
	}
	return cfg, nil
}

func newViper(cfgFile string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("block-interval", 2*time.Second)
	v.SetDefault("pacing-delay", 200*time.Millisecond)
	v.SetDefault("retry-delay", 5*time.Second)
	v.SetDefault("settle-delay", time.Second)
	v.SetDefault("max-retries", 0)
	v.SetDefault("anchor-refresh", time.Minute)
	v.SetDefault("store", "sqlite")
	v.SetDefault("store-path", "./data/events.db")
	v.SetDefault("view", "all")
	v.SetDefault("sort", "silence")
	v.SetDefault("silence-decimals", 18)
	v.SetDefault("usdt-decimals", 18)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

func storeFromViper(v *viper.Viper) StoreConfig {
	return StoreConfig{
		Driver: strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		Path:   v.GetString("store-path"),
		DSN:    v.GetString("pg-dsn"),
	}
}
