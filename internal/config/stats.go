package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// StatsConfig holds the aggregation and presentation settings shared by the
// stats, export and reset commands.
type StatsConfig struct {
	RPCURL           string
	Store            StoreConfig
	StatThreshold    float64
	DisplayThreshold float64
	View             string
	Sort             string
	Limit            int
	SilenceDecimals  int32
	USDTDecimals     int32
	SilenceToken     string
	USDTToken        string
	Out              string
	LogLevel         string
}

// LoadStats merges config file, environment variables, and flags into StatsConfig.
func LoadStats(cfgFile string, flags *pflag.FlagSet) (StatsConfig, error) {
	v, err := newViper(cfgFile, flags)
	if err != nil {
		return StatsConfig{}, err
	}
	return statsFromViper(v)
}

func statsFromViper(v *viper.Viper) (StatsConfig, error) {
	cfg := StatsConfig{
		RPCURL:           v.GetString("rpc"),
		Store:            storeFromViper(v),
		StatThreshold:    v.GetFloat64("stat-threshold"),
		DisplayThreshold: v.GetFloat64("display-threshold"),
		View:             v.GetString("view"),
		Sort:             v.GetString("sort"),
		Limit:            v.GetInt("limit"),
		SilenceDecimals:  v.GetInt32("silence-decimals"),
		USDTDecimals:     v.GetInt32("usdt-decimals"),
		SilenceToken:     v.GetString("silence-token"),
		USDTToken:        v.GetString("usdt-token"),
		Out:              v.GetString("out"),
		LogLevel:         v.GetString("log-level"),
	}
	if cfg.StatThreshold < 0 || cfg.DisplayThreshold < 0 {
		return StatsConfig{}, fmt.Errorf("thresholds must be >= 0")
	}
	if cfg.SilenceDecimals < 0 || cfg.USDTDecimals < 0 {
		return StatsConfig{}, fmt.Errorf("decimals must be >= 0")
	}
	if cfg.Limit < 0 {
		cfg.Limit = 0
	}
	return cfg, nil
}
