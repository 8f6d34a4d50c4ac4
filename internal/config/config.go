// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is a plain value passed at construction; nothing reads it globally.
type Config struct {
	Connection ConnectionConfig `mapstructure:"connection"`
	Gossip     GossipConfig     `mapstructure:"gossip"`

	MaxConnections int  `mapstructure:"max_connections"`
	Debug          bool `mapstructure:"debug"`
}

type ConnectionConfig struct {
	TimeoutMs           int64    `mapstructure:"timeout_ms"`
	MaxRetries          int      `mapstructure:"max_retries"`
	HeartbeatIntervalMs int64    `mapstructure:"heartbeat_interval_ms"`
	EnableObfuscation   bool     `mapstructure:"enable_obfuscation"`
	RTCConfig           []string `mapstructure:"rtc_config"`
	RelayServers        []string `mapstructure:"relay_servers"`
}

type GossipConfig struct {
	MaxHops               int   `mapstructure:"max_hops"`
	IntervalMs            int64 `mapstructure:"interval_ms"`
	MessageTTLMs          int64 `mapstructure:"message_ttl_ms"`
	EnableAutoPropagation bool  `mapstructure:"enable_auto_propagation"`
	MaxConcurrentGossip   int   `mapstructure:"max_concurrent_gossip"`
}

func Default() Config {
	return Config{
		Connection: ConnectionConfig{
			TimeoutMs:           30_000,
			MaxRetries:          3,
			HeartbeatIntervalMs: 30_000,
		},
		Gossip: GossipConfig{
			MaxHops:               10,
			IntervalMs:            5_000,
			MessageTTLMs:          300_000,
			EnableAutoPropagation: true,
			MaxConcurrentGossip:   5,
		},
		MaxConnections: 50,
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v, cfg)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("connection.timeout_ms", cfg.Connection.TimeoutMs)
	v.SetDefault("connection.max_retries", cfg.Connection.MaxRetries)
	v.SetDefault("connection.heartbeat_interval_ms", cfg.Connection.HeartbeatIntervalMs)
	v.SetDefault("connection.enable_obfuscation", cfg.Connection.EnableObfuscation)
	v.SetDefault("connection.rtc_config", cfg.Connection.RTCConfig)
	v.SetDefault("connection.relay_servers", cfg.Connection.RelayServers)
	v.SetDefault("gossip.max_hops", cfg.Gossip.MaxHops)
	v.SetDefault("gossip.interval_ms", cfg.Gossip.IntervalMs)
	v.SetDefault("gossip.message_ttl_ms", cfg.Gossip.MessageTTLMs)
	v.SetDefault("gossip.enable_auto_propagation", cfg.Gossip.EnableAutoPropagation)
	v.SetDefault("gossip.max_concurrent_gossip", cfg.Gossip.MaxConcurrentGossip)
	v.SetDefault("max_connections", cfg.MaxConnections)
	v.SetDefault("debug", cfg.Debug)
}

func (c ConnectionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c ConnectionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (g GossipConfig) Interval() time.Duration {
	return time.Duration(g.IntervalMs) * time.Millisecond
}

func (g GossipConfig) MessageTTL() time.Duration {
	return time.Duration(g.MessageTTLMs) * time.Millisecond
}
