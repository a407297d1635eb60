// Package config provides a reusable loader for hashtree configuration
// files and environment variables. It is versioned so that applications
// can depend on a stable API contract.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/mmalmi/hashtree-go/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a hashtree daemon. It mirrors
// the structure of the YAML files Load reads (default.yaml plus an
// optional per-environment overlay, looked up under cmd/hashtreed/config
// or config).
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		MetricsAddr    string   `mapstructure:"metrics_addr" json:"metrics_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		Relays         []string `mapstructure:"relays" json:"relays"`
	} `mapstructure:"network" json:"network"`

	Hashtree struct {
		ChunkThreshold       int   `mapstructure:"chunk_threshold" json:"chunk_threshold"`
		ChunkSize            int   `mapstructure:"chunk_size" json:"chunk_size"`
		PublishThrottleMS    int   `mapstructure:"publish_throttle_ms" json:"publish_throttle_ms"`
		PeerInflightLimit    int   `mapstructure:"peer_inflight_limit" json:"peer_inflight_limit"`
		PeerRequestTimeoutMS int   `mapstructure:"peer_request_timeout_ms" json:"peer_request_timeout_ms"`
		PeerQueueMaxItems    int   `mapstructure:"peer_queue_max_items" json:"peer_queue_max_items"`
		PeerQueueMaxBytes    int   `mapstructure:"peer_queue_max_bytes" json:"peer_queue_max_bytes"`
		GCSoftCapBytes       int64 `mapstructure:"gc_soft_cap_bytes" json:"gc_soft_cap_bytes"`
		StoreDir             string `mapstructure:"store_dir" json:"store_dir"`
	} `mapstructure:"hashtree" json:"hashtree"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// PublishThrottle returns Hashtree.PublishThrottleMS as a time.Duration.
func (c *Config) PublishThrottle() time.Duration {
	return time.Duration(c.Hashtree.PublishThrottleMS) * time.Millisecond
}

// PeerRequestTimeout returns Hashtree.PeerRequestTimeoutMS as a time.Duration.
func (c *Config) PeerRequestTimeout() time.Duration {
	return time.Duration(c.Hashtree.PeerRequestTimeoutMS) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hashtree.chunk_threshold", 256*1024)
	v.SetDefault("hashtree.chunk_size", 256*1024)
	v.SetDefault("hashtree.publish_throttle_ms", 3000)
	v.SetDefault("hashtree.peer_inflight_limit", 16)
	v.SetDefault("hashtree.peer_request_timeout_ms", 30000)
	v.SetDefault("hashtree.peer_queue_max_items", 100)
	v.SetDefault("hashtree.peer_queue_max_bytes", 8*1024*1024)
	v.SetDefault("hashtree.gc_soft_cap_bytes", int64(0))
	v.SetDefault("hashtree.store_dir", "./data/blocks")
	v.SetDefault("logging.level", "info")
	v.SetDefault("network.listen_addr", ":0")
	v.SetDefault("network.metrics_addr", ":9477")
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("default")
	v.AddConfigPath("cmd/hashtreed/config")
	v.AddConfigPath("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	v.SetEnvPrefix("HASHTREE")
	v.AutomaticEnv()

	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the HASHTREE_ENV environment
// variable to pick an overlay file.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("HASHTREE_ENV", ""))
}
