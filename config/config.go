package config

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/viper"
)

// Config is built once at startup and treated as immutable afterwards.
type Config struct {
	ListenAddr    string
	AdvertiseAddr string
	APIPort       int

	Bootstrap  []string
	AllowCIDRs []string
	DenyCIDRs  []string
	ProxyAddr  string

	MaxPeers      int
	QueueBound    int
	MaxFrameBytes int
	DialRetries   int

	IdleTimeout       time.Duration
	OrphanTTL         time.Duration
	SyncInterval      time.Duration
	RefreshInterval   time.Duration
	PruneInterval     time.Duration
	ConfirmationDepth int

	DataDir  string
	KeyFile  string
	LogFile  string
	LogLevel string
}

// Load reads the YAML config at path and applies defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("net.listen_addr", "0.0.0.0:7450")
	v.SetDefault("net.max_peers", 32)
	v.SetDefault("net.queue_bound", 64)
	v.SetDefault("net.max_frame_bytes", 1<<20)
	v.SetDefault("net.dial_retries", 5)
	v.SetDefault("net.idle_timeout", "2m")
	v.SetDefault("graph.orphan_ttl", "30s")
	v.SetDefault("graph.sync_interval", "20s")
	v.SetDefault("graph.prune_interval", "5m")
	v.SetDefault("graph.confirmation_depth", 128)
	v.SetDefault("dht.refresh_interval", "1m")
	v.SetDefault("server.port", 8450)
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.key_file", "data/identity.json")
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:        v.GetString("net.listen_addr"),
		AdvertiseAddr:     v.GetString("net.advertise_addr"),
		APIPort:           v.GetInt("server.port"),
		Bootstrap:         v.GetStringSlice("net.bootstrap"),
		AllowCIDRs:        v.GetStringSlice("net.allow_cidrs"),
		DenyCIDRs:         v.GetStringSlice("net.deny_cidrs"),
		ProxyAddr:         v.GetString("net.proxy_addr"),
		MaxPeers:          v.GetInt("net.max_peers"),
		QueueBound:        v.GetInt("net.queue_bound"),
		MaxFrameBytes:     v.GetInt("net.max_frame_bytes"),
		DialRetries:       v.GetInt("net.dial_retries"),
		IdleTimeout:       v.GetDuration("net.idle_timeout"),
		OrphanTTL:         v.GetDuration("graph.orphan_ttl"),
		SyncInterval:      v.GetDuration("graph.sync_interval"),
		RefreshInterval:   v.GetDuration("dht.refresh_interval"),
		PruneInterval:     v.GetDuration("graph.prune_interval"),
		ConfirmationDepth: v.GetInt("graph.confirmation_depth"),
		DataDir:           v.GetString("storage.data_dir"),
		KeyFile:           v.GetString("storage.key_file"),
		LogFile:           v.GetString("log.app_log_file"),
		LogLevel:          v.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("bad listen_addr %q: %w", c.ListenAddr, err)
	}
	for _, addr := range c.Bootstrap {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("bad bootstrap addr %q: %w", addr, err)
		}
	}
	for _, cidr := range append(append([]string{}, c.AllowCIDRs...), c.DenyCIDRs...) {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("bad cidr %q: %w", cidr, err)
		}
	}
	if c.MaxPeers <= 0 || c.QueueBound <= 0 || c.MaxFrameBytes <= 0 {
		return fmt.Errorf("max_peers, queue_bound and max_frame_bytes must be positive")
	}
	return nil
}
