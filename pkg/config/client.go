package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ClientConfig struct {
	ServerAddr       string        `mapstructure:"server_addr"` // manual fallback, ip or hostname
	ServerPort       int           `mapstructure:"server_port"`
	Name             string        `mapstructure:"name"`
	DiscoveryPort    int           `mapstructure:"discovery_port"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	DiscoveryHint    string        `mapstructure:"discovery_hint"`
	ScanMaxInFlight  int           `mapstructure:"scan_max_in_flight"`
	ScanBatchSize    int           `mapstructure:"scan_batch_size"`
	ScanBatchPause   time.Duration `mapstructure:"scan_batch_pause"`
	MDNS             bool          `mapstructure:"mdns"`
	DNSServers       []string      `mapstructure:"dns_servers"`
	DownloadDir      string        `mapstructure:"download_dir"`
	CollectDir       string        `mapstructure:"collect_dir"` // root the controller may pull files from; empty disables
	CollectMaxSize   int64         `mapstructure:"collect_max_size"`
	Consent          string        `mapstructure:"consent"` // auto | deny
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("server_addr", "")
	v.SetDefault("server_port", 5000)
	v.SetDefault("name", "")
	v.SetDefault("discovery_port", 5001)
	v.SetDefault("discovery_timeout", 10*time.Second)
	v.SetDefault("discovery_hint", "")
	v.SetDefault("scan_max_in_flight", 64)
	v.SetDefault("scan_batch_size", 256)
	v.SetDefault("scan_batch_pause", 20*time.Millisecond)
	v.SetDefault("mdns", false)
	v.SetDefault("dns_servers", []string{})
	v.SetDefault("download_dir", "")
	v.SetDefault("collect_dir", "")
	v.SetDefault("collect_max_size", 16<<20)
	v.SetDefault("consent", "auto")
}

// LoadClientConfig reads path (default config/client.json) and applies env overrides.
func LoadClientConfig(path string) (ClientConfig, error) {
	if path == "" {
		path = defaultClientPath
	}
	v := newViper()
	setClientDefaults(v)
	var cfg ClientConfig
	if err := readFile(v, path); err != nil {
		_ = v.Unmarshal(&cfg)
		return cfg, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode client config: %w", err)
	}
	// normalize
	cfg.ServerAddr = strings.TrimSpace(cfg.ServerAddr)
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.Consent = strings.ToLower(strings.TrimSpace(cfg.Consent))
	cleaned := make([]string, 0, len(cfg.DNSServers))
	for _, s := range cfg.DNSServers {
		if t := strings.TrimSpace(s); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	cfg.DNSServers = cleaned
	return cfg, nil
}
