package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AdminConfig configures the controller's HTTP admin/viewer surface.
type AdminConfig struct {
	Addr  string `mapstructure:"addr"`  // empty disables the admin listener
	Token string `mapstructure:"token"` // sha256 hex or plain text
}

type ServerConfig struct {
	TCPPort          int           `mapstructure:"tcp_port"`
	DiscoveryPort    int           `mapstructure:"discovery_port"`
	ClassName        string        `mapstructure:"class_name"`
	TeacherName      string        `mapstructure:"teacher_name"`
	MaxConnections   int           `mapstructure:"max_connections"`
	DiscoveryHint    string        `mapstructure:"discovery_hint"`
	AnnounceInterval time.Duration `mapstructure:"announce_interval"`
	MDNS             bool          `mapstructure:"mdns"`
	Admin            AdminConfig   `mapstructure:"admin"`
	DatabasePath     string        `mapstructure:"database_path"`

	ControlPolicy string        `mapstructure:"control_policy"` // auto | consent
	AcceptDelay   time.Duration `mapstructure:"accept_delay"`
	AcceptTimeout time.Duration `mapstructure:"accept_timeout"`

	TransferChunkSize  int           `mapstructure:"transfer_chunk_size"`
	TransferChunkDelay time.Duration `mapstructure:"transfer_chunk_delay"`
	TransferPrepare    time.Duration `mapstructure:"transfer_prepare"`
	CollectDir         string        `mapstructure:"collect_dir"` // files pulled from agents, one subdirectory per client

	ShareInterval time.Duration `mapstructure:"share_interval"`
	ShareMaxWidth int           `mapstructure:"share_max_width"`
	ShareQuality  int           `mapstructure:"share_quality"`
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("tcp_port", 5000)
	v.SetDefault("discovery_port", 5001)
	v.SetDefault("class_name", "Classroom")
	v.SetDefault("teacher_name", "Teacher")
	v.SetDefault("max_connections", 256)
	v.SetDefault("discovery_hint", "")
	v.SetDefault("announce_interval", 3*time.Second)
	v.SetDefault("mdns", false)
	v.SetDefault("admin.addr", "")
	v.SetDefault("admin.token", "")
	v.SetDefault("database_path", "data/classroom.db")
	v.SetDefault("control_policy", "auto")
	v.SetDefault("accept_delay", 500*time.Millisecond)
	v.SetDefault("accept_timeout", 30*time.Second)
	v.SetDefault("transfer_chunk_size", 64*1024)
	v.SetDefault("transfer_chunk_delay", 10*time.Millisecond)
	v.SetDefault("transfer_prepare", 500*time.Millisecond)
	v.SetDefault("collect_dir", "collected")
	v.SetDefault("share_interval", 100*time.Millisecond)
	v.SetDefault("share_max_width", 1920)
	v.SetDefault("share_quality", 70)
}

// DefaultServerConfig returns the built-in defaults with env overrides applied.
func DefaultServerConfig() ServerConfig {
	cfg, _ := LoadServerConfig("")
	return cfg
}

// LoadServerConfig reads path (json or yaml; missing file is fine) and applies
// CLASSNET_* env overrides. Priority: env > file > default.
func LoadServerConfig(path string) (ServerConfig, error) {
	v := newViper()
	setServerDefaults(v)
	var cfg ServerConfig
	if err := readFile(v, path); err != nil {
		_ = v.Unmarshal(&cfg)
		return cfg, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode server config: %w", err)
	}
	cfg.ClassName = strings.TrimSpace(cfg.ClassName)
	cfg.TeacherName = strings.TrimSpace(cfg.TeacherName)
	cfg.ControlPolicy = strings.ToLower(strings.TrimSpace(cfg.ControlPolicy))
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 256
	}
	if cfg.TransferChunkSize <= 0 {
		cfg.TransferChunkSize = 64 * 1024
	}
	return cfg, nil
}
