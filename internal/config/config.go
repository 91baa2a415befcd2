// Package config holds the runtime configuration for both modes.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Mode selects what the binary runs.
type Mode string

const (
	ModeServe Mode = "serve"
	ModeJoin  Mode = "join"
)

// Config stores every parameter from the config file, the environment and CLI flags.
type Config struct {
	Debug  bool         `yaml:"debug" env:"ROOMCALL_DEBUG" env-default:"false"`
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	WebRTC WebRTCConfig `yaml:"webrtc"`
}

// ServerConfig configures the room relay.
type ServerConfig struct {
	Address       string `yaml:"address" env:"ROOMCALL_ADDR" env-default:":8000"`
	UploadDir     string `yaml:"upload_dir" env:"ROOMCALL_UPLOAD_DIR" env-default:"uploads"`
	MaxUploadSize int64  `yaml:"max_upload_size" env:"ROOMCALL_MAX_UPLOAD" env-default:"67108864"`
	MaxFrameSize  int64  `yaml:"max_frame_size" env:"ROOMCALL_MAX_FRAME" env-default:"65536"`
}

// ClientConfig configures the chat/call client.
type ClientConfig struct {
	URL            string        `yaml:"url" env:"ROOMCALL_URL" env-default:"ws://localhost:8000"`
	Room           string        `yaml:"room" env:"ROOMCALL_ROOM"`
	Username       string        `yaml:"username" env:"ROOMCALL_USERNAME"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" env:"ROOMCALL_RECONNECT_DELAY" env-default:"3s"`
	StatsInterval  time.Duration `yaml:"stats_interval" env:"ROOMCALL_STATS_INTERVAL" env-default:"10s"`
}

// WebRTCConfig configures the peer connections created for calls.
type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers" env:"ROOMCALL_STUN" env-separator:","`

	// MaxPendingCandidates bounds the remote candidates held until a remote description is set.
	MaxPendingCandidates int `yaml:"max_pending_candidates" env:"ROOMCALL_MAX_PENDING" env-default:"64"`
}

// Load reads the optional YAML file at path (skipped when empty or missing)
// and then the environment.
func Load(path string) (*Config, error) {
	var cfg Config

	if fileExists(path) {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("cannot read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (c *Config) setDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8000"
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = "uploads"
	}
	if c.Client.ReconnectDelay <= 0 {
		c.Client.ReconnectDelay = 3 * time.Second
	}
	if c.Client.StatsInterval <= 0 {
		c.Client.StatsInterval = 10 * time.Second
	}
	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.WebRTC.MaxPendingCandidates <= 0 {
		c.WebRTC.MaxPendingCandidates = 64
	}
}
