package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env       string          `yaml:"env" env:"ENV" env-default:"local"`
	HTTP      HTTPConfig      `yaml:"http"`
	Room      RoomConfig      `yaml:"room"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

type HTTPConfig struct {
	Address      string   `yaml:"address" env:"HTTP_ADDRESS" env-default:""`
	AllowOrigins []string `yaml:"allow_origins"`
}

type RoomConfig struct {
	// MaxParticipants caps room membership; joins beyond it are rejected.
	MaxParticipants int `yaml:"max_participants" env-default:"50"`
	// TerminateOnOwnerLeave ends the room for everyone when its first
	// participant disconnects.
	TerminateOnOwnerLeave bool `yaml:"terminate_on_owner_leave" env-default:"true"`
	// MaxMessagesPerMinute is the per-connection inbound rate limit.
	MaxMessagesPerMinute int `yaml:"max_messages_per_minute" env-default:"60"`
}

type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers" env-default:""`
}

type ReconnectConfig struct {
	ICERestartTimeout time.Duration `yaml:"ice_restart_timeout" env-default:"10s"`
	BackoffBase       time.Duration `yaml:"backoff_base" env-default:"2s"`
	BackoffCap        time.Duration `yaml:"backoff_cap" env-default:"30s"`
	MaxAttempts       int           `yaml:"max_attempts" env-default:"3"`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	return MustLoadPath(configPath)
}

func MustLoadPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("cannot read config: " + err.Error())
	}

	cfg.setDefaults()

	return &cfg
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	if res == "" {
		res = "config/local.yaml"
	}

	return res
}

func (c *Config) setDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if len(c.HTTP.AllowOrigins) == 0 {
		c.HTTP.AllowOrigins = []string{"http://localhost:3000"}
	}
	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.Room.MaxParticipants <= 0 {
		c.Room.MaxParticipants = 50
	}
	if c.Room.MaxMessagesPerMinute <= 0 {
		c.Room.MaxMessagesPerMinute = 60
	}
	if c.Reconnect.ICERestartTimeout <= 0 {
		c.Reconnect.ICERestartTimeout = 10 * time.Second
	}
	if c.Reconnect.BackoffBase <= 0 {
		c.Reconnect.BackoffBase = 2 * time.Second
	}
	if c.Reconnect.BackoffCap <= 0 {
		c.Reconnect.BackoffCap = 30 * time.Second
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = 3
	}
}
