package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// RelayConfig holds the registration parameters of the signaling relay.
// The relay is an external service; these values are supplied, not owned.
type RelayConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	Path   string `mapstructure:"path"`
	Key    string `mapstructure:"key"`
	Secure bool   `mapstructure:"secure"`
}

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	Identity string `mapstructure:"identity"`

	Relay       RelayConfig `mapstructure:"relay"`
	STUNServers []string    `mapstructure:"stun_servers"`
	BridgeURL   string      `mapstructure:"bridge_url"`

	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	RegisterTimeout time.Duration `mapstructure:"register_timeout"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("identity", "")
	v.SetDefault("relay.host", "localhost")
	v.SetDefault("relay.port", 9000)
	v.SetDefault("relay.path", "/")
	v.SetDefault("relay.key", "peerjs")
	v.SetDefault("relay.secure", false)
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("connect_timeout", "30s")
	v.SetDefault("register_timeout", "10s")
	v.SetDefault("reconnect_delay", "5s")
	v.SetDefault("heartbeat_period", "25s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Relay: %s:%d\n", cfg.Mode, cfg.Port, cfg.Relay.Host, cfg.Relay.Port)
	return &cfg, nil
}
