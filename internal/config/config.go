package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	DSN        string        `mapstructure:"dsn"`
	ReadLimit int64 `mapstructure:"read_limit"`

	// PingPeriod is the signaling keepalive interval: clients ping the
	// hub at this rate and the hub reaps connections silent for twice
	// as long.
	PingPeriod time.Duration `mapstructure:"ping_period"`

	Secret string `mapstructure:"secret"`

	// RingTimeout bounds how long an unanswered incoming call rings
	// before it is auto-terminated as missed.
	RingTimeout time.Duration `mapstructure:"ring_timeout"`

	// SignalURL is the websocket endpoint clients use for call topics.
	SignalURL string `mapstructure:"signal_url"`

	STUNServers []string `mapstructure:"stun_servers"`
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
	v.SetDefault("dsn", "host=localhost user=postgres password=postgres dbname=call port=5432 sslmode=disable")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("ring_timeout", "30s")
	v.SetDefault("signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
