package config

import (
	"errors"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	DBURL       string `envconfig:"DB_URL"`
	RedisURL    string `envconfig:"REDIS_URL"`
	TLSCertPath string `envconfig:"TLS_CERT"`
	TLSKeyPath  string `envconfig:"TLS_KEY"`

	// Per-window event allowances, reset together every RateResetInterval.
	SendMessageLimit      int `envconfig:"SEND_MESSAGE_LIMIT" default:"15"`
	SendNotificationLimit int `envconfig:"SEND_NOTIFICATION_LIMIT" default:"10"`
	GetHistoryLimit       int `envconfig:"GET_HISTORY_LIMIT" default:"30"`
	TypingLimit           int `envconfig:"TYPING_LIMIT" default:"60"`
	MessageNotifLimit     int `envconfig:"MESSAGE_NOTIF_LIMIT" default:"2"`

	RateResetInterval time.Duration `envconfig:"RATE_RESET_INTERVAL" default:"60s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"25s"`
	PresenceTTL       time.Duration `envconfig:"PRESENCE_TTL" default:"120s"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("beacon", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if c.DBURL == "" {
		return errors.New("db url is required")
	}
	if c.SendMessageLimit <= 0 || c.SendNotificationLimit <= 0 || c.GetHistoryLimit <= 0 || c.TypingLimit <= 0 || c.MessageNotifLimit <= 0 {
		return errors.New("rate limits must be positive")
	}
	if c.RateResetInterval <= 0 {
		return errors.New("rate reset interval must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("both tls cert and key are required when enabling tls")
	}
	return nil
}
