package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "COLLAB"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "collab.db"
	defaultLogLevel     = "info"
	defaultIssuer       = "collab-auth"
	defaultAudience     = "collab-api"

	defaultMaxParticipants   = 10
	defaultEvictAfter        = 10 * time.Minute
	defaultMessagesPerMinute = 120
	defaultMaxUpdateBytes    = 1 << 20
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SigningSecret     string
	Issuer            string
	Audience          string
	MaxParticipants   int
	EvictAfter        time.Duration
	MessagesPerMinute int
	MaxUpdateBytes    int
	RedisAddress      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("room.max_participants", defaultMaxParticipants)
	configViper.SetDefault("room.evict_after", defaultEvictAfter)
	configViper.SetDefault("limits.messages_per_minute", defaultMessagesPerMinute)
	configViper.SetDefault("limits.max_update_bytes", defaultMaxUpdateBytes)
	configViper.SetDefault("redis.address", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		Issuer:            configViper.GetString("auth.issuer"),
		Audience:          configViper.GetString("auth.audience"),
		MaxParticipants:   configViper.GetInt("room.max_participants"),
		EvictAfter:        configViper.GetDuration("room.evict_after"),
		MessagesPerMinute: configViper.GetInt("limits.messages_per_minute"),
		MaxUpdateBytes:    configViper.GetInt("limits.max_update_bytes"),
		RedisAddress:      configViper.GetString("redis.address"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.Audience) == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.MaxParticipants <= 0 {
		return fmt.Errorf("room.max_participants must be positive")
	}
	return nil
}
