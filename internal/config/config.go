// Package config loads the relay configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	// Listener
	Addr           string   `validate:"required,hostname_port"`
	AllowedOrigins []string `validate:"dive,required"`
	// Keepalive
	PingInterval time.Duration `validate:"gt=0"`
	PingTimeout  time.Duration `validate:"gt=0"`
	WriteTimeout time.Duration `validate:"gt=0"`
	// Delivery
	SendTimeout          time.Duration `validate:"gt=0"`
	MaxMessageSize       int64         `validate:"min=1,max=10485760"`
	BroadcastConcurrency int           `validate:"min=1,max=10000"`
	// Chat
	Commands []string `validate:"dive,startswith=@"`
	// Logging
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`
}

var validate = validator.New()

// Default returns the configuration used when no variable is set.
func Default() *Config {
	return &Config{
		Addr:                 "0.0.0.0:8001",
		AllowedOrigins:       []string{"*"},
		PingInterval:         30 * time.Second,
		PingTimeout:          60 * time.Second,
		WriteTimeout:         10 * time.Second,
		SendTimeout:          5 * time.Second,
		MaxMessageSize:       1 << 20,
		BroadcastConcurrency: 128,
		Commands:             []string{"@电影", "@小科比"},
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("45s") and plain seconds ("45")
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)

	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}

	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	if len(list) == 0 {
		return fallback
	}
	return list
}

// Load reads the configuration from the environment after loading envFiles
// (".env" when none are given). Missing files are skipped and variables
// already set in the environment win over file values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	def := Default()
	cfg := &Config{
		Addr:                 getEnv("CHAT_ADDR", def.Addr),
		AllowedOrigins:       getEnvList("ALLOWED_ORIGINS", def.AllowedOrigins),
		PingInterval:         getEnvDuration("PING_INTERVAL", def.PingInterval),
		PingTimeout:          getEnvDuration("PING_TIMEOUT", def.PingTimeout),
		WriteTimeout:         getEnvDuration("WRITE_TIMEOUT", def.WriteTimeout),
		SendTimeout:          getEnvDuration("SEND_TIMEOUT", def.SendTimeout),
		MaxMessageSize:       int64(getEnvInt("MAX_MESSAGE_SIZE", int(def.MaxMessageSize))),
		BroadcastConcurrency: getEnvInt("BROADCAST_CONCURRENCY", def.BroadcastConcurrency),
		Commands:             getEnvList("CHAT_COMMANDS", def.Commands),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", def.LogLevel)),
		LogFormat:            strings.ToLower(getEnv("LOG_FORMAT", def.LogFormat)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
