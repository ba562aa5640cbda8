package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const DefaultRoomIdleTimeout = 5 * time.Second

type Config struct {
	DatabaseDSN     string
	ServerAddr      string
	SigningKey      []byte
	AllowedOrigins  []string
	RedisAddr       string
	RoomIdleTimeout time.Duration
	SkipMigrations  bool
}

type Option func(*Config)

// WithRedis enables the cross-instance broadcast relay.
func WithRedis(addr string) Option {
	return func(c *Config) { c.RedisAddr = addr }
}

func WithRoomIdleTimeout(d time.Duration) Option {
	return func(c *Config) { c.RoomIdleTimeout = d }
}

func WithoutMigrations() Option {
	return func(c *Config) { c.SkipMigrations = true }
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string, opts ...Option) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	cfg := &Config{
		DatabaseDSN:     databaseDSN,
		ServerAddr:      serverAddr,
		SigningKey:      signingKey,
		AllowedOrigins:  allowedOrigins,
		RoomIdleTimeout: DefaultRoomIdleTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.RoomIdleTimeout <= 0 {
		return nil, fmt.Errorf("room idle timeout must be positive")
	}
	return cfg, nil
}

// LoadEnv reads KEY=value pairs from the given files (".env" if none) into
// the process environment. Variables that are already set win, and
// missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Getenv returns the value of key or fallback when it is unset or empty.
func Getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func GetenvDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}

func GetenvBool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return fallback
}
