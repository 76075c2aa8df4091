package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 8765
)

type Config struct {
	Host     string
	Port     int
	StateDir string
	LogDir   string
	LogLevel string

	// Handshake covers socket accept through AUTHENTICATED.
	HandshakeTimeout time.Duration
	// IdleTimeout and ConnectRate are hooks; both default to off.
	IdleTimeout   time.Duration
	ConnectRate   int // accepted upgrades per IP per minute, 0 = unlimited
	ShutdownGrace time.Duration
}

// Load parses CLI flags with PHBGATEWAY_* env fallbacks. A parse failure is
// returned to the caller, which exits with status 2.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("phbgateway", flag.ContinueOnError)

	cfg := Config{}
	fs.StringVar(&cfg.Host, "host", envOr("PHBGATEWAY_HOST", defaultHost), "bind address")
	fs.IntVar(&cfg.Port, "port", envInt("PHBGATEWAY_PORT", defaultPort), "TCP port")
	fs.StringVar(&cfg.StateDir, "state-dir", envOr("PHBGATEWAY_STATE_DIR", defaultStateDir()), "directory for identity and desktop binding")
	fs.StringVar(&cfg.LogDir, "log-dir", envOr("PHBGATEWAY_LOG_DIR", ""), "directory for the rotating log file")
	fs.StringVar(&cfg.LogLevel, "log-level", envOr("PHBGATEWAY_LOG_LEVEL", "info"), "log level (debug|info|warn|error)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("config: unexpected arguments: %v", fs.Args())
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("config: invalid port %d", cfg.Port)
	}

	cfg.HandshakeTimeout = envDuration("PHBGATEWAY_HANDSHAKE_TIMEOUT", 20*time.Second)
	cfg.IdleTimeout = envDuration("PHBGATEWAY_IDLE_TIMEOUT", 0)
	cfg.ConnectRate = envInt("PHBGATEWAY_CONNECT_RATE", 0)
	cfg.ShutdownGrace = envDuration("PHBGATEWAY_SHUTDOWN_GRACE", 2*time.Second)
	return cfg, nil
}

// Addr renders the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".phbgateway"
	}
	return filepath.Join(home, ".phbgateway")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
		slog.Warn("config: invalid int, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("config: invalid duration, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}
