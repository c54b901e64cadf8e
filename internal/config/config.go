package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/liftsync/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Backend transports.
const (
	TransportHTTP   = "http"
	TransportWS     = "ws"
	TransportMemory = "memory"
)

// Config holds all environment-based configuration for liftsync.
type Config struct {
	// Backend connection. BACKEND_URL is required unless the memory
	// transport is selected.
	BackendURL       string        `env:"BACKEND_URL"`
	BackendToken     string        `env:"BACKEND_TOKEN"`
	BackendTransport string        `env:"BACKEND_TRANSPORT" envDefault:"http"`
	BackendTimeout   time.Duration `env:"BACKEND_TIMEOUT" envDefault:"30s"`

	// Path of the bbolt state database. Defaults to ~/.liftsync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
	LogFile     string `env:"LOG_FILE"`

	// Daemon loop. Failed cycles back off exponentially up to
	// SyncMaxBackoff.
	SyncInterval   time.Duration `env:"SYNC_INTERVAL" envDefault:"30s"`
	SyncMaxBackoff time.Duration `env:"SYNC_MAX_BACKOFF" envDefault:"5m"`
	RetryCeiling   int           `env:"RETRY_CEILING" envDefault:"5"`

	// MCP control surface (API keys required when enabled)
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "liftsync"
		}

		cfg.DeviceName = hostname
	}

	cfg.BackendTransport = strings.ToLower(strings.TrimSpace(cfg.BackendTransport))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.BackendTransport {
	case TransportHTTP, TransportWS:
		if c.BackendURL == "" {
			return fmt.Errorf("BACKEND_URL is required for the %s transport", c.BackendTransport)
		}

		u, err := url.Parse(c.BackendURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("BACKEND_URL %q is not a valid URL", c.BackendURL)
		}

		if err := checkScheme(c.BackendTransport, u.Scheme); err != nil {
			return err
		}
	case TransportMemory:
	default:
		return fmt.Errorf("BACKEND_TRANSPORT must be one of http, ws or memory, got %q", c.BackendTransport)
	}

	if c.BackendTimeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be positive")
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive")
	}

	if c.SyncMaxBackoff < c.SyncInterval {
		return fmt.Errorf("SYNC_MAX_BACKOFF must not be shorter than SYNC_INTERVAL")
	}

	if c.RetryCeiling < 1 {
		return fmt.Errorf("RETRY_CEILING must be at least 1")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

func checkScheme(transport, scheme string) error {
	switch transport {
	case TransportHTTP:
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("BACKEND_URL must use http or https for the http transport")
		}
	case TransportWS:
		if scheme != "ws" && scheme != "wss" {
			return fmt.Errorf("BACKEND_URL must use ws or wss for the ws transport")
		}
	}

	return nil
}

// DefaultStatePath returns the default state database location:
// ~/.liftsync/state.db
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".liftsync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:<bcrypt hash>,user2:<bcrypt hash>". Hashes are produced
// by `liftsync hash-key`.
func (c *Config) ParseMCPAPIKeys() ([]auth.KeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []auth.KeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		hash := pair[idx+1:]
		if userID == "" || hash == "" {
			return nil, fmt.Errorf("empty user or hash in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("API key for %q must be a bcrypt hash in entry %d (see liftsync hash-key)", userID, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, auth.KeyEntry{UserID: userID, Hash: hash})
	}

	return entries, nil
}
