package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Remote store kinds.
const (
	RemoteDrive = "drive"
	RemoteDir   = "dir"
)

// Config holds all environment-based configuration for ledger-sync.
type Config struct {
	// Identity the ledger key is derived from.
	UserID string `env:"LEDGER_USER_ID"`

	// Remote store selection.
	RemoteKind        string `env:"REMOTE_KIND" envDefault:"drive"`
	RemoteBaseURL     string `env:"REMOTE_BASE_URL" envDefault:"https://www.googleapis.com"`
	RemoteAccessToken string `env:"REMOTE_ACCESS_TOKEN"`
	RemoteDir         string `env:"REMOTE_DIR"`
	RemoteFileName    string `env:"REMOTE_FILE_NAME" envDefault:"ledger.enc"`

	// Local bbolt database for the fallback blob and sync metadata.
	// Defaults to ~/.ledger-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	SyncDebounce time.Duration `env:"SYNC_DEBOUNCE" envDefault:"2s"`
	SyncRetryMin time.Duration `env:"SYNC_RETRY_MIN" envDefault:"5s"`
	SyncRetryMax time.Duration `env:"SYNC_RETRY_MAX" envDefault:"5m"`

	// Import inbox. Empty disables the watcher.
	InboxDir      string `env:"INBOX_DIR"`
	ImportProfile string `env:"IMPORT_PROFILE"`
	ImportAccount string `env:"IMPORT_ACCOUNT"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP server settings
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
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

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	for _, p := range []*string{&cfg.StatePath, &cfg.RemoteDir, &cfg.InboxDir} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("LEDGER_USER_ID is required")
	}

	switch c.RemoteKind {
	case RemoteDrive:
		if c.RemoteAccessToken == "" {
			return fmt.Errorf("REMOTE_ACCESS_TOKEN is required when REMOTE_KIND is %q", RemoteDrive)
		}
	case RemoteDir:
		if c.RemoteDir == "" {
			return fmt.Errorf("REMOTE_DIR is required when REMOTE_KIND is %q", RemoteDir)
		}
	default:
		return fmt.Errorf("REMOTE_KIND must be %q or %q, got %q", RemoteDrive, RemoteDir, c.RemoteKind)
	}

	if c.RemoteFileName == "" || strings.ContainsAny(c.RemoteFileName, `/\`) {
		return fmt.Errorf("REMOTE_FILE_NAME must be a plain file name")
	}

	if c.SyncDebounce <= 0 {
		return fmt.Errorf("SYNC_DEBOUNCE must be positive")
	}

	if c.SyncRetryMin <= 0 || c.SyncRetryMax < c.SyncRetryMin {
		return fmt.Errorf("SYNC_RETRY_MIN must be positive and no greater than SYNC_RETRY_MAX")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// DefaultStatePath returns ~/.ledger-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".ledger-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:ls_key1,user2:ls_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

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

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if err := auth.CheckAPIKey(key); err != nil {
			return nil, fmt.Errorf("entry %d: %w", len(entries)+1, err)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}

// KeyStore builds an auth.KeyStore from MCP_API_KEYS.
func (c *Config) KeyStore() (*auth.KeyStore, error) {
	entries, err := c.ParseMCPAPIKeys()
	if err != nil {
		return nil, err
	}

	ks := auth.NewKeyStore()
	for _, e := range entries {
		if err := ks.Add(e.UserID, e.Key); err != nil {
			return nil, err
		}
	}

	return ks, nil
}

// ReloadAccessToken re-reads a .env file, overriding the process
// environment, and returns the current REMOTE_ACCESS_TOKEN.
func ReloadAccessToken() string {
	_ = godotenv.Overload()

	return os.Getenv("REMOTE_ACCESS_TOKEN")
}
