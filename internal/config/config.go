// Package config reads and writes ~/.posync/config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const defaultReceiptRetries = 3

// Config represents the global ~/.posync/config.toml.
type Config struct {
	DefaultSession string             `toml:"default_session"`
	Sessions       map[string]Session `toml:"sessions,omitempty"`
}

// Session holds the settings of one signed-in shop.
type Session struct {
	// SyncedDSN is the postgres DSN of the synced store. Empty means local only.
	SyncedDSN   string `toml:"synced_dsn,omitempty"`
	APIBaseURL  string `toml:"api_base_url,omitempty"`
	APIToken    string `toml:"api_token,omitempty"`
	TokenSecret string `toml:"token_secret,omitempty"`
	MemberKey   string `toml:"member_key,omitempty"`
	MemberSalt  string `toml:"member_salt,omitempty"`

	// HTTPAddr adds a TCP listener for the local API next to the unix socket.
	HTTPAddr       string  `toml:"http_addr,omitempty"`
	ReceiptRetries *uint64 `toml:"receipt_retries,omitempty"`

	PubSub PubSub `toml:"pubsub"`
}

// PubSub configures the realtime provider.
type PubSub struct {
	Origin       string `toml:"origin,omitempty"`
	PublishKey   string `toml:"publish_key,omitempty"`
	SubscribeKey string `toml:"subscribe_key,omitempty"`
}

// Enabled reports whether enough is configured to connect.
func (p PubSub) Enabled() bool {
	return p.SubscribeKey != "" && p.PublishKey != ""
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrEmpty is Load with a missing file treated as an empty config.
func LoadOrEmpty(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Session returns the settings of the named session. Unknown sessions get
// the zero settings, which run offline against the local store.
func (c *Config) Session(name string) Session {
	return c.Sessions[name]
}

// Retries returns the receipt retry budget, defaulting to 3.
func (s Session) Retries() uint64 {
	if s.ReceiptRetries == nil {
		return defaultReceiptRetries
	}
	return *s.ReceiptRetries
}

// Validate reports settings that cannot work together.
func (s Session) Validate() error {
	if s.PubSub.Enabled() && (s.MemberKey == "") != (s.MemberSalt == "") {
		return fmt.Errorf("member_key and member_salt must be set together")
	}
	if s.PubSub.Enabled() && s.APIToken == "" {
		return fmt.Errorf("pubsub requires api_token to identify the user")
	}
	return nil
}
