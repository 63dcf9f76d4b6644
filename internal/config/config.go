package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvToken      = "CHATSYNC_TOKEN"
	EnvAPIBaseURL = "CHATSYNC_API_BASE_URL"
	EnvPushURL    = "CHATSYNC_PUSH_URL"
	EnvSelfID     = "CHATSYNC_SELF_ID"
)

// Duration is a time.Duration that encodes as a string like "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	APIBaseURL string `toml:"api_base_url"`
	PushURL    string `toml:"push_url"`
	SelfID     string `toml:"self_id"`
	Token      string `toml:"token,omitempty"`

	ConversationPollInterval Duration `toml:"conversation_poll_interval"`
	MessagePollInterval      Duration `toml:"message_poll_interval"`
	PresenceInterval         Duration `toml:"presence_interval"`
	UnreadPollInterval       Duration `toml:"unread_poll_interval"`
	PushAckTimeout           Duration `toml:"push_ack_timeout"`

	MaxAttachmentBytes int64 `toml:"max_attachment_bytes"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile:           "main",
		APIBaseURL:               "http://localhost:3000/api",
		PushURL:                  "ws://localhost:3000/ws",
		ConversationPollInterval: Duration{3 * time.Second},
		MessagePollInterval:      Duration{5 * time.Second},
		PresenceInterval:         Duration{30 * time.Second},
		UnreadPollInterval:       Duration{10 * time.Second},
		PushAckTimeout:           Duration{5 * time.Second},
		MaxAttachmentBytes:       25 << 20,
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
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

// ApplyEnv loads envFile (if it exists) into the process environment
// without overriding variables already set, then applies the CHATSYNC_*
// overrides to cfg.
func (cfg *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	for env, dst := range map[string]*string{
		EnvToken:      &cfg.Token,
		EnvAPIBaseURL: &cfg.APIBaseURL,
		EnvPushURL:    &cfg.PushURL,
		EnvSelfID:     &cfg.SelfID,
	} {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("CHATSYNC_MAX_ATTACHMENT_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHATSYNC_MAX_ATTACHMENT_BYTES: %w", err)
		}
		cfg.MaxAttachmentBytes = n
	}
	return nil
}

// Validate reports missing settings the daemon cannot run without.
func (cfg *Config) Validate() error {
	switch {
	case cfg.APIBaseURL == "":
		return errors.New("api_base_url is required")
	case cfg.SelfID == "":
		return fmt.Errorf("self_id is required (set it in config.toml or %s)", EnvSelfID)
	case cfg.Token == "":
		return fmt.Errorf("token is required (set %s)", EnvToken)
	}
	return nil
}
