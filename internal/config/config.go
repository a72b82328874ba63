package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"

	"github.com/raphi011/cpm/internal/forge"
	"github.com/raphi011/cpm/internal/storage"
)

// MarketplaceConfig selects the repository profiles are published to.
type MarketplaceConfig struct {
	Repo       string `toml:"repo"`
	BaseBranch string `toml:"base_branch"`
	APIURL     string `toml:"api_url"`
}

// AuthConfig configures how publish obtains a token.
type AuthConfig struct {
	ClientID                 string `toml:"client_id"`
	Scope                    string `toml:"scope"`
	DeviceCodeURL            string `toml:"device_code_url"`
	TokenURL                 string `toml:"token_url"`
	CredentialHost           string `toml:"credential_host"`
	CredentialTimeoutSeconds int    `toml:"credential_timeout_seconds"`
}

// CredentialTimeout returns the credential helper timeout.
func (a AuthConfig) CredentialTimeout() time.Duration {
	return time.Duration(a.CredentialTimeoutSeconds) * time.Second
}

// Config holds the cpm configuration
type Config struct {
	RepoRoot    string            `toml:"repo_root"`
	Target      string            `toml:"target"`
	Marketplace MarketplaceConfig `toml:"marketplace"`
	Auth        AuthConfig        `toml:"auth"`

	// Token comes from CPM_TOKEN only and is never written to disk.
	Token string `toml:"-"`
}

// ResolvedTarget returns Target, or the parent of RepoRoot when unset.
func (c *Config) ResolvedTarget() string {
	if c.Target != "" {
		return c.Target
	}
	return filepath.Dir(filepath.Clean(c.RepoRoot))
}

// Default returns the default configuration
func Default() Config {
	return Config{
		Marketplace: MarketplaceConfig{
			BaseBranch: "main",
			APIURL:     forge.DefaultAPIURL,
		},
		Auth: AuthConfig{
			Scope:                    "public_repo",
			DeviceCodeURL:            "https://github.com/login/device/code",
			TokenURL:                 "https://github.com/login/oauth/access_token",
			CredentialHost:           "github.com",
			CredentialTimeoutSeconds: 10,
		},
	}
}

// ValidatePath checks that the path is absolute or starts with ~
// Returns error if path is relative (like "." or "..")
func ValidatePath(path, fieldName string) error {
	if path == "" {
		return nil // Empty is allowed (means not configured)
	}
	if path[0] == '~' {
		return nil
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%s must be absolute or start with ~, got: %q", fieldName, path)
	}
	return nil
}

// expandPath expands ~ to the user's home directory
func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand ~: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	if path == "~" {
		return os.UserHomeDir()
	}
	return path, nil
}

// Path returns the path to the config file
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "cpm", "config.toml"), nil
}

// Load reads config from ~/.config/cpm/config.toml and applies environment
// overrides. Returns Default() if the file doesn't exist (no error).
// Returns error only if file exists but is invalid.
func Load() (Config, error) {
	path, err := Path()
	if err != nil {
		cfg := Default()
		applyEnv(&cfg, os.Getenv)
		return cfg, nil
	}
	cfg, err := LoadFile(afero.NewOsFs(), path)
	if err != nil {
		return Default(), err
	}
	applyEnv(&cfg, os.Getenv)
	return cfg, validate(cfg)
}

// LoadFile reads and validates a config file on fs. Missing keys keep their
// defaults.
func LoadFile(fs afero.Fs, path string) (Config, error) {
	cfg := Default()

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Default(), fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("failed to parse config file: %w", err)
	}

	for _, p := range []struct {
		value *string
		field string
	}{{&cfg.RepoRoot, "repo_root"}, {&cfg.Target, "target"}} {
		if err := ValidatePath(*p.value, p.field); err != nil {
			return Default(), err
		}
		expanded, err := expandPath(*p.value)
		if err != nil {
			return Default(), fmt.Errorf("expand %s: %w", p.field, err)
		}
		*p.value = expanded
	}

	if err := validate(cfg); err != nil {
		return Default(), err
	}
	return cfg, nil
}

// applyEnv overrides settings from CPM_* environment variables.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("CPM_REPO_ROOT"); v != "" {
		if expanded, err := expandPath(v); err == nil {
			cfg.RepoRoot = expanded
		}
	}
	if v := getenv("CPM_MARKETPLACE_REPO"); v != "" {
		cfg.Marketplace.Repo = v
	}
	if v := getenv("CPM_CLIENT_ID"); v != "" {
		cfg.Auth.ClientID = v
	}
	if v := getenv("CPM_TOKEN"); v != "" {
		cfg.Token = v
	}
}

// Save writes cfg to path atomically.
func Save(fs afero.Fs, path string, cfg Config) error {
	var buf bytes.Buffer
	buf.WriteString("# cpm configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return storage.WriteFileAtomic(fs, path, buf.Bytes(), 0o644)
}

// Update loads the config file at path (without env overrides), applies
// fn and saves it back.
func Update(fs afero.Fs, path string, fn func(*Config)) error {
	cfg, err := LoadFile(fs, path)
	if err != nil {
		return err
	}
	fn(&cfg)
	if err := validate(cfg); err != nil {
		return err
	}
	return Save(fs, path, cfg)
}
