package config

import (
	"fmt"
	"net/url"

	"github.com/raphi011/cpm/internal/marketplace"
)

// validate checks values that would only fail later, deep inside publish.
func validate(cfg Config) error {
	if cfg.Marketplace.Repo != "" {
		if err := marketplace.ValidateRepo(cfg.Marketplace.Repo); err != nil {
			return fmt.Errorf("invalid marketplace.repo: %w", err)
		}
	}

	for _, u := range []struct {
		value string
		field string
	}{
		{cfg.Marketplace.APIURL, "marketplace.api_url"},
		{cfg.Auth.DeviceCodeURL, "auth.device_code_url"},
		{cfg.Auth.TokenURL, "auth.token_url"},
	} {
		if err := validateURL(u.value, u.field); err != nil {
			return err
		}
	}

	if cfg.Auth.CredentialTimeoutSeconds < 0 {
		return fmt.Errorf("invalid auth.credential_timeout_seconds %d: must not be negative", cfg.Auth.CredentialTimeoutSeconds)
	}
	return nil
}

// validateURL checks that value (if non-empty) is an absolute http(s) URL.
func validateURL(value, field string) error {
	if value == "" {
		return nil
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s %q: must be an http(s) URL", field, value)
	}
	return nil
}
