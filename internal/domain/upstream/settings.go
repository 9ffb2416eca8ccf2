package upstream

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrSettingsNotFound is returned when no settings exist for a kind.
var ErrSettingsNotFound = errors.New("upstream settings not found")

// RedactedAPIKey is the placeholder Redacted substitutes for a stored
// API key. API writes that send it back leave the stored key unchanged.
const RedactedAPIKey = "********"

// Settings describes how to reach one upstream. Settings are seeded from
// the config file on first boot and editable at runtime through the API.
type Settings struct {
	// Kind is the upstream role the settings belong to.
	Kind Kind `json:"kind"`
	// Enabled upstreams are connected at startup and routed to.
	Enabled bool `json:"enabled"`
	// URL is the upstream base URL.
	URL string `json:"url"`
	// APIKey is the upstream's service API key or token.
	APIKey string `json:"api_key"`
	// Timeout bounds a single HTTP request to the upstream. Zero means
	// the adapter default.
	Timeout time.Duration `json:"timeout"`
	// MaxRetries caps transport-level retries for idempotent reads.
	// Zero means the adapter default.
	MaxRetries int `json:"max_retries"`
	// UpdatedAt is when the settings were last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the settings for structural validity.
func (s *Settings) Validate() error {
	if err := s.Kind.Validate(); err != nil {
		return err
	}
	if s.Enabled {
		if s.URL == "" {
			return fmt.Errorf("url is required for an enabled upstream")
		}
		parsed, err := url.Parse(s.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("url %q is not a valid URL", s.URL)
		}
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}

// Redacted returns a copy safe for API responses and logs, with the API
// key masked.
func (s Settings) Redacted() Settings {
	if s.APIKey != "" {
		s.APIKey = RedactedAPIKey
	}
	return s
}
