package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// knownTopics is the set of event topics that may appear in the activity
// and websocket allow-lists. Kept in sync with the eventbus constants;
// listed here as strings so config stays a leaf package.
var knownTopics = map[string]struct{}{
	"*":                          {},
	"download.failed":            {},
	"download.retry.started":     {},
	"download.retry.succeeded":   {},
	"download.retry.failed":      {},
	"recovery.exhausted":         {},
	"recovery.unresolved":        {},
	"queue.updated":              {},
	"wanted.updated":             {},
	"failure.pattern.detected":   {},
	"monitoring.degraded":        {},
	"monitoring.recovered":       {},
	"config.audit.started":       {},
	"config.audit.completed":     {},
	"config.audit.failed":        {},
	"content.request.created":    {},
	"content.request.classified": {},
	"content.request.added":      {},
	"content.request.completed":  {},
	"content.request.failed":     {},
	"activity.created":           {},
	"connection.established":     {},
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Run struct validation (tags)
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Cross-field validation: enabled upstreams need a URL.
	if err := c.validateEnabledUpstreams(); err != nil {
		return err
	}

	// Cross-field validation: topic allow-lists name known topics.
	if err := validateTopicList("activity.topics", c.Activity.Topics); err != nil {
		return err
	}
	if err := validateTopicList("websocket.topics", c.WebSocket.Topics); err != nil {
		return err
	}

	return nil
}

// validateEnabledUpstreams ensures every enabled upstream block has a URL.
// An upstream with a URL but no API key is allowed: the media library
// accepts unauthenticated local requests in some setups, and the error
// surfaces at connect time with a clear Authentication kind otherwise.
func (c *Config) validateEnabledUpstreams() error {
	for _, s := range c.Seeds() {
		if s.Seed.Enabled && s.Seed.URL == "" {
			return fmt.Errorf("upstreams.%s: enabled but no url configured", s.Kind)
		}
	}
	return nil
}

// validateTopicList rejects topic names that no component ever emits.
// A typo in the allow-list otherwise silences events without any signal.
func validateTopicList(field string, topics []string) error {
	for _, topic := range topics {
		if _, ok := knownTopics[topic]; !ok {
			return fmt.Errorf("%s: unknown topic %q", field, topic)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
