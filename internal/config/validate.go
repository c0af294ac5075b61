package config

import (
	"fmt"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var hotkeyModifiers = map[string]bool{
	"ctrl":  true,
	"alt":   true,
	"shift": true,
	"win":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous values that would break the emergency path are clamped to safe
// defaults rather than rejecting startup; a panic button that refuses to
// start is worse than one with a default hotkey.
func (c *Config) Validate() []error {
	var errs []error

	if err := validateHotkey(c.EmergencyHotkey); err != nil {
		errs = append(errs, err)
		c.EmergencyHotkey = "ctrl+alt+f8"
	}

	if len(c.ClientProcessNames) == 0 {
		errs = append(errs, fmt.Errorf("client_process_names is empty, using defaults"))
		c.ClientProcessNames = Default().ClientProcessNames
	}

	if c.CacheTTLSeconds < 1 {
		errs = append(errs, fmt.Errorf("cache_ttl_seconds %d is below minimum 1, clamping", c.CacheTTLSeconds))
		c.CacheTTLSeconds = 1
	} else if c.CacheTTLSeconds > 60 {
		errs = append(errs, fmt.Errorf("cache_ttl_seconds %d exceeds maximum 60, clamping", c.CacheTTLSeconds))
		c.CacheTTLSeconds = 60
	}

	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("max_retries %d is below minimum 1, clamping", c.MaxRetries))
		c.MaxRetries = 1
	} else if c.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("max_retries %d exceeds maximum 10, clamping", c.MaxRetries))
		c.MaxRetries = 10
	}

	if c.RetryBackoffMs < 50 {
		errs = append(errs, fmt.Errorf("retry_backoff_ms %d is below minimum 50, clamping", c.RetryBackoffMs))
		c.RetryBackoffMs = 50
	} else if c.RetryBackoffMs > 5000 {
		errs = append(errs, fmt.Errorf("retry_backoff_ms %d exceeds maximum 5000, clamping", c.RetryBackoffMs))
		c.RetryBackoffMs = 5000
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("unknown log_level %q, using info", c.LogLevel))
		c.LogLevel = "info"
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
		c.LogFormat = "text"
	}

	return errs
}

// validateHotkey checks a combination like "ctrl+alt+f8": at least one
// modifier followed by exactly one non-modifier key.
func validateHotkey(combo string) error {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(combo)), "+")
	if len(parts) < 2 {
		return fmt.Errorf("emergency_hotkey %q needs at least one modifier and a key", combo)
	}

	for _, mod := range parts[:len(parts)-1] {
		if !hotkeyModifiers[mod] {
			return fmt.Errorf("emergency_hotkey %q has unknown modifier %q", combo, mod)
		}
	}

	key := parts[len(parts)-1]
	if key == "" || hotkeyModifiers[key] {
		return fmt.Errorf("emergency_hotkey %q is missing a terminal key", combo)
	}

	return nil
}
