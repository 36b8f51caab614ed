package plugin

import (
	"fmt"
	"time"
)

// StringSetting reads a string entry from a plugin configuration block.
func StringSetting(cfg map[string]any, key, fallback string) (string, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("setting %s: expected string, got %T", key, raw)
	}
	if s == "" {
		return fallback, nil
	}
	return s, nil
}

// DurationSetting reads a duration written either as a Go duration string
// ("2s") or as a number of seconds.
func DurationSetting(cfg map[string]any, key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("setting %s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("setting %s: expected duration, got %T", key, raw)
	}
}
