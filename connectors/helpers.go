// Package connectors carries shared helpers for provider integrations:
// field extraction from raw provider documents and deterministic
// archived-at derivation. Provider packages live underneath.
package connectors

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// StringField returns the first present key rendered as a string. JSON
// numbers arrive as float64; integral values are rendered without a
// decimal point so identifiers round-trip cleanly.
func StringField(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok || value == nil {
			continue
		}
		switch typed := value.(type) {
		case string:
			if trimmed := strings.TrimSpace(typed); trimmed != "" {
				return trimmed
			}
		case float64:
			if typed == math.Trunc(typed) {
				return fmt.Sprintf("%.0f", typed)
			}
			return fmt.Sprintf("%v", typed)
		case int:
			return fmt.Sprintf("%d", typed)
		case int64:
			return fmt.Sprintf("%d", typed)
		case fmt.Stringer:
			return strings.TrimSpace(typed.String())
		}
	}
	return ""
}

// TimeField returns the first present key parsed as a timestamp. String
// values are tried as RFC3339 then RFC3339Nano forms.
func TimeField(raw map[string]any, keys ...string) (time.Time, bool) {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok || value == nil {
			continue
		}
		switch typed := value.(type) {
		case time.Time:
			return typed.UTC(), true
		case string:
			trimmed := strings.TrimSpace(typed)
			if trimmed == "" {
				continue
			}
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
				if parsed, err := time.Parse(layout, trimmed); err == nil {
					return parsed.UTC(), true
				}
			}
		}
	}
	return time.Time{}, false
}

// ArchivedAt derives the soft-delete timestamp from a document's own
// fields. The same document always yields the same answer; when no field
// names are given the conventional ones are checked.
func ArchivedAt(raw map[string]any, fields ...string) *time.Time {
	if len(fields) == 0 {
		fields = []string{"archived_at", "deleted_at", "deactivated_at"}
	}
	if stamp, ok := TimeField(raw, fields...); ok {
		return &stamp
	}
	return nil
}

// SettingString reads a string setting with a fallback.
func SettingString(settings map[string]any, key string, fallback string) string {
	if value, ok := settings[key].(string); ok {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

// SettingInt reads an integer setting with a fallback. JSON decoding
// delivers numbers as float64.
func SettingInt(settings map[string]any, key string, fallback int) int {
	switch typed := settings[key].(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		if typed == math.Trunc(typed) {
			return int(typed)
		}
	}
	return fallback
}
