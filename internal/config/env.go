package config

import (
	"os"
	"strconv"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindBool
)

// schema maps every recognised environment variable to its value type.
var schema = map[string]valueKind{
	"WEBHOOK_URL":        kindString,
	"PORT":               kindInt,
	"DATA_DIR":           kindString,
	"STORE_BACKEND":      kindString,
	"DATABASE_DSN":       kindString,
	"REDIS_ADDR":         kindString,
	"REDIS_PASSWORD":     kindString,
	"REDIS_DB":           kindInt,
	"REDIS_PREFIX":       kindString,
	"BRIDGE_ADDR":        kindString,
	"DESTINATION_PREFIX": kindString,
	"DRAIN_INTERVAL_MS":  kindInt,
	"WEBHOOK_TIMEOUT_MS": kindInt,
	"WEBHOOK_TLS_CA":     kindString,
	"WEBHOOK_TLS_CERT":   kindString,
	"WEBHOOK_TLS_KEY":    kindString,
	"DEBUG":              kindBool,
	"LOG_FORMAT":         kindString,
}

// Bool reads an environment variable and returns a boolean value.
// Only "true" or "false" (case-insensitive) are recognised; any other
// value results in the provided default.
func Bool(key string, defaultValue bool) bool {
	v, ok := parseBool(os.Getenv(key))
	if !ok {
		return defaultValue
	}
	return v
}

func parseBool(raw string) (bool, bool) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

// fromStrings converts NAME=value pairs into a typed layer keyed by the
// lower-case config key. Unknown names and empty values are ignored.
func fromStrings(values map[string]string) (map[string]any, error) {
	layer := map[string]any{}
	for name, raw := range values {
		kind, ok := schema[strings.ToUpper(name)]
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		key := strings.ToLower(name)
		switch kind {
		case kindInt:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "config: "+strings.ToUpper(name)+" must be an integer").
					WithTextCode(TextCodeInvalid)
			}
			layer[key] = n
		case kindBool:
			if b, ok := parseBool(raw); ok {
				layer[key] = b
			}
		default:
			layer[key] = raw
		}
	}
	return layer, nil
}

func environ(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[name] = value
	}
	return out
}
