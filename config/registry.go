// Package config implements warden's two-tier configuration system.
//
// Every tunable is declared in a process-wide immutable registry with a tier
// classification:
//
//   - Static keys (restart required): scope roots, database path, log paths,
//     bind addresses, chat allowlist.
//   - Dynamic keys (hot-reloadable): timeouts, retention windows, log level,
//     model selections, notification tuning.
//
// The Manager loads static and dynamic values with the precedence
// code default < TOML file < environment variable, validates everything at
// startup, and supports hot updates of dynamic keys with subscriber
// notification.
package config

import (
	"fmt"
	"strings"
)

// Tier classifies a configuration key.
type Tier string

const (
	// TierStatic keys require a process restart to change.
	TierStatic Tier = "static"
	// TierDynamic keys may be hot-updated at runtime.
	TierDynamic Tier = "dynamic"
)

// ValueType is the declared type of a configuration value.
type ValueType string

const (
	TypeString     ValueType = "string"
	TypeInt        ValueType = "int"
	TypeFloat      ValueType = "float"
	TypeBool       ValueType = "bool"
	TypeStringList ValueType = "string_list"
)

// Key declares a single configuration key.
type Key struct {
	// Path is the dotted key path, e.g. "broker.operation_timeout_seconds".
	Path string

	// Tier determines whether the key is hot-reloadable.
	Tier Tier

	// Type is the declared value type.
	Type ValueType

	// Default is the code-level default value.
	Default any

	// Min and Max bound numeric values when non-nil.
	Min *float64
	Max *float64

	// Validator is an optional predicate applied after type and bounds
	// checks. It returns false with a reason when the value is disallowed.
	Validator func(value any) (bool, string)
}

// RestartRequired reports whether changing this key requires a restart.
// It is derived from the tier and never stored separately.
func (k Key) RestartRequired() bool {
	return k.Tier == TierStatic
}

func bound(v float64) *float64 { return &v }

// Registry is the immutable set of declared keys.
var registry = buildRegistry()

func buildRegistry() map[string]Key {
	keys := []Key{
		// Static: security boundary and process wiring.
		{Path: "scope.allowed_roots", Tier: TierStatic, Type: TypeStringList, Default: []string{}},
		{Path: "database.path", Tier: TierStatic, Type: TypeString, Default: "data/warden.db"},
		{Path: "database.wal", Tier: TierStatic, Type: TypeBool, Default: true},
		{Path: "logging.file_path", Tier: TierStatic, Type: TypeString, Default: "logs/warden.log"},
		{Path: "observability.bind", Tier: TierStatic, Type: TypeString, Default: "127.0.0.1:8753"},
		{Path: "telegram.chat_allowlist", Tier: TierStatic, Type: TypeStringList, Default: []string{}},
		{Path: "telemetry.tracing_enabled", Tier: TierStatic, Type: TypeBool, Default: false},

		// Dynamic: behavior tuning.
		{Path: "logging.level", Tier: TierDynamic, Type: TypeString, Default: "info",
			Validator: oneOf("debug", "info", "warn", "error")},
		{Path: "broker.operation_timeout_seconds", Tier: TierDynamic, Type: TypeInt, Default: 300, Min: bound(1), Max: bound(3600)},
		{Path: "fs.max_read_mb", Tier: TierDynamic, Type: TypeInt, Default: 10, Min: bound(1), Max: bound(100)},
		{Path: "fs.max_patch_kb", Tier: TierDynamic, Type: TypeInt, Default: 50, Min: bound(1), Max: bound(1024)},
		{Path: "fs.search_timeout_seconds", Tier: TierDynamic, Type: TypeInt, Default: 5, Min: bound(1), Max: bound(60)},
		{Path: "git.command_timeout_seconds", Tier: TierDynamic, Type: TypeInt, Default: 10, Min: bound(1), Max: bound(300)},
		{Path: "git.snapshot_retention_days", Tier: TierDynamic, Type: TypeInt, Default: 7, Min: bound(1), Max: bound(365)},
		{Path: "agent.model", Tier: TierDynamic, Type: TypeString, Default: "claude-sonnet-4-5"},
		{Path: "agent.max_patch_chain", Tier: TierDynamic, Type: TypeInt, Default: 5, Min: bound(1), Max: bound(50)},
		{Path: "notifications.poll_interval_seconds", Tier: TierDynamic, Type: TypeInt, Default: 5, Min: bound(1), Max: bound(300)},
		{Path: "notifications.batch_size", Tier: TierDynamic, Type: TypeInt, Default: 10, Min: bound(1), Max: bound(100)},
		{Path: "notifications.max_retries", Tier: TierDynamic, Type: TypeInt, Default: 3, Min: bound(1), Max: bound(10)},
		// Backoff delay is base^retry_count. Zero means "use the poll
		// interval as the base".
		{Path: "notifications.backoff_base_seconds", Tier: TierDynamic, Type: TypeInt, Default: 0, Min: bound(0), Max: bound(3600)},
		{Path: "postpone.clarification_timeout_seconds", Tier: TierDynamic, Type: TypeInt, Default: 60, Min: bound(1), Max: bound(3600)},
		{Path: "postpone.retry_delay_seconds", Tier: TierDynamic, Type: TypeInt, Default: 1800, Min: bound(1), Max: bound(86400)},
		{Path: "postpone.cancellation_delay_seconds", Tier: TierDynamic, Type: TypeInt, Default: 1800, Min: bound(1), Max: bound(86400)},
		{Path: "observability.interval_seconds", Tier: TierDynamic, Type: TypeInt, Default: 30, Min: bound(5), Max: bound(300)},
		{Path: "observability.scheduler_lag_threshold", Tier: TierDynamic, Type: TypeInt, Default: 300, Min: bound(1), Max: bound(86400)},
		{Path: "observability.notifier_lag_threshold", Tier: TierDynamic, Type: TypeInt, Default: 120, Min: bound(1), Max: bound(86400)},
		{Path: "observability.outbox_stuck_threshold", Tier: TierDynamic, Type: TypeInt, Default: 3600, Min: bound(1), Max: bound(86400)},
		{Path: "observability.disk_cap_enabled", Tier: TierDynamic, Type: TypeBool, Default: false},
		{Path: "observability.disk_cap_mb", Tier: TierDynamic, Type: TypeInt, Default: 1000, Min: bound(1), Max: bound(1048576)},
	}

	m := make(map[string]Key, len(keys))
	for _, k := range keys {
		m[k.Path] = k
	}
	return m
}

func oneOf(values ...string) func(any) (bool, string) {
	return func(v any) (bool, string) {
		s, ok := v.(string)
		if !ok {
			return false, "expected string"
		}
		for _, allowed := range values {
			if s == allowed {
				return true, ""
			}
		}
		return false, fmt.Sprintf("must be one of: %s", strings.Join(values, ", "))
	}
}

// Lookup returns the declared key for path.
func Lookup(path string) (Key, bool) {
	k, ok := registry[path]
	return k, ok
}

// StaticKeys returns the paths of all static keys.
func StaticKeys() []string {
	return keysByTier(TierStatic)
}

// DynamicKeys returns the paths of all dynamic keys.
func DynamicKeys() []string {
	return keysByTier(TierDynamic)
}

func keysByTier(tier Tier) []string {
	var out []string
	for path, k := range registry {
		if k.Tier == tier {
			out = append(out, path)
		}
	}
	return out
}

// Defaults returns a fresh map of every key's default value.
func Defaults() map[string]any {
	out := make(map[string]any, len(registry))
	for path, k := range registry {
		out[path] = k.Default
	}
	return out
}

// ValidateValue checks a candidate value against the declared key: type
// match first, numeric bounds second, predicate validator last.
func ValidateValue(path string, value any) (bool, string) {
	k, ok := registry[path]
	if !ok {
		return false, fmt.Sprintf("unknown config key: %s", path)
	}

	num, isNum, typeOK := checkType(k.Type, value)
	if !typeOK {
		return false, fmt.Sprintf("expected %s, got %T", k.Type, value)
	}

	if isNum {
		if k.Min != nil && num < *k.Min {
			return false, fmt.Sprintf("value %v below minimum %v", value, *k.Min)
		}
		if k.Max != nil && num > *k.Max {
			return false, fmt.Sprintf("value %v above maximum %v", value, *k.Max)
		}
	}

	if k.Validator != nil {
		if ok, reason := k.Validator(value); !ok {
			return false, reason
		}
	}
	return true, ""
}

// checkType verifies the dynamic type of value against the declared type and
// returns the numeric projection for bounds checking.
func checkType(t ValueType, value any) (num float64, isNum bool, ok bool) {
	switch t {
	case TypeString:
		_, ok = value.(string)
		return 0, false, ok
	case TypeBool:
		_, ok = value.(bool)
		return 0, false, ok
	case TypeInt:
		switch v := value.(type) {
		case int:
			return float64(v), true, true
		case int64:
			return float64(v), true, true
		}
		return 0, false, false
	case TypeFloat:
		switch v := value.(type) {
		case float64:
			return v, true, true
		case int:
			return float64(v), true, true
		case int64:
			return float64(v), true, true
		}
		return 0, false, false
	case TypeStringList:
		_, ok = value.([]string)
		return 0, false, ok
	}
	return 0, false, false
}

// NormalizeValue converts decoder-native representations (TOML int64,
// []any) into the registry's canonical Go types. Unconvertible values are
// returned unchanged so validation can report them.
func NormalizeValue(path string, value any) any {
	k, ok := registry[path]
	if !ok {
		return value
	}
	switch k.Type {
	case TypeInt:
		if v, ok := value.(int64); ok {
			return int(v)
		}
	case TypeFloat:
		switch v := value.(type) {
		case int64:
			return float64(v)
		case int:
			return float64(v)
		}
	case TypeStringList:
		if items, ok := value.([]any); ok {
			out := make([]string, 0, len(items))
			for _, item := range items {
				s, ok := item.(string)
				if !ok {
					return value
				}
				out = append(out, s)
			}
			return out
		}
	}
	return value
}
