package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// EnvPrefix is prepended to the upper-cased, underscore-joined key path to
// form the environment override name: "database.path" -> "WARDEN_DATABASE_PATH".
const EnvPrefix = "WARDEN_"

// Redacted is substituted for sensitive values in every log event.
const Redacted = "[REDACTED]"

// sensitiveFragments marks key paths whose values must never be logged.
var sensitiveFragments = []string{"api_key", "bot_token", "secret"}

// RedactValue returns the value unless the key path contains a sensitive
// fragment, in which case it returns the Redacted literal.
func RedactValue(path string, value any) any {
	lower := strings.ToLower(path)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return Redacted
		}
	}
	return value
}

// Subscriber is called after a dynamic key changes. Errors are logged and
// never propagated to the updater.
type Subscriber func(key string, value any) error

// Manager holds the merged two-tier configuration. The static map is frozen
// after Load; the dynamic map accepts hot updates through Update.
type Manager struct {
	configFile string
	envFile    string
	logger     *zap.Logger

	mu          sync.RWMutex
	static      map[string]any
	dynamic     map[string]any
	subscribers []Subscriber
}

// NewManager creates an unloaded manager. Call Load before use.
func NewManager(configFile, envFile string, logger *zap.Logger) *Manager {
	return &Manager{
		configFile: configFile,
		envFile:    envFile,
		logger:     logger,
		static:     map[string]any{},
		dynamic:    map[string]any{},
	}
}

// Load merges code defaults, the TOML file, and environment overrides for
// every registered key, then validates the full set. Any validation failure
// aborts startup. A missing config file is non-fatal: defaults apply and a
// warning is logged.
func (m *Manager) Load() error {
	if m.envFile != "" {
		if err := godotenv.Load(m.envFile); err == nil {
			m.logger.Info("env_file_loaded", zap.String("env_file", m.envFile))
		}
	}

	fileValues, err := m.loadFile()
	if err != nil {
		return err
	}

	static := map[string]any{}
	dynamic := map[string]any{}

	for path, key := range registry {
		value := key.Default
		if fv, ok := fileValues[path]; ok {
			value = NormalizeValue(path, fv)
		}
		if ev, ok := m.envOverride(path, key); ok {
			value = ev
			m.logger.Info("env_override_applied",
				zap.String("key", path),
				zap.Any("value", RedactValue(path, value)))
		}

		if ok, reason := ValidateValue(path, value); !ok {
			m.logger.Error("config_validation_failed",
				zap.String("key", path),
				zap.String("reason", reason))
			return fmt.Errorf("config validation failed for %q: %s", path, reason)
		}

		if key.Tier == TierStatic {
			static[path] = value
		} else {
			dynamic[path] = value
		}
	}

	m.mu.Lock()
	m.static = static
	m.dynamic = dynamic
	m.mu.Unlock()

	m.logger.Info("config_loaded",
		zap.Int("static_keys", len(static)),
		zap.Int("dynamic_keys", len(dynamic)))
	return nil
}

func (m *Manager) loadFile() (map[string]any, error) {
	if m.configFile == "" {
		return map[string]any{}, nil
	}
	raw := map[string]any{}
	if _, err := toml.DecodeFile(m.configFile, &raw); err != nil {
		if os.IsNotExist(err) {
			m.logger.Warn("config_file_not_found",
				zap.String("config_file", m.configFile),
				zap.Bool("using_defaults", true))
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("parse config file %s: %w", m.configFile, err)
	}
	flattened := map[string]any{}
	flatten("", raw, flattened)
	m.logger.Info("config_file_loaded",
		zap.String("config_file", m.configFile),
		zap.Int("keys", len(flattened)))
	return flattened, nil
}

// flatten converts the nested table-of-tables structure to dotted keys:
// {"scope": {"allowed_roots": [...]}} -> {"scope.allowed_roots": [...]}.
func flatten(prefix string, in map[string]any, out map[string]any) {
	for key, value := range in {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			flatten(full, nested, out)
			continue
		}
		out[full] = value
	}
}

func (m *Manager) envOverride(path string, key Key) (any, bool) {
	envKey := EnvPrefix + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
	raw, ok := os.LookupEnv(envKey)
	if !ok {
		return nil, false
	}
	value, err := parseEnvValue(raw, key.Type)
	if err != nil {
		m.logger.Error("env_parse_error",
			zap.String("key", path),
			zap.String("env_key", envKey),
			zap.Error(err))
		return nil, false
	}
	return value, true
}

func parseEnvValue(raw string, t ValueType) (any, error) {
	switch t {
	case TypeString:
		return raw, nil
	case TypeBool:
		switch strings.ToLower(raw) {
		case "true", "1", "yes", "on":
			return true, nil
		default:
			return false, nil
		}
	case TypeInt:
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", raw)
		}
		return v, nil
	case TypeFloat:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float %q", raw)
		}
		return v, nil
	case TypeStringList:
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %s", t)
}

// Get returns the current value for a registered key, falling back to the
// key's default when not yet loaded.
func (m *Manager) Get(path string) any {
	key, ok := registry[path]
	if !ok {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if key.Tier == TierStatic {
		if v, ok := m.static[path]; ok {
			return v
		}
	} else {
		if v, ok := m.dynamic[path]; ok {
			return v
		}
	}
	return key.Default
}

// GetString returns the value of a string key.
func (m *Manager) GetString(path string) string {
	v, _ := m.Get(path).(string)
	return v
}

// GetInt returns the value of an int key.
func (m *Manager) GetInt(path string) int {
	switch v := m.Get(path).(type) {
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// GetBool returns the value of a bool key.
func (m *Manager) GetBool(path string) bool {
	v, _ := m.Get(path).(bool)
	return v
}

// GetStringList returns the value of a string-list key.
func (m *Manager) GetStringList(path string) []string {
	v, _ := m.Get(path).([]string)
	return v
}

// ErrStaticUpdateRefused is returned by Update for static keys.
var ErrStaticUpdateRefused = fmt.Errorf("static_update_refused: restart required")

// ValidationError is returned by Update when the value is disallowed.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation_failed: %s: %s", e.Key, e.Reason)
}

// Update hot-updates a dynamic key. The prior value is logged (redacted for
// sensitive keys) and every subscriber is notified in registration order.
// Subscriber errors are logged, never propagated.
func (m *Manager) Update(path string, value any) error {
	key, ok := registry[path]
	if !ok {
		return &ValidationError{Key: path, Reason: "unknown config key"}
	}
	if key.Tier == TierStatic {
		return ErrStaticUpdateRefused
	}

	value = NormalizeValue(path, value)
	if ok, reason := ValidateValue(path, value); !ok {
		return &ValidationError{Key: path, Reason: reason}
	}

	m.mu.Lock()
	old := m.dynamic[path]
	m.dynamic[path] = value
	subscribers := make([]Subscriber, len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.Unlock()

	m.logger.Info("dynamic_config_updated",
		zap.String("key", path),
		zap.Any("old_value", RedactValue(path, old)),
		zap.Any("new_value", RedactValue(path, value)))

	for _, sub := range subscribers {
		m.notify(sub, path, value)
	}
	return nil
}

func (m *Manager) notify(sub Subscriber, path string, value any) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber_notification_panicked",
				zap.String("key", path),
				zap.Any("panic", r))
		}
	}()
	if err := sub(path, value); err != nil {
		m.logger.Error("subscriber_notification_failed",
			zap.String("key", path),
			zap.Error(err))
	}
}

// Subscribe registers a callback invoked after each dynamic update.
func (m *Manager) Subscribe(sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, sub)
}

// Snapshot returns a copy of the merged configuration with sensitive values
// redacted, for diagnostics.
func (m *Manager) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.static)+len(m.dynamic))
	for k, v := range m.static {
		out[k] = RedactValue(k, v)
	}
	for k, v := range m.dynamic {
		out[k] = RedactValue(k, v)
	}
	return out
}
