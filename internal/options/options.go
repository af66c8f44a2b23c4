package options

import (
	"fmt"
	"strings"
	"time"

	"iap-coordinator/internal/models"
)

// Recognised option keys
const (
	KeyDiscoveryTimeoutMs      = "discoveryTimeoutMs"
	KeyCheckInventory          = "checkInventory"
	KeyCheckInventoryTimeoutMs = "checkInventoryTimeoutMs"
	KeyVerifyMode              = "verifyMode"
	KeyStoreKeys               = "storeKeys"
	KeyPreferredStoreNames     = "preferredStoreNames"
)

// Defaults
const (
	DefaultDiscoveryTimeout      = 5 * time.Second
	DefaultCheckInventoryTimeout = 10 * time.Second
)

// VerifyMode controls developer payload verification
type VerifyMode int

const (
	VerifyStrict VerifyMode = iota
	VerifySkip
	VerifyAllowFailure
)

func (m VerifyMode) String() string {
	switch m {
	case VerifyStrict:
		return "strict"
	case VerifySkip:
		return "skip"
	case VerifyAllowFailure:
		return "allow_failure"
	default:
		return fmt.Sprintf("VerifyMode(%d)", int(m))
	}
}

// ParseVerifyMode accepts "strict", "skip" and "allow_failure" (case-insensitive)
func ParseVerifyMode(s string) (VerifyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "verify_everything":
		return VerifyStrict, nil
	case "skip", "verify_skip":
		return VerifySkip, nil
	case "allow_failure", "allow-failure", "verify_allow_failure":
		return VerifyAllowFailure, nil
	}
	return 0, &InvalidOptionError{Key: KeyVerifyMode, Value: s, Reason: "unknown verify mode"}
}

// InvalidOptionError reports an unknown key or an unusable value
type InvalidOptionError struct {
	Key    string
	Value  any
	Reason string
}

func (e *InvalidOptionError) Error() string {
	return fmt.Sprintf("invalid option %s=%v: %s", e.Key, e.Value, e.Reason)
}

func (e *InvalidOptionError) Unwrap() error {
	return models.ErrConfiguration
}

// StoreOptions is the immutable configuration handed to StoreBackend.Init
type StoreOptions struct {
	discoveryTimeout      time.Duration
	checkInventory        bool
	checkInventoryTimeout time.Duration
	verifyMode            VerifyMode
	storeKeys             map[string]string
	preferredStoreNames   []string
}

func (o StoreOptions) DiscoveryTimeout() time.Duration      { return o.discoveryTimeout }
func (o StoreOptions) CheckInventory() bool                 { return o.checkInventory }
func (o StoreOptions) CheckInventoryTimeout() time.Duration { return o.checkInventoryTimeout }
func (o StoreOptions) VerifyMode() VerifyMode               { return o.verifyMode }

// StoreKeys returns a copy of the per-store public keys
func (o StoreOptions) StoreKeys() map[string]string {
	out := make(map[string]string, len(o.storeKeys))
	for k, v := range o.storeKeys {
		out[k] = v
	}
	return out
}

// StoreKey returns the public key registered for storeName
func (o StoreOptions) StoreKey(storeName string) (string, bool) {
	k, ok := o.storeKeys[storeName]
	return k, ok
}

// PreferredStoreNames returns a copy of the store preference order
func (o StoreOptions) PreferredStoreNames() []string {
	return append([]string(nil), o.preferredStoreNames...)
}

// Builder accumulates options. The first error is kept and returned by Build.
type Builder struct {
	discoveryTimeout      time.Duration
	checkInventory        bool
	checkInventoryTimeout time.Duration
	verifyMode            VerifyMode
	storeKeys             map[string]string
	preferredStoreNames   []string
	err                   error
}

// NewBuilder returns a builder primed with the defaults
func NewBuilder() *Builder {
	return &Builder{
		discoveryTimeout:      DefaultDiscoveryTimeout,
		checkInventory:        true,
		checkInventoryTimeout: DefaultCheckInventoryTimeout,
		verifyMode:            VerifyStrict,
		storeKeys:             make(map[string]string),
	}
}

func (b *Builder) fail(key string, value any, reason string) *Builder {
	if b.err == nil {
		b.err = &InvalidOptionError{Key: key, Value: value, Reason: reason}
	}
	return b
}

// Set applies a recognised option by key
func (b *Builder) Set(key string, value any) *Builder {
	switch key {
	case KeyDiscoveryTimeoutMs:
		ms, ok := toMillis(value)
		if !ok {
			return b.fail(key, value, "expected integer milliseconds")
		}
		return b.DiscoveryTimeoutMs(ms)
	case KeyCheckInventory:
		v, ok := value.(bool)
		if !ok {
			return b.fail(key, value, "expected bool")
		}
		return b.CheckInventory(v)
	case KeyCheckInventoryTimeoutMs:
		ms, ok := toMillis(value)
		if !ok {
			return b.fail(key, value, "expected integer milliseconds")
		}
		return b.CheckInventoryTimeoutMs(ms)
	case KeyVerifyMode:
		switch v := value.(type) {
		case VerifyMode:
			return b.VerifyMode(v)
		case string:
			mode, err := ParseVerifyMode(v)
			if err != nil {
				return b.fail(key, value, "unknown verify mode")
			}
			return b.VerifyMode(mode)
		default:
			return b.fail(key, value, "expected VerifyMode or string")
		}
	case KeyStoreKeys:
		v, ok := value.(map[string]string)
		if !ok {
			return b.fail(key, value, "expected map[string]string")
		}
		for store, k := range v {
			b.StoreKey(store, k)
		}
		return b
	case KeyPreferredStoreNames:
		v, ok := value.([]string)
		if !ok {
			return b.fail(key, value, "expected []string")
		}
		return b.PreferredStoreNames(v...)
	default:
		return b.fail(key, value, "unknown option")
	}
}

func (b *Builder) DiscoveryTimeoutMs(ms int64) *Builder {
	if ms < 0 {
		return b.fail(KeyDiscoveryTimeoutMs, ms, "must be non-negative")
	}
	b.discoveryTimeout = time.Duration(ms) * time.Millisecond
	return b
}

func (b *Builder) CheckInventory(v bool) *Builder {
	b.checkInventory = v
	return b
}

func (b *Builder) CheckInventoryTimeoutMs(ms int64) *Builder {
	if ms < 0 {
		return b.fail(KeyCheckInventoryTimeoutMs, ms, "must be non-negative")
	}
	b.checkInventoryTimeout = time.Duration(ms) * time.Millisecond
	return b
}

func (b *Builder) VerifyMode(m VerifyMode) *Builder {
	if m < VerifyStrict || m > VerifyAllowFailure {
		return b.fail(KeyVerifyMode, m, "unknown verify mode")
	}
	b.verifyMode = m
	return b
}

func (b *Builder) StoreKey(storeName, key string) *Builder {
	if storeName == "" {
		return b.fail(KeyStoreKeys, key, "empty store name")
	}
	b.storeKeys[storeName] = key
	return b
}

// PreferredStoreNames appends to the preference order, skipping repeats
func (b *Builder) PreferredStoreNames(names ...string) *Builder {
	for _, n := range names {
		if n == "" {
			return b.fail(KeyPreferredStoreNames, names, "empty store name")
		}
		dup := false
		for _, existing := range b.preferredStoreNames {
			if existing == n {
				dup = true
				break
			}
		}
		if !dup {
			b.preferredStoreNames = append(b.preferredStoreNames, n)
		}
	}
	return b
}

// Build returns the accumulated options. It does not modify the builder.
func (b *Builder) Build() (StoreOptions, error) {
	if b.err != nil {
		return StoreOptions{}, b.err
	}
	keys := make(map[string]string, len(b.storeKeys))
	for k, v := range b.storeKeys {
		keys[k] = v
	}
	return StoreOptions{
		discoveryTimeout:      b.discoveryTimeout,
		checkInventory:        b.checkInventory,
		checkInventoryTimeout: b.checkInventoryTimeout,
		verifyMode:            b.verifyMode,
		storeKeys:             keys,
		preferredStoreNames:   append([]string(nil), b.preferredStoreNames...),
	}, nil
}

func toMillis(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case time.Duration:
		return n.Milliseconds(), true
	}
	return 0, false
}
