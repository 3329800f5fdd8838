package state

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound   = errors.New("key not found")
	ErrClosed     = errors.New("store closed")
	ErrInvalidKey = errors.New("invalid key")
	ErrInvalidTTL = errors.New("invalid TTL")
)

// KeyBrokerHeartbeat holds the router's last heartbeat as fractional unix
// seconds. Health checks read it without subscribing to the bus.
const KeyBrokerHeartbeat = "broker_heartbeat"

// KeyValue represents a key-value entry with metadata.
type KeyValue struct {
	// Key is the entry key.
	Key string

	// Value is the entry value.
	Value []byte

	// Revision is a monotonic version number, when the backend tracks one.
	Revision uint64

	// Modified is when the key was last written, when known.
	Modified time.Time
}

// StateStore provides point-in-time key-value storage shared by plasma
// processes.
type StateStore interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// GetKeyValue retrieves the full KeyValue entry.
	// Returns ErrNotFound if the key does not exist.
	GetKeyValue(key string) (*KeyValue, error)

	// Put stores a value with an optional TTL.
	// If ttl is 0, the key never expires.
	Put(key string, value []byte, ttl time.Duration) error

	// Create stores a value only if the key does not exist, and reports
	// whether it did. Concurrent Creates of one key store exactly once.
	Create(key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes a key.
	// Returns nil if the key does not exist.
	Delete(key string) error

	// Keys returns all keys matching a pattern.
	// Pattern supports * wildcard at the end (e.g., "agent_*").
	Keys(pattern string) ([]string, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// ValidateKey checks if a key is valid.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if strings.Contains(key, " ") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	if len(key) > 1024 {
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL checks if a TTL is valid.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern checks if a key matches a pattern.
// Supports * wildcard at the end (e.g., "config.*" matches "config.foo").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}

// PutTime stores t as fractional unix seconds, the encoding every plasma
// client uses for timestamps.
func PutTime(s StateStore, key string, t time.Time, ttl time.Duration) error {
	secs := float64(t.UnixNano()) / float64(time.Second)
	return s.Put(key, []byte(strconv.FormatFloat(secs, 'f', 6, 64)), ttl)
}

// GetTime reads a timestamp written by PutTime.
func GetTime(s StateStore, key string) (time.Time, error) {
	raw, err := s.Get(key)
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("key %s: not a timestamp: %w", key, err)
	}
	sec := int64(secs)
	return time.Unix(sec, int64((secs-float64(sec))*float64(time.Second))), nil
}
