// Package valkey provides a Valkey-backed Store for credgate, built on
// valkey-go.
package valkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"

	"github.com/ineyio/credgate"
)

// DefaultConnectTimeout bounds the initial ping in Open.
const DefaultConnectTimeout = 5 * time.Second

// Config holds the connection settings used by Open.
type Config struct {
	Address        string
	Password       string
	DB             int
	KeyPrefix      string
	ConnectTimeout time.Duration // Optional, defaults to DefaultConnectTimeout
}

// Store is a Valkey-backed credgate.Store.
type Store struct {
	inner     valkeylib.Client
	keyPrefix string
	owned     bool
}

var _ credgate.Store = (*Store)(nil)

// New wraps an existing client. The caller keeps ownership of client.
func New(client valkeylib.Client, keyPrefix string) *Store {
	return &Store{inner: client, keyPrefix: normalizePrefix(keyPrefix)}
}

// Open connects to Valkey and verifies the connection with a ping.
// The caller is responsible for calling Close when done.
func Open(cfg Config) (*Store, error) {
	opts := valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	inner, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("credgate/valkey: create client: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := inner.Do(ctx, inner.B().Ping().Build()).Error(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("credgate/valkey: ping (timeout: %v): %w", timeout, err)
	}

	s := New(inner, cfg.KeyPrefix)
	s.owned = true
	return s, nil
}

// Close closes the connection if Open created it.
func (s *Store) Close() error {
	if s.owned && s.inner != nil {
		s.inner.Close()
	}
	return nil
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return "credgate:"
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return prefix
}

func (s *Store) key(k string) string {
	return s.keyPrefix + k
}

// Get returns the value stored at key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	cmd := s.inner.B().Get().Key(s.key(key)).Build()
	v, err := s.inner.Do(ctx, cmd).ToString()
	if err != nil {
		if valkeylib.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("credgate/valkey: get: %w", err)
	}
	return v, true, nil
}

// Set stores value at key, replacing any previous value and TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return credgate.ErrInvalidTTL
	}
	cmd := s.inner.B().Set().
		Key(s.key(key)).
		Value(value).
		Px(ttl).
		Build()

	if err := s.inner.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("credgate/valkey: set: %w", err)
	}
	return nil
}

// SetIfAbsent stores value at key only when key holds no live value.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, credgate.ErrInvalidTTL
	}
	// SET key value NX PX ttl
	cmd := s.inner.B().Set().
		Key(s.key(key)).
		Value(value).
		Nx().
		Px(ttl).
		Build()

	err := s.inner.Do(ctx, cmd).Error()
	if err == nil {
		return true, nil
	}
	if valkeylib.IsValkeyNil(err) {
		return false, nil
	}
	return false, fmt.Errorf("credgate/valkey: set nx: %w", err)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	cmd := s.inner.B().Del().Key(s.key(key)).Build()
	if err := s.inner.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("credgate/valkey: del: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of key. ok is false for a missing key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	cmd := s.inner.B().Pttl().Key(s.key(key)).Build()
	ms, err := s.inner.Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, false, fmt.Errorf("credgate/valkey: pttl: %w", err)
	}
	if ms < 0 {
		return 0, false, nil
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}
