package credgate

import (
	"context"
	"time"
)

// Store is the shared keyed expiring store all coordination lives in.
//
// Every key carries a TTL; implementations reject non-positive TTLs with
// ErrInvalidTTL. SetIfAbsent must be atomic across goroutines, processes and
// replicas: it is the only mutual-exclusion primitive the lock manager uses.
type Store interface {
	// Get returns the value stored under key. ok is false when the key is
	// absent or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value and TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfAbsent stores value only if key is absent or expired. It reports
	// whether the value was stored.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Key prefixes for the records kept in the Store.
const (
	bindingPrefix    = "AT:"
	lockPrefix       = "LOCK:"
	permissionPrefix = "PERMISSION:"
)

// Unowned is the owner-record value of a credential nobody is assigned to.
const Unowned = "0"

// BindingKey is the sticky caller -> credential binding key.
func BindingKey(callerID string) string { return bindingPrefix + callerID }

// LockKey is the mutual-exclusion key of a credential.
func LockKey(credential string) string { return lockPrefix + credential }

// PermissionKey is the daily request counter key of a caller.
func PermissionKey(callerID string) string { return permissionPrefix + callerID }

// OwnerKey is the owner-record key of a credential: the credential itself.
func OwnerKey(credential string) string { return credential }

func checkTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
