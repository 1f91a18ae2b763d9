package credgate

import "time"

// LockOutcome is the variant of a LockResult.
type LockOutcome int

const (
	// LockContended means another caller holds the credential's lock right
	// now. It is expected under load and retried by the Admission.
	LockContended LockOutcome = iota
	// LockAcquired means the caller holds the credential's lock.
	LockAcquired
)

func (o LockOutcome) String() string {
	switch o {
	case LockAcquired:
		return "acquired"
	case LockContended:
		return "contended"
	default:
		return "unknown"
	}
}

// LockResult is the outcome of a single Acquire attempt.
type LockResult struct {
	Outcome    LockOutcome
	Credential string // set when Outcome is LockAcquired

	// Target is the credential the attempt tried to lock.
	Target string
	// Sticky reports that Target came from the caller's binding.
	Sticky bool
	// Fallback reports that no free credential was found and Target was
	// picked at random.
	Fallback bool
}

// Acquired reports whether the lock was obtained.
func (r LockResult) Acquired() bool { return r.Outcome == LockAcquired }

// Lease is handed to the upstream callback while a credential is locked.
type Lease struct {
	ID         string
	CallerID   string
	Credential string
	Attempts   int
	AcquiredAt time.Time
}

// RequestState is the admission state of a single request.
type RequestState int

const (
	StatePendingLock RequestState = iota
	StateLocked
	StateReleased
	StateBusyRejected
	StateQuotaRejected
	StateFailed
)

func (s RequestState) String() string {
	switch s {
	case StatePendingLock:
		return "pending_lock"
	case StateLocked:
		return "locked"
	case StateReleased:
		return "released"
	case StateBusyRejected:
		return "busy_rejected"
	case StateQuotaRejected:
		return "quota_rejected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s RequestState) Terminal() bool {
	switch s {
	case StateReleased, StateBusyRejected, StateQuotaRejected, StateFailed:
		return true
	default:
		return false
	}
}

// Tier decides whether the daily ceiling applies to a caller.
type Tier int

const (
	TierStandard Tier = iota
	TierPrivileged
)

func (t Tier) String() string {
	switch t {
	case TierStandard:
		return "standard"
	case TierPrivileged:
		return "privileged"
	default:
		return "unknown"
	}
}

// RateDecision is the outcome of a rate counter check.
type RateDecision struct {
	Allowed bool      `json:"allowed"`
	Count   int64     `json:"count"` // count after the check; unchanged when rejected
	Limit   int64     `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

// CredentialState is a point-in-time view of one pool credential.
type CredentialState struct {
	Credential string
	Owner      string // Unowned, a caller id, or "" if the record is missing
	LockedBy   string // "" when unlocked
	Health     HealthState
}

// Free reports whether the credential is registered as unowned.
func (s CredentialState) Free() bool { return s.Owner == Unowned }
