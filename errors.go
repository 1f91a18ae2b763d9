package credgate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNoCredentials      = errors.New("credgate: no credentials configured")
	ErrInvalidCredential  = errors.New("credgate: invalid credential")
	ErrInvalidTTL         = errors.New("credgate: ttl must be positive")
	ErrInvalidCaller      = errors.New("credgate: caller id is required")
	ErrUnauthorized       = errors.New("credgate: no access rights")
	ErrBusy               = errors.New("credgate: channel busy")
	ErrQuotaExceeded      = errors.New("credgate: daily quota exceeded")
	ErrCredentialRejected = errors.New("credgate: credential rejected by upstream")
)

// AdmissionError wraps an error with the context of the request it ended.
type AdmissionError struct {
	Err        error
	CallerID   string
	Credential string
	Attempts   int
	State      RequestState
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("credgate: caller=%s credential=%s attempts=%d state=%s: %v",
		e.CallerID, Redact(e.Credential), e.Attempts, e.State, e.Err)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// IsBusy returns true if no credential could be locked within the retry budget.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsQuotaExceeded returns true if the caller's daily budget is used up.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsRetryable returns true if the same request may succeed later without
// any change on the caller's side.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrQuotaExceeded)
}

// Redact shortens a credential for error strings and logs.
func Redact(credential string) string {
	if credential == "" {
		return "-"
	}
	if len(credential) <= 8 {
		return "****"
	}
	return credential[:4] + "..." + credential[len(credential)-4:]
}
