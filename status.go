package credgate

import (
	"errors"
	"strings"
)

// Status is the user-facing outcome of a gated request.
type Status int

const (
	StatusOK Status = iota
	StatusBusy
	StatusQuotaExceeded
	StatusUnauthorized
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "Success"
	case StatusBusy:
		return "Busy"
	case StatusQuotaExceeded:
		return "QuotaExceeded"
	case StatusUnauthorized:
		return "Unauthorized"
	default:
		return "Fail"
	}
}

// Message is safe to show to end users; it never carries internal detail.
func (s Status) Message() string {
	switch s {
	case StatusOK:
		return ""
	case StatusBusy:
		return "Channel is busy, please try again later"
	case StatusQuotaExceeded:
		return "Today's free quota is used up, please try again tomorrow"
	case StatusUnauthorized:
		return "No access rights"
	default:
		return "Service temporarily unavailable, please try again later"
	}
}

// Classify maps an error returned by the gate to a Status.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrBusy):
		return StatusBusy
	case errors.Is(err, ErrQuotaExceeded):
		return StatusQuotaExceeded
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidCaller):
		return StatusUnauthorized
	default:
		return StatusFailed
	}
}

// CallerFromAuthorization derives the caller identity from an Authorization
// header value, stripping an optional "Bearer" scheme. A scheme with no
// token after it is unauthorized.
func CallerFromAuthorization(header string) (string, error) {
	token := strings.TrimSpace(header)
	if len(token) >= 6 && strings.EqualFold(token[:6], "bearer") &&
		(len(token) == 6 || token[6] == ' ' || token[6] == '\t') {
		token = strings.TrimSpace(token[6:])
	}
	if token == "" {
		return "", ErrUnauthorized
	}
	return token, nil
}
