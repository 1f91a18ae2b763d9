package credgate

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Pool is the fixed, ordered list of upstream credentials. It is immutable
// after NewPool and safe for concurrent reads.
type Pool struct {
	credentials []string
	index       map[string]int
}

// NewPool builds a pool from the configured credential list.
// It fails if the list is empty, or contains blanks or duplicates.
func NewPool(credentials []string) (*Pool, error) {
	if len(credentials) == 0 {
		return nil, ErrNoCredentials
	}

	p := &Pool{
		credentials: make([]string, 0, len(credentials)),
		index:       make(map[string]int, len(credentials)),
	}
	for i, c := range credentials {
		if strings.TrimSpace(c) == "" {
			return nil, fmt.Errorf("credgate: pool: credential[%d] is blank: %w", i, ErrInvalidCredential)
		}
		if _, dup := p.index[c]; dup {
			return nil, fmt.Errorf("credgate: pool: credential[%d] is a duplicate: %w", i, ErrInvalidCredential)
		}
		p.index[c] = len(p.credentials)
		p.credentials = append(p.credentials, c)
	}
	return p, nil
}

// Credentials returns the credentials in scan order.
func (p *Pool) Credentials() []string {
	return slices.Clone(p.credentials)
}

// Len returns the number of credentials.
func (p *Pool) Len() int { return len(p.credentials) }

// Contains reports whether credential belongs to the pool.
func (p *Pool) Contains(credential string) bool {
	_, ok := p.index[credential]
	return ok
}

func (p *Pool) at(i int) string { return p.credentials[i] }

// Bootstrap registers every credential as free by writing the Unowned
// sentinel into its owner record. Locks left behind by a previous process
// are not touched; they expire on their own.
func (p *Pool) Bootstrap(ctx context.Context, store Store, ownerTTL time.Duration) error {
	if err := checkTTL(ownerTTL); err != nil {
		return err
	}
	for _, c := range p.credentials {
		if err := store.Set(ctx, OwnerKey(c), Unowned, ownerTTL); err != nil {
			return fmt.Errorf("credgate: pool: register %s: %w", Redact(c), err)
		}
	}
	return nil
}
