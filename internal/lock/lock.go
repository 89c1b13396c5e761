// Package lock arbitrates one shared run identifier among processes that
// race to report the same logical run.
//
// The first candidate committed to the shared medium wins; every caller,
// including late ones, receives that winner. Exactly one call per winner
// reports that it committed it, even when several callers propose the same
// candidate. Each caller is also counted as an active instance until it
// calls FinishInstance, and the shared state is removed once the last
// instance finishes.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable reports that the shared arbitration medium cannot be used.
// Callers are expected to degrade rather than propagate it.
var ErrUnavailable = errors.New("identity lock unavailable")

// Lock is a cross-process identity arbitration primitive
type Lock interface {
	// ObtainIdentifier commits candidate if no winner exists yet and returns
	// the committed winner. committed is true only for the call that
	// committed it.
	ObtainIdentifier(ctx context.Context, candidate string) (winner string, committed bool, err error)
	// FinishInstance deregisters one active instance registered under
	// instance (the candidate it passed to ObtainIdentifier).
	FinishInstance(ctx context.Context, instance string) error
}

// State is the shared record kept by the file backend
type State struct {
	Winner    string    `json:"winner"`
	Instances []string  `json:"instances"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *State) expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(s.UpdatedAt) > ttl
}

// release removes one registration of instance and reports whether any
// instance remains
func (s *State) release(instance string) bool {
	for i, v := range s.Instances {
		if v == instance {
			s.Instances = append(s.Instances[:i], s.Instances[i+1:]...)
			break
		}
	}
	return len(s.Instances) > 0
}
