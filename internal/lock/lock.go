// Package lock elects the single writer among the tabs of one learner.
//
// Only the holder persists mutations; other tabs stay read-only. Acquisition and loss are
// delivered to handlers registered with OnLockChange.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrHeld is returned by Acquire while another owner holds the lock.
	// The caller stays queued and is notified when the lock is granted.
	ErrHeld = errors.New("lock: held by another owner")
	// ErrNotHeld is returned by Release when the caller neither holds nor waits for the lock.
	ErrNotHeld = errors.New("lock: not held")
)

// Handle is the capability token proving ownership.
type Handle struct {
	Name       string
	Token      string
	AcquiredAt time.Time
}

// Valid reports whether the handle was issued by a successful Acquire.
func (h Handle) Valid() bool { return h.Token != "" }

// Locker is a writer lock.
type Locker interface {
	Acquire(ctx context.Context) (Handle, error)
	OnLockChange(handler func(held bool))
	Release(ctx context.Context) error
}

// handlers is a copy-on-notify list of change callbacks.
type handlers []func(bool)

func (hs handlers) notify(held bool) {
	for _, h := range hs {
		h(held)
	}
}
