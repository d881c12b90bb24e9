// Package lock provides the distributed mutual-exclusion primitive that
// guards state read-modify-write cycles across concurrent operators.
//
// Locks carry a bounded lease. A holder must renew before the lease
// expires; an expired lease means the lock is abandoned and any other
// caller may reclaim it without manual intervention. A holder that fails
// to renew must treat its lock as lost and abort in-flight work rather
// than operate without exclusivity.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrLockLost is returned by Renew and Release when the stored lock no
// longer belongs to the caller (lease expired and someone else took it,
// or the record vanished).
var ErrLockLost = errors.New("lock lost")

// Lock is a time-bounded right to exclusive access on a key.
type Lock struct {
	Key        string
	Holder     string
	ID         string // unique per acquisition, distinguishes re-acquisitions by the same holder
	AcquiredAt time.Time
	Lease      time.Duration
	ExpiresAt  time.Time
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// BusyError reports that a valid lock is already held.
type BusyError struct {
	Key       string
	Holder    string
	ExpiresAt time.Time
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("lock %q is held by %q until %s", e.Key, e.Holder, e.ExpiresAt.UTC().Format(time.RFC3339))
}

// IsBusy reports whether err indicates lock contention.
func IsBusy(err error) bool {
	var busy *BusyError
	return errors.As(err, &busy)
}

// Manager is the distributed lock contract. Acquisition must be atomic:
// implementations use a conditional-write primitive so two racing
// callers can never both succeed.
type Manager interface {
	// Acquire takes the lock, or returns *BusyError while a valid
	// (unexpired) lock exists. Expired locks are reclaimable.
	Acquire(ctx context.Context, key, holder string, lease time.Duration) (*Lock, error)

	// Renew extends the lease of a held lock. Returns ErrLockLost when
	// the stored lock no longer matches the caller's.
	Renew(ctx context.Context, l *Lock) (*Lock, error)

	// Release gives the lock up. Releasing a lock that is already gone
	// or was reclaimed by another holder succeeds: the caller's goal,
	// not holding it, is already met.
	Release(ctx context.Context, l *Lock) error

	// ForceRelease unconditionally removes the lock on key. Operator
	// escape hatch for abandoned locks.
	ForceRelease(ctx context.Context, key string) error
}

func newLockID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("reading random lock id: %v", err))
	}
	return hex.EncodeToString(b[:])
}
