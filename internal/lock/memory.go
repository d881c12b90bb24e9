package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryManager is an in-process Manager for tests and local runs. It
// implements the same lease semantics as the DynamoDB manager.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]*Lock

	// now is swappable so tests can control lease expiry.
	now func() time.Time
}

// NewMemoryManager returns an empty manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		locks: make(map[string]*Lock),
		now:   time.Now,
	}
}

// Acquire implements Manager.
func (m *MemoryManager) Acquire(_ context.Context, key, holder string, lease time.Duration) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.locks[key]; ok && !existing.Expired(now) {
		return nil, &BusyError{Key: key, Holder: existing.Holder, ExpiresAt: existing.ExpiresAt}
	}

	l := &Lock{
		Key:        key,
		Holder:     holder,
		ID:         newLockID(),
		AcquiredAt: now,
		Lease:      lease,
		ExpiresAt:  now.Add(lease),
	}
	m.locks[key] = l
	return l, nil
}

// Renew implements Manager.
func (m *MemoryManager) Renew(_ context.Context, l *Lock) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.locks[l.Key]
	if !ok || stored.Holder != l.Holder || stored.ID != l.ID {
		return nil, ErrLockLost
	}

	renewed := *stored
	renewed.ExpiresAt = m.now().Add(l.Lease)
	m.locks[l.Key] = &renewed
	return &renewed, nil
}

// Release implements Manager.
func (m *MemoryManager) Release(_ context.Context, l *Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.locks[l.Key]
	if !ok || stored.Holder != l.Holder || stored.ID != l.ID {
		// Already gone or reclaimed; nothing left to release.
		return nil
	}
	delete(m.locks, l.Key)
	return nil
}

// ForceRelease implements Manager.
func (m *MemoryManager) ForceRelease(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}
