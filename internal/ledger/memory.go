package ledger

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryLedger is a process-local ledger for single instance deployments and tests
type MemoryLedger struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	ttl      time.Duration
	claimTTL time.Duration
	now      func() time.Time
}

// NewMemoryLedger creates a ledger that forgets committed keys after ttl
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{
		entries:  make(map[string]memoryEntry),
		ttl:      ttl,
		claimTTL: DefaultClaimTTL,
		now:      time.Now,
	}
}

func (l *MemoryLedger) Claim(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	l.entries[key] = memoryEntry{value: valuePending, expiresAt: now.Add(l.claimTTL)}
	return true, nil
}

func (l *MemoryLedger) Commit(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[key] = memoryEntry{value: valueDone, expiresAt: l.now().Add(l.ttl)}
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, key)
	return nil
}

// Sweep drops expired keys
func (l *MemoryLedger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, e := range l.entries {
		if !now.Before(e.expiresAt) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}
