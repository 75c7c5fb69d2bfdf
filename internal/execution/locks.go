package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// LockKey names the lock guarding a chain's conflicting state key.
func LockKey(chainID uint64, stateKey string) string {
	return fmt.Sprintf("%d:%s", chainID, stateKey)
}

// Locks enforces at most one non-terminal intent per state key. The
// in-process map is authoritative for this engine; the optional distributed
// lock extends the guarantee to other engines sharing the same Redis.
type Locks struct {
	dist domain.LockManager
	ttl  time.Duration

	mu   sync.Mutex
	held map[string]string
}

// NewLocks creates a lock table. dist may be nil.
func NewLocks(dist domain.LockManager, ttl time.Duration) *Locks {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locks{dist: dist, ttl: ttl, held: map[string]string{}}
}

// Acquire takes key for owner. A key already held returns ErrStateKeyBusy.
// The returned release is idempotent.
func (l *Locks) Acquire(ctx context.Context, key, owner string) (func(), error) {
	l.mu.Lock()
	if cur, ok := l.held[key]; ok {
		l.mu.Unlock()
		return nil, domain.E(domain.KindCapacityExceeded, "execution.lock", fmt.Errorf("%w: %s held by %s", domain.ErrStateKeyBusy, key, cur))
	}
	l.held[key] = owner
	l.mu.Unlock()

	distRelease := func() {}
	if l.dist != nil {
		unlock, err := l.dist.Acquire(ctx, "mev:state:"+key, l.ttl)
		if err != nil {
			l.drop(key)
			if errors.Is(err, domain.ErrLockHeld) {
				return nil, domain.E(domain.KindCapacityExceeded, "execution.lock", fmt.Errorf("%w: %s held remotely", domain.ErrStateKeyBusy, key))
			}
			return nil, domain.E(domain.KindTransientIO, "execution.lock", err)
		}
		distRelease = unlock
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			distRelease()
			l.drop(key)
		})
	}, nil
}

// Holder returns the owner of key, if held.
func (l *Locks) Holder(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.held[key]
	return o, ok
}

// Len returns the number of held keys.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

func (l *Locks) drop(key string) {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
}
