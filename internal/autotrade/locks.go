package autotrade

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/argus-watch/argus/internal/trade"
)

// lockKey identifies one execution slot. Two rules for the same owner,
// token, and side can never execute concurrently; the same owner may
// run a buy on one token while a sell runs on another.
type lockKey struct {
	owner int64
	token common.Address
	side  trade.Side
}

// LockSet is an in-process execution lock registry. Locks are advisory
// and non-reentrant: TryAcquire fails immediately when the slot is held
// rather than blocking, so a second price event for the same rule is
// dropped instead of queued.
type LockSet struct {
	mu   sync.Mutex
	held map[lockKey]struct{}
}

func NewLockSet() *LockSet {
	return &LockSet{held: make(map[lockKey]struct{})}
}

// TryAcquire attempts to take the slot. Returns false if already held.
func (ls *LockSet) TryAcquire(owner int64, token common.Address, side trade.Side) bool {
	key := lockKey{owner, token, side}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if _, ok := ls.held[key]; ok {
		return false
	}
	ls.held[key] = struct{}{}
	return true
}

// Release frees the slot. Releasing an unheld slot is a no-op.
func (ls *LockSet) Release(owner int64, token common.Address, side trade.Side) {
	key := lockKey{owner, token, side}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	delete(ls.held, key)
}

// Held reports whether the slot is currently taken.
func (ls *LockSet) Held(owner int64, token common.Address, side trade.Side) bool {
	key := lockKey{owner, token, side}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	_, ok := ls.held[key]
	return ok
}

// Len returns the number of held slots.
func (ls *LockSet) Len() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.held)
}

// String renders the held slots for status endpoints. Order is not
// deterministic.
func (ls *LockSet) String() string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	parts := make([]string, 0, len(ls.held))
	for k := range ls.held {
		parts = append(parts, k.token.Hex()+"/"+string(k.side))
	}
	return strings.Join(parts, ",")
}
