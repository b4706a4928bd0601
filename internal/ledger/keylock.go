package ledger

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// keyLocks serializes operations per staker. Entries are reference counted and
// removed once no caller holds or waits on them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[common.Address]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[common.Address]*keyLock)}
}

func (k *keyLocks) lock(addr common.Address) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[addr]
	if !ok {
		l = &keyLock{}
		k.locks[addr] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, addr)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocks) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
