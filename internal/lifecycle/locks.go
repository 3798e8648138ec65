package lifecycle

import "sync"

// accountLocks serializes mutating operations per account. Entries are
// dropped once no operation holds or waits for them.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: map[string]*accountLock{}}
}

// lock blocks until the account is free and returns its unlock func.
func (l *accountLocks) lock(account string) func() {
	l.mu.Lock()
	entry, ok := l.locks[account]
	if !ok {
		entry = &accountLock{}
		l.locks[account] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, account)
		}
		l.mu.Unlock()
	}
}

func (l *accountLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
