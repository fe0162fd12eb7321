package pbft

import "sync"

// instanceLocks are the three lock domains of one instance. Each guards one
// at-most-once transition:
//   - prepare: prepare-quorum check, prepared pair update, commit fan-out
//   - decide: commit-quorum check, decided pair update, timer stop
//   - roundChange: round bump and round-change quorum action
type instanceLocks struct {
	prepare     sync.Mutex
	decide      sync.Mutex
	roundChange sync.Mutex
}

// lockTable creates instanceLocks lazily. Entries are removed only by the
// retention window.
type lockTable struct {
	mu    sync.Mutex
	locks map[int]*instanceLocks
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[int]*instanceLocks)}
}

func (lt *lockTable) get(instance int) *instanceLocks {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	l, ok := lt.locks[instance]
	if !ok {
		l = &instanceLocks{}
		lt.locks[instance] = l
	}
	return l
}

func (lt *lockTable) prune(upTo int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	for instance := range lt.locks {
		if instance <= upTo {
			delete(lt.locks, instance)
		}
	}
}

func (lt *lockTable) len() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.locks)
}
