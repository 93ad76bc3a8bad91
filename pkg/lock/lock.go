// Package lock implements the per-site lock manager: a table mapping
// variable to its current holders and mode, supporting read-sharing,
// write-exclusivity, and promotion of a sole reader to writer.
package lock

import (
	"fmt"
	"sort"
)

// Mode is a lock mode.
type Mode uint8

const (
	Unlocked Mode = iota
	ReadLock
	WriteLock
)

func (m Mode) String() string {
	switch m {
	case ReadLock:
		return "R"
	case WriteLock:
		return "W"
	default:
		return "U"
	}
}

type entry struct {
	holders map[int]struct{}
	mode    Mode
}

// Manager is a lock table for a single site. All variables are
// unlocked until first requested. The zero value is not usable; use
// NewManager.
type Manager struct {
	table map[int]*entry
}

// NewManager returns an empty lock manager.
func NewManager() *Manager {
	return &Manager{table: make(map[int]*entry)}
}

// TryLock attempts to lock variable for txid in the given mode.
//
// Rules: an unclaimed variable is granted outright. A holder already
// in the table that asks for the same or a weaker mode succeeds
// without change. A sole reader may promote to writer; a shared
// reader may not. A new reader may join an existing read lock. Any
// other combination fails.
func (m *Manager) TryLock(variable, txid int, mode Mode) bool {
	if mode != ReadLock && mode != WriteLock {
		panic(fmt.Sprintf("lock: mode %d is not recognized", mode))
	}

	e, ok := m.table[variable]
	if !ok {
		e = &entry{holders: make(map[int]struct{})}
		m.table[variable] = e
	}

	if len(e.holders) == 0 {
		e.holders[txid] = struct{}{}
		e.mode = mode
		return true
	}

	if _, held := e.holders[txid]; held {
		if mode == WriteLock {
			if len(e.holders) == 1 {
				e.mode = WriteLock
				return true
			}
			return false
		}
		return true
	}

	if e.mode == ReadLock && mode == ReadLock {
		e.holders[txid] = struct{}{}
		return true
	}

	return false
}

// GetLocks returns the sorted holders and mode for variable, or
// ok=false if it is unlocked.
func (m *Manager) GetLocks(variable int) (holders []int, mode Mode, ok bool) {
	e, exists := m.table[variable]
	if !exists || len(e.holders) == 0 {
		return nil, Unlocked, false
	}
	holders = make([]int, 0, len(e.holders))
	for h := range e.holders {
		holders = append(holders, h)
	}
	sort.Ints(holders)
	return holders, e.mode, true
}

// Unlock removes txid's hold on variable. It panics if the variable
// is not locked at all, or not locked by txid — both are programmer
// errors per the lock manager's contract.
func (m *Manager) Unlock(variable, txid int) {
	e, ok := m.table[variable]
	if !ok {
		panic(fmt.Sprintf("lock: variable %d is not locked at all", variable))
	}
	if _, held := e.holders[txid]; !held {
		panic(fmt.Sprintf("lock: variable %d is not locked by transaction %d", variable, txid))
	}
	delete(e.holders, txid)
	if len(e.holders) == 0 {
		e.mode = Unlocked
	}
}

// UnlockAll releases every lock held by txid. Unlike Unlock, it is
// not an error for txid to hold no locks.
func (m *Manager) UnlockAll(txid int) {
	for _, e := range m.table {
		if _, held := e.holders[txid]; held {
			delete(e.holders, txid)
			if len(e.holders) == 0 {
				e.mode = Unlocked
			}
		}
	}
}
