// Package site implements a database site: a store and a lock manager
// bound together with replication-level state — which variables are
// currently available for non-owner reads, pending writes awaiting
// commit, the site's up/down history, and reference-counted
// multiversion snapshots for read-only transactions.
package site

import (
	"errors"
	"fmt"
	"sync"

	"github.com/distrodb/repcrec/pkg/lock"
	"github.com/distrodb/repcrec/pkg/store"
)

// ErrSiteDown is returned by TryRead, TryWrite, Commit, and Abort
// when a read/write site operation is attempted while the site is
// down. It is never returned for multiversion-clone reads, which are
// unaffected by the site's live up/down state.
var ErrSiteDown = errors.New("site: down")

// Status is the outcome of a lock-gated site operation.
type Status int

const (
	// StatusOK means the operation completed.
	StatusOK Status = iota
	// StatusBlocked means the operation could not acquire its lock;
	// WaitsFor names the current holders.
	StatusBlocked
	// StatusNotHosted means the site does not serve reads or writes
	// for the requested variable right now (not hosted at all, or
	// hosted but not yet available for a non-owner read).
	StatusNotHosted
)

// ReadResult is the outcome of TryRead.
type ReadResult struct {
	Status   Status
	Value    int
	WaitsFor []int
}

// WriteResult is the outcome of TryWrite.
type WriteResult struct {
	Status   Status
	WaitsFor []int
}

type snapshotHandle struct {
	refcount int
	data     map[int]int
}

// Site represents one of the ten database sites.
type Site struct {
	mu sync.Mutex

	Index int

	variables map[int]bool // every variable hosted here
	owned     map[int]bool // subset no other site hosts

	upSince   *int // nil means down
	available map[int]bool

	store   *store.Store
	locks   *lock.Manager
	pending map[int][]store.Write // txid -> pending writes

	snapshots map[int]*snapshotHandle // ro_tick -> clone
}

// New creates a site bound to the given hosted variables (with their
// default values) and owned subset. tick is the logical time the
// site is first brought up. dataDir is the directory holding the
// site's persisted data file. A freshly created site starts with
// every hosted variable available for reading; the availability gate
// only applies after a fail/recover cycle.
func New(index int, hosted map[int]int, owned map[int]bool, tick int, dataDir string) (*Site, error) {
	st, err := store.Open(hosted, dataDir, fmt.Sprintf("site_%d", index))
	if err != nil {
		return nil, fmt.Errorf("site %d: %w", index, err)
	}

	variables := make(map[int]bool, len(hosted))
	available := make(map[int]bool, len(hosted))
	for v := range hosted {
		variables[v] = true
		available[v] = true
	}

	ownedCopy := make(map[int]bool, len(owned))
	for v := range owned {
		ownedCopy[v] = true
	}

	up := tick
	return &Site{
		Index:     index,
		variables: variables,
		owned:     ownedCopy,
		upSince:   &up,
		available: available,
		store:     st,
		locks:     lock.NewManager(),
		pending:   make(map[int][]store.Write),
		snapshots: make(map[int]*snapshotHandle),
	}, nil
}

// IsUp reports whether the site is currently up.
func (s *Site) IsUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isUp()
}

func (s *Site) isUp() bool {
	return s.upSince != nil
}

// UpSince returns the tick of the site's last start/recovery, or
// ok=false if the site is down.
func (s *Site) UpSince() (tick int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upSince == nil {
		return 0, false
	}
	return *s.upSince, true
}

// Hosts reports whether the site hosts variable at all.
func (s *Site) Hosts(variable int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.variables[variable]
}

// TryRead attempts to read variable for txid. When roTick is
// non-nil, the read is served from the multiversion clone captured
// at that tick, ignoring the site's up/down state entirely; an
// unknown roTick is a bookkeeping bug and panics. When roTick is
// nil, the site must be up, and variable must be owned or already
// available for non-owner reads; a read lock is attempted and, on
// success, a pending write by txid shadows the committed value.
func (s *Site) TryRead(txid, variable int, roTick *int) (ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if roTick == nil && !s.isUp() {
		return ReadResult{}, ErrSiteDown
	}

	if !s.variables[variable] {
		return ReadResult{Status: StatusNotHosted}, nil
	}

	if roTick != nil {
		snap, ok := s.snapshots[*roTick]
		if !ok {
			panic(fmt.Sprintf("site %d: multiversion clone at tick %d does not exist", s.Index, *roTick))
		}
		return ReadResult{Status: StatusOK, Value: snap.data[variable]}, nil
	}

	if !s.owned[variable] && !s.available[variable] {
		return ReadResult{Status: StatusNotHosted}, nil
	}

	if s.locks.TryLock(variable, txid, lock.ReadLock) {
		value, pending := s.pendingValue(txid, variable)
		if !pending {
			value = s.store.Read(variable)
		}
		return ReadResult{Status: StatusOK, Value: value}, nil
	}

	holders, _, _ := s.locks.GetLocks(variable)
	return ReadResult{Status: StatusBlocked, WaitsFor: holders}, nil
}

// TryWrite attempts to write (variable, value) for txid. The site
// must be up and must host variable. The write is pending until
// Commit; it does not touch available-for-read.
func (s *Site) TryWrite(txid, variable, value int) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isUp() {
		return WriteResult{}, ErrSiteDown
	}
	if !s.variables[variable] {
		return WriteResult{Status: StatusNotHosted}, nil
	}

	if s.locks.TryLock(variable, txid, lock.WriteLock) {
		s.pending[txid] = append(s.pending[txid], store.Write{Variable: variable, Value: value})
		return WriteResult{Status: StatusOK}, nil
	}

	holders, _, _ := s.locks.GetLocks(variable)
	return WriteResult{Status: StatusBlocked, WaitsFor: holders}, nil
}

// Commit flushes txid's pending writes (if any) to the store,
// marking their variables available for reading, then releases all
// of txid's locks. If roTick is non-nil, the held multiversion clone
// is released. Commit on a down site is only valid for a read-only
// transaction (roTick non-nil); otherwise it returns ErrSiteDown.
func (s *Site) Commit(txid int, roTick *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if roTick == nil && !s.isUp() {
		return ErrSiteDown
	}

	if writes, ok := s.pending[txid]; ok {
		if err := s.store.BatchWrite(writes); err != nil {
			return fmt.Errorf("site %d: commit T%d: %w", s.Index, txid, err)
		}
		for _, w := range writes {
			s.available[w.Variable] = true
		}
		delete(s.pending, txid)
	}
	s.locks.UnlockAll(txid)

	if roTick != nil {
		s.releaseSnapshot(*roTick)
	}
	return nil
}

// Abort discards txid's pending writes (no store mutation, no
// availability change) and releases its locks and, if roTick is
// non-nil, its multiversion clone.
func (s *Site) Abort(txid int, roTick *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if roTick == nil && !s.isUp() {
		return ErrSiteDown
	}

	delete(s.pending, txid)
	s.locks.UnlockAll(txid)

	if roTick != nil {
		s.releaseSnapshot(*roTick)
	}
	return nil
}

// Fail marks the site down, clearing available-for-read, the lock
// table, and pending writes. Snapshots survive; up_since is cleared.
func (s *Site) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upSince = nil
	s.available = make(map[int]bool)
	s.locks = lock.NewManager()
	s.pending = make(map[int][]store.Write)
}

// Recover brings the site back up at tick. It panics if the site was
// not down, or if it was down yet somehow retained availability or
// locks — both indicate Fail was bypassed.
func (s *Site) Recover(tick int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.upSince != nil {
		panic(fmt.Sprintf("site %d: recover() called while up", s.Index))
	}
	if len(s.available) != 0 {
		panic(fmt.Sprintf("site %d: was down with available variables", s.Index))
	}
	for v := range s.variables {
		if _, mode, ok := s.locks.GetLocks(v); ok && mode != lock.Unlocked {
			panic(fmt.Sprintf("site %d: was down but variable %d is locked", s.Index, v))
		}
	}

	t := tick
	s.upSince = &t
}

// MultiversionClone captures (or bumps the refcount of) the
// site's snapshot at tick, keyed for later TryRead(roTick) calls.
// The site must be up.
func (s *Site) MultiversionClone(tick int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isUp() {
		return ErrSiteDown
	}

	if snap, ok := s.snapshots[tick]; ok {
		snap.refcount++
		return nil
	}
	s.snapshots[tick] = &snapshotHandle{refcount: 1, data: s.store.Snapshot()}
	return nil
}

// Dump returns the committed values and, per hosted variable,
// whether it is currently available for a non-owner read (owned
// variables always report available).
func (s *Site) Dump() (values map[int]int, available map[int]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values = s.store.Snapshot()
	available = make(map[int]bool, len(s.variables))
	for v := range s.variables {
		available[v] = s.owned[v] || s.available[v]
	}
	return values, available
}

func (s *Site) pendingValue(txid, variable int) (int, bool) {
	for _, w := range s.pending[txid] {
		if w.Variable == variable {
			return w.Value, true
		}
	}
	return 0, false
}

func (s *Site) releaseSnapshot(tick int) {
	snap, ok := s.snapshots[tick]
	if !ok {
		panic(fmt.Sprintf("site %d: multiversion clone at tick %d does not exist", s.Index, tick))
	}
	snap.refcount--
	if snap.refcount == 0 {
		delete(s.snapshots, tick)
	}
}
