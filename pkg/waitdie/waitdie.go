// Package waitdie implements wait-die deadlock avoidance: a blocked
// transaction waits for older transactions and dies immediately if
// it is younger than the oldest transaction currently blocking it.
package waitdie

import "math"

// StartTimeLookup resolves a transaction id to its start tick. The
// arbiter asks for this on every AppendBlockers call rather than
// caching start times itself, since the transaction manager is the
// sole owner of that bookkeeping.
type StartTimeLookup func(txid int) (startTime int, ok bool)

// Arbiter tracks, for a single blocked transaction, the oldest
// transaction it is currently waiting behind.
type Arbiter struct {
	txid          int
	startTime     int
	oldestBlocker int
	blockedBy     int
	hasBlocker    bool
}

// New returns an arbiter for txid, which started at startTime.
func New(txid, startTime int) *Arbiter {
	return &Arbiter{
		txid:          txid,
		startTime:     startTime,
		oldestBlocker: math.MaxInt64,
	}
}

// AppendBlockers records that txid is now blocked behind waitsFor,
// the current holders of the lock it wants. Among waitsFor, the
// oldest transaction (smallest start time, ties broken by smallest
// txid) becomes the new blocker if it is older than any blocker seen
// before. The arbiter's own txid is skipped when it appears among the
// holders, as it does when a reader asks to promote to writer.
func (a *Arbiter) AppendBlockers(waitsFor []int, lookup StartTimeLookup) {
	if len(waitsFor) == 0 {
		return
	}

	bestStart := 0
	bestTxid := 0
	found := false
	for _, txid := range waitsFor {
		if txid == a.txid {
			continue
		}
		start, ok := lookup(txid)
		if !ok {
			continue
		}
		if !found || start < bestStart || (start == bestStart && txid < bestTxid) {
			bestStart, bestTxid, found = start, txid, true
		}
	}
	if !found {
		return
	}

	if bestStart < a.oldestBlocker {
		a.oldestBlocker = bestStart
		a.blockedBy = bestTxid
		a.hasBlocker = true
	}
}

// ShouldDie reports whether the transaction should abort rather than
// continue waiting: true when it is younger than the oldest
// transaction blocking it.
func (a *Arbiter) ShouldDie() bool {
	return a.startTime > a.oldestBlocker
}

// BlockedBy returns the id of the oldest transaction currently
// blocking this one, or ok=false if no blocker has been recorded.
func (a *Arbiter) BlockedBy() (txid int, ok bool) {
	return a.blockedBy, a.hasBlocker
}
