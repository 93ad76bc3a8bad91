package waitdie

import "testing"

func fixedLookup(starts map[int]int) StartTimeLookup {
	return func(txid int) (int, bool) {
		start, ok := starts[txid]
		return start, ok
	}
}

func TestOlderTransactionWaits(t *testing.T) {
	a := New(2, 5) // T2 started at tick 5
	lookup := fixedLookup(map[int]int{1: 10})

	a.AppendBlockers([]int{1}, lookup) // T1 started later, at tick 10
	if a.ShouldDie() {
		t.Fatal("older transaction should wait, not die")
	}
	blocker, ok := a.BlockedBy()
	if !ok || blocker != 1 {
		t.Fatalf("expected blocked by T1, got %d (%v)", blocker, ok)
	}
}

func TestYoungerTransactionDies(t *testing.T) {
	a := New(1, 10) // T1 started at tick 10
	lookup := fixedLookup(map[int]int{2: 5})

	a.AppendBlockers([]int{2}, lookup) // T2 started earlier, at tick 5
	if !a.ShouldDie() {
		t.Fatal("younger transaction should die")
	}
}

func TestKeepsOldestBlockerAcrossCalls(t *testing.T) {
	a := New(3, 20)
	lookup := fixedLookup(map[int]int{1: 15, 2: 5})

	a.AppendBlockers([]int{1}, lookup)
	a.AppendBlockers([]int{2}, lookup)

	blocker, _ := a.BlockedBy()
	if blocker != 2 {
		t.Fatalf("expected oldest blocker to remain T2, got %d", blocker)
	}

	// A later, newer blocker must not overwrite the older one.
	a.AppendBlockers([]int{1}, lookup)
	blocker, _ = a.BlockedBy()
	if blocker != 2 {
		t.Fatalf("newer blocker must not replace older one, got %d", blocker)
	}
}

func TestTiesBrokenBySmallerTxid(t *testing.T) {
	a := New(5, 50)
	lookup := fixedLookup(map[int]int{3: 10, 4: 10})

	a.AppendBlockers([]int{4, 3}, lookup)

	blocker, _ := a.BlockedBy()
	if blocker != 3 {
		t.Fatalf("expected tie broken toward smaller txid 3, got %d", blocker)
	}
}

func TestNoBlockerRecordedInitially(t *testing.T) {
	a := New(1, 0)
	if _, ok := a.BlockedBy(); ok {
		t.Fatal("expected no blocker before any AppendBlockers call")
	}
	if a.ShouldDie() {
		t.Fatal("must not die with no recorded blocker")
	}
}

func TestUnknownBlockerIsIgnored(t *testing.T) {
	a := New(1, 0)
	lookup := fixedLookup(map[int]int{})
	a.AppendBlockers([]int{99}, lookup)
	if _, ok := a.BlockedBy(); ok {
		t.Fatal("expected unknown blocker to be ignored")
	}
}
