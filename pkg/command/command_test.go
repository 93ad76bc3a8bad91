package command

import "testing"

func parseOne(t *testing.T, line string) Command {
	t.Helper()
	results := ParseLine(line)
	if len(results) != 1 {
		t.Fatalf("expected exactly one result for %q, got %d", line, len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("unexpected error for %q: %v", line, results[0].Err)
	}
	return results[0].Command
}

func TestParseBeginAndBeginRO(t *testing.T) {
	c := parseOne(t, "begin(T1)")
	if c.Op != Begin || c.Txid != 1 {
		t.Fatalf("unexpected command: %+v", c)
	}

	c = parseOne(t, "beginRO(T2)")
	if c.Op != BeginRO || c.Txid != 2 {
		t.Fatalf("unexpected command: %+v", c)
	}
}

func TestParseReadAndWrite(t *testing.T) {
	c := parseOne(t, "R(T1,x4)")
	if c.Op != Read || c.Txid != 1 || c.Variable != 4 {
		t.Fatalf("unexpected command: %+v", c)
	}

	c = parseOne(t, "W(T1, x4, 101)")
	if c.Op != Write || c.Txid != 1 || c.Variable != 4 || c.Value != 101 {
		t.Fatalf("unexpected command: %+v", c)
	}
}

func TestParseFailRecoverEnd(t *testing.T) {
	c := parseOne(t, "fail(3)")
	if c.Op != Fail || c.Site != 3 {
		t.Fatalf("unexpected command: %+v", c)
	}

	c = parseOne(t, "recover(3)")
	if c.Op != Recover || c.Site != 3 {
		t.Fatalf("unexpected command: %+v", c)
	}

	c = parseOne(t, "end(T1)")
	if c.Op != End || c.Txid != 1 {
		t.Fatalf("unexpected command: %+v", c)
	}
}

func TestParseDumpArities(t *testing.T) {
	c := parseOne(t, "dump()")
	if c.Op != Dump || c.HasVariable || c.HasSite {
		t.Fatalf("unexpected bare dump: %+v", c)
	}

	c = parseOne(t, "dump(x4)")
	if !c.HasVariable || c.Variable != 4 {
		t.Fatalf("unexpected dump(xN): %+v", c)
	}

	c = parseOne(t, "dump(3)")
	if !c.HasSite || c.Site != 3 {
		t.Fatalf("unexpected dump(k): %+v", c)
	}
}

func TestParseLineSplitsOnSemicolons(t *testing.T) {
	results := ParseLine("begin(T1); W(T1,x1,101); R(T1,x1); end(T1)")
	if len(results) != 4 {
		t.Fatalf("expected 4 commands, got %d", len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("command %d unexpected error: %v", i, r.Err)
		}
	}
}

func TestParseLineStripsComments(t *testing.T) {
	results := ParseLine("begin(T1) // start a transaction")
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("unexpected results: %+v", results)
	}
	if results[0].Command.Op != Begin {
		t.Fatalf("unexpected command: %+v", results[0].Command)
	}
}

func TestParseLineEmptyAndCommentOnlyYieldNothing(t *testing.T) {
	if results := ParseLine("   "); len(results) != 0 {
		t.Fatalf("expected no results for blank line, got %+v", results)
	}
	if results := ParseLine("// just a comment"); len(results) != 0 {
		t.Fatalf("expected no results for comment-only line, got %+v", results)
	}
}

func TestParseWrongArityProducesCommandError(t *testing.T) {
	results := ParseLine("R(T1)")
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected arity error, got %+v", results)
	}
}

func TestParseMalformedTxidProducesCommandError(t *testing.T) {
	results := ParseLine("begin(X1)")
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected malformed txid error, got %+v", results)
	}
}

func TestParseUnknownCommandProducesError(t *testing.T) {
	results := ParseLine("frobnicate(T1)")
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected unknown command error, got %+v", results)
	}
}

func TestOneBadSegmentDoesNotBlockSiblings(t *testing.T) {
	results := ParseLine("begin(T1); R(T1); R(T1,x1)")
	if len(results) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("segment 0 should parse cleanly: %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Fatal("segment 1 should fail arity check")
	}
	if results[2].Err != nil {
		t.Fatalf("segment 2 should parse cleanly: %v", results[2].Err)
	}
}
