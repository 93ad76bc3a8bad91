// Package driver wires the command-language parser to a transaction
// manager: it feeds an input stream's commands one line (one tick) at
// a time, writes dump output and per-command errors to an output
// stream, and checks an optional trailing debug section of
// assertCommitted(Tn) / assertAborted(Tn) lines against the final
// commit/abort log.
package driver

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/distrodb/repcrec/pkg/command"
	"github.com/distrodb/repcrec/pkg/txn"
)

var assertPattern = regexp.MustCompile(`^assert(Committed|Aborted)\(T(\d+)\)$`)

// AssertionResult is the outcome of one debug-section assertion.
type AssertionResult struct {
	Line     string
	Txid     int
	Expected txn.LogStatus
	Actual   txn.LogStatus
	Found    bool
	Passed   bool
}

func (r AssertionResult) String() string {
	if r.Passed {
		return fmt.Sprintf("PASS %s", r.Line)
	}
	if !r.Found {
		return fmt.Sprintf("FAIL %s : T%d never terminated", r.Line, r.Txid)
	}
	return fmt.Sprintf("FAIL %s : T%d was %s", r.Line, r.Txid, strings.ToLower(r.Actual.String()))
}

// Run reads command-language lines from r, one line per tick, until an
// optional "---" separator; dump output and per-command errors are
// written to out as they occur. Lines after the separator are parsed
// as debug assertions and checked against m.Log() once the command
// section is exhausted.
func Run(m *txn.Manager, r io.Reader, out io.Writer) ([]AssertionResult, error) {
	scanner := bufio.NewScanner(r)
	inAsserts := false
	var assertLines []string

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if trimmed == "---" {
			inAsserts = true
			continue
		}
		if inAsserts {
			if trimmed == "" || strings.HasPrefix(trimmed, "//") {
				continue
			}
			assertLines = append(assertLines, trimmed)
			continue
		}

		runLine(m, line, out)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("driver: reading input: %w", err)
	}

	return checkAssertions(m, assertLines)
}

func runLine(m *txn.Manager, line string, out io.Writer) {
	parsed := command.ParseLine(line)
	if len(parsed) == 0 {
		return
	}

	cmds := make([]command.Command, 0, len(parsed))
	for _, p := range parsed {
		if p.Err != nil {
			fmt.Fprintln(out, p.Err)
			continue
		}
		cmds = append(cmds, p.Command)
	}
	if len(cmds) == 0 {
		return
	}

	for _, res := range m.SendCommands(cmds) {
		switch {
		case res.Err != nil:
			fmt.Fprintln(out, res.Err)
		case res.Output != "":
			fmt.Fprintln(out, res.Output)
		}
	}
}

func checkAssertions(m *txn.Manager, lines []string) ([]AssertionResult, error) {
	byTxid := make(map[int]txn.LogStatus, len(lines))
	for _, e := range m.Log() {
		byTxid[e.Txid] = e.Status
	}

	results := make([]AssertionResult, 0, len(lines))
	for _, line := range lines {
		match := assertPattern.FindStringSubmatch(line)
		if match == nil {
			return nil, fmt.Errorf("driver: malformed assertion %q", line)
		}
		txid, err := strconv.Atoi(match[2])
		if err != nil {
			return nil, fmt.Errorf("driver: malformed assertion %q: %w", line, err)
		}
		expected := txn.Committed
		if match[1] == "Aborted" {
			expected = txn.Aborted
		}
		actual, found := byTxid[txid]
		results = append(results, AssertionResult{
			Line:     line,
			Txid:     txid,
			Expected: expected,
			Actual:   actual,
			Found:    found,
			Passed:   found && actual == expected,
		})
	}
	return results, nil
}
