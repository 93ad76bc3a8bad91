// Package txn implements the transaction manager: the top-level
// dispatcher that owns every site, routes reads and writes across
// replicas per available-copies, arbitrates conflicts with wait-die,
// and tracks the commit/abort log.
package txn

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/distrodb/repcrec/internal/metrics"
	"github.com/distrodb/repcrec/pkg/command"
	"github.com/distrodb/repcrec/pkg/site"
	"github.com/distrodb/repcrec/pkg/waitdie"
)

// LogStatus is the terminal outcome recorded for a transaction.
type LogStatus int

const (
	Committed LogStatus = iota
	Aborted
)

func (s LogStatus) String() string {
	if s == Committed {
		return "COMMITTED"
	}
	return "ABORTED"
}

// LogEntry is one append-only record of a terminated transaction.
type LogEntry struct {
	Txid      int
	StartTime int
	Status    LogStatus
}

type blockedKind int

const (
	blockedRead blockedKind = iota
	blockedWrite
	blockedEnd
)

type blockedOp struct {
	kind     blockedKind
	variable int
	value    int
}

// Record is a single open transaction's bookkeeping.
type Record struct {
	Txid          int
	StartTime     int
	Sites         []int // site indices this transaction may access
	ROTick        *int  // non-nil for read-only transactions
	Alive         bool
	Ended         bool
	SitesAccessed map[int]int // site index -> first-access tick
	Blocked       *blockedOp
}

func (r *Record) isReadOnly() bool { return r.ROTick != nil }

// Manager owns every site and every open transaction. It is not a
// singleton: callers construct one and thread it through their
// command loop explicitly.
type Manager struct {
	mu sync.Mutex

	sites     map[int]*site.Site
	siteOrder []int
	variables []int

	open    map[int]*Record
	blocked []int // FIFO queue of txids with a stored blocked op

	log []LogEntry
	tick int

	logger  zerolog.Logger
	metrics *metrics.Recorder
}

// New builds a manager with numSites sites and numVariables variables
// under the standard even/odd replication scheme: even variables are
// hosted at every site; odd variable v is owned solely by site
// 1+(v mod numSites). Each variable's default value is 10*v.
func New(numSites, numVariables int, dataDir string, logger zerolog.Logger, recorder *metrics.Recorder) (*Manager, error) {
	hosted := make(map[int]map[int]int, numSites)
	owned := make(map[int]map[int]bool, numSites)
	for s := 1; s <= numSites; s++ {
		hosted[s] = make(map[int]int)
		owned[s] = make(map[int]bool)
	}

	variables := make([]int, 0, numVariables)
	for v := 1; v <= numVariables; v++ {
		variables = append(variables, v)
		if v%2 == 0 {
			for s := 1; s <= numSites; s++ {
				hosted[s][v] = 10 * v
			}
			continue
		}
		owner := 1 + (v % numSites)
		hosted[owner][v] = 10 * v
		owned[owner][v] = true
	}

	sites := make(map[int]*site.Site, numSites)
	siteOrder := make([]int, 0, numSites)
	for s := 1; s <= numSites; s++ {
		st, err := site.New(s, hosted[s], owned[s], 0, dataDir)
		if err != nil {
			return nil, fmt.Errorf("txn: failed to initialize site %d: %w", s, err)
		}
		sites[s] = st
		siteOrder = append(siteOrder, s)
	}

	return &Manager{
		sites:     sites,
		siteOrder: siteOrder,
		variables: variables,
		open:      make(map[int]*Record),
		logger:    logger,
		metrics:   recorder,
	}, nil
}

// CommandResult is the outcome of one dispatched command: Output is
// set for dump(); Err is set for user or protocol errors.
type CommandResult struct {
	Output string
	Err    error
}

// SendCommands advances the tick by one, retries the blocked queue,
// then dispatches each command of the batch in order.
func (m *Manager) SendCommands(cmds []command.Command) []CommandResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tick++
	m.logger.Debug().Int("tick", m.tick).Int("batch_size", len(cmds)).Msg("sending commands")

	m.retryBlocked()

	results := make([]CommandResult, len(cmds))
	for i, c := range cmds {
		results[i] = m.dispatch(c)
	}
	return results
}

func (m *Manager) retryBlocked() {
	var stillBlocked []int
	for _, txid := range m.blocked {
		rec, ok := m.open[txid]
		if !ok || rec.Blocked == nil {
			continue
		}
		if m.retry(rec) {
			rec.Blocked = nil
		} else {
			stillBlocked = append(stillBlocked, txid)
		}
	}
	m.blocked = stillBlocked
	m.metrics.BlockedQueueDepthSet(len(m.blocked))
}

func (m *Manager) retry(rec *Record) bool {
	switch rec.Blocked.kind {
	case blockedRead:
		return m.read(rec, rec.Blocked.variable)
	case blockedWrite:
		return m.write(rec, rec.Blocked.variable, rec.Blocked.value)
	case blockedEnd:
		return m.end(rec)
	default:
		panic(fmt.Sprintf("txn: unhandled blocked kind %d", rec.Blocked.kind))
	}
}

func (m *Manager) dispatch(c command.Command) CommandResult {
	var err error
	switch c.Op {
	case command.Begin:
		err = m.appendBegin(c, false)
	case command.BeginRO:
		err = m.appendBegin(c, true)
	case command.End:
		err = m.appendEnd(c)
	case command.Read:
		err = m.appendRead(c)
	case command.Write:
		err = m.appendWrite(c)
	case command.Fail:
		err = m.applyToSite(c, func(s *site.Site) {
			s.Fail()
			m.metrics.SiteDownRecorded(c.Site)
			m.logger.Info().Int("tick", m.tick).Int("site", c.Site).Msg("site down")
		})
	case command.Recover:
		err = m.applyToSite(c, func(s *site.Site) {
			s.Recover(m.tick)
			m.logger.Info().Int("tick", m.tick).Int("site", c.Site).Msg("site up")
		})
	case command.Dump:
		return CommandResult{Output: m.dump(c)}
	default:
		err = fmt.Errorf("ERROR CMD %s : unrecognized command", c)
	}
	return CommandResult{Err: err}
}

func (m *Manager) errorf(c command.Command, format string, args ...interface{}) error {
	return fmt.Errorf("ERROR CMD %s : %s", c, fmt.Sprintf(format, args...))
}

func (m *Manager) logEvent(txid int, msg string) {
	if txid == 0 {
		m.logger.Info().Int("tick", m.tick).Msg(msg)
		return
	}
	m.logger.Info().Int("tick", m.tick).Int("txid", txid).Msg(msg)
}

func (m *Manager) appendBegin(c command.Command, readOnly bool) error {
	if _, exists := m.open[c.Txid]; exists {
		return m.errorf(c, "cannot begin T%d; already started", c.Txid)
	}

	if !readOnly {
		sites := append([]int(nil), m.siteOrder...)
		m.open[c.Txid] = &Record{
			Txid:          c.Txid,
			StartTime:     m.tick,
			Sites:         sites,
			Alive:         true,
			SitesAccessed: make(map[int]int),
		}
		m.logEvent(c.Txid, "started")
		return nil
	}

	var upSites []int
	for _, idx := range m.siteOrder {
		if m.sites[idx].IsUp() {
			upSites = append(upSites, idx)
		}
	}
	for _, idx := range upSites {
		m.sites[idx].MultiversionClone(m.tick)
	}
	roTick := m.tick
	m.open[c.Txid] = &Record{
		Txid:          c.Txid,
		StartTime:     m.tick,
		Sites:         upSites,
		ROTick:        &roTick,
		Alive:         true,
		SitesAccessed: make(map[int]int),
	}
	m.logEvent(c.Txid, "started (read-only)")
	return nil
}

func (m *Manager) appendEnd(c command.Command) error {
	rec, ok := m.open[c.Txid]
	if !ok {
		return m.errorf(c, "cannot end T%d; not started", c.Txid)
	}
	if rec.Blocked != nil {
		panic(fmt.Sprintf("txn: T%d is blocked but received command %s", c.Txid, c))
	}
	if rec.Ended {
		panic(fmt.Sprintf("txn: T%d ended already", c.Txid))
	}
	rec.Ended = true

	if !m.end(rec) {
		m.block(rec, &blockedOp{kind: blockedEnd})
	}
	return nil
}

// end attempts to finalize rec. It always succeeds (the source's
// end() never blocks), but keeps the bool-return retry shape used by
// read and write for uniformity with the blocked-queue protocol.
func (m *Manager) end(rec *Record) bool {
	delete(m.open, rec.Txid)

	commit := rec.Alive
	if commit && !rec.isReadOnly() {
		for _, idx := range rec.Sites {
			accessedAt, touched := rec.SitesAccessed[idx]
			if !touched {
				continue
			}
			s := m.sites[idx]
			if !s.IsUp() {
				m.logEvent(rec.Txid, fmt.Sprintf("aborting; accessed site %d is down", idx))
				commit = false
				break
			}
			upSince, _ := s.UpSince()
			if upSince > accessedAt {
				m.logEvent(rec.Txid, fmt.Sprintf("aborting; site %d went down after first access", idx))
				commit = false
				break
			}
		}
	}

	for _, idx := range rec.Sites {
		s := m.sites[idx]
		if !s.IsUp() {
			continue
		}
		if commit {
			s.Commit(rec.Txid, rec.ROTick)
		} else {
			s.Abort(rec.Txid, rec.ROTick)
		}
	}

	status := Aborted
	if commit {
		status = Committed
		m.metrics.CommitRecorded()
	} else {
		m.metrics.AbortRecorded()
	}
	m.logEvent(rec.Txid, strings.ToLower(status.String()))
	m.log = append(m.log, LogEntry{Txid: rec.Txid, StartTime: rec.StartTime, Status: status})
	return true
}

func (m *Manager) appendRead(c command.Command) error {
	rec, ok := m.open[c.Txid]
	if !ok {
		return m.errorf(c, "T%d is not active", c.Txid)
	}
	if rec.Blocked != nil {
		panic(fmt.Sprintf("txn: T%d is blocked but received command %s", c.Txid, c))
	}
	if !containsInt(m.variables, c.Variable) {
		return m.errorf(c, "variable %d is not in the database", c.Variable)
	}

	if !m.read(rec, c.Variable) {
		m.block(rec, &blockedOp{kind: blockedRead, variable: c.Variable})
	}
	return nil
}

func (m *Manager) read(rec *Record, variable int) bool {
	if !rec.Alive {
		m.logEvent(rec.Txid, fmt.Sprintf("ignoring read x%d", variable))
		return true
	}

	arbiter := waitdie.New(rec.Txid, rec.StartTime)
	blocked, numDown := false, 0

	for _, idx := range rec.Sites {
		s := m.sites[idx]
		if !s.Hosts(variable) {
			continue
		}

		res, err := s.TryRead(rec.Txid, variable, rec.ROTick)
		if err != nil {
			numDown++
			continue
		}
		switch res.Status {
		case site.StatusOK:
			rec.markSiteAccessed(idx, m.tick)
			msg := fmt.Sprintf("read x%d -> %d from site %d", variable, res.Value, idx)
			if rec.isReadOnly() {
				msg += fmt.Sprintf(" multiversion clone at t%d", *rec.ROTick)
			}
			m.logEvent(rec.Txid, msg)
			return true
		case site.StatusBlocked:
			blocked = true
			arbiter.AppendBlockers(res.WaitsFor, m.startTimeLookup)
		case site.StatusNotHosted:
			// not hosted at this site for non-owner-read purposes; try others
		}
	}

	switch {
	case blocked:
		if arbiter.ShouldDie() {
			blocker, _ := arbiter.BlockedBy()
			m.logEvent(rec.Txid, fmt.Sprintf(
				"killing by wait-die reading x%d; (T%d) < (T%d, t%d)",
				variable, blocker, rec.Txid, rec.StartTime))
			m.metrics.KillRecorded("read")
			rec.Alive = false
			m.end(rec)
			return true
		}
		blocker, _ := arbiter.BlockedBy()
		m.logEvent(rec.Txid, fmt.Sprintf("blocked by T%d reading x%d", blocker, variable))
		return false

	case numDown > 0:
		m.logEvent(rec.Txid, fmt.Sprintf("waiting to read x%d; no available sites", variable))
		return false

	default:
		m.logEvent(rec.Txid, fmt.Sprintf(
			"killing; variable x%d not available on sites %v", variable, rec.Sites))
		m.metrics.KillRecorded("read")
		rec.Alive = false
		m.end(rec)
		return true
	}
}

func (m *Manager) appendWrite(c command.Command) error {
	rec, ok := m.open[c.Txid]
	if !ok {
		return m.errorf(c, "T%d is not active", c.Txid)
	}
	if rec.Blocked != nil {
		panic(fmt.Sprintf("txn: T%d is blocked but received command %s", c.Txid, c))
	}
	if !containsInt(m.variables, c.Variable) {
		return m.errorf(c, "variable %d is not in the database", c.Variable)
	}

	if !m.write(rec, c.Variable, c.Value) {
		m.block(rec, &blockedOp{kind: blockedWrite, variable: c.Variable, value: c.Value})
	}
	return nil
}

func (m *Manager) write(rec *Record, variable, value int) bool {
	if !rec.Alive {
		m.logEvent(rec.Txid, fmt.Sprintf("ignoring write (x%d, %d)", variable, value))
		return true
	}

	arbiter := waitdie.New(rec.Txid, rec.StartTime)
	var sitesWritten []int
	blocked := false

	for _, idx := range rec.Sites {
		s := m.sites[idx]
		if !s.Hosts(variable) {
			continue
		}

		res, err := s.TryWrite(rec.Txid, variable, value)
		if err != nil {
			continue // available copies: ignore down replicas on write
		}
		switch res.Status {
		case site.StatusOK:
			rec.markSiteAccessed(idx, m.tick)
			sitesWritten = append(sitesWritten, idx)
		case site.StatusBlocked:
			blocked = true
			arbiter.AppendBlockers(res.WaitsFor, m.startTimeLookup)
		case site.StatusNotHosted:
		}
	}

	switch {
	case blocked:
		if arbiter.ShouldDie() {
			blocker, _ := arbiter.BlockedBy()
			m.logEvent(rec.Txid, fmt.Sprintf(
				"killing by wait-die writing x%d; (T%d) < (T%d, t%d)",
				variable, blocker, rec.Txid, rec.StartTime))
			m.metrics.KillRecorded("write")
			rec.Alive = false
			m.end(rec)
			return true
		}
		blocker, _ := arbiter.BlockedBy()
		m.logEvent(rec.Txid, fmt.Sprintf("blocked by T%d writing x%d", blocker, variable))
		return false

	case len(sitesWritten) > 0:
		m.logEvent(rec.Txid, fmt.Sprintf("write x%d <- %d to sites %v", variable, value, sitesWritten))
		return true

	default:
		m.logEvent(rec.Txid, fmt.Sprintf("waiting to write (x%d, %d); no available sites", variable, value))
		return false
	}
}

func (m *Manager) startTimeLookup(txid int) (int, bool) {
	rec, ok := m.open[txid]
	if !ok {
		return 0, false
	}
	return rec.StartTime, true
}

func (m *Manager) block(rec *Record, op *blockedOp) {
	rec.Blocked = op
	for _, txid := range m.blocked {
		if txid == rec.Txid {
			m.metrics.BlockedQueueDepthSet(len(m.blocked))
			return
		}
	}
	m.blocked = append(m.blocked, rec.Txid)
	m.metrics.BlockedQueueDepthSet(len(m.blocked))
}

func (m *Manager) applyToSite(c command.Command, action func(*site.Site)) error {
	s, ok := m.sites[c.Site]
	if !ok {
		return m.errorf(c, "site %d does not exist", c.Site)
	}
	action(s)
	return nil
}

func (r *Record) markSiteAccessed(index, tick int) {
	if _, ok := r.SitesAccessed[index]; !ok {
		r.SitesAccessed[index] = tick
	}
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// Log returns the append-only commit/abort log.
func (m *Manager) Log() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, len(m.log))
	copy(out, m.log)
	return out
}

// SiteValues exposes one site's committed values and per-variable
// read availability, the same data dump() renders, for callers that
// need it structured rather than formatted.
func (m *Manager) SiteValues(index int) (values map[int]int, available map[int]bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, exists := m.sites[index]
	if !exists {
		return nil, nil, false
	}
	values, available = s.Dump()
	return values, available, true
}

// BlockedTxids returns the ids currently parked in the blocked queue,
// in FIFO order.
func (m *Manager) BlockedTxids() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.blocked))
	copy(out, m.blocked)
	return out
}

// dump renders the site x variable matrix, matching the legend and
// unavailable-marker format of the reference implementation's ASCII
// dump.
func (m *Manager) dump(c command.Command) string {
	variables := m.variables
	siteIndices := m.siteOrder
	switch {
	case c.HasVariable:
		variables = []int{c.Variable}
	case c.HasSite:
		siteIndices = []int{c.Site}
	}

	var b strings.Builder
	const rule = "------------------------------------------------------------"
	b.WriteString(rule + "\n")

	b.WriteString("    ")
	for _, v := range variables {
		fmt.Fprintf(&b, "%4s ", fmt.Sprintf("x%d", v))
	}
	b.WriteString("\n")

	for _, idx := range siteIndices {
		s, ok := m.sites[idx]
		if !ok {
			continue
		}
		values, available := s.Dump()
		b.WriteString(fmt.Sprintf("S%-3d:", idx))
		for _, v := range variables {
			val, hosted := values[v]
			if !hosted {
				b.WriteString("    -")
				continue
			}
			marker := " "
			if !available[v] {
				marker = "*"
			}
			fmt.Fprintf(&b, "%4d%s", val, marker)
		}
		b.WriteString("\n")
	}

	b.WriteString(rule + "\n")
	b.WriteString(" x : denotes a variable\n")
	b.WriteString(" S : denotes a site\n")
	b.WriteString(" * : denotes that the variable is unavailable for reading\n")
	b.WriteString(rule)

	return b.String()
}
