// Package lockmgr implements the three-layer lock hierarchy — table-level
// intent locks, record locks, and gap/next-key locks — plus wait-for-graph
// deadlock detection, grounded on the teacher's LockManager (wait graph,
// youngest-tx victim selection, resource-id keying) generalized from a
// single row-lock layer into the full intent/record/gap hierarchy spec
// §4.10 describes.
package lockmgr

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/txdb-project/txdb/engine/basic"
	"github.com/txdb-project/txdb/txerr"
)

// Mode is a lock mode, shared across the intent and record layers.
type Mode uint8

const (
	ModeIS Mode = iota
	ModeIX
	ModeS
	ModeSIX
	ModeX
)

func (m Mode) String() string {
	switch m {
	case ModeIS:
		return "IS"
	case ModeIX:
		return "IX"
	case ModeS:
		return "S"
	case ModeSIX:
		return "SIX"
	case ModeX:
		return "X"
	default:
		return "?"
	}
}

// compatMatrix[held][requested] reports whether requested can be granted
// alongside held, for the table/intent layer (spec §4.10).
var compatMatrix = map[Mode]map[Mode]bool{
	ModeIS:  {ModeIS: true, ModeIX: true, ModeS: true, ModeSIX: true, ModeX: false},
	ModeIX:  {ModeIS: true, ModeIX: true, ModeS: false, ModeSIX: false, ModeX: false},
	ModeS:   {ModeIS: true, ModeIX: false, ModeS: true, ModeSIX: false, ModeX: false},
	ModeSIX: {ModeIS: true, ModeIX: false, ModeS: false, ModeSIX: false, ModeX: false},
	ModeX:   {ModeIS: false, ModeIX: false, ModeS: false, ModeSIX: false, ModeX: false},
}

// recordCompat is the simpler {S,X} compatibility for the record layer.
var recordCompat = map[Mode]map[Mode]bool{
	ModeS: {ModeS: true, ModeX: false},
	ModeX: {ModeS: false, ModeX: false},
}

// rank orders modes so upgrade(existing, requested) can tell whether
// requested strictly extends what's already held (spec §4.10: "repeated
// requests upgrade").
var rank = map[Mode]int{ModeIS: 0, ModeS: 1, ModeIX: 2, ModeSIX: 3, ModeX: 4}

// AcquireResult is the outcome of a lock acquisition attempt.
type AcquireResult uint8

const (
	Acquired AcquireResult = iota
	Waiting
)

// TableKey identifies a table for the intent-lock layer.
type TableKey struct {
	DB    string
	Table string
}

// RecordKey identifies one indexed key for the record-lock layer.
type RecordKey struct {
	TableKey
	Index string
	Key   string
}

// holder is one granted or waiting lock request.
type holder struct {
	tx         basic.TxID
	mode       Mode
	granted    bool
	deadlocked bool // set by forceAbort: this waiter lost victim selection
	ready      chan struct{}
	closeOnce  sync.Once
}

func (h *holder) closeReady() {
	h.closeOnce.Do(func() { close(h.ready) })
}

type tableLockState struct {
	mu      sync.Mutex
	holders []*holder
}

type recordLockState struct {
	mu      sync.Mutex
	holders []*holder
}

// gapInterval is one held gap/next-key lock over (lo, hi].
type gapInterval struct {
	tx      basic.TxID
	lo, hi  string
	nextKey bool
}

// Manager is the lock manager: intent locks at table granularity, record
// locks at (table, index, key), gap locks at (table, index, (lo, hi]), and
// a wait-for graph for deadlock detection (spec §4.10).
type Manager struct {
	log *logrus.Entry

	waitTimeout time.Duration

	tableMu sync.Mutex
	tables  map[TableKey]*tableLockState

	recMu sync.Mutex
	recs  map[RecordKey]*recordLockState

	gapMu sync.Mutex
	gaps  map[TableKey][]*gapInterval

	graphMu sync.Mutex
	waitFor map[basic.TxID]map[basic.TxID]bool // waiter -> set of blockers

	waitersMu sync.Mutex
	waiters   map[basic.TxID]*waitEntry // tx currently blocked in acquireGeneric -> where

	heldMu sync.Mutex
	held   map[basic.TxID][]releaseFunc // per-tx release callbacks, for release_all
}

// waitEntry locates a blocked transaction's holder record, so a deadlock
// cycle found by a later request can force that transaction to abort
// instead of the later request always taking the fall.
type waitEntry struct {
	st *genericState
	h  *holder
}

type releaseFunc func()

// Config tunes the lock manager.
type Config struct {
	WaitTimeout time.Duration // default: no timeout
}

// New constructs an empty Manager.
func New(cfg Config, log *logrus.Entry) *Manager {
	if log == nil {
		log = discardLog()
	}
	return &Manager{
		log:         log.WithField("component", "lockmgr"),
		waitTimeout: cfg.WaitTimeout,
		tables:      make(map[TableKey]*tableLockState),
		recs:        make(map[RecordKey]*recordLockState),
		gaps:        make(map[TableKey][]*gapInterval),
		waitFor:     make(map[basic.TxID]map[basic.TxID]bool),
		waiters:     make(map[basic.TxID]*waitEntry),
		held:        make(map[basic.TxID][]releaseFunc),
	}
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// ErrDeadlock is returned to the victim of a detected deadlock cycle.
var ErrDeadlock = txerr.New(txerr.KindDeadlock, "lockmgr: deadlock detected, transaction aborted")

// ErrLockTimeout is returned when wait_timeout_ms elapses before grant.
var ErrLockTimeout = txerr.New(txerr.KindLockTimeout, "lockmgr: lock wait timed out")

// AcquireTable requests a table-level intent/shared/exclusive lock
// (spec §4.10).
func (m *Manager) AcquireTable(tx basic.TxID, key TableKey, mode Mode) (AcquireResult, error) {
	m.tableMu.Lock()
	st, ok := m.tables[key]
	if !ok {
		st = &tableLockState{}
		m.tables[key] = st
	}
	m.tableMu.Unlock()

	return m.acquireGeneric(tx, st.lockFor(), mode, compatMatrix, fmt.Sprintf("table:%s.%s", key.DB, key.Table))
}

func (s *tableLockState) lockFor() *genericState { return (*genericState)(s) }

// genericState is a type-punned view shared by tableLockState and
// recordLockState so acquireGeneric can operate on either (they have
// identical shape: a mutex and a holder slice).
type genericState struct {
	mu      sync.Mutex
	holders []*holder
}

func (s *recordLockState) lockFor() *genericState { return (*genericState)(s) }

func (m *Manager) acquireGeneric(tx basic.TxID, st *genericState, mode Mode, matrix map[Mode]map[Mode]bool, resource string) (AcquireResult, error) {
	st.mu.Lock()

	// Same-tx requests never conflict; an existing grant for tx may
	// upgrade in place when compatible with all other holders.
	for _, h := range st.holders {
		if h.tx == tx && h.granted {
			if rank[mode] <= rank[h.mode] {
				st.mu.Unlock()
				return Acquired, nil
			}
			if m.compatibleWithOthers(st, tx, mode, matrix) {
				h.mode = mode
				st.mu.Unlock()
				return Acquired, nil
			}
			break
		}
	}

	if m.compatibleWithOthers(st, tx, mode, matrix) {
		st.holders = append(st.holders, &holder{tx: tx, mode: mode, granted: true})
		st.mu.Unlock()
		m.trackHeld(tx, func() { m.releaseFromGeneric(st, tx) })
		return Acquired, nil
	}

	blockers := m.blockerSet(st, tx)
	waiter := &holder{tx: tx, mode: mode, granted: false, ready: make(chan struct{})}
	st.holders = append(st.holders, waiter)
	st.mu.Unlock()

	m.addWaitEdges(tx, blockers)
	m.registerWaiter(tx, st, waiter)

	if cycle, found := m.detectCycle(tx); found {
		victim := selectVictim(cycle)
		if victim == tx || !m.forceAbort(victim) {
			m.unregisterWaiter(tx)
			m.removeWaiter(st, waiter)
			m.removeWaitEdges(tx)
			return Waiting, ErrDeadlock
		}
		m.log.WithField("victim_tx", victim).WithField("waiter_tx", tx).Info("lockmgr: aborting youngest transaction in wait-for cycle")
	}

	err := m.waitForGrant(waiter)
	m.unregisterWaiter(tx)
	if err != nil {
		m.removeWaiter(st, waiter)
		m.removeWaitEdges(tx)
		return Waiting, err
	}
	m.removeWaitEdges(tx)
	m.trackHeld(tx, func() { m.releaseFromGeneric(st, tx) })
	return Acquired, nil
}

func (m *Manager) registerWaiter(tx basic.TxID, st *genericState, h *holder) {
	m.waitersMu.Lock()
	m.waiters[tx] = &waitEntry{st: st, h: h}
	m.waitersMu.Unlock()
}

func (m *Manager) unregisterWaiter(tx basic.TxID) {
	m.waitersMu.Lock()
	delete(m.waiters, tx)
	m.waitersMu.Unlock()
}

// forceAbort marks victim's in-flight wait as lost to deadlock victim
// selection and wakes it, so its acquireGeneric call returns ErrDeadlock
// instead of the caller that merely detected the cycle. Returns false if
// victim was not actually blocked (e.g. it was granted the instant before
// this runs), in which case the caller must fall back to aborting itself.
func (m *Manager) forceAbort(victim basic.TxID) bool {
	m.waitersMu.Lock()
	entry, ok := m.waiters[victim]
	m.waitersMu.Unlock()
	if !ok {
		return false
	}
	entry.st.mu.Lock()
	if entry.h.granted {
		entry.st.mu.Unlock()
		return false
	}
	entry.h.deadlocked = true
	entry.st.mu.Unlock()
	entry.h.closeReady()
	return true
}

// selectVictim picks the youngest (numerically largest) tx id in a
// detected wait-for cycle, the default deadlock victim policy (spec
// §4.10): the younger transaction has invested less work, so aborting it
// wastes less than aborting whichever is older.
func selectVictim(cycle []basic.TxID) basic.TxID {
	victim := cycle[0]
	for _, id := range cycle[1:] {
		if id > victim {
			victim = id
		}
	}
	return victim
}

func (m *Manager) compatibleWithOthers(st *genericState, tx basic.TxID, mode Mode, matrix map[Mode]map[Mode]bool) bool {
	for _, h := range st.holders {
		if !h.granted || h.tx == tx {
			continue
		}
		if !matrix[h.mode][mode] {
			return false
		}
	}
	return true
}

func (m *Manager) blockerSet(st *genericState, tx basic.TxID) []basic.TxID {
	var out []basic.TxID
	for _, h := range st.holders {
		if h.granted && h.tx != tx {
			out = append(out, h.tx)
		}
	}
	return out
}

func (m *Manager) waitForGrant(h *holder) error {
	if m.waitTimeout <= 0 {
		<-h.ready
	} else {
		select {
		case <-h.ready:
		case <-time.After(m.waitTimeout):
			return ErrLockTimeout
		}
	}
	if h.deadlocked {
		return ErrDeadlock
	}
	return nil
}

func (m *Manager) removeWaiter(st *genericState, waiter *holder) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.holders = lo.Filter(st.holders, func(h *holder, _ int) bool { return h != waiter })
}

func (m *Manager) releaseFromGeneric(st *genericState, tx basic.TxID) {
	st.mu.Lock()
	st.holders = lo.Filter(st.holders, func(h *holder, _ int) bool { return h.tx != tx })
	waiting := lo.Filter(st.holders, func(h *holder, _ int) bool { return !h.granted })
	st.mu.Unlock()

	// Re-evaluate waiters in FIFO order; a waiter can be granted once
	// compatible with the remaining holders.
	for _, w := range waiting {
		st.mu.Lock()
		if w.deadlocked {
			st.mu.Unlock()
			continue
		}
		if m.compatibleWithOthers(st, w.tx, w.mode, compatMatrix) {
			w.granted = true
			st.mu.Unlock()
			w.closeReady()
			continue
		}
		st.mu.Unlock()
	}
}

// AcquireRecord requests a record lock in mode S or X at (table, index,
// key) (spec §4.10).
func (m *Manager) AcquireRecord(tx basic.TxID, key RecordKey, mode Mode) (AcquireResult, error) {
	m.recMu.Lock()
	st, ok := m.recs[key]
	if !ok {
		st = &recordLockState{}
		m.recs[key] = st
	}
	m.recMu.Unlock()

	return m.acquireGeneric(tx, st.lockFor(), mode, recordCompat, fmt.Sprintf("record:%s.%s/%s/%s", key.DB, key.Table, key.Index, key.Key))
}

// AcquireGap takes a shared insert-blocking gap lock over (lo, hi]. When
// nextKey is true this also acquires the record lock on hi, forming a
// next-key lock (spec §4.10).
func (m *Manager) AcquireGap(tx basic.TxID, table TableKey, index string, lo, hi string, nextKey bool) error {
	if nextKey {
		if _, err := m.AcquireRecord(tx, RecordKey{TableKey: table, Index: index, Key: hi}, ModeS); err != nil {
			return err
		}
	}
	m.gapMu.Lock()
	defer m.gapMu.Unlock()
	m.gaps[table] = append(m.gaps[table], &gapInterval{tx: tx, lo: lo, hi: hi, nextKey: nextKey})
	return nil
}

// NextKeyLock describes one lock acquired by AcquireRange.
type NextKeyLock struct {
	Key     string
	Mode    Mode
	PrevKey string
}

// AcquireRange acquires a next-key lock for every key in keys plus the gap
// before the first key, covering a scanned range end to end (spec §4.10).
func (m *Manager) AcquireRange(tx basic.TxID, table TableKey, index string, keys []string) ([]NextKeyLock, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var out []NextKeyLock
	prev := ""
	for _, k := range sorted {
		if _, err := m.AcquireRecord(tx, RecordKey{TableKey: table, Index: index, Key: k}, ModeX); err != nil {
			return out, err
		}
		if err := m.AcquireGap(tx, table, index, prev, k, true); err != nil {
			return out, err
		}
		out = append(out, NextKeyLock{Key: k, Mode: ModeX, PrevKey: prev})
		prev = k
	}
	return out, nil
}

// IsInsertBlocked reports whether an insert at key is blocked by another
// transaction's gap lock covering it, with a linear scan over the table's
// gap list (see DESIGN.md). Gap locks are kept per table: index is not
// consulted, so a gap held on any index of the table blocks the key.
func (m *Manager) IsInsertBlocked(table TableKey, index string, key string, tx basic.TxID) bool {
	m.gapMu.Lock()
	defer m.gapMu.Unlock()
	for _, g := range m.gaps[table] {
		if g.tx == tx {
			continue
		}
		if key > g.lo && key <= g.hi {
			return true
		}
	}
	return false
}

// ReleaseAll releases every lock tx holds — table, record, and gap — and
// re-evaluates any waiters those releases unblock (spec §4.11 commit/
// rollback protocol step 2).
func (m *Manager) ReleaseAll(tx basic.TxID) {
	m.heldMu.Lock()
	fns := m.held[tx]
	delete(m.held, tx)
	m.heldMu.Unlock()

	for _, fn := range fns {
		fn()
	}

	m.gapMu.Lock()
	for table, list := range m.gaps {
		m.gaps[table] = lo.Filter(list, func(g *gapInterval, _ int) bool { return g.tx != tx })
	}
	m.gapMu.Unlock()

	m.removeWaitEdges(tx)
}

func (m *Manager) trackHeld(tx basic.TxID, fn releaseFunc) {
	m.heldMu.Lock()
	defer m.heldMu.Unlock()
	m.held[tx] = append(m.held[tx], fn)
}

// --- wait-for graph & deadlock detection (spec §4.10) ---

func (m *Manager) addWaitEdges(waiter basic.TxID, blockers []basic.TxID) {
	m.graphMu.Lock()
	defer m.graphMu.Unlock()
	set, ok := m.waitFor[waiter]
	if !ok {
		set = make(map[basic.TxID]bool)
		m.waitFor[waiter] = set
	}
	for _, b := range blockers {
		set[b] = true
	}
}

func (m *Manager) removeWaitEdges(tx basic.TxID) {
	m.graphMu.Lock()
	defer m.graphMu.Unlock()
	delete(m.waitFor, tx)
}

// detectCycle runs a DFS from waiter through the wait-for graph; a path
// back to waiter means a deadlock. It returns the cycle (waiter plus every
// node on the path back to it) so the caller can run selectVictim over it
// rather than always blaming waiter (spec §4.10).
func (m *Manager) detectCycle(waiter basic.TxID) ([]basic.TxID, bool) {
	m.graphMu.Lock()
	defer m.graphMu.Unlock()

	visited := make(map[basic.TxID]bool)
	var path []basic.TxID
	var dfs func(basic.TxID) bool
	dfs = func(node basic.TxID) bool {
		if node == waiter {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		path = append(path, node)
		for next := range m.waitFor[node] {
			if dfs(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	for next := range m.waitFor[waiter] {
		path = append(path[:0], waiter)
		if dfs(next) {
			return append([]basic.TxID(nil), path...), true
		}
	}
	return nil, false
}

// WaitForGraph returns a snapshot of the current wait-for edges, for
// diagnostics (SPEC_FULL §C.3, not named by spec.md's operation list).
func (m *Manager) WaitForGraph() map[basic.TxID][]basic.TxID {
	m.graphMu.Lock()
	defer m.graphMu.Unlock()
	out := make(map[basic.TxID][]basic.TxID, len(m.waitFor))
	for waiter, set := range m.waitFor {
		out[waiter] = lo.Keys(set)
	}
	return out
}
