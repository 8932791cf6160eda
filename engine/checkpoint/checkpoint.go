// Package checkpoint implements fuzzy checkpointing and ARIES-lite crash
// recovery, grounded on the teacher's RedoLogManager checkpoint fields
// (lastCheckpoint/checkpointTime) generalized into the full fuzzy
// checkpoint protocol and three-pass (analysis/redo/undo) recovery of
// spec §4.12, with checkpoint metadata persisted atomically the way
// natefinch/atomic persists any small config-like file.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"os"

	natomic "github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"

	"github.com/txdb-project/txdb/engine/basic"
	"github.com/txdb-project/txdb/engine/bufferpool"
	"github.com/txdb-project/txdb/engine/pagemgr"
	"github.com/txdb-project/txdb/engine/undolog"
	"github.com/txdb-project/txdb/engine/wal"
	"github.com/txdb-project/txdb/txerr"
)

// Metadata is the checkpoint record persisted to the metadata file. Its
// ActiveTxIDs and FlushOldestLSN are also carried as JSON in the matching
// WAL Checkpoint record, whose own LSN is the checkpoint LSN (spec §4.12).
type Metadata struct {
	LSN            basic.LSN
	ActiveTxIDs    []basic.TxID
	FlushOldestLSN basic.LSN
}

// Manager drives fuzzy checkpoints and startup recovery. It composes the
// WAL, FlushList, BufferPool, PageManager, and DoublewriteBuffer rather
// than owning any of their state.
type Manager struct {
	log          *logrus.Entry
	metadataPath string

	w          *wal.WAL
	flushList  *bufferpool.FlushList
	pool       flushablePool
	pm         *pagemgr.Manager
	dw         *bufferpool.DoublewriteBuffer

	maxFlushPerCheckpoint int
}

// flushablePool is the subset of bufferpool.Pool/ShardedPool Checkpoint
// needs to bound-flush dirty pages.
type flushablePool interface {
	FlushAll(pm *pagemgr.Manager) error
}

// New constructs a checkpoint Manager over the given components.
func New(metadataPath string, w *wal.WAL, flushList *bufferpool.FlushList, pool flushablePool, pm *pagemgr.Manager, dw *bufferpool.DoublewriteBuffer, maxFlushPerCheckpoint int, log *logrus.Entry) *Manager {
	if log == nil {
		log = discardLog()
	}
	if maxFlushPerCheckpoint <= 0 {
		maxFlushPerCheckpoint = 256
	}
	return &Manager{
		log:                   log.WithField("component", "checkpoint"),
		metadataPath:          metadataPath,
		w:                     w,
		flushList:             flushList,
		pool:                  pool,
		pm:                    pm,
		dw:                    dw,
		maxFlushPerCheckpoint: maxFlushPerCheckpoint,
	}
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// Trigger runs one fuzzy checkpoint (spec §4.12): snapshot active
// transactions and FlushList's oldest_lsn, flush a bounded number of
// oldest dirty pages, WAL-append and flush a Checkpoint record, then
// atomically persist the checkpoint metadata file.
func (m *Manager) Trigger(activeTxIDs []basic.TxID, flushPage func(basic.PageID) error) (Metadata, error) {
	oldestLSN := m.flushList.OldestLSN()

	m.flushList.Flush(m.maxFlushPerCheckpoint, flushPage)

	payload, err := json.Marshal(Metadata{ActiveTxIDs: activeTxIDs, FlushOldestLSN: oldestLSN})
	if err != nil {
		return Metadata{}, txerr.Wrap(txerr.KindIoError, err, "checkpoint: marshal record payload")
	}
	lsn, err := m.w.Append(wal.Record{Type: wal.RecCheckpoint, AfterImage: payload})
	if err != nil {
		return Metadata{}, err
	}
	if err := m.w.Flush(); err != nil {
		return Metadata{}, err
	}

	meta := Metadata{LSN: lsn, ActiveTxIDs: activeTxIDs, FlushOldestLSN: oldestLSN}
	if err := m.persist(meta); err != nil {
		return Metadata{}, err
	}
	m.log.WithField("lsn", lsn).WithField("active", len(activeTxIDs)).Info("checkpoint complete")
	return meta, nil
}

func (m *Manager) persist(meta Metadata) error {
	buf, err := json.Marshal(meta)
	if err != nil {
		return txerr.Wrap(txerr.KindIoError, err, "checkpoint: marshal metadata")
	}
	if err := natomic.WriteFile(m.metadataPath, bytes.NewReader(buf)); err != nil {
		return txerr.Wrap(txerr.KindIoError, err, "checkpoint: persist metadata")
	}
	return nil
}

func readFileIfExists(path string) ([]byte, bool, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, txerr.Wrap(txerr.KindIoError, err, "checkpoint: read %s", path)
	}
	return buf, true, nil
}

// LoadMetadata reads the last persisted checkpoint metadata, or returns
// the zero value if none has ever been written (a fresh database).
func (m *Manager) LoadMetadata() (Metadata, bool, error) {
	buf, ok, err := readFileIfExists(m.metadataPath)
	if err != nil {
		return Metadata{}, false, err
	}
	if !ok {
		return Metadata{}, false, nil
	}
	var meta Metadata
	if err := json.Unmarshal(buf, &meta); err != nil {
		return Metadata{}, false, txerr.Wrap(txerr.KindCorrupted, err, "checkpoint: unmarshal metadata")
	}
	return meta, true, nil
}

// TxState tracks one transaction's recovery-time status, rebuilt by the
// Analysis pass.
type TxState struct {
	ID       basic.TxID
	Active   bool
	FirstLSN basic.LSN
}

// Analysis rebuilds the transaction table from the given WAL records, in
// order: a Begin not followed by Commit/Abort leaves that tx Active
// (spec §4.12 pass 1).
func Analysis(records []wal.Record) map[basic.TxID]*TxState {
	table := make(map[basic.TxID]*TxState)
	for _, r := range records {
		switch r.Type {
		case wal.RecBegin:
			table[r.TxID] = &TxState{ID: r.TxID, Active: true, FirstLSN: r.LSN}
		case wal.RecCommit, wal.RecAbort:
			if st, ok := table[r.TxID]; ok {
				st.Active = false
			}
		}
	}
	return table
}

// ApplyFunc replays one WAL record's effect against the live page store,
// told the on-disk LSN of the affected page so it can skip already-applied
// records (idempotent redo, spec §4.12 pass 2).
type ApplyFunc func(rec wal.Record, pageLSNOnDisk basic.LSN) error

// PageLSNFunc returns the current on-disk LSN of a page, used to decide
// whether a given WAL record still needs replaying.
type PageLSNFunc func(basic.PageID) (basic.LSN, error)

// isPageRecord reports whether r.Type carries a page mutation at all —
// Begin/Commit/Abort/Checkpoint records leave Page at its Go zero value,
// which pagemgr.Manager happily reads back as the real page {FileID:0,
// PageNo:0} since it never checks FileID, so Redo must not rely on
// Page.Valid() to tell the two apart.
func isPageRecord(t wal.RecordType) bool {
	switch t {
	case wal.RecInsert, wal.RecUpdate, wal.RecDelete, wal.RecPageMod, wal.RecCLR:
		return true
	default:
		return false
	}
}

// Redo replays every record whose LSN exceeds the affected page's
// on-disk LSN (spec §4.12 pass 2). Doublewrite recovery must have already
// run by the time Redo is called, so checksums on the pages Redo touches
// are trustworthy.
func Redo(records []wal.Record, pageLSN PageLSNFunc, apply ApplyFunc) error {
	for _, r := range records {
		if !isPageRecord(r.Type) || !r.Page.Valid() {
			continue
		}
		onDisk, err := pageLSN(r.Page)
		if err != nil {
			return err
		}
		if r.LSN <= onDisk {
			continue
		}
		if err := apply(r, onDisk); err != nil {
			return err
		}
	}
	return nil
}

// UndoStillActive walks the undo chain of every transaction left Active
// by Analysis, applies compensating actions, and emits an Abort record
// for each (spec §4.12 pass 3).
func UndoStillActive(txTable map[basic.TxID]*TxState, undoHeadOf func(basic.TxID) undolog.Ptr, undo *undolog.Log, compensate func(undolog.Record) error, abort func(basic.TxID) error) error {
	for _, st := range txTable {
		if !st.Active {
			continue
		}
		ptr := undoHeadOf(st.ID)
		for ptr != 0 {
			rec, err := undo.Read(ptr)
			if err != nil {
				return err
			}
			if rec == nil {
				break
			}
			if err := compensate(*rec); err != nil {
				return err
			}
			ptr = rec.TxPrevPtr
		}
		if err := abort(st.ID); err != nil {
			return err
		}
	}
	return nil
}

// TruncateFloor computes the LSN strictly below which WAL segments may be
// truncated after recovery: min(FlushList.oldest_lsn, oldest active tx's
// first LSN) (spec §4.12).
func TruncateFloor(flushOldest basic.LSN, txTable map[basic.TxID]*TxState) basic.LSN {
	floor := flushOldest
	for _, st := range txTable {
		if st.Active && st.FirstLSN < floor {
			floor = st.FirstLSN
		}
	}
	return floor
}
