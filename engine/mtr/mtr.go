// Package mtr implements mini-transactions: atomic bundles of page
// modifications that commit as one group of WAL records, each with its own
// LSN, the last of which is the group's commit LSN, grounded on the teacher's BufferPoolManager page-dirtying
// protocol and RedoLogManager buffered-append idiom, composed here into
// the atomic group-commit unit spec §4.7 describes.
package mtr

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/txdb-project/txdb/engine/basic"
	"github.com/txdb-project/txdb/engine/bufferpool"
	"github.com/txdb-project/txdb/engine/wal"
	"github.com/txdb-project/txdb/txerr"
)

// ErrAlreadyCommitted is returned by Commit when called twice on the same
// mini-transaction (spec §4.7: "a commit after commit is a usage error").
var ErrAlreadyCommitted = txerr.New(txerr.KindUsage, "mtr: already committed")

type state uint8

const (
	stateActive state = iota
	stateCommitted
	stateRolledBack
)

// Mod is one recorded page modification awaiting commit.
type Mod struct {
	Page        basic.PageID
	Type        wal.RecordType
	TableID     uint32
	Slot        uint16
	BeforeImage []byte
	AfterImage  []byte
}

// MTR is one mini-transaction: new() allocates a unique id in the Active
// state; record() buffers modifications; commit() group-writes them to
// WAL and marks every touched page dirty at the group's commit LSN
// (spec §4.7).
type MTR struct {
	mu      sync.Mutex
	id      uuid.UUID
	txID    basic.TxID
	state   state
	mods    []Mod
	log     *logrus.Entry
	wal     *wal.WAL
	pool    poolFace
}

// poolFace is the subset of bufferpool.Pool/ShardedPool that MTR needs,
// so a caller can pass either the plain or sharded pool.
type poolFace interface {
	MarkDirty(id basic.PageID, lsn basic.LSN) error
}

// New allocates a fresh mini-transaction in the Active state.
func New(txID basic.TxID, w *wal.WAL, pool poolFace, log *logrus.Entry) *MTR {
	if log == nil {
		log = discardLog()
	}
	return &MTR{
		id:    uuid.New(),
		txID:  txID,
		state: stateActive,
		wal:   w,
		pool:  pool,
		log:   log.WithField("component", "mtr"),
	}
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// ID returns the mini-transaction's unique identifier.
func (m *MTR) ID() uuid.UUID { return m.id }

// Record buffers one page modification. Nothing is durable until Commit.
func (m *MTR) Record(mod Mod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mods = append(m.mods, mod)
}

// Commit writes one group of WAL records covering every buffered
// modification (WAL.Append gives each record its own LSN; the last one is
// the group's commit LSN), flushes the WAL, then stamps every touched page
// with the commit LSN and marks it dirty in the buffer pool (spec §4.7).
func (m *MTR) Commit() (basic.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == stateCommitted {
		return 0, ErrAlreadyCommitted
	}
	if m.state == stateRolledBack {
		return 0, txerr.New(txerr.KindUsage, "mtr: commit after rollback")
	}

	var groupLSN basic.LSN
	for _, mod := range m.mods {
		lsn, err := m.wal.Append(wal.Record{
			TxID:        m.txID,
			Type:        mod.Type,
			TableID:     mod.TableID,
			Page:        mod.Page,
			Slot:        mod.Slot,
			BeforeImage: mod.BeforeImage,
			AfterImage:  mod.AfterImage,
		})
		if err != nil {
			return 0, txerr.Wrap(txerr.KindIoError, err, "mtr: commit: append")
		}
		groupLSN = lsn
	}
	if err := m.wal.Flush(); err != nil {
		return 0, err
	}

	for _, mod := range m.mods {
		if err := m.pool.MarkDirty(mod.Page, groupLSN); err != nil {
			m.log.WithError(err).WithField("page", mod.Page).Warn("mtr: mark_dirty after commit failed")
		}
	}

	m.state = stateCommitted
	m.log.WithField("mtr_id", m.id).WithField("mods", len(m.mods)).Info("mini-transaction committed")
	return groupLSN, nil
}

// Rollback discards buffered modifications without emitting any log
// records. The caller is responsible for having undone any in-place page
// edits before calling Rollback (spec §4.7: "nothing is durable until
// commit").
func (m *MTR) Rollback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mods = nil
	m.state = stateRolledBack
}
