package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txdb-project/txdb/engine/basic"
	"github.com/txdb-project/txdb/engine/bufferpool"
	"github.com/txdb-project/txdb/engine/pagemgr"
	"github.com/txdb-project/txdb/engine/undolog"
	"github.com/txdb-project/txdb/engine/wal"
)

type stubPool struct{ flushed bool }

func (s *stubPool) FlushAll(pm *pagemgr.Manager) error {
	s.flushed = true
	return nil
}

func newManager(t *testing.T) (*Manager, *wal.WAL) {
	t.Helper()
	w, err := wal.Open(t.TempDir(), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	pm, err := pagemgr.Open(filepath.Join(t.TempDir(), "space.dat"), 1, true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pm.Close() })

	dw, err := bufferpool.OpenDoublewriteBuffer(filepath.Join(t.TempDir(), "dw.dat"), 8)
	require.NoError(t, err)
	t.Cleanup(func() { dw.Close() })

	flushList := bufferpool.NewFlushList()
	m := New(filepath.Join(t.TempDir(), "checkpoint.json"), w, flushList, &stubPool{}, pm, dw, 16, nil)
	return m, w
}

func TestTriggerPersistsMetadataAndAppendsWALRecord(t *testing.T) {
	m, w := newManager(t)
	before := w.CurrentLSN()

	meta, err := m.Trigger([]basic.TxID{3, 7}, func(basic.PageID) error { return nil })
	require.NoError(t, err)
	assert.Greater(t, meta.LSN, before)
	assert.Equal(t, []basic.TxID{3, 7}, meta.ActiveTxIDs)

	loaded, ok, err := m.LoadMetadata()
	require.NoError(t, err)
	require.True(t, ok)
	if diff := cmp.Diff(meta, loaded); diff != "" {
		t.Errorf("round-tripped metadata mismatch (-persisted +loaded):\n%s", diff)
	}
}

func TestLoadMetadataMissingFileIsNotAnError(t *testing.T) {
	m, _ := newManager(t)
	_, ok, err := m.LoadMetadata()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAnalysisLeavesUncommittedTxActive(t *testing.T) {
	records := []wal.Record{
		{Type: wal.RecBegin, TxID: 1, LSN: 1},
		{Type: wal.RecBegin, TxID: 2, LSN: 2},
		{Type: wal.RecCommit, TxID: 1, LSN: 3},
	}
	table := Analysis(records)
	require.Contains(t, table, basic.TxID(1))
	require.Contains(t, table, basic.TxID(2))
	assert.False(t, table[1].Active)
	assert.True(t, table[2].Active)
}

func TestRedoSkipsRecordsAlreadyAppliedToDisk(t *testing.T) {
	page := basic.PageID{FileID: 1, PageNo: 1}
	records := []wal.Record{
		{Type: wal.RecUpdate, Page: page, LSN: 5},
		{Type: wal.RecUpdate, Page: page, LSN: 10},
	}
	var applied []basic.LSN
	err := Redo(records, func(basic.PageID) (basic.LSN, error) { return 7, nil }, func(rec wal.Record, onDisk basic.LSN) error {
		applied = append(applied, rec.LSN)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []basic.LSN{10}, applied, "the LSN-5 record is already reflected on disk")
}

func TestRedoSkipsRecordsWithoutAPage(t *testing.T) {
	records := []wal.Record{{Type: wal.RecBegin, LSN: 1}}
	calls := 0
	err := Redo(records, func(basic.PageID) (basic.LSN, error) { return 0, nil }, func(wal.Record, basic.LSN) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestUndoStillActiveCompensatesAndAborts(t *testing.T) {
	l, err := undolog.Open(filepath.Join(t.TempDir(), "undo.log"), 16, nil)
	require.NoError(t, err)
	defer l.Close()

	row := basic.RowID{Page: basic.PageID{FileID: 1, PageNo: 1}, Slot: 0}
	p1, err := l.WriteInsert(9, 1, row, []byte("pk"), 0)
	require.NoError(t, err)
	p2, err := l.WriteUpdate(9, 1, row, []byte("v1"), p1, p1)
	require.NoError(t, err)

	table := map[basic.TxID]*TxState{9: {ID: 9, Active: true}}
	var compensated []string
	var aborted []basic.TxID

	err = UndoStillActive(table, func(basic.TxID) undolog.Ptr { return p2 }, l,
		func(rec undolog.Record) error {
			if rec.Kind == undolog.KindInsert {
				compensated = append(compensated, string(rec.PK))
			} else {
				compensated = append(compensated, string(rec.OldRow))
			}
			return nil
		},
		func(id basic.TxID) error {
			aborted = append(aborted, id)
			return nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "pk"}, compensated)
	assert.Equal(t, []basic.TxID{9}, aborted)
}

func TestUndoStillActiveSkipsCommittedTransactions(t *testing.T) {
	table := map[basic.TxID]*TxState{1: {ID: 1, Active: false}}
	calls := 0
	err := UndoStillActive(table, func(basic.TxID) undolog.Ptr { return 0 }, nil,
		func(undolog.Record) error { calls++; return nil },
		func(basic.TxID) error { calls++; return nil },
	)
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestTruncateFloorTakesTheSmallerOfFlushOldestAndActiveFirstLSN(t *testing.T) {
	table := map[basic.TxID]*TxState{
		1: {Active: true, FirstLSN: 20},
		2: {Active: false, FirstLSN: 5},
	}
	assert.Equal(t, basic.LSN(20), TruncateFloor(100, table))
}

func TestTruncateFloorIgnoresInactiveTransactions(t *testing.T) {
	table := map[basic.TxID]*TxState{
		1: {Active: false, FirstLSN: 1},
	}
	assert.Equal(t, basic.LSN(50), TruncateFloor(50, table))
}
