package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txdb-project/txdb/engine/basic"
	"github.com/txdb-project/txdb/engine/bufferpool"
	"github.com/txdb-project/txdb/engine/lockmgr"
	"github.com/txdb-project/txdb/engine/pagemgr"
	"github.com/txdb-project/txdb/engine/txn"
	"github.com/txdb-project/txdb/engine/undolog"
	"github.com/txdb-project/txdb/engine/wal"
)

func TestCreateDBAndTableLifecycle(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.CreateDB("shop"))
	assert.Error(t, c.CreateDB("shop"), "creating the same database twice must fail")

	meta := TableMeta{Name: "widgets", Schema: widgetSchema(), PKCol: 0}
	require.NoError(t, c.CreateTable("shop", meta))
	assert.Error(t, c.CreateTable("shop", meta), "creating the same table twice must fail")

	got, err := c.Get("shop", "widgets")
	require.NoError(t, err)
	assert.Equal(t, "shop", got.DB)

	names, err := c.List("shop")
	require.NoError(t, err)
	assert.Equal(t, []string{"widgets"}, names)

	require.NoError(t, c.DropTable("shop", "widgets"))
	_, err = c.Get("shop", "widgets")
	assert.Error(t, err)
}

func TestGetUnknownDatabaseFails(t *testing.T) {
	c := New(nil)
	_, err := c.Get("missing", "t")
	assert.Error(t, err)
}

type tableHarness struct {
	table *Table
	txMgr *txn.Manager
}

func newTableHarness(t *testing.T) *tableHarness {
	t.Helper()
	dir := t.TempDir()

	w, err := wal.Open(filepath.Join(dir, "wal"), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	pm, err := pagemgr.Open(filepath.Join(dir, "space.dat"), 1, true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pm.Close() })

	pool := bufferpool.New(bufferpool.Config{Capacity: 32}, nil)
	lock := lockmgr.New(lockmgr.Config{}, nil)

	undo, err := undolog.Open(filepath.Join(dir, "undo.log"), 64, nil)
	require.NoError(t, err)
	t.Cleanup(func() { undo.Close() })

	txMgr := txn.New(w, lock, undo, nil)
	meta := &TableMeta{ID: 1, DB: "shop", Name: "widgets", Schema: widgetSchema(), PKCol: 0}
	table := OpenTable(meta, pm, pool, w, lock, undo, nil)

	return &tableHarness{table: table, txMgr: txMgr}
}

func TestInsertThenGetSeesOwnWrite(t *testing.T) {
	h := newTableHarness(t)
	tx, err := h.txMgr.Begin(txn.RepeatableRead)
	require.NoError(t, err)

	row := Row{Values: []Value{{I64: 1}, {Bytes: []byte("widget")}, {Null: true}}}
	rowID, err := h.table.Insert(tx, row, []byte("1"))
	require.NoError(t, err)

	got, err := h.table.Get(tx, rowID, h.txMgr)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("widget"), got.Values[1].Bytes)
}

func TestUpdateReplacesVisibleRowAndPreservesUndoChain(t *testing.T) {
	h := newTableHarness(t)
	tx, err := h.txMgr.Begin(txn.RepeatableRead)
	require.NoError(t, err)

	row := Row{Values: []Value{{I64: 1}, {Bytes: []byte("widget")}, {Null: true}}}
	rowID, err := h.table.Insert(tx, row, []byte("1"))
	require.NoError(t, err)
	require.NoError(t, h.txMgr.Commit(tx))

	tx2, err := h.txMgr.Begin(txn.RepeatableRead)
	require.NoError(t, err)
	newRow := Row{Values: []Value{{I64: 1}, {Bytes: []byte("widget-v2")}, {Null: true}}}
	require.NoError(t, h.table.Update(tx2, rowID, "1", newRow))

	got, err := h.table.Get(tx2, rowID, h.txMgr)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("widget-v2"), got.Values[1].Bytes)
}

func TestDeleteTombstonesRowAndGetReturnsNil(t *testing.T) {
	h := newTableHarness(t)
	tx, err := h.txMgr.Begin(txn.RepeatableRead)
	require.NoError(t, err)

	row := Row{Values: []Value{{I64: 1}, {Bytes: []byte("widget")}, {Null: true}}}
	rowID, err := h.table.Insert(tx, row, []byte("1"))
	require.NoError(t, err)
	require.NoError(t, h.txMgr.Commit(tx))

	tx2, err := h.txMgr.Begin(txn.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, h.table.Delete(tx2, rowID, "1"))

	got, err := h.table.Get(tx2, rowID, h.txMgr)
	require.NoError(t, err)
	assert.Nil(t, got, "deleting tx must see its own tombstone as absent")
}

func TestScanReturnsOnlyLiveRowsVisibleToReader(t *testing.T) {
	h := newTableHarness(t)
	writer, err := h.txMgr.Begin(txn.RepeatableRead)
	require.NoError(t, err)

	_, err = h.table.Insert(writer, Row{Values: []Value{{I64: 1}, {Bytes: []byte("a")}, {Null: true}}}, []byte("1"))
	require.NoError(t, err)
	_, err = h.table.Insert(writer, Row{Values: []Value{{I64: 2}, {Bytes: []byte("b")}, {Null: true}}}, []byte("2"))
	require.NoError(t, err)
	require.NoError(t, h.txMgr.Commit(writer))

	reader, err := h.txMgr.Begin(txn.RepeatableRead)
	require.NoError(t, err)
	rows, err := h.table.Scan(reader, h.txMgr)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRollbackPhysicallyRestoresUpdatedRow(t *testing.T) {
	h := newTableHarness(t)
	tx1, err := h.txMgr.Begin(txn.RepeatableRead)
	require.NoError(t, err)

	row := Row{Values: []Value{{I64: 1}, {Bytes: []byte("widget")}, {Null: true}}}
	rowID, err := h.table.Insert(tx1, row, []byte("1"))
	require.NoError(t, err)
	require.NoError(t, h.txMgr.Commit(tx1))

	tx2, err := h.txMgr.Begin(txn.RepeatableRead)
	require.NoError(t, err)
	newRow := Row{Values: []Value{{I64: 1}, {Bytes: []byte("widget-v2")}, {Null: true}}}
	require.NoError(t, h.table.Update(tx2, rowID, "1", newRow))

	// Before rollback the updated bytes are on the page.
	peek, err := h.txMgr.Begin(txn.ReadUncommitted)
	require.NoError(t, err)
	got, err := h.table.Get(peek, rowID, h.txMgr)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("widget-v2"), got.Values[1].Bytes)

	require.NoError(t, h.txMgr.Rollback(tx2, h.table.Compensate))

	after, err := h.txMgr.Begin(txn.ReadUncommitted)
	require.NoError(t, err)
	got, err = h.table.Get(after, rowID, h.txMgr)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("widget"), got.Values[1].Bytes, "rollback must physically restore the pre-update row image")
}

func TestRollbackPhysicallyUndoesInsert(t *testing.T) {
	h := newTableHarness(t)
	tx, err := h.txMgr.Begin(txn.RepeatableRead)
	require.NoError(t, err)

	row := Row{Values: []Value{{I64: 1}, {Bytes: []byte("widget")}, {Null: true}}}
	rowID, err := h.table.Insert(tx, row, []byte("1"))
	require.NoError(t, err)

	require.NoError(t, h.txMgr.Rollback(tx, h.table.Compensate))

	after, err := h.txMgr.Begin(txn.ReadUncommitted)
	require.NoError(t, err)
	_, err = h.table.Get(after, rowID, h.txMgr)
	assert.Error(t, err, "rollback must have deleted the slot the aborted insert created")
}

func TestGetRowLockedReturnsVisibleRow(t *testing.T) {
	h := newTableHarness(t)
	tx, err := h.txMgr.Begin(txn.RepeatableRead)
	require.NoError(t, err)

	rowID, err := h.table.Insert(tx, Row{Values: []Value{{I64: 1}, {Bytes: []byte("a")}, {Null: true}}}, []byte("1"))
	require.NoError(t, err)
	require.NoError(t, h.txMgr.Commit(tx))

	tx2, err := h.txMgr.Begin(txn.RepeatableRead)
	require.NoError(t, err)
	got, err := h.table.GetRowLocked(tx2, rowID, "1", lockmgr.ModeX, h.txMgr)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("a"), got.Values[1].Bytes)
}
