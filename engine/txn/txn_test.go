package txn

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txdb-project/txdb/engine/lockmgr"
	"github.com/txdb-project/txdb/engine/undolog"
	"github.com/txdb-project/txdb/engine/wal"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	w, err := wal.Open(t.TempDir(), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	undo, err := undolog.Open(filepath.Join(t.TempDir(), "undo.log"), 16, nil)
	require.NoError(t, err)
	t.Cleanup(func() { undo.Close() })

	lock := lockmgr.New(lockmgr.Config{}, nil)
	return New(w, lock, undo, nil)
}

func TestBeginAssignsDistinctIDs(t *testing.T) {
	m := newManager(t)
	tx1, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	tx2, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	assert.NotEqual(t, tx1.ID, tx2.ID)
}

func TestCommitReleasesLocksAndRemovesFromActive(t *testing.T) {
	m := newManager(t)
	tx, err := m.Begin(ReadCommitted)
	require.NoError(t, err)

	key := lockmgr.TableKey{DB: "d", Table: "t"}
	_, err = m.lock.AcquireTable(tx.ID, key, lockmgr.ModeX)
	require.NoError(t, err)

	require.NoError(t, m.Commit(tx))
	assert.Equal(t, StatusCommitted, tx.Status)
	assert.NotContains(t, m.ActiveTxIDs(), tx.ID)

	// Lock should have been released: a second tx can now acquire it.
	other, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	res, err := m.lock.AcquireTable(other.ID, key, lockmgr.ModeX)
	require.NoError(t, err)
	assert.Equal(t, lockmgr.Acquired, res)
}

func TestCommitTwiceFails(t *testing.T) {
	m := newManager(t)
	tx, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, m.Commit(tx))

	err = m.Commit(tx)
	assert.Error(t, err)
}

func TestRollbackWithEmptyUndoChainCompensatesNothing(t *testing.T) {
	m := newManager(t)
	tx, err := m.Begin(ReadCommitted)
	require.NoError(t, err)

	var compensated []string
	tx.UndoHead = 0 // no undo records buffered in this unit test

	err = m.Rollback(tx, func(rec undolog.Record) error {
		compensated = append(compensated, string(rec.OldRow))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, tx.Status)
	assert.Empty(t, compensated)
}

func TestStatementReadViewReadCommittedIsFreshEachCall(t *testing.T) {
	m := newManager(t)
	tx, err := m.Begin(ReadCommitted)
	require.NoError(t, err)

	rv1 := tx.StatementReadView(m)
	rv2 := tx.StatementReadView(m)
	require.NotNil(t, rv1)
	require.NotNil(t, rv2)
	assert.NotSame(t, rv1, rv2)
}

func TestStatementReadViewRepeatableReadIsCached(t *testing.T) {
	m := newManager(t)
	tx, err := m.Begin(RepeatableRead)
	require.NoError(t, err)

	rv1 := tx.StatementReadView(m)
	rv2 := tx.StatementReadView(m)
	assert.Same(t, rv1, rv2, "repeatable read must reuse the same snapshot across statements")
}

func TestStatementReadViewReadUncommittedIsNil(t *testing.T) {
	m := newManager(t)
	tx, err := m.Begin(ReadUncommitted)
	require.NoError(t, err)
	assert.Nil(t, tx.StatementReadView(m))
}

func TestLowWaterMarkAdvancesAsTransactionsCommit(t *testing.T) {
	m := newManager(t)
	tx1, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	tx2, err := m.Begin(ReadCommitted)
	require.NoError(t, err)

	require.NoError(t, m.Commit(tx1))
	assert.Equal(t, tx2.ID, m.LowWaterMark())
}
