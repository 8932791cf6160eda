package mtr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txdb-project/txdb/engine/basic"
	"github.com/txdb-project/txdb/engine/bufferpool"
	"github.com/txdb-project/txdb/engine/pagemgr"
	"github.com/txdb-project/txdb/engine/wal"
)

func setup(t *testing.T) (*wal.WAL, *bufferpool.Pool, *pagemgr.Manager, basic.PageID) {
	t.Helper()
	w, err := wal.Open(t.TempDir(), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	pm, err := pagemgr.Open(filepath.Join(t.TempDir(), "space.dat"), 1, true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pm.Close() })

	pool := bufferpool.New(bufferpool.Config{Capacity: 8}, nil)
	pg, err := pool.NewPage(pm, basic.PageTypeData)
	require.NoError(t, err)

	return w, pool, pm, pg.ID()
}

func TestCommitGroupStampsOneLSNAcrossAllMods(t *testing.T) {
	w, pool, pm, id := setup(t)
	defer pool.Unpin(id, false)

	m := New(1, w, pool, nil)
	m.Record(Mod{Page: id, Type: wal.RecInsert, AfterImage: []byte("a")})
	m.Record(Mod{Page: id, Type: wal.RecUpdate, AfterImage: []byte("b")})

	lsn, err := m.Commit()
	require.NoError(t, err)
	assert.Equal(t, lsn, w.FlushedLSN())

	pg, err := pool.Get(pm, id)
	require.NoError(t, err)
	defer pool.Unpin(id, false)
	assert.Equal(t, lsn, pg.LSN())
}

func TestCommitTwiceFails(t *testing.T) {
	w, pool, _, id := setup(t)
	defer pool.Unpin(id, false)

	m := New(1, w, pool, nil)
	m.Record(Mod{Page: id, Type: wal.RecInsert})
	_, err := m.Commit()
	require.NoError(t, err)

	_, err = m.Commit()
	assert.ErrorIs(t, err, ErrAlreadyCommitted)
}

func TestRollbackDiscardsModsWithoutLogging(t *testing.T) {
	w, pool, _, id := setup(t)
	defer pool.Unpin(id, false)

	before := w.CurrentLSN()
	m := New(1, w, pool, nil)
	m.Record(Mod{Page: id, Type: wal.RecInsert})
	m.Rollback()

	assert.Equal(t, before, w.CurrentLSN(), "rollback must not append any WAL record")
}

func TestCommitAfterRollbackFails(t *testing.T) {
	w, pool, _, id := setup(t)
	defer pool.Unpin(id, false)

	m := New(1, w, pool, nil)
	m.Rollback()
	_, err := m.Commit()
	assert.Error(t, err)
}
