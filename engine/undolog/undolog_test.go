package undolog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txdb-project/txdb/engine/basic"
)

func openTemp(t *testing.T, cacheCap int) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "undo.log"), cacheCap, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	l := openTemp(t, 16)
	row := basic.RowID{Page: basic.PageID{FileID: 1, PageNo: 2}, Slot: 3}

	ptr, err := l.WriteUpdate(5, 1, row, []byte("old value"), 0, 0)
	require.NoError(t, err)

	rec, err := l.Read(ptr)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, basic.TxID(5), rec.TxID)
	assert.Equal(t, []byte("old value"), rec.OldRow)
	assert.Equal(t, KindUpdate, rec.Kind)
}

func TestReadTerminatorReturnsNil(t *testing.T) {
	l := openTemp(t, 16)
	rec, err := l.Read(0)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestReadChainWalksPrevPointers(t *testing.T) {
	l := openTemp(t, 16)
	row := basic.RowID{Page: basic.PageID{FileID: 1, PageNo: 1}, Slot: 0}

	p1, err := l.WriteInsert(1, 1, row, []byte("pk"), 0)
	require.NoError(t, err)
	p2, err := l.WriteUpdate(1, 1, row, []byte("v1"), p1, p1)
	require.NoError(t, err)
	p3, err := l.WriteUpdate(1, 1, row, []byte("v2"), p2, p2)
	require.NoError(t, err)

	chain, err := l.ReadChain(p3)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []byte("v2"), chain[0].OldRow)
	assert.Equal(t, []byte("v1"), chain[1].OldRow)
	assert.Equal(t, KindInsert, chain[2].Kind)
}

func TestReadBypassesCacheOnColdStart(t *testing.T) {
	row := basic.RowID{Page: basic.PageID{FileID: 1, PageNo: 1}, Slot: 0}
	path := filepath.Join(t.TempDir(), "undo.log")

	l1, err := Open(path, 16, nil)
	require.NoError(t, err)
	ptr, err := l1.WriteDelete(9, 1, row, []byte("gone"), 0, 0)
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	l2, err := Open(path, 16, nil)
	require.NoError(t, err)
	defer l2.Close()

	rec, err := l2.Read(ptr)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("gone"), rec.OldRow)
}

func TestPurgeDropsOnlyOlderCacheEntries(t *testing.T) {
	l := openTemp(t, 16)
	row := basic.RowID{Page: basic.PageID{FileID: 1, PageNo: 1}, Slot: 0}

	oldPtr, err := l.WriteInsert(1, 1, row, []byte("a"), 0)
	require.NoError(t, err)
	newPtr, err := l.WriteInsert(10, 1, row, []byte("b"), 0)
	require.NoError(t, err)

	purged := l.Purge(5)
	assert.Equal(t, 1, purged)

	_, stillCached := l.getCache(newPtr)
	assert.True(t, stillCached)
	_, evicted := l.getCache(oldPtr)
	assert.False(t, evicted)
}

func TestReadVersionMapsInsertToTombstone(t *testing.T) {
	l := openTemp(t, 16)
	row := basic.RowID{Page: basic.PageID{FileID: 1, PageNo: 1}, Slot: 0}
	ptr, err := l.WriteInsert(1, 1, row, []byte("pk"), 0)
	require.NoError(t, err)

	v, err := l.ReadVersion(ptr)
	require.NoError(t, err)
	assert.True(t, v.IsDeleted, "the version before an insert is the absence of the row")
}
