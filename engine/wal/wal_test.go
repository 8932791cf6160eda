package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txdb-project/txdb/engine/basic"
)

func openTemp(t *testing.T) *WAL {
	t.Helper()
	w, err := Open(t.TempDir(), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestAppendAssignsIncreasingLSNs(t *testing.T) {
	w := openTemp(t)
	l1, err := w.Append(Record{TxID: 1, Type: RecBegin})
	require.NoError(t, err)
	l2, err := w.Append(Record{TxID: 1, Type: RecInsert, AfterImage: []byte("row")})
	require.NoError(t, err)
	assert.Less(t, l1, l2)
}

func TestWriteCommitFlushesThroughItsLSN(t *testing.T) {
	w := openTemp(t)
	lsn, err := w.WriteCommit(1)
	require.NoError(t, err)
	assert.Equal(t, lsn, w.FlushedLSN())
}

func TestReadFromRoundTripsRecords(t *testing.T) {
	w := openTemp(t)
	_, err := w.Append(Record{TxID: 1, Type: RecBegin})
	require.NoError(t, err)
	_, err = w.Append(Record{TxID: 1, Type: RecInsert, TableID: 7, Page: basic.PageID{FileID: 1, PageNo: 2}, Slot: 3, AfterImage: []byte("payload")})
	require.NoError(t, err)

	recs, err := w.ReadFrom(0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, RecInsert, recs[1].Type)
	assert.Equal(t, []byte("payload"), recs[1].AfterImage)
	assert.Equal(t, uint32(7), recs[1].TableID)
}

func TestReadFromFiltersByLSN(t *testing.T) {
	w := openTemp(t)
	_, _ = w.Append(Record{TxID: 1, Type: RecBegin})
	second, _ := w.Append(Record{TxID: 1, Type: RecCommit})

	recs, err := w.ReadFrom(second)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, second, recs[0].LSN)
}

func TestResumeAfterReopenContinuesLSNSequence(t *testing.T) {
	dir := t.TempDir()
	w1, err := Open(dir, 0, nil)
	require.NoError(t, err)
	last, err := w1.Append(Record{TxID: 1, Type: RecBegin})
	require.NoError(t, err)
	require.NoError(t, w1.Close())

	w2, err := Open(dir, 0, nil)
	require.NoError(t, err)
	defer w2.Close()
	next, err := w2.Append(Record{TxID: 2, Type: RecBegin})
	require.NoError(t, err)
	assert.Greater(t, next, last)
}

func TestForceRotateStartsFreshSegment(t *testing.T) {
	w := openTemp(t)
	_, err := w.Append(Record{TxID: 1, Type: RecBegin})
	require.NoError(t, err)
	require.NoError(t, w.ForceRotate())

	files, err := w.GetRotatedFiles()
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestArchiveSegmentCompressesAndRemoves(t *testing.T) {
	w := openTemp(t)
	_, err := w.Append(Record{TxID: 1, Type: RecBegin})
	require.NoError(t, err)
	require.NoError(t, w.ForceRotate())

	files, err := w.GetRotatedFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)

	archiveDir := filepath.Join(t.TempDir(), "archive")
	dst, err := ArchiveSegment(files[0], archiveDir)
	require.NoError(t, err)

	_, statErr := os.Stat(files[0])
	assert.True(t, os.IsNotExist(statErr), "original segment must be removed after archiving")
	_, statErr = os.Stat(dst)
	assert.NoError(t, statErr)
}
