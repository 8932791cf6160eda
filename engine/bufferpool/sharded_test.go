package bufferpool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txdb-project/txdb/engine/basic"
	"github.com/txdb-project/txdb/engine/pagemgr"
)

func TestShardedPoolRoutesConsistently(t *testing.T) {
	pm, err := pagemgr.Open(filepath.Join(t.TempDir(), "space.dat"), 1, true, nil)
	require.NoError(t, err)
	defer pm.Close()

	sp := NewSharded(4, Config{Capacity: 16}, nil)

	pg, err := sp.NewPage(pm, basic.PageTypeData)
	require.NoError(t, err)
	require.NoError(t, sp.Unpin(pg.ID(), true))

	got, err := sp.Get(pm, pg.ID())
	require.NoError(t, err)
	assert.Equal(t, pg.ID(), got.ID())
}

func TestShardedPoolCapacitySplitsAcrossShards(t *testing.T) {
	sp := NewSharded(3, Config{Capacity: 10}, nil)
	stats := sp.Stats()
	assert.Equal(t, 10, stats.Capacity)
}

func TestShardedPoolReAdmitDoesNotImmediatelyPromote(t *testing.T) {
	pm, err := pagemgr.Open(filepath.Join(t.TempDir(), "space.dat"), 1, true, nil)
	require.NoError(t, err)
	defer pm.Close()

	sp := NewSharded(1, Config{Capacity: 8}, nil)
	pg, err := sp.NewPage(pm, basic.PageTypeData)
	require.NoError(t, err)
	require.NoError(t, sp.Unpin(pg.ID(), false))

	_, err = sp.Get(pm, pg.ID())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), sp.Stats().OldToYoung, "a freshly admitted page must not appear already old enough to promote")
}
