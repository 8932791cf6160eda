package lockmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompatibleTableLocksBothGrantImmediately(t *testing.T) {
	m := New(Config{}, nil)
	key := TableKey{DB: "d", Table: "t"}

	res, err := m.AcquireTable(1, key, ModeIS)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	res, err = m.AcquireTable(2, key, ModeIS)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)
}

func TestConflictingTableLockBlocksUntilReleased(t *testing.T) {
	m := New(Config{}, nil)
	key := TableKey{DB: "d", Table: "t"}

	_, err := m.AcquireTable(1, key, ModeX)
	require.NoError(t, err)

	done := make(chan AcquireResult, 1)
	go func() {
		res, _ := m.AcquireTable(2, key, ModeS)
		done <- res
	}()

	select {
	case <-done:
		t.Fatal("second acquirer should not have been granted yet")
	case <-time.After(30 * time.Millisecond):
	}

	m.ReleaseAll(1)
	select {
	case res := <-done:
		assert.Equal(t, Acquired, res)
	case <-time.After(time.Second):
		t.Fatal("waiter was never granted after release")
	}
}

func TestSameTxUpgradeInPlace(t *testing.T) {
	m := New(Config{}, nil)
	key := TableKey{DB: "d", Table: "t"}

	_, err := m.AcquireTable(1, key, ModeIS)
	require.NoError(t, err)
	res, err := m.AcquireTable(1, key, ModeIX)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res, "same-tx upgrade must succeed without blocking")
}

// TestDeadlockDetected builds a classic two-tx wait-for cycle (tx 1 holds
// a, wants b; tx 2 holds b, wants a) and asserts the deterministic
// youngest-tx_id victim policy (spec §4.10): tx 2, being younger, is the
// one forced to abort, never tx 1.
func TestDeadlockDetected(t *testing.T) {
	m := New(Config{}, nil)
	a := TableKey{DB: "d", Table: "a"}
	b := TableKey{DB: "d", Table: "b"}

	_, err := m.AcquireTable(1, a, ModeX)
	require.NoError(t, err)
	_, err = m.AcquireTable(2, b, ModeX)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.AcquireTable(1, b, ModeX)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	_, err = m.AcquireTable(2, a, ModeX)
	require.ErrorIs(t, err, ErrDeadlock, "tx 2 is younger and must be the deterministic victim, never tx 1")

	// A real caller reacts to ErrDeadlock by rolling back, which releases
	// every lock the victim holds; that is what frees table b for tx 1's
	// still-blocked request.
	m.ReleaseAll(2)

	select {
	case err := <-errCh:
		assert.NoError(t, err, "tx 1 must be granted once the victim rolls back")
	case <-time.After(time.Second):
		t.Fatal("tx 1 was never granted after the victim's rollback")
	}
}

func TestLockTimeoutReturnsErrLockTimeout(t *testing.T) {
	m := New(Config{WaitTimeout: 20 * time.Millisecond}, nil)
	key := TableKey{DB: "d", Table: "t"}

	_, err := m.AcquireTable(1, key, ModeX)
	require.NoError(t, err)

	_, err = m.AcquireTable(2, key, ModeX)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestGapLockBlocksInsertWithinRange(t *testing.T) {
	m := New(Config{}, nil)
	table := TableKey{DB: "d", Table: "t"}

	require.NoError(t, m.AcquireGap(1, table, "pk", "a", "m", false))
	assert.True(t, m.IsInsertBlocked(table, "pk", "f", 2))
	assert.False(t, m.IsInsertBlocked(table, "pk", "z", 2))
	assert.False(t, m.IsInsertBlocked(table, "pk", "f", 1), "the gap's own holder is never blocked by it")
}

func TestReleaseAllDropsGapLocks(t *testing.T) {
	m := New(Config{}, nil)
	table := TableKey{DB: "d", Table: "t"}

	require.NoError(t, m.AcquireGap(1, table, "pk", "a", "m", false))
	m.ReleaseAll(1)
	assert.False(t, m.IsInsertBlocked(table, "pk", "f", 2))
}
