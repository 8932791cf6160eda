// Package mvcc implements snapshot-isolation visibility: ReadView
// creation and the visibility predicate used to decide which version of a
// row a transaction may see, grounded on the teacher's
// storage/store/mvcc.ReadView (creator/min/max/active-set fields)
// generalized to the exact visibility rules of spec §4.9.
package mvcc

import (
	"sort"

	"github.com/txdb-project/txdb/engine/basic"
	"github.com/txdb-project/txdb/engine/undolog"
)

// ReadView is an immutable snapshot of which transactions were active at
// the moment it was created (spec §4.9).
type ReadView struct {
	Creator    basic.TxID
	Max        basic.TxID   // next_tx_id at creation: anything >= Max started after
	MinActive  basic.TxID   // smallest tx id that was active, or next_tx_id if none were
	ActiveSet  []basic.TxID // sorted, excludes Creator
}

// Create builds a ReadView per spec §4.9: max = next_tx_id, min_active =
// min(active_tx_ids) else next_tx_id, active_set = sorted(active_tx_ids)
// minus {creator}.
func Create(activeTxIDs []basic.TxID, nextTxID basic.TxID, creator basic.TxID) ReadView {
	minActive := nextTxID
	active := make([]basic.TxID, 0, len(activeTxIDs))
	for _, t := range activeTxIDs {
		if t == creator {
			continue
		}
		active = append(active, t)
		if t < minActive {
			minActive = t
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })
	return ReadView{Creator: creator, Max: nextTxID, MinActive: minActive, ActiveSet: active}
}

// IsVisible reports whether a row version written by tx id t should be
// visible to rv's snapshot (spec §4.9):
//   - t == creator: own writes, always visible.
//   - t >= max: started after the snapshot, invisible.
//   - t < min_active: committed before the snapshot, visible.
//   - min_active <= t < max: visible iff t was not active at snapshot time.
func (rv ReadView) IsVisible(t basic.TxID) bool {
	if t == rv.Creator {
		return true
	}
	if t >= rv.Max {
		return false
	}
	if t < rv.MinActive {
		return true
	}
	return !rv.inActiveSet(t)
}

func (rv ReadView) inActiveSet(t basic.TxID) bool {
	i := sort.Search(len(rv.ActiveSet), func(i int) bool { return rv.ActiveSet[i] >= t })
	return i < len(rv.ActiveSet) && rv.ActiveSet[i] == t
}

// RowVersion is the minimal shape a version-chain head needs to expose for
// visibility resolution: the tx that wrote it, whether it is a tombstone,
// the row bytes (when live), and the roll_pointer to the prior version.
type RowVersion struct {
	TxID      basic.TxID
	IsDeleted bool
	Row       []byte
	RollPtr   undolog.Ptr
}

// VisibleVersion walks head's chain (starting at head itself, then via
// UndoLog) and returns the first version visible to rv and not a
// tombstone, or nil if none exists (spec §4.9 row visibility).
func VisibleVersion(rv ReadView, head RowVersion, log *undolog.Log) (*RowVersion, error) {
	cur := head
	for {
		if rv.IsVisible(cur.TxID) && !cur.IsDeleted {
			v := cur
			return &v, nil
		}
		if cur.RollPtr == 0 {
			return nil, nil
		}
		vv, err := log.ReadVersion(cur.RollPtr)
		if err != nil {
			return nil, err
		}
		if vv == nil {
			return nil, nil
		}
		cur = RowVersion{TxID: vv.TxID, IsDeleted: vv.IsDeleted, Row: vv.Row, RollPtr: vv.PrevPtr}
	}
}
