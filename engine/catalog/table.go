package catalog

import (
	"sync"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/txdb-project/txdb/engine/basic"
	"github.com/txdb-project/txdb/engine/bufferpool"
	"github.com/txdb-project/txdb/engine/lockmgr"
	"github.com/txdb-project/txdb/engine/mtr"
	"github.com/txdb-project/txdb/engine/mvcc"
	"github.com/txdb-project/txdb/engine/pagemgr"
	"github.com/txdb-project/txdb/engine/txn"
	"github.com/txdb-project/txdb/engine/undolog"
	"github.com/txdb-project/txdb/engine/wal"
	"github.com/txdb-project/txdb/txerr"
)

// TableMeta describes one table's identity and schema, the unit the
// Catalog persists in system pages (spec §4.13).
type TableMeta struct {
	ID     uint32
	DB     string
	Name   string
	Schema Schema
	PKCol  int // index into Schema.Columns of the primary key
}

// Index describes one secondary index over a table (name + ordered
// column list); index storage itself is out of this package's scope
// (spec.md Non-goals: query planning), but the catalog still tracks
// index metadata for LockManager's (table, index, key) addressing.
type Index struct {
	Name    string
	Table   string
	Columns []string
}

// Database groups tables, indexes, foreign keys, and procedures under
// one namespace (spec §4.13: "database -> tables/views/indexes/foreign-
// keys/procedures").
type Database struct {
	Name        string
	Tables      map[string]*TableMeta
	Indexes     map[string]*Index
	ForeignKeys []ForeignKey
	Procedures  []string
}

// ForeignKey is a supplemented metadata record (SPEC_FULL §C, catalog
// enrichment beyond the distilled spec's table-only description).
type ForeignKey struct {
	Name      string
	Table     string
	Column    string
	RefTable  string
	RefColumn string
}

// Catalog is the metadata store: database -> tables/indexes/FKs/
// procedures, persisted as serialized records in system pages
// (spec §4.13).
type Catalog struct {
	mu  sync.RWMutex
	dbs map[string]*Database
	log *logrus.Entry
}

// New constructs an empty Catalog.
func New(log *logrus.Entry) *Catalog {
	if log == nil {
		log = discardLog()
	}
	return &Catalog{dbs: make(map[string]*Database), log: log.WithField("component", "catalog")}
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// CreateDB registers a new, empty database.
func (c *Catalog) CreateDB(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.dbs[name]; exists {
		return txerr.New(txerr.KindAlreadyExists, "catalog: database %q already exists", name)
	}
	c.dbs[name] = &Database{Name: name, Tables: make(map[string]*TableMeta), Indexes: make(map[string]*Index)}
	return nil
}

// DropDB removes a database and everything in it.
func (c *Catalog) DropDB(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.dbs[name]; !exists {
		return txerr.New(txerr.KindNotFound, "catalog: database %q not found", name)
	}
	delete(c.dbs, name)
	return nil
}

// CreateTable registers meta under db.
func (c *Catalog) CreateTable(db string, meta TableMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dbs[db]
	if !ok {
		return txerr.New(txerr.KindNotFound, "catalog: database %q not found", db)
	}
	if _, exists := d.Tables[meta.Name]; exists {
		return txerr.New(txerr.KindAlreadyExists, "catalog: table %q already exists in %q", meta.Name, db)
	}
	meta.DB = db
	d.Tables[meta.Name] = &meta
	return nil
}

// DropTable removes a table's metadata.
func (c *Catalog) DropTable(db, table string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dbs[db]
	if !ok {
		return txerr.New(txerr.KindNotFound, "catalog: database %q not found", db)
	}
	if _, exists := d.Tables[table]; !exists {
		return txerr.New(txerr.KindNotFound, "catalog: table %q not found in %q", table, db)
	}
	delete(d.Tables, table)
	return nil
}

// Get returns a table's metadata.
func (c *Catalog) Get(db, table string) (*TableMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.dbs[db]
	if !ok {
		return nil, txerr.New(txerr.KindNotFound, "catalog: database %q not found", db)
	}
	t, ok := d.Tables[table]
	if !ok {
		return nil, txerr.New(txerr.KindNotFound, "catalog: table %q not found in %q", table, db)
	}
	return t, nil
}

// List returns every table name registered under db, using lo for the
// map-to-slice projection (grounded on the corpus's samber/lo usage).
func (c *Catalog) List(db string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.dbs[db]
	if !ok {
		return nil, txerr.New(txerr.KindNotFound, "catalog: database %q not found", db)
	}
	return lo.Keys(d.Tables), nil
}

// Table wraps a PageManager file of Data pages and a BufferPool and
// offers row-level operations that compose the MVCC/lock/WAL contracts
// (spec §4.13).
type Table struct {
	meta *TableMeta

	pm   *pagemgr.Manager
	pool *bufferpool.Pool
	w    *wal.WAL
	lock *lockmgr.Manager
	undo *undolog.Log
	log  *logrus.Entry

	mu          sync.Mutex
	activePages []basic.PageID // data pages known to have free space
}

// OpenTable constructs a Table over an already-open PageManager file and
// BufferPool.
func OpenTable(meta *TableMeta, pm *pagemgr.Manager, pool *bufferpool.Pool, w *wal.WAL, lock *lockmgr.Manager, undo *undolog.Log, log *logrus.Entry) *Table {
	if log == nil {
		log = discardLog()
	}
	return &Table{
		meta: meta,
		pm:   pm,
		pool: pool,
		w:    w,
		lock: lock,
		undo: undo,
		log:  log.WithField("table", meta.Name),
	}
}

func (t *Table) tableKey() lockmgr.TableKey {
	return lockmgr.TableKey{DB: t.meta.DB, Table: t.meta.Name}
}

// findRoomOrAllocate returns a pinned Data page with room for size bytes,
// reusing the most recently used page with space before allocating a
// fresh one.
func (t *Table) findRoomOrAllocate(size int) (basic.PageID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range t.activePages {
		pg, err := t.pool.Get(t.pm, id)
		if err != nil {
			continue
		}
		if pg.CanFit(size) {
			return id, nil
		}
		if err := t.pool.Unpin(id, false); err != nil {
			t.log.WithError(err).Warn("unpin during room scan failed")
		}
	}

	pg, err := t.pool.NewPage(t.pm, basic.PageTypeData)
	if err != nil {
		return basic.PageID{}, err
	}
	id := pg.ID()
	t.activePages = append(t.activePages, id)
	return id, nil
}

// Insert acquires an IX table lock, writes row stamped with (tx.id,
// roll_ptr=0), emits an UndoLog Insert record, records the modification
// in an mtr, and commits it (spec §4.13).
func (t *Table) Insert(tx *txn.Tx, row Row, pk []byte) (basic.RowID, error) {
	if _, err := t.lock.AcquireTable(tx.ID, t.tableKey(), lockmgr.ModeIX); err != nil {
		return basic.RowID{}, err
	}

	row.TxID = tx.ID
	row.RollPtr = 0
	encoded, err := Encode(t.meta.Schema, row)
	if err != nil {
		return basic.RowID{}, err
	}

	pageID, err := t.findRoomOrAllocate(len(encoded))
	if err != nil {
		return basic.RowID{}, err
	}
	pg, err := t.pool.Get(t.pm, pageID)
	if err != nil {
		return basic.RowID{}, err
	}
	slot := pg.Insert(encoded)
	if slot < 0 {
		return basic.RowID{}, txerr.New(txerr.KindOutOfRange, "catalog: page %s has no room for a %d-byte row", pageID, len(encoded))
	}
	rowID := basic.RowID{Page: pageID, Slot: uint16(slot)}

	undoPtr, err := t.undo.WriteInsert(tx.ID, t.meta.ID, rowID, pk, tx.UndoChainHead())
	if err != nil {
		return basic.RowID{}, err
	}
	tx.PushUndo(undoPtr)

	m := mtr.New(tx.ID, t.w, t.pool, t.log)
	m.Record(mtr.Mod{Page: pageID, Type: wal.RecInsert, TableID: t.meta.ID, Slot: uint16(slot), AfterImage: encoded})
	if _, err := m.Commit(); err != nil {
		return basic.RowID{}, err
	}
	if err := t.pool.Unpin(pageID, true); err != nil {
		t.log.WithError(err).Warn("unpin after insert failed")
	}
	return rowID, nil
}

// readCurrent loads and decodes the row presently stored at rowID,
// pinning its page; the caller must Unpin(rowID.Page, false) when done.
func (t *Table) readCurrent(rowID basic.RowID) (Row, error) {
	pg, err := t.pool.Get(t.pm, rowID.Page)
	if err != nil {
		return Row{}, err
	}
	raw, ok := pg.Get(int(rowID.Slot))
	if !ok {
		return Row{}, txerr.New(txerr.KindNotFound, "catalog: row %s not found", rowID)
	}
	return Decode(t.meta.Schema, raw)
}

// Update acquires IX+X on the row's key, reads the row's latest stored
// version (no ReadView is consulted, so the visibility rules are not
// applied to it), emits an UndoLog Update with that row image, overwrites
// the row with the new values, and commits the mtr (spec §4.13).
func (t *Table) Update(tx *txn.Tx, rowID basic.RowID, key string, newRow Row) error {
	if _, err := t.lock.AcquireTable(tx.ID, t.tableKey(), lockmgr.ModeIX); err != nil {
		return err
	}
	if _, err := t.lock.AcquireRecord(tx.ID, lockmgr.RecordKey{TableKey: t.tableKey(), Index: "PRIMARY", Key: key}, lockmgr.ModeX); err != nil {
		return err
	}

	current, err := t.readCurrent(rowID)
	if err != nil {
		return err
	}
	if err := t.pool.Unpin(rowID.Page, false); err != nil {
		t.log.WithError(err).Warn("unpin after read failed")
	}

	undoPtr, err := t.undo.WriteUpdate(tx.ID, t.meta.ID, rowID, mustEncode(t.meta.Schema, current), undolog.Ptr(current.RollPtr), tx.UndoChainHead())
	if err != nil {
		return err
	}
	tx.PushUndo(undoPtr)

	newRow.TxID = tx.ID
	newRow.RollPtr = uint64(undoPtr)
	encoded, err := Encode(t.meta.Schema, newRow)
	if err != nil {
		return err
	}

	pg, err := t.pool.Get(t.pm, rowID.Page)
	if err != nil {
		return err
	}
	if !pg.Update(int(rowID.Slot), encoded) {
		return txerr.New(txerr.KindOutOfRange, "catalog: row %s has no room for update", rowID)
	}

	m := mtr.New(tx.ID, t.w, t.pool, t.log)
	m.Record(mtr.Mod{Page: rowID.Page, Type: wal.RecUpdate, TableID: t.meta.ID, Slot: rowID.Slot, AfterImage: encoded})
	if _, err := m.Commit(); err != nil {
		return err
	}
	return t.pool.Unpin(rowID.Page, true)
}

// Delete behaves like Update but sets is_deleted and emits an UndoLog
// Delete record (spec §4.13).
func (t *Table) Delete(tx *txn.Tx, rowID basic.RowID, key string) error {
	if _, err := t.lock.AcquireTable(tx.ID, t.tableKey(), lockmgr.ModeIX); err != nil {
		return err
	}
	if _, err := t.lock.AcquireRecord(tx.ID, lockmgr.RecordKey{TableKey: t.tableKey(), Index: "PRIMARY", Key: key}, lockmgr.ModeX); err != nil {
		return err
	}

	current, err := t.readCurrent(rowID)
	if err != nil {
		return err
	}
	if err := t.pool.Unpin(rowID.Page, false); err != nil {
		t.log.WithError(err).Warn("unpin after read failed")
	}

	undoPtr, err := t.undo.WriteDelete(tx.ID, t.meta.ID, rowID, mustEncode(t.meta.Schema, current), undolog.Ptr(current.RollPtr), tx.UndoChainHead())
	if err != nil {
		return err
	}
	tx.PushUndo(undoPtr)

	tombstone := current
	tombstone.TxID = tx.ID
	tombstone.IsDeleted = true
	tombstone.RollPtr = uint64(undoPtr)
	encoded, err := Encode(t.meta.Schema, tombstone)
	if err != nil {
		return err
	}

	pg, err := t.pool.Get(t.pm, rowID.Page)
	if err != nil {
		return err
	}
	if !pg.Update(int(rowID.Slot), encoded) {
		return txerr.New(txerr.KindOutOfRange, "catalog: row %s has no room for tombstone", rowID)
	}

	m := mtr.New(tx.ID, t.w, t.pool, t.log)
	m.Record(mtr.Mod{Page: rowID.Page, Type: wal.RecDelete, TableID: t.meta.ID, Slot: rowID.Slot, AfterImage: encoded})
	if _, err := m.Commit(); err != nil {
		return err
	}
	return t.pool.Unpin(rowID.Page, true)
}

// Get returns the row visible to tx at rowID, consulting its ReadView and
// walking the UndoLog chain for older versions (spec §4.13).
func (t *Table) Get(tx *txn.Tx, rowID basic.RowID, rvOwner *txn.Manager) (*Row, error) {
	current, err := t.readCurrent(rowID)
	if err != nil {
		return nil, err
	}
	if err := t.pool.Unpin(rowID.Page, false); err != nil {
		t.log.WithError(err).Warn("unpin after get failed")
	}

	rv := tx.StatementReadView(rvOwner)
	if rv == nil { // Read-Uncommitted: ignore ReadViews entirely
		if current.IsDeleted {
			return nil, nil
		}
		return &current, nil
	}

	head := mvcc.RowVersion{TxID: current.TxID, IsDeleted: current.IsDeleted, RollPtr: undolog.Ptr(current.RollPtr)}
	visible, err := mvcc.VisibleVersion(*rv, head, t.undo)
	if err != nil || visible == nil {
		return nil, err
	}
	if visible.TxID == current.TxID {
		if current.IsDeleted {
			return nil, nil
		}
		return &current, nil
	}
	decoded, err := Decode(t.meta.Schema, visible.Row)
	if err != nil {
		return nil, err
	}
	return &decoded, nil
}

// GetRowLocked acquires a record lock in mode before reading the row, the
// locking variant of Get used by statements that intend to mutate what
// they read (spec §6: "get_row_locked(tx, row_id, mode)").
func (t *Table) GetRowLocked(tx *txn.Tx, rowID basic.RowID, key string, mode lockmgr.Mode, rvOwner *txn.Manager) (*Row, error) {
	if _, err := t.lock.AcquireRecord(tx.ID, lockmgr.RecordKey{TableKey: t.tableKey(), Index: "PRIMARY", Key: key}, mode); err != nil {
		return nil, err
	}
	return t.Get(tx, rowID, rvOwner)
}

// Scan returns every live row tx can see across every known data page,
// skipping rows an invisible/tombstoned head version replaces with an
// older version (or nothing) via MVCC (spec §4.13).
func (t *Table) Scan(tx *txn.Tx, rvOwner *txn.Manager) ([]Row, error) {
	t.mu.Lock()
	pages := append([]basic.PageID(nil), t.activePages...)
	t.mu.Unlock()

	var out []Row
	for _, pageID := range pages {
		pg, err := t.pool.Get(t.pm, pageID)
		if err != nil {
			return out, err
		}
		for _, sr := range pg.Enumerate() {
			row, err := Decode(t.meta.Schema, sr.Bytes)
			if err != nil {
				t.pool.Unpin(pageID, false)
				return out, err
			}

			rv := tx.StatementReadView(rvOwner)
			if rv == nil {
				if !row.IsDeleted {
					out = append(out, row)
				}
				continue
			}
			head := mvcc.RowVersion{TxID: row.TxID, IsDeleted: row.IsDeleted, RollPtr: undolog.Ptr(row.RollPtr)}
			visible, err := mvcc.VisibleVersion(*rv, head, t.undo)
			if err != nil {
				t.pool.Unpin(pageID, false)
				return out, err
			}
			if visible == nil {
				continue
			}
			if visible.TxID == row.TxID {
				if !row.IsDeleted {
					out = append(out, row)
				}
				continue
			}
			decoded, err := Decode(t.meta.Schema, visible.Row)
			if err != nil {
				t.pool.Unpin(pageID, false)
				return out, err
			}
			out = append(out, decoded)
		}
		if err := t.pool.Unpin(pageID, false); err != nil {
			t.log.WithError(err).Warn("unpin after scan failed")
		}
	}
	return out, nil
}

// Compensate physically reverts one undo record against this table's
// pages: an insert is undone by deleting the slot it created, an update or
// delete is undone by restoring the row image it displaced. Each
// compensation is itself written through an mtr, so the revert is WAL-
// logged as a CLR the way ordinary writes are (spec §4.11 rollback,
// §4.12 pass 3). Callers pass this as the CompensateFunc to
// txn.Manager.Rollback or checkpoint.UndoStillActive.
func (t *Table) Compensate(rec undolog.Record) error {
	if rec.Table != t.meta.ID {
		return nil
	}
	pg, err := t.pool.Get(t.pm, rec.Row.Page)
	if err != nil {
		return err
	}

	m := mtr.New(rec.TxID, t.w, t.pool, t.log)
	switch rec.Kind {
	case undolog.KindInsert:
		if !pg.Delete(int(rec.Row.Slot)) {
			t.pool.Unpin(rec.Row.Page, false)
			return txerr.New(txerr.KindOutOfRange, "catalog: compensate insert: row %s has no slot to delete", rec.Row)
		}
		m.Record(mtr.Mod{Page: rec.Row.Page, Type: wal.RecCLR, TableID: t.meta.ID, Slot: rec.Row.Slot})
	case undolog.KindUpdate, undolog.KindDelete:
		if !pg.Update(int(rec.Row.Slot), rec.OldRow) {
			t.pool.Unpin(rec.Row.Page, false)
			return txerr.New(txerr.KindOutOfRange, "catalog: compensate: row %s has no room to restore", rec.Row)
		}
		m.Record(mtr.Mod{Page: rec.Row.Page, Type: wal.RecCLR, TableID: t.meta.ID, Slot: rec.Row.Slot, AfterImage: rec.OldRow})
	}
	if _, err := m.Commit(); err != nil {
		t.pool.Unpin(rec.Row.Page, false)
		return err
	}
	return t.pool.Unpin(rec.Row.Page, true)
}

func mustEncode(schema Schema, row Row) []byte {
	b, err := Encode(schema, row)
	if err != nil {
		// Encode only fails on a schema mismatch against an already-decoded
		// row of the same schema, which cannot happen here.
		panic(err)
	}
	return b
}
