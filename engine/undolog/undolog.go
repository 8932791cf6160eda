// Package undolog implements the persistent log of pre-images that backs
// MVCC version chains and transaction rollback, grounded on the teacher's
// UndoLogManager (per-transaction log slices, append-to-file persistence,
// oldest-active-transaction tracking) generalized from an in-memory
// slice-per-tx map into a pointer-addressed append log with an LRU read
// cache (spec §4.8).
package undolog

import (
	"bufio"
	"container/list"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/txdb-project/txdb/engine/basic"
	"github.com/txdb-project/txdb/txerr"
)

// RecordKind distinguishes which row operation produced an undo record.
type RecordKind uint8

const (
	KindInsert RecordKind = iota
	KindUpdate
	KindDelete
)

// Ptr addresses one undo record by its byte offset into the log file.
// Ptr(0) is the chain terminator (spec §4.8: "undo_ptr = 0").
type Ptr uint64

// Record is one stored pre-image (spec §4.8). Two independent chains run
// through the undo log: PrevPtr links successive versions of the same row
// (the MVCC chain a ReadView walks to find an older visible version), while
// TxPrevPtr links successive undo records of the same transaction (the
// chain Rollback and crash-recovery's undo pass walk to compensate a tx in
// write order, regardless of which rows it touched).
type Record struct {
	Ptr       Ptr
	TxID      basic.TxID
	Table     uint32
	Row       basic.RowID
	Kind      RecordKind
	PK        []byte // write_insert: the inserted row's primary key, to undo by delete
	OldRow    []byte // write_update/write_delete: the displaced row image
	PrevPtr   Ptr    // chain link to the row version this one displaced
	TxPrevPtr Ptr    // chain link to this transaction's previous undo record
}

// Log is the append-only undo store. Every write returns the Ptr the
// caller should install as the row's new roll_pointer.
type Log struct {
	mu      sync.Mutex
	f       *os.File
	offset  int64
	log     *logrus.Entry

	cacheMu sync.Mutex
	cache   map[Ptr]*list.Element
	cacheLs *list.List
	cacheCap int
}

type cacheEntry struct {
	ptr Ptr
	rec Record
}

// Open opens (creating if needed) the undo segment file at path.
func Open(path string, cacheCap int, log *logrus.Entry) (*Log, error) {
	if log == nil {
		log = discardLog()
	}
	if cacheCap <= 0 {
		cacheCap = 4096
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, txerr.Wrap(txerr.KindIoError, err, "undolog: open %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, txerr.Wrap(txerr.KindIoError, err, "undolog: stat %s", path)
	}
	return &Log{
		f:       f,
		offset:  fi.Size(),
		log:     log.WithField("component", "undolog"),
		cache:   make(map[Ptr]*list.Element),
		cacheLs: list.New(),
		cacheCap: cacheCap,
	}, nil
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// WriteInsert logs that tx inserted row_id with primary key pk, so
// rollback can physically delete it (spec §4.8). txPrevPtr chains this
// record into tx's own undo chain (distinct from the row-version chain,
// which an insert starts fresh).
func (l *Log) WriteInsert(tx basic.TxID, table uint32, rowID basic.RowID, pk []byte, txPrevPtr Ptr) (Ptr, error) {
	return l.write(Record{TxID: tx, Table: table, Row: rowID, Kind: KindInsert, PK: pk, TxPrevPtr: txPrevPtr})
}

// WriteUpdate logs oldRow as the pre-image tx displaced at rowID. prevPtr
// chains this record to the row version it displaced; txPrevPtr chains it
// to tx's own previous undo record.
func (l *Log) WriteUpdate(tx basic.TxID, table uint32, rowID basic.RowID, oldRow []byte, prevPtr, txPrevPtr Ptr) (Ptr, error) {
	return l.write(Record{TxID: tx, Table: table, Row: rowID, Kind: KindUpdate, OldRow: oldRow, PrevPtr: prevPtr, TxPrevPtr: txPrevPtr})
}

// WriteDelete logs deletedRow as the pre-image tx removed at rowID. prevPtr
// chains this record to the row version it displaced; txPrevPtr chains it
// to tx's own previous undo record.
func (l *Log) WriteDelete(tx basic.TxID, table uint32, rowID basic.RowID, deletedRow []byte, prevPtr, txPrevPtr Ptr) (Ptr, error) {
	return l.write(Record{TxID: tx, Table: table, Row: rowID, Kind: KindDelete, OldRow: deletedRow, PrevPtr: prevPtr, TxPrevPtr: txPrevPtr})
}

func (l *Log) write(rec Record) (Ptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.Ptr = Ptr(l.offset)
	buf := encode(rec)
	n, err := l.f.WriteAt(buf, l.offset)
	if err != nil {
		return 0, txerr.Wrap(txerr.KindIoError, err, "undolog: write")
	}
	l.offset += int64(n)
	l.putCache(rec)
	return rec.Ptr, nil
}

// Read returns the record at ptr, or (nil, nil) if ptr is the chain
// terminator.
func (l *Log) Read(ptr Ptr) (*Record, error) {
	if ptr == 0 {
		return nil, nil
	}
	if rec, ok := l.getCache(ptr); ok {
		return &rec, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rec, err := decodeAt(l.f, int64(ptr))
	if err != nil {
		return nil, err
	}
	l.putCache(*rec)
	return rec, nil
}

// ReadChain walks every undo record reachable from headPtr by following
// PrevPtr (the row-version chain, not TxPrevPtr), stopping at the chain
// terminator (spec §4.8).
func (l *Log) ReadChain(headPtr Ptr) ([]Record, error) {
	var out []Record
	ptr := headPtr
	for ptr != 0 {
		rec, err := l.Read(ptr)
		if err != nil {
			return out, err
		}
		if rec == nil {
			break
		}
		out = append(out, *rec)
		ptr = rec.PrevPtr
	}
	return out, nil
}

// VersionView is what MVCC needs from a version chain entry: which tx
// produced it, whether it represents a deletion, the row image, and the
// link to the next-older version (spec §4.8 read_version).
type VersionView struct {
	TxID      basic.TxID
	IsDeleted bool
	Row       []byte
	PrevPtr   Ptr
}

// ReadVersion decodes the record at ptr into the shape MVCC's visibility
// walk consumes.
func (l *Log) ReadVersion(ptr Ptr) (*VersionView, error) {
	rec, err := l.Read(ptr)
	if err != nil || rec == nil {
		return nil, err
	}
	switch rec.Kind {
	case KindInsert:
		return &VersionView{TxID: rec.TxID, IsDeleted: true, PrevPtr: rec.PrevPtr}, nil
	case KindDelete:
		return &VersionView{TxID: rec.TxID, IsDeleted: false, Row: rec.OldRow, PrevPtr: rec.PrevPtr}, nil
	default: // KindUpdate
		return &VersionView{TxID: rec.TxID, IsDeleted: false, Row: rec.OldRow, PrevPtr: rec.PrevPtr}, nil
	}
}

// Purge discards nothing from the file (the log is append-only on disk)
// but drops cached entries for transactions strictly older than
// lowWaterMark, since no ReadView newer than the mark can still need them
// (SPEC_FULL §C.4, generalized from the teacher's per-tx Cleanup).
func (l *Log) Purge(lowWaterMark basic.TxID) int {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	purged := 0
	for e := l.cacheLs.Front(); e != nil; {
		next := e.Next()
		ce := e.Value.(*cacheEntry)
		if ce.rec.TxID < lowWaterMark {
			l.cacheLs.Remove(e)
			delete(l.cache, ce.ptr)
			purged++
		}
		e = next
	}
	return purged
}

func (l *Log) putCache(rec Record) {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	if e, ok := l.cache[rec.Ptr]; ok {
		l.cacheLs.MoveToFront(e)
		e.Value.(*cacheEntry).rec = rec
		return
	}
	e := l.cacheLs.PushFront(&cacheEntry{ptr: rec.Ptr, rec: rec})
	l.cache[rec.Ptr] = e
	for l.cacheLs.Len() > l.cacheCap {
		back := l.cacheLs.Back()
		if back == nil {
			break
		}
		l.cacheLs.Remove(back)
		delete(l.cache, back.Value.(*cacheEntry).ptr)
	}
}

func (l *Log) getCache(ptr Ptr) (Record, bool) {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	if e, ok := l.cache[ptr]; ok {
		l.cacheLs.MoveToFront(e)
		return e.Value.(*cacheEntry).rec, true
	}
	return Record{}, false
}

// RebuildHeads scans the entire undo segment file from the start and
// returns, for every transaction id it saw, the Ptr of that transaction's
// last-written record — exactly the value Tx.UndoHead held in memory
// before a crash discarded it. Crash recovery's undo pass (spec §4.12
// pass 3) uses this to resume walking each still-active transaction's own
// undo chain (via TxPrevPtr) without any other durable record of where it
// left off.
func (l *Log) RebuildHeads() (map[basic.TxID]Ptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	heads := make(map[basic.TxID]Ptr)
	var offset int64
	for offset < l.offset {
		rec, size, err := decodeAtWithSize(l.f, offset)
		if err != nil {
			return nil, err
		}
		heads[rec.TxID] = rec.Ptr
		offset += size
	}
	return heads, nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// --- binary encoding ---

func encode(rec Record) []byte {
	buf := make([]byte, 0, 64+len(rec.PK)+len(rec.OldRow))
	var tmp [8]byte

	binary.BigEndian.PutUint64(tmp[:], uint64(rec.TxID))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:4], rec.Table)
	buf = append(buf, tmp[:4]...)
	binary.BigEndian.PutUint32(tmp[:4], rec.Row.Page.FileID)
	buf = append(buf, tmp[:4]...)
	binary.BigEndian.PutUint32(tmp[:4], rec.Row.Page.PageNo)
	buf = append(buf, tmp[:4]...)
	binary.BigEndian.PutUint16(tmp[:2], rec.Row.Slot)
	buf = append(buf, tmp[:2]...)
	buf = append(buf, byte(rec.Kind))
	binary.BigEndian.PutUint64(tmp[:], uint64(rec.PrevPtr))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(rec.TxPrevPtr))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(rec.PK)))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, rec.PK...)
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(rec.OldRow)))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, rec.OldRow...)

	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(len(buf)))
	return append(lenPrefix, buf...)
}

func decodeAt(f *os.File, offset int64) (*Record, error) {
	rec, _, err := decodeAtWithSize(f, offset)
	return rec, err
}

// decodeAtWithSize decodes the record at offset and also returns the total
// number of bytes it occupies on disk (length prefix plus body), so a
// sequential scanner can advance to the next record without re-encoding.
func decodeAtWithSize(f *os.File, offset int64) (*Record, int64, error) {
	r := bufio.NewReader(io.NewSectionReader(f, offset, 1<<40))
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, 0, txerr.Wrap(txerr.KindCorrupted, err, "undolog: read length at %d", offset)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, txerr.Wrap(txerr.KindCorrupted, err, "undolog: read body at %d", offset)
	}

	rec := &Record{Ptr: Ptr(offset)}
	off := 0
	rec.TxID = basic.TxID(binary.BigEndian.Uint64(body[off:]))
	off += 8
	rec.Table = binary.BigEndian.Uint32(body[off:])
	off += 4
	rec.Row.Page.FileID = binary.BigEndian.Uint32(body[off:])
	off += 4
	rec.Row.Page.PageNo = binary.BigEndian.Uint32(body[off:])
	off += 4
	rec.Row.Slot = binary.BigEndian.Uint16(body[off:])
	off += 2
	rec.Kind = RecordKind(body[off])
	off++
	rec.PrevPtr = Ptr(binary.BigEndian.Uint64(body[off:]))
	off += 8
	rec.TxPrevPtr = Ptr(binary.BigEndian.Uint64(body[off:]))
	off += 8
	pkLen := binary.BigEndian.Uint32(body[off:])
	off += 4
	rec.PK = append([]byte(nil), body[off:off+int(pkLen)]...)
	off += int(pkLen)
	rowLen := binary.BigEndian.Uint32(body[off:])
	off += 4
	rec.OldRow = append([]byte(nil), body[off:off+int(rowLen)]...)
	return rec, int64(4 + len(body)), nil
}
