// Package wal implements the append-only, sequence-numbered write-ahead
// log: size-bounded segment files carrying framed records, grounded on
// the teacher's RedoLogManager (buffered append, background flush, log
// directory layout) generalized from a single-file redo log into the
// segmented, archivable WAL spec §4.6 describes.
package wal

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/txdb-project/txdb/engine/basic"
	"github.com/txdb-project/txdb/txerr"
)

// RecordType enumerates the WAL record kinds (spec §3).
type RecordType uint8

const (
	RecBegin RecordType = iota
	RecCommit
	RecAbort
	RecInsert
	RecUpdate
	RecDelete
	RecPageMod
	RecCheckpoint
	RecCLR
)

// Record is one logical WAL entry (spec §3 WalRecord).
type Record struct {
	LSN          basic.LSN
	TxID         basic.TxID
	Type         RecordType
	TableID      uint32
	Page         basic.PageID
	Slot         uint16
	BeforeImage  []byte
	AfterImage   []byte
}

const (
	defaultSegmentSize = 64 * 1024 * 1024
	segmentPrefix      = "wal-"
	segmentSuffix      = ".seg"
)

// WAL owns the segment files and the active tail, assigning each appended
// record the next LSN (spec §4.6).
type WAL struct {
	mu sync.Mutex

	dir         string
	segmentSize int64
	log         *logrus.Entry

	current     *os.File
	currentW    *bufio.Writer
	currentSize int64
	currentSeg  uint64

	nextLSN     basic.LSN
	flushedLSN  basic.LSN
}

// Open opens (creating if needed) a WAL rooted at dir, resuming the LSN
// counter from whatever segments already exist.
func Open(dir string, segmentSize int64, log *logrus.Entry) (*WAL, error) {
	if segmentSize <= 0 {
		segmentSize = defaultSegmentSize
	}
	if log == nil {
		log = discardLog()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, txerr.Wrap(txerr.KindIoError, err, "wal: mkdir %s", dir)
	}

	w := &WAL{dir: dir, segmentSize: segmentSize, log: log.WithField("component", "wal"), nextLSN: 1}
	segs, err := w.listSegments()
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		if err := w.openNewSegmentLocked(0); err != nil {
			return nil, err
		}
		return w, nil
	}

	last := segs[len(segs)-1]
	if err := w.resumeSegment(last); err != nil {
		return nil, err
	}
	return w, nil
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func (w *WAL) segmentPath(n uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, n, segmentSuffix))
}

func (w *WAL) listSegments() ([]uint64, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, txerr.Wrap(txerr.KindIoError, err, "wal: readdir %s", w.dir)
	}
	var segs []uint64
	for _, e := range entries {
		name := e.Name()
		if len(name) != len(segmentPrefix)+20+len(segmentSuffix) {
			continue
		}
		var n uint64
		if _, err := fmt.Sscanf(name, segmentPrefix+"%020d"+segmentSuffix, &n); err == nil {
			segs = append(segs, n)
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs, nil
}

func (w *WAL) openNewSegmentLocked(n uint64) error {
	f, err := os.OpenFile(w.segmentPath(n), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return txerr.Wrap(txerr.KindIoError, err, "wal: open segment %d", n)
	}
	w.current = f
	w.currentW = bufio.NewWriter(f)
	w.currentSeg = n
	w.currentSize = 0
	return nil
}

func (w *WAL) resumeSegment(n uint64) error {
	if err := w.openNewSegmentLocked(n); err != nil {
		return err
	}
	it, err := w.readFromFile(w.segmentPath(n))
	if err != nil {
		return err
	}
	for _, r := range it {
		if r.LSN >= w.nextLSN {
			w.nextLSN = r.LSN + 1
		}
	}
	if fi, err := w.current.Stat(); err == nil {
		w.currentSize = fi.Size()
	}
	w.flushedLSN = w.nextLSN - 1
	return nil
}

// frame encodes one record as {len u32}{type u8}{tx_id u64}{lsn u64}
// {table_id u32}{page_file u32}{page_no u32}{slot u16}{before_len u32}
// {before}{after_len u32}{after}{crc u32}.
func encodeRecord(r Record) []byte {
	body := make([]byte, 0, 64+len(r.BeforeImage)+len(r.AfterImage))
	var tmp [8]byte

	body = append(body, byte(r.Type))
	binary.BigEndian.PutUint64(tmp[:], uint64(r.TxID))
	body = append(body, tmp[:8]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(r.LSN))
	body = append(body, tmp[:8]...)
	binary.BigEndian.PutUint32(tmp[:4], r.TableID)
	body = append(body, tmp[:4]...)
	binary.BigEndian.PutUint32(tmp[:4], r.Page.FileID)
	body = append(body, tmp[:4]...)
	binary.BigEndian.PutUint32(tmp[:4], r.Page.PageNo)
	body = append(body, tmp[:4]...)
	binary.BigEndian.PutUint16(tmp[:2], r.Slot)
	body = append(body, tmp[:2]...)
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(r.BeforeImage)))
	body = append(body, tmp[:4]...)
	body = append(body, r.BeforeImage...)
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(r.AfterImage)))
	body = append(body, tmp[:4]...)
	body = append(body, r.AfterImage...)

	crc := crc32.ChecksumIEEE(body)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)

	out := make([]byte, 0, 4+len(body)+4)
	out = append(out, lenBuf[:]...)
	out = append(out, body...)
	out = append(out, crcBuf[:]...)
	return out
}

func decodeRecord(body []byte) (Record, error) {
	if len(body) < 1+8+8+4+4+4+2+4+4 {
		return Record{}, txerr.New(txerr.KindCorrupted, "wal: truncated record body")
	}
	r := Record{}
	off := 0
	r.Type = RecordType(body[off])
	off++
	r.TxID = basic.TxID(binary.BigEndian.Uint64(body[off:]))
	off += 8
	r.LSN = basic.LSN(binary.BigEndian.Uint64(body[off:]))
	off += 8
	r.TableID = binary.BigEndian.Uint32(body[off:])
	off += 4
	r.Page.FileID = binary.BigEndian.Uint32(body[off:])
	off += 4
	r.Page.PageNo = binary.BigEndian.Uint32(body[off:])
	off += 4
	r.Slot = binary.BigEndian.Uint16(body[off:])
	off += 2
	beforeLen := binary.BigEndian.Uint32(body[off:])
	off += 4
	if off+int(beforeLen) > len(body) {
		return Record{}, txerr.New(txerr.KindCorrupted, "wal: before-image overruns record")
	}
	r.BeforeImage = append([]byte(nil), body[off:off+int(beforeLen)]...)
	off += int(beforeLen)
	afterLen := binary.BigEndian.Uint32(body[off:])
	off += 4
	if off+int(afterLen) > len(body) {
		return Record{}, txerr.New(txerr.KindCorrupted, "wal: after-image overruns record")
	}
	r.AfterImage = append([]byte(nil), body[off:off+int(afterLen)]...)
	return r, nil
}

// Append assigns the next LSN to rec, frames it, and buffers it for the
// current segment, rotating to a new segment first if the size bound
// would be exceeded.
func (w *WAL) Append(rec Record) (basic.LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	framed := encodeRecordSized(rec, w.nextLSN)
	if w.currentSize+int64(len(framed)) > w.segmentSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	lsn := w.nextLSN
	rec.LSN = lsn
	framed = encodeRecord(rec)
	n, err := w.currentW.Write(framed)
	if err != nil {
		return 0, txerr.Wrap(txerr.KindIoError, err, "wal: append")
	}
	w.currentSize += int64(n)
	w.nextLSN++
	return lsn, nil
}

func encodeRecordSized(rec Record, lsn basic.LSN) []byte {
	rec.LSN = lsn
	return encodeRecord(rec)
}

// Flush durably persists every buffered record up to the current LSN
// (spec §4.6 R2: a commit only returns once flushed through its LSN).
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	if err := w.currentW.Flush(); err != nil {
		return txerr.Wrap(txerr.KindIoError, err, "wal: flush buffer")
	}
	if err := w.current.Sync(); err != nil {
		return txerr.Wrap(txerr.KindIoError, err, "wal: fsync")
	}
	w.flushedLSN = w.nextLSN - 1
	return nil
}

// WriteBegin appends a Begin record for txID.
func (w *WAL) WriteBegin(txID basic.TxID) (basic.LSN, error) {
	return w.Append(Record{TxID: txID, Type: RecBegin})
}

// WriteCommit appends a Commit record for txID and flushes through it
// (spec §4.6 R2).
func (w *WAL) WriteCommit(txID basic.TxID) (basic.LSN, error) {
	lsn, err := w.Append(Record{TxID: txID, Type: RecCommit})
	if err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	return lsn, nil
}

// WriteAbort appends an Abort record for txID.
func (w *WAL) WriteAbort(txID basic.TxID) (basic.LSN, error) {
	lsn, err := w.Append(Record{TxID: txID, Type: RecAbort})
	if err != nil {
		return 0, err
	}
	return lsn, w.Flush()
}

// CurrentLSN returns the most recently assigned LSN.
func (w *WAL) CurrentLSN() basic.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nextLSN == 0 {
		return 0
	}
	return w.nextLSN - 1
}

// FlushedLSN returns the highest LSN guaranteed durable.
func (w *WAL) FlushedLSN() basic.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushedLSN
}

// ForceRotate closes the current segment and starts a fresh tail segment
// regardless of size (spec §4.6 R3).
func (w *WAL) ForceRotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

func (w *WAL) rotateLocked() error {
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.current.Close(); err != nil {
		return txerr.Wrap(txerr.KindIoError, err, "wal: close segment %d", w.currentSeg)
	}
	return w.openNewSegmentLocked(w.currentSeg + 1)
}

// GetRotatedFiles lists every segment file strictly before the active tail.
func (w *WAL) GetRotatedFiles() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	segs, err := w.listSegments()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range segs {
		if n == w.currentSeg {
			continue
		}
		out = append(out, w.segmentPath(n))
	}
	return out, nil
}

// ReadFrom returns every record with LSN >= from, scanning every segment
// in order (spec §4.6).
func (w *WAL) ReadFrom(from basic.LSN) ([]Record, error) {
	w.mu.Lock()
	if err := w.flushLocked(); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	segs, err := w.listSegments()
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, n := range segs {
		recs, err := w.readFromFile(w.segmentPath(n))
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if r.LSN >= from {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// readFromFile decodes every well-formed record in path. A CRC failure on
// the final record is treated as a truncated tail write, not corruption
// (spec §7); a CRC failure on any earlier record is corruption.
func (w *WAL) readFromFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, txerr.Wrap(txerr.KindIoError, err, "wal: open segment %s", path)
	}
	defer f.Close()

	var out []Record
	r := bufio.NewReader(f)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return out, nil // truncated length prefix: tail write in progress
		}
		bodyLen := binary.BigEndian.Uint32(lenBuf[:])
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return out, nil
		}
		var crcBuf [4]byte
		if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
			return out, nil
		}
		want := binary.BigEndian.Uint32(crcBuf[:])
		if crc32.ChecksumIEEE(body) != want {
			if _, perr := r.Peek(1); perr == io.EOF {
				return out, nil // final record torn: tail write in progress
			}
			return out, txerr.New(txerr.KindCorrupted, "wal: crc mismatch in %s", path)
		}
		rec, err := decodeRecord(body)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	return w.current.Close()
}

// ArchiveSegment gzip-compresses path into archiveDir and removes the
// original. Nothing in the engine calls it on a schedule; callers invoke it
// directly.
func ArchiveSegment(path, archiveDir string) (string, error) {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", txerr.Wrap(txerr.KindIoError, err, "wal: mkdir archive %s", archiveDir)
	}
	src, err := os.Open(path)
	if err != nil {
		return "", txerr.Wrap(txerr.KindIoError, err, "wal: open for archive %s", path)
	}
	defer src.Close()

	name := fmt.Sprintf("%s-%s.gz", filepath.Base(path), uuid.NewString())
	dstPath := filepath.Join(archiveDir, name)
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", txerr.Wrap(txerr.KindIoError, err, "wal: create archive %s", dstPath)
	}
	defer dst.Close()

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		return "", txerr.Wrap(txerr.KindIoError, err, "wal: gzip %s", path)
	}
	if err := gw.Close(); err != nil {
		return "", txerr.Wrap(txerr.KindIoError, err, "wal: close gzip writer")
	}
	if err := os.Remove(path); err != nil {
		return "", txerr.Wrap(txerr.KindIoError, err, "wal: remove archived segment %s", path)
	}
	return dstPath, nil
}
