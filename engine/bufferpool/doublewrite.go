package bufferpool

import (
	"os"
	"sync"

	"github.com/txdb-project/txdb/engine/basic"
	"github.com/txdb-project/txdb/engine/page"
	"github.com/txdb-project/txdb/engine/pagemgr"
	"github.com/txdb-project/txdb/txerr"
	"github.com/txdb-project/txdb/util"
)

// dwSlot records where a buffered page's true home is, purely as a fast
// path for Clear; Recover never trusts it, since a process restart loses
// this in-memory bookkeeping while the staged bytes on disk survive.
type dwSlot struct {
	dest   basic.PageID
	filled bool
}

// DoublewriteBuffer is a fixed-capacity staging file that a page write
// passes through before reaching its true tablespace location, making
// torn writes recoverable (spec §4.5).
type DoublewriteBuffer struct {
	mu       sync.Mutex
	f        *os.File
	capacity int
	next     int
	slots    []dwSlot
}

// OpenDoublewriteBuffer opens (creating if needed) the doublewrite file at
// path with room for capacity pages (default 128 per spec §4.5).
func OpenDoublewriteBuffer(path string, capacity int) (*DoublewriteBuffer, error) {
	if capacity <= 0 {
		capacity = 128
	}
	exists, err := util.PathExists(path)
	if err != nil {
		return nil, txerr.Wrap(txerr.KindIoError, err, "doublewrite: stat %s", path)
	}
	if !exists {
		if err := util.CreateFileWithSize(path, int64(capacity)*page.Size); err != nil {
			return nil, txerr.Wrap(txerr.KindIoError, err, "doublewrite: create %s", path)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, txerr.Wrap(txerr.KindIoError, err, "doublewrite: open %s", path)
	}
	if err := f.Truncate(int64(capacity) * page.Size); err != nil {
		f.Close()
		return nil, txerr.Wrap(txerr.KindIoError, err, "doublewrite: truncate")
	}
	return &DoublewriteBuffer{f: f, capacity: capacity, slots: make([]dwSlot, capacity)}, nil
}

// WritePage stages p, fsyncs the doublewrite file, writes p through to its
// true location via pm, then fsyncs the tablespace (spec §4.5 protocol).
func (d *DoublewriteBuffer) WritePage(p *page.Page, pm *pagemgr.Manager) error {
	d.mu.Lock()
	slot := d.next
	d.next = (d.next + 1) % d.capacity
	d.slots[slot] = dwSlot{dest: p.ID(), filled: true}
	off := int64(slot) * page.Size
	if _, err := d.f.WriteAt(p.Bytes(), off); err != nil {
		d.mu.Unlock()
		return txerr.Wrap(txerr.KindIoError, err, "doublewrite: stage page %s", p.ID())
	}
	if err := d.f.Sync(); err != nil {
		d.mu.Unlock()
		return txerr.Wrap(txerr.KindIoError, err, "doublewrite: fsync staging")
	}
	d.mu.Unlock()

	if err := pm.Write(p); err != nil {
		return err
	}
	return pm.Flush()
}

// WritePages stages and writes a batch of pages in turn.
func (d *DoublewriteBuffer) WritePages(pages []*page.Page, pm *pagemgr.Manager) error {
	for _, p := range pages {
		if err := d.WritePage(p, pm); err != nil {
			return err
		}
	}
	return nil
}

// Recover scans every staging slot on disk — not the in-memory slots
// bookkeeping, which does not survive a restart — and decodes whichever
// slots hold a page with a valid checksum of their own (an empty or
// never-written slot fails to decode and is skipped). For each staged
// page, its own id (not any remembered destination) is the repair target:
// if the live copy at that id fails checksum verification, the staged
// copy is rewritten over it, repairing torn writes (spec §4.5).
func (d *DoublewriteBuffer) Recover(pm *pagemgr.Manager) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	recovered := 0
	buf := make([]byte, page.Size)
	for i := 0; i < d.capacity; i++ {
		off := int64(i) * page.Size
		if _, err := d.f.ReadAt(buf, off); err != nil {
			return recovered, txerr.Wrap(txerr.KindIoError, err, "doublewrite: read staged slot %d", i)
		}
		staged, err := page.FromRaw(buf)
		if err != nil || !staged.VerifyChecksum() {
			continue // slot never written, or a torn copy of the staging write itself
		}

		dest := staged.ID()
		current, err := pm.Read(dest)
		if err == nil && current.VerifyChecksum() {
			continue
		}
		if err := pm.Write(staged); err != nil {
			return recovered, txerr.Wrap(txerr.KindIoError, err, "doublewrite: repair page %s", dest)
		}
		recovered++
	}
	if err := pm.Flush(); err != nil {
		return recovered, err
	}
	return recovered, nil
}

// Clear forgets all staged slots without touching their file contents.
func (d *DoublewriteBuffer) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.slots {
		d.slots[i] = dwSlot{}
	}
	d.next = 0
}

// Close releases the underlying file handle.
func (d *DoublewriteBuffer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
