package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/txdb-project/txdb/engine/basic"
)

func TestFlushListTracksOldestLSN(t *testing.T) {
	fl := NewFlushList()
	p := basic.PageID{FileID: 1, PageNo: 1}

	fl.Add(p, 10)
	fl.Add(p, 20) // same page again: oldest must stay 10

	assert.Equal(t, basic.LSN(10), fl.OldestLSN())
}

func TestFlushListOldestAcrossPages(t *testing.T) {
	fl := NewFlushList()
	fl.Add(basic.PageID{FileID: 1, PageNo: 1}, 50)
	fl.Add(basic.PageID{FileID: 1, PageNo: 2}, 5)
	fl.Add(basic.PageID{FileID: 1, PageNo: 3}, 30)

	assert.Equal(t, basic.LSN(5), fl.OldestLSN())
}

func TestFlushRemovesOnlyFlushedEntries(t *testing.T) {
	fl := NewFlushList()
	a := basic.PageID{FileID: 1, PageNo: 1}
	b := basic.PageID{FileID: 1, PageNo: 2}
	fl.Add(a, 1)
	fl.Add(b, 2)

	n := fl.Flush(10, func(id basic.PageID) error {
		if id == b {
			return assert.AnError
		}
		return nil
	})

	assert.Equal(t, 1, n)
	assert.Equal(t, basic.LSN(2), fl.OldestLSN(), "failed flush must leave b tracked")
}

func TestFlushRespectsMaxN(t *testing.T) {
	fl := NewFlushList()
	for i := 0; i < 5; i++ {
		fl.Add(basic.PageID{FileID: 1, PageNo: uint32(i)}, basic.LSN(i))
	}
	n := fl.Flush(2, func(basic.PageID) error { return nil })
	assert.Equal(t, 2, n)
}
