package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txdb-project/txdb/engine/basic"
)

func TestInsertGetDelete(t *testing.T) {
	p := New(basic.PageID{FileID: 1, PageNo: 7}, basic.PageTypeData)

	slot := p.Insert([]byte("hello"))
	require.GreaterOrEqual(t, slot, 0)

	got, ok := p.Get(slot)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got)

	assert.True(t, p.Delete(slot))
	_, ok = p.Get(slot)
	assert.False(t, ok, "deleted slot must not be retrievable")

	assert.Equal(t, uint16(1), p.SlotCount(), "slot count must never shrink on delete")
}

func TestUpdateInPlaceAndGrow(t *testing.T) {
	p := New(basic.PageID{FileID: 1, PageNo: 1}, basic.PageTypeData)
	slot := p.Insert([]byte("short"))

	require.True(t, p.Update(slot, "sh"[:2]))
	got, ok := p.Get(slot)
	require.True(t, ok)
	assert.Equal(t, []byte("sh"), got)

	require.True(t, p.Update(slot, []byte("a much longer replacement value")))
	got, ok = p.Get(slot)
	require.True(t, ok)
	assert.Equal(t, []byte("a much longer replacement value"), got)
}

func TestCompactReclaimsDeletedSpace(t *testing.T) {
	p := New(basic.PageID{FileID: 0, PageNo: 0}, basic.PageTypeData)
	a := p.Insert([]byte("aaaaaaaaaa"))
	b := p.Insert([]byte("bbbbbbbbbb"))
	p.Delete(a)

	before := p.freeEnd()
	p.Compact()
	assert.Greater(t, p.freeEnd(), before, "compacting should reclaim the deleted record's space")

	got, ok := p.Get(b)
	require.True(t, ok)
	assert.Equal(t, []byte("bbbbbbbbbb"), got, "surviving slot's bytes must be preserved across compaction")
}

func TestChecksumDetectsCorruption(t *testing.T) {
	p := New(basic.PageID{FileID: 2, PageNo: 2}, basic.PageTypeData)
	p.Insert([]byte("payload"))
	p.UpdateChecksum()
	assert.True(t, p.VerifyChecksum())

	p.Bytes()[100] ^= 0xFF
	assert.False(t, p.VerifyChecksum())
}

func TestFromRawRoundTrip(t *testing.T) {
	p := New(basic.PageID{FileID: 3, PageNo: 9}, basic.PageTypeIndex)
	p.Insert([]byte("x"))
	p.UpdateChecksum()

	p2, err := FromRaw(p.Bytes())
	require.NoError(t, err)
	assert.Equal(t, p.ID(), p2.ID())
	assert.Equal(t, p.Type(), p2.Type())
	assert.True(t, p2.VerifyChecksum())
}

func TestFromRawRejectsWrongSize(t *testing.T) {
	_, err := FromRaw(make([]byte, 10))
	assert.Error(t, err)
}

func TestCanFitRespectsSlotOverhead(t *testing.T) {
	p := New(basic.PageID{}, basic.PageTypeData)
	assert.True(t, p.CanFit(Size-headerSize-slotSize))
	assert.False(t, p.CanFit(Size-headerSize-slotSize+1))
}
