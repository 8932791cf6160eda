// Package basic holds the small shared types every engine package depends
// on: data types, page identifiers, row identifiers, and the LSN/TxID
// counter types, mirroring the role the teacher's server/innodb/basic
// package plays for the storage tree.
package basic

import "fmt"

// DataType enumerates the column types a Row can store (spec §3).
type DataType uint8

const (
	TypeNull DataType = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeBool
	TypeFloat
	TypeDouble
	TypeDecimal
	TypeVarChar
	TypeChar
	TypeText
	TypeBlob
	TypeDate
	TypeTime
	TypeDateTime
	TypeTimestamp
)

func (t DataType) String() string {
	switch t {
	case TypeNull:
		return "NULL"
	case TypeInt8:
		return "INT8"
	case TypeInt16:
		return "INT16"
	case TypeInt32:
		return "INT32"
	case TypeInt64:
		return "INT64"
	case TypeBool:
		return "BOOL"
	case TypeFloat:
		return "FLOAT"
	case TypeDouble:
		return "DOUBLE"
	case TypeDecimal:
		return "DECIMAL"
	case TypeVarChar:
		return "VARCHAR"
	case TypeChar:
		return "CHAR"
	case TypeText:
		return "TEXT"
	case TypeBlob:
		return "BLOB"
	case TypeDate:
		return "DATE"
	case TypeTime:
		return "TIME"
	case TypeDateTime:
		return "DATETIME"
	case TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "UNKNOWN"
	}
}

// FixedWidth returns the on-disk width of t for fixed-width types, and
// (0, false) for every other type (VarChar/Char/Text/Blob/Decimal), whose
// values the row encoding stores length-prefixed.
func (t DataType) FixedWidth() (int, bool) {
	switch t {
	case TypeInt8, TypeBool:
		return 1, true
	case TypeInt16:
		return 2, true
	case TypeInt32, TypeFloat, TypeDate:
		return 4, true
	case TypeInt64, TypeDouble, TypeDateTime, TypeTimestamp, TypeTime:
		return 8, true
	default:
		return 0, false
	}
}

// PageType distinguishes the role a page plays, stored in the page header
// (spec §3/§6).
type PageType uint8

const (
	PageTypeMeta PageType = iota
	PageTypeData
	PageTypeIndex
	PageTypeUndo
	PageTypeFreeSpaceMap
)

func (t PageType) String() string {
	switch t {
	case PageTypeMeta:
		return "META"
	case PageTypeData:
		return "DATA"
	case PageTypeIndex:
		return "INDEX"
	case PageTypeUndo:
		return "UNDO"
	case PageTypeFreeSpaceMap:
		return "FSM"
	default:
		return "UNKNOWN"
	}
}

// PageID identifies a page by the file it belongs to and its offset within
// that file, analogous to the teacher's (spaceId, pageNo) pair.
type PageID struct {
	FileID uint32
	PageNo uint32
}

func (p PageID) String() string { return fmt.Sprintf("%d:%d", p.FileID, p.PageNo) }

// InvalidPageID is the sentinel for "no page" (PageNo 0xFFFFFFFF, not the
// PageID zero value), e.g. an empty
// next-page pointer at the tail of a chain).
var InvalidPageID = PageID{FileID: 0, PageNo: 0xFFFFFFFF}

func (p PageID) Valid() bool { return p != InvalidPageID }

// RowID locates a record within a page by slot index.
type RowID struct {
	Page PageID
	Slot uint16
}

func (r RowID) String() string { return fmt.Sprintf("%s/%d", r.Page, r.Slot) }

// LSN is the monotonically increasing log sequence number stamped on every
// WAL record and every page header (spec §4.6/§4.7).
type LSN uint64

// InvalidLSN marks a page that has never been touched by any mini-transaction.
const InvalidLSN LSN = 0

// TxID is the monotonically increasing transaction identifier (spec §4.11).
type TxID uint64

// InvalidTxID marks the absence of an owning transaction.
const InvalidTxID TxID = 0

// CompositeKey is an ordered tuple of encoded column values used as an
// index key, compared byte-wise.
type CompositeKey []byte

// PageState captures whether a buffer frame's page content matches disk.
type PageState uint8

const (
	PageClean PageState = iota
	PageDirty
)

func (s PageState) String() string {
	if s == PageDirty {
		return "dirty"
	}
	return "clean"
}
