package catalog

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txdb-project/txdb/engine/basic"
)

func widgetSchema() Schema {
	return Schema{Columns: []Column{
		{Name: "id", Type: basic.TypeInt64},
		{Name: "name", Type: basic.TypeVarChar, Nullable: true},
		{Name: "price", Type: basic.TypeDecimal, Nullable: true},
	}}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	schema := widgetSchema()
	row := Row{
		TxID:   42,
		Values: []Value{
			{I64: 7},
			{Bytes: []byte("widget")},
			{Dec: decimal.NewFromFloat(9.99)},
		},
	}

	buf, err := Encode(schema, row)
	require.NoError(t, err)

	got, err := Decode(schema, buf)
	require.NoError(t, err)
	assert.Equal(t, row.TxID, got.TxID)
	assert.False(t, got.IsDeleted)
	assert.Equal(t, int64(7), got.Values[0].I64)
	assert.Equal(t, []byte("widget"), got.Values[1].Bytes)
	assert.True(t, row.Values[2].Dec.Equal(got.Values[2].Dec))
}

func TestEncodePreservesDeletedFlagAndRollPtr(t *testing.T) {
	schema := widgetSchema()
	row := Row{
		TxID:      3,
		IsDeleted: true,
		RollPtr:   99,
		Values:    []Value{{I64: 1}, {Null: true}, {Null: true}},
	}

	buf, err := Encode(schema, row)
	require.NoError(t, err)
	got, err := Decode(schema, buf)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.Equal(t, uint64(99), got.RollPtr)
	assert.True(t, got.Values[1].Null)
	assert.True(t, got.Values[2].Null)
}

func TestEncodeRejectsNullInNonNullableColumn(t *testing.T) {
	schema := widgetSchema() // id is not nullable
	row := Row{Values: []Value{{Null: true}, {Null: true}, {Null: true}}}
	_, err := Encode(schema, row)
	assert.Error(t, err)
}

func TestEncodeRejectsValueCountMismatch(t *testing.T) {
	schema := widgetSchema()
	row := Row{Values: []Value{{I64: 1}}}
	_, err := Encode(schema, row)
	assert.Error(t, err)
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	_, err := Decode(widgetSchema(), []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeRejectsTruncatedVariableLengthPayload(t *testing.T) {
	schema := Schema{Columns: []Column{{Name: "name", Type: basic.TypeVarChar}}}
	row := Row{Values: []Value{{Bytes: []byte("hello")}}}
	buf, err := Encode(schema, row)
	require.NoError(t, err)

	_, err = Decode(schema, buf[:len(buf)-3])
	assert.Error(t, err)
}
