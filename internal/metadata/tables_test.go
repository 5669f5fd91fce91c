package metadata

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func rowCounts(counts map[TableKind]uint32) func(TableKind) uint32 {
	return func(t TableKind) uint32 { return counts[t] }
}

func TestColumnWidthsNarrow(t *testing.T) {
	widths := ColumnWidths(TableTypeDef, rowCounts(map[TableKind]uint32{
		TableTypeDef:   10,
		TableField:     10,
		TableMethodDef: 10,
	}), 0)
	// Flags, Name, Namespace, Extends, FieldList, MethodList.
	require.Equal(t, []uint8{4, 2, 2, 2, 2, 2}, widths)
}

func TestColumnWidthsWideTableIndex(t *testing.T) {
	widths := ColumnWidths(TableTypeDef, rowCounts(map[TableKind]uint32{
		TableTypeDef:   10,
		TableField:     0x10000,
		TableMethodDef: 10,
	}), 0)
	require.Equal(t, []uint8{4, 2, 2, 2, 4, 2}, widths)
}

func TestColumnWidthsWideCodedIndex(t *testing.T) {
	// TypeDefOrRef spends 2 tag bits, so any candidate table with more than
	// 2^14-1 rows forces the wide form.
	widths := ColumnWidths(TableTypeDef, rowCounts(map[TableKind]uint32{
		TableTypeRef: 0x4000,
	}), 0)
	require.Equal(t, uint8(4), widths[3])

	widths = ColumnWidths(TableTypeDef, rowCounts(map[TableKind]uint32{
		TableTypeRef: 0x3FFF,
	}), 0)
	require.Equal(t, uint8(2), widths[3])
}

func TestColumnWidthsWideHeaps(t *testing.T) {
	widths := ColumnWidths(TableTypeDef, rowCounts(nil), heapWideStrings)
	require.Equal(t, uint8(4), widths[1])
	require.Equal(t, uint8(4), widths[2])

	widths = ColumnWidths(TableModule, rowCounts(nil), heapWideGuids)
	// Generation, Name, Mvid, EncId, EncBaseId.
	require.Equal(t, []uint8{2, 2, 4, 4, 4}, widths)
}

func TestReadTablesRejectsUnknownPresenceBits(t *testing.T) {
	img := &Image{tables: make([]byte, 24)}
	// Set a presence bit beyond the last known table id.
	img.tables[8+5] = 0x20 // bit 45
	_, err := ReadTables(img)
	require.ErrorIs(t, err, ErrMalformedImage)
}

func TestReadTablesRejectsShortStream(t *testing.T) {
	img := &Image{tables: make([]byte, 10)}
	_, err := ReadTables(img)
	require.ErrorIs(t, err, ErrMalformedImage)
}

func TestReadTablesRejectsOverflowingRowCount(t *testing.T) {
	// A Field row is 6 bytes with narrow heaps, so this count multiplies to
	// 0x100000002: past 32 bits, yet tiny if the size check wraps.
	s := make([]byte, 30)
	s[8] = 1 << uint(TableField)
	binary.LittleEndian.PutUint32(s[24:], 0x2AAAAAAB)
	_, err := ReadTables(&Image{tables: s})
	require.ErrorIs(t, err, ErrMalformedImage)
}
