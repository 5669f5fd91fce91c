package metadata

import (
	"encoding/binary"
	"fmt"
)

// columnKind says how a column's raw bytes are interpreted. Widths are not
// fixed per kind: index and heap columns are 2 or 4 bytes depending on the
// referenced table's row count or the heap-sizes flags.
type columnKind uint8

const (
	colUint16 columnKind = iota
	colUint32
	colString
	colGuid
	colBlob
	colTableIndex
	colCodedIndex
)

type column struct {
	kind   columnKind
	target TableKind // for colTableIndex
	coded  CodedKind // for colCodedIndex
}

func cU16() column              { return column{kind: colUint16} }
func cU32() column              { return column{kind: colUint32} }
func cStr() column              { return column{kind: colString} }
func cGuid() column             { return column{kind: colGuid} }
func cBlob() column             { return column{kind: colBlob} }
func cIdx(t TableKind) column   { return column{kind: colTableIndex, target: t} }
func cCoded(c CodedKind) column { return column{kind: colCodedIndex, coded: c} }

// tableSchemas lists every table's columns in on-disk order.
var tableSchemas = [tableMax][]column{
	TableModule:                 {cU16(), cStr(), cGuid(), cGuid(), cGuid()},
	TableTypeRef:                {cCoded(CodedResolutionScope), cStr(), cStr()},
	TableTypeDef:                {cU32(), cStr(), cStr(), cCoded(CodedTypeDefOrRef), cIdx(TableField), cIdx(TableMethodDef)},
	TableField:                  {cU16(), cStr(), cBlob()},
	TableMethodDef:              {cU32(), cU16(), cU16(), cStr(), cBlob(), cIdx(TableParam)},
	TableParam:                  {cU16(), cU16(), cStr()},
	TableInterfaceImpl:          {cIdx(TableTypeDef), cCoded(CodedTypeDefOrRef)},
	TableMemberRef:              {cCoded(CodedMemberRefParent), cStr(), cBlob()},
	TableConstant:               {cU16(), cCoded(CodedHasConstant), cBlob()},
	TableCustomAttribute:        {cCoded(CodedHasCustomAttribute), cCoded(CodedCustomAttributeType), cBlob()},
	TableFieldMarshal:           {cCoded(CodedHasFieldMarshal), cBlob()},
	TableDeclSecurity:           {cU16(), cCoded(CodedHasDeclSecurity), cBlob()},
	TableClassLayout:            {cU16(), cU32(), cIdx(TableTypeDef)},
	TableFieldLayout:            {cU32(), cIdx(TableField)},
	TableStandAloneSig:          {cBlob()},
	TableEventMap:               {cIdx(TableTypeDef), cIdx(TableEvent)},
	TableEvent:                  {cU16(), cStr(), cCoded(CodedTypeDefOrRef)},
	TablePropertyMap:            {cIdx(TableTypeDef), cIdx(TableProperty)},
	TableProperty:               {cU16(), cStr(), cBlob()},
	TableMethodSemantics:        {cU16(), cIdx(TableMethodDef), cCoded(CodedHasSemantics)},
	TableMethodImpl:             {cIdx(TableTypeDef), cCoded(CodedMethodDefOrRef), cCoded(CodedMethodDefOrRef)},
	TableModuleRef:              {cStr()},
	TableTypeSpec:               {cBlob()},
	TableImplMap:                {cU16(), cCoded(CodedMemberForwarded), cStr(), cIdx(TableModuleRef)},
	TableFieldRVA:               {cU32(), cIdx(TableField)},
	TableAssembly:               {cU32(), cU16(), cU16(), cU16(), cU16(), cU32(), cBlob(), cStr(), cStr()},
	TableAssemblyProcessor:      {cU32()},
	TableAssemblyOS:             {cU32(), cU32(), cU32()},
	TableAssemblyRef:            {cU16(), cU16(), cU16(), cU16(), cU32(), cBlob(), cStr(), cStr(), cBlob()},
	TableAssemblyRefProcessor:   {cU32(), cIdx(TableAssemblyRef)},
	TableAssemblyRefOS:          {cU32(), cU32(), cU32(), cIdx(TableAssemblyRef)},
	TableFile:                   {cU32(), cStr(), cBlob()},
	TableExportedType:           {cU32(), cU32(), cStr(), cStr(), cCoded(CodedImplementation)},
	TableManifestResource:       {cU32(), cU32(), cStr(), cCoded(CodedImplementation)},
	TableNestedClass:            {cIdx(TableTypeDef), cIdx(TableTypeDef)},
	TableGenericParam:           {cU16(), cU16(), cCoded(CodedTypeOrMethodDef), cStr()},
	TableMethodSpec:             {cCoded(CodedMethodDefOrRef), cBlob()},
	TableGenericParamConstraint: {cIdx(TableGenericParam), cCoded(CodedTypeDefOrRef)},
}

// heap-sizes flag bits in the tables stream header.
const (
	heapWideStrings = 1 << 0
	heapWideGuids   = 1 << 1
	heapWideBlobs   = 1 << 2
)

type tableInfo struct {
	rowCount uint32
	stride   uint32
	base     uint32 // byte offset of row 1 within the tables stream
	offsets  []uint32
	widths   []uint8
}

// Tables gives O(1) random access to decoded rows of every present table.
// Construction computes all column widths and row strides once; row access is
// pure offset arithmetic afterwards.
type Tables struct {
	img       *Image
	heapSizes uint8
	info      [tableMax]tableInfo
}

// ReadTables parses the tables stream header of an image and prepares the
// column layout of every present table.
func ReadTables(img *Image) (*Tables, error) {
	s := img.tables
	if len(s) < 24 {
		return nil, fmt.Errorf("%w: tables stream header truncated at %d bytes", ErrMalformedImage, len(s))
	}
	t := &Tables{img: img, heapSizes: s[6]}
	valid := binary.LittleEndian.Uint64(s[8:])
	if valid>>tableMax != 0 {
		return nil, fmt.Errorf("%w: presence bitmask names unknown tables (%#x)", ErrMalformedImage, valid)
	}

	pos := 24
	for id := TableKind(0); id < tableMax; id++ {
		if valid&(1<<id) == 0 {
			continue
		}
		if tableSchemas[id] == nil {
			return nil, fmt.Errorf("%w: present table 0x%02x has no schema", ErrMalformedImage, uint8(id))
		}
		if pos+4 > len(s) {
			return nil, fmt.Errorf("%w: row-count list truncated", ErrMalformedImage)
		}
		t.info[id].rowCount = binary.LittleEndian.Uint32(s[pos:])
		pos += 4
	}

	// With all row counts known, index widths are decidable and every
	// table's stride follows from its schema. Sizes accumulate in 64 bits
	// so a huge declared row count cannot wrap the bounds check.
	base := uint64(pos)
	for id := TableKind(0); id < tableMax; id++ {
		schema := tableSchemas[id]
		if schema == nil || t.info[id].rowCount == 0 {
			continue
		}
		info := &t.info[id]
		info.offsets = make([]uint32, len(schema))
		info.widths = make([]uint8, len(schema))
		var stride uint32
		for i, col := range schema {
			w := columnWidth(col, t.RowCount, t.heapSizes)
			info.offsets[i] = stride
			info.widths[i] = w
			stride += uint32(w)
		}
		info.stride = stride
		info.base = uint32(base)
		base += uint64(stride) * uint64(info.rowCount)
	}
	if base > uint64(len(s)) {
		return nil, fmt.Errorf("%w: tables stream is %d bytes, row data needs %d", ErrMalformedImage, len(s), base)
	}
	return t, nil
}

func columnWidth(col column, rowCount func(TableKind) uint32, heapSizes uint8) uint8 {
	switch col.kind {
	case colUint16:
		return 2
	case colUint32:
		return 4
	case colString:
		if heapSizes&heapWideStrings != 0 {
			return 4
		}
		return 2
	case colGuid:
		if heapSizes&heapWideGuids != 0 {
			return 4
		}
		return 2
	case colBlob:
		if heapSizes&heapWideBlobs != 0 {
			return 4
		}
		return 2
	case colTableIndex:
		if rowCount(col.target) > 0xFFFF {
			return 4
		}
		return 2
	case colCodedIndex:
		bits := col.coded.tagBits()
		for _, target := range codedIndexes[col.coded] {
			if target == tableNone {
				continue
			}
			if uint64(rowCount(target)) > uint64(1)<<(16-bits)-1 {
				return 4
			}
		}
		return 2
	}
	panic("unreachable column kind")
}

// ColumnWidths reports the byte width of every column of a table given the
// row counts and heap-size flags an image would declare. The test image
// builder uses it so its encoder cannot drift from the reader's layout rules.
func ColumnWidths(table TableKind, rowCount func(TableKind) uint32, heapSizes uint8) []uint8 {
	schema := tableSchemas[table]
	if schema == nil {
		return nil
	}
	widths := make([]uint8, len(schema))
	for i, col := range schema {
		widths[i] = columnWidth(col, rowCount, heapSizes)
	}
	return widths
}

// RowCount returns the declared number of rows in a table, zero when absent.
func (t *Tables) RowCount(table TableKind) uint32 {
	if table >= tableMax {
		return 0
	}
	return t.info[table].rowCount
}

// GetRow returns the raw bytes of one row: exactly the table's stride,
// located at base + (row-1)*stride.
func (t *Tables) GetRow(table TableKind, row uint32) ([]byte, error) {
	if table >= tableMax || tableSchemas[table] == nil {
		return nil, fmt.Errorf("%w: unknown table 0x%02x", ErrMalformedImage, uint8(table))
	}
	info := &t.info[table]
	if row == 0 || row > info.rowCount {
		return nil, fmt.Errorf("%w: row %d out of range for %s with %d rows", ErrMalformedImage, row, table, info.rowCount)
	}
	start := info.base + (row-1)*info.stride
	return t.img.tables[start : start+info.stride], nil
}

// rawColumn decodes column col of the given row as its widened integer value.
func (t *Tables) rawColumn(table TableKind, row uint32, col int) (uint32, error) {
	rowBytes, err := t.GetRow(table, row)
	if err != nil {
		return 0, err
	}
	info := &t.info[table]
	if col >= len(info.offsets) {
		return 0, fmt.Errorf("%w: column %d out of range for %s", ErrMalformedImage, col, table)
	}
	b := rowBytes[info.offsets[col]:]
	if info.widths[col] == 2 {
		return uint32(binary.LittleEndian.Uint16(b)), nil
	}
	return binary.LittleEndian.Uint32(b), nil
}

// column decode helpers used by the record façades

func (t *Tables) u16Column(table TableKind, row uint32, col int) (uint16, error) {
	v, err := t.rawColumn(table, row, col)
	return uint16(v), err
}

func (t *Tables) u32Column(table TableKind, row uint32, col int) (uint32, error) {
	return t.rawColumn(table, row, col)
}

func (t *Tables) stringColumn(table TableKind, row uint32, col int) (Handle, error) {
	v, err := t.rawColumn(table, row, col)
	if err != nil {
		return NilHandle, err
	}
	return HeapHandle(KindString, v), nil
}

func (t *Tables) blobColumn(table TableKind, row uint32, col int) (Handle, error) {
	v, err := t.rawColumn(table, row, col)
	if err != nil {
		return NilHandle, err
	}
	return HeapHandle(KindBlob, v), nil
}

func (t *Tables) guidColumn(table TableKind, row uint32, col int) (uint32, error) {
	return t.rawColumn(table, row, col)
}

func (t *Tables) indexColumn(table TableKind, row uint32, col int) (Handle, error) {
	v, err := t.rawColumn(table, row, col)
	if err != nil {
		return NilHandle, err
	}
	return RowHandle(tableSchemas[table][col].target, v), nil
}

func (t *Tables) codedColumn(table TableKind, row uint32, col int) (Handle, error) {
	v, err := t.rawColumn(table, row, col)
	if err != nil {
		return NilHandle, err
	}
	return tableSchemas[table][col].coded.Decode(v)
}
