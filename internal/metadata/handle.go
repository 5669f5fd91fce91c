package metadata

import "fmt"

// TableKind identifies one of the fixed metadata tables. The values are the
// on-disk table ids, so a kind doubles as the bit position in the tables
// stream's presence bitmask.
type TableKind uint8

const (
	TableModule                 TableKind = 0x00
	TableTypeRef                TableKind = 0x01
	TableTypeDef                TableKind = 0x02
	TableField                  TableKind = 0x04
	TableMethodDef              TableKind = 0x06
	TableParam                  TableKind = 0x08
	TableInterfaceImpl          TableKind = 0x09
	TableMemberRef              TableKind = 0x0A
	TableConstant               TableKind = 0x0B
	TableCustomAttribute        TableKind = 0x0C
	TableFieldMarshal           TableKind = 0x0D
	TableDeclSecurity           TableKind = 0x0E
	TableClassLayout            TableKind = 0x0F
	TableFieldLayout            TableKind = 0x10
	TableStandAloneSig          TableKind = 0x11
	TableEventMap               TableKind = 0x12
	TableEvent                  TableKind = 0x14
	TablePropertyMap            TableKind = 0x15
	TableProperty               TableKind = 0x17
	TableMethodSemantics        TableKind = 0x18
	TableMethodImpl             TableKind = 0x19
	TableModuleRef              TableKind = 0x1A
	TableTypeSpec               TableKind = 0x1B
	TableImplMap                TableKind = 0x1C
	TableFieldRVA               TableKind = 0x1D
	TableAssembly               TableKind = 0x20
	TableAssemblyProcessor      TableKind = 0x21
	TableAssemblyOS             TableKind = 0x22
	TableAssemblyRef            TableKind = 0x23
	TableAssemblyRefProcessor   TableKind = 0x24
	TableAssemblyRefOS          TableKind = 0x25
	TableFile                   TableKind = 0x26
	TableExportedType           TableKind = 0x27
	TableManifestResource       TableKind = 0x28
	TableNestedClass            TableKind = 0x29
	TableGenericParam           TableKind = 0x2A
	TableMethodSpec             TableKind = 0x2B
	TableGenericParamConstraint TableKind = 0x2C

	// tableMax is one past the highest valid table id.
	tableMax = 0x2D
)

// Kinds above the table id range identify heaps, so a Handle's kind byte is
// unambiguous. The heap values mirror the token tags the runtime uses for
// string handles.
const (
	KindString     TableKind = 0x71
	KindBlob       TableKind = 0x72
	KindGuid       TableKind = 0x73
	KindUserString TableKind = 0x70
)

func (t TableKind) String() string {
	if name, ok := tableNames[t]; ok {
		return name
	}
	return fmt.Sprintf("table(0x%02x)", uint8(t))
}

var tableNames = map[TableKind]string{
	TableModule:                 "Module",
	TableTypeRef:                "TypeRef",
	TableTypeDef:                "TypeDef",
	TableField:                  "Field",
	TableMethodDef:              "MethodDef",
	TableParam:                  "Param",
	TableInterfaceImpl:          "InterfaceImpl",
	TableMemberRef:              "MemberRef",
	TableConstant:               "Constant",
	TableCustomAttribute:        "CustomAttribute",
	TableFieldMarshal:           "FieldMarshal",
	TableDeclSecurity:           "DeclSecurity",
	TableClassLayout:            "ClassLayout",
	TableFieldLayout:            "FieldLayout",
	TableStandAloneSig:          "StandAloneSig",
	TableEventMap:               "EventMap",
	TableEvent:                  "Event",
	TablePropertyMap:            "PropertyMap",
	TableProperty:               "Property",
	TableMethodSemantics:        "MethodSemantics",
	TableMethodImpl:             "MethodImpl",
	TableModuleRef:              "ModuleRef",
	TableTypeSpec:               "TypeSpec",
	TableImplMap:                "ImplMap",
	TableFieldRVA:               "FieldRVA",
	TableAssembly:               "Assembly",
	TableAssemblyProcessor:      "AssemblyProcessor",
	TableAssemblyOS:             "AssemblyOS",
	TableAssemblyRef:            "AssemblyRef",
	TableAssemblyRefProcessor:   "AssemblyRefProcessor",
	TableAssemblyRefOS:          "AssemblyRefOS",
	TableFile:                   "File",
	TableExportedType:           "ExportedType",
	TableManifestResource:       "ManifestResource",
	TableNestedClass:            "NestedClass",
	TableGenericParam:           "GenericParam",
	TableMethodSpec:             "MethodSpec",
	TableGenericParamConstraint: "GenericParamConstraint",
	KindString:                  "#Strings",
	KindBlob:                    "#Blob",
	KindGuid:                    "#GUID",
	KindUserString:              "#US",
}

// Handle is an immutable reference to a single table row (1-based) or heap
// offset. The zero Handle is Nil. Handles carry no reference to the reader
// that produced them; resolving one requires that reader.
type Handle struct {
	kind  TableKind
	value uint32
}

// NilHandle never refers to a real row or heap byte.
var NilHandle = Handle{}

// RowHandle returns a handle for the given 1-based row of a table.
func RowHandle(table TableKind, row uint32) Handle {
	if row == 0 {
		return NilHandle
	}
	return Handle{kind: table, value: row}
}

// HeapHandle returns a handle for a byte offset into the given heap kind.
func HeapHandle(heap TableKind, offset uint32) Handle {
	return Handle{kind: heap, value: offset}
}

func (h Handle) IsNil() bool { return h == NilHandle }

// Kind returns the table or heap the handle points into.
func (h Handle) Kind() TableKind { return h.kind }

// Row returns the 1-based row index for a table handle.
func (h Handle) Row() uint32 { return h.value }

// Offset returns the byte offset for a heap handle.
func (h Handle) Offset() uint32 { return h.value }

func (h Handle) String() string {
	if h.IsNil() {
		return "nil"
	}
	return fmt.Sprintf("%s[%d]", h.kind, h.value)
}

// CodedKind identifies one of the fixed coded-index encodings: a small set of
// candidate tables selected by the low tag bits of the stored integer.
type CodedKind uint8

const (
	CodedTypeDefOrRef CodedKind = iota
	CodedHasConstant
	CodedHasCustomAttribute
	CodedHasFieldMarshal
	CodedHasDeclSecurity
	CodedMemberRefParent
	CodedHasSemantics
	CodedMethodDefOrRef
	CodedMemberForwarded
	CodedImplementation
	CodedCustomAttributeType
	CodedResolutionScope
	CodedTypeOrMethodDef

	codedKindCount
)

// tableNone marks an unused tag slot in a coded-index candidate list.
const tableNone TableKind = 0xFF

// codedIndexes is the authoritative candidate-table list per coded kind; the
// slice position is the tag value. Tag bit count is derived from the length.
var codedIndexes = [codedKindCount][]TableKind{
	CodedTypeDefOrRef:        {TableTypeDef, TableTypeRef, TableTypeSpec},
	CodedHasConstant:         {TableField, TableParam, TableProperty},
	CodedHasCustomAttribute:  {TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam, TableInterfaceImpl, TableMemberRef, TableModule, TableDeclSecurity, TableProperty, TableEvent, TableStandAloneSig, TableModuleRef, TableTypeSpec, TableAssembly, TableAssemblyRef, TableFile, TableExportedType, TableManifestResource, TableGenericParam, TableGenericParamConstraint, TableMethodSpec},
	CodedHasFieldMarshal:     {TableField, TableParam},
	CodedHasDeclSecurity:     {TableTypeDef, TableMethodDef, TableAssembly},
	CodedMemberRefParent:     {TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec},
	CodedHasSemantics:        {TableEvent, TableProperty},
	CodedMethodDefOrRef:      {TableMethodDef, TableMemberRef},
	CodedMemberForwarded:     {TableField, TableMethodDef},
	CodedImplementation:      {TableFile, TableAssemblyRef, TableExportedType},
	CodedCustomAttributeType: {tableNone, tableNone, TableMethodDef, TableMemberRef, tableNone},
	CodedResolutionScope:     {TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef},
	CodedTypeOrMethodDef:     {TableTypeDef, TableMethodDef},
}

// tagBits returns the number of low bits used for the candidate tag.
func (c CodedKind) tagBits() uint {
	n := len(codedIndexes[c])
	bits := uint(0)
	for 1<<bits < n {
		bits++
	}
	return bits
}

// Decode splits a raw coded-index integer into its target handle. A zero row
// index decodes to Nil regardless of the tag.
func (c CodedKind) Decode(raw uint32) (Handle, error) {
	bits := c.tagBits()
	tag := raw & (1<<bits - 1)
	row := raw >> bits
	candidates := codedIndexes[c]
	if int(tag) >= len(candidates) || candidates[tag] == tableNone {
		return NilHandle, fmt.Errorf("%w: coded index tag %d out of range for kind %d", ErrMalformedImage, tag, c)
	}
	if row == 0 {
		return NilHandle, nil
	}
	return RowHandle(candidates[tag], row), nil
}

// Encode is the inverse of Decode, used by the test image builder.
func (c CodedKind) Encode(h Handle) (uint32, error) {
	bits := c.tagBits()
	if h.IsNil() {
		return 0, nil
	}
	for tag, t := range codedIndexes[c] {
		if t == h.Kind() {
			return h.Row()<<bits | uint32(tag), nil
		}
	}
	return 0, fmt.Errorf("%w: %s not a candidate of coded kind %d", ErrUnresolvedReference, h.Kind(), c)
}
