package metadata

import (
	"fmt"

	"github.com/google/uuid"
)

// Reader is the façade over the image, its heaps and tables. It holds no
// mutable state; record accessors re-derive column values from the image on
// every call, so a Reader is safe to share across goroutines.
type Reader struct {
	img    *Image
	tables *Tables
}

// NewReader parses a raw metadata root and prepares table access.
func NewReader(data []byte) (*Reader, error) {
	img, err := NewImage(data)
	if err != nil {
		return nil, err
	}
	tables, err := ReadTables(img)
	if err != nil {
		return nil, err
	}
	return &Reader{img: img, tables: tables}, nil
}

// Image exposes the underlying immutable image, mainly for heap access.
func (r *Reader) Image() *Image { return r.img }

// Tables exposes the raw table reader.
func (r *Reader) Tables() *Tables { return r.tables }

// RowCount returns the number of rows of a table, zero when absent.
func (r *Reader) RowCount(table TableKind) uint32 { return r.tables.RowCount(table) }

// HandleFromToken converts a 4-byte bytecode token (table id in the top byte,
// row or offset in the low 24 bits) into a handle. Token tag 0x70 addresses
// the user-strings heap.
func HandleFromToken(tok uint32) (Handle, error) {
	tag := TableKind(tok >> 24)
	rest := tok & 0xFFFFFF
	if tag == KindUserString {
		return HeapHandle(KindUserString, rest), nil
	}
	if tag >= tableMax || tableSchemas[tag] == nil {
		return NilHandle, fmt.Errorf("%w: token %#08x names unknown table", ErrMalformedImage, tok)
	}
	return RowHandle(tag, rest), nil
}

func (r *Reader) checkHandle(h Handle, table TableKind) error {
	if h.Kind() != table {
		return fmt.Errorf("%w: %s is not a %s handle", ErrUnresolvedReference, h, table)
	}
	if h.Row() == 0 || h.Row() > r.tables.RowCount(table) {
		return fmt.Errorf("%w: %s out of range (%d rows)", ErrMalformedImage, h, r.tables.RowCount(table))
	}
	return nil
}

// runEnd resolves the exclusive end of a run-list column: the next row's
// start, or one past the target table's last row for the final owner row.
func (r *Reader) runEnd(owner TableKind, row uint32, col int, target TableKind) (uint32, error) {
	if row < r.tables.RowCount(owner) {
		next, err := r.tables.indexColumn(owner, row+1, col)
		if err != nil {
			return 0, err
		}
		return next.Row(), nil
	}
	return r.tables.RowCount(target) + 1, nil
}

// ModuleRecord

type ModuleRecord struct {
	r   *Reader
	row uint32
}

// Module returns the record of the single Module-table row.
func (r *Reader) Module() (ModuleRecord, error) {
	if r.tables.RowCount(TableModule) == 0 {
		return ModuleRecord{}, fmt.Errorf("%w: no Module row", ErrMalformedImage)
	}
	return ModuleRecord{r: r, row: 1}, nil
}

func (m ModuleRecord) Name() (string, error) {
	h, err := m.r.tables.stringColumn(TableModule, m.row, 1)
	if err != nil {
		return "", err
	}
	return m.r.img.GetString(h)
}

func (m ModuleRecord) Mvid() (uuid.UUID, error) {
	idx, err := m.r.tables.guidColumn(TableModule, m.row, 2)
	if err != nil {
		return uuid.Nil, err
	}
	return m.r.img.GetGuid(idx)
}

// TypeRefRecord

type TypeRefRecord struct {
	r   *Reader
	row uint32
}

func (r *Reader) TypeRef(h Handle) (TypeRefRecord, error) {
	if err := r.checkHandle(h, TableTypeRef); err != nil {
		return TypeRefRecord{}, err
	}
	return TypeRefRecord{r: r, row: h.Row()}, nil
}

func (t TypeRefRecord) ResolutionScope() (Handle, error) {
	return t.r.tables.codedColumn(TableTypeRef, t.row, 0)
}

func (t TypeRefRecord) Name() (string, error) {
	h, err := t.r.tables.stringColumn(TableTypeRef, t.row, 1)
	if err != nil {
		return "", err
	}
	return t.r.img.GetString(h)
}

func (t TypeRefRecord) Namespace() (string, error) {
	h, err := t.r.tables.stringColumn(TableTypeRef, t.row, 2)
	if err != nil {
		return "", err
	}
	return t.r.img.GetString(h)
}

// TypeDefRecord

type TypeDefRecord struct {
	r   *Reader
	row uint32
}

func (r *Reader) TypeDef(h Handle) (TypeDefRecord, error) {
	if err := r.checkHandle(h, TableTypeDef); err != nil {
		return TypeDefRecord{}, err
	}
	return TypeDefRecord{r: r, row: h.Row()}, nil
}

func (t TypeDefRecord) Handle() Handle { return RowHandle(TableTypeDef, t.row) }

func (t TypeDefRecord) Flags() (TypeAttributes, error) {
	v, err := t.r.tables.u32Column(TableTypeDef, t.row, 0)
	return TypeAttributes(v), err
}

func (t TypeDefRecord) Name() (string, error) {
	h, err := t.r.tables.stringColumn(TableTypeDef, t.row, 1)
	if err != nil {
		return "", err
	}
	return t.r.img.GetString(h)
}

func (t TypeDefRecord) Namespace() (string, error) {
	h, err := t.r.tables.stringColumn(TableTypeDef, t.row, 2)
	if err != nil {
		return "", err
	}
	return t.r.img.GetString(h)
}

// FullName joins namespace and name with a dot, matching source spelling.
func (t TypeDefRecord) FullName() (string, error) {
	ns, err := t.Namespace()
	if err != nil {
		return "", err
	}
	name, err := t.Name()
	if err != nil {
		return "", err
	}
	if ns == "" {
		return name, nil
	}
	return ns + "." + name, nil
}

// Extends returns the base type as a TypeDef, TypeRef or TypeSpec handle,
// Nil for the root type and interfaces without a base.
func (t TypeDefRecord) Extends() (Handle, error) {
	return t.r.tables.codedColumn(TableTypeDef, t.row, 3)
}

// Fields returns the handles of the type's field run.
func (t TypeDefRecord) Fields() ([]Handle, error) {
	return t.r.runHandles(TableTypeDef, t.row, 4, TableField)
}

// Methods returns the handles of the type's method run.
func (t TypeDefRecord) Methods() ([]Handle, error) {
	return t.r.runHandles(TableTypeDef, t.row, 5, TableMethodDef)
}

// Interfaces returns the TypeDefOrRef handles of the interfaces the type
// declares, in InterfaceImpl row order.
func (t TypeDefRecord) Interfaces() ([]Handle, error) {
	var out []Handle
	n := t.r.tables.RowCount(TableInterfaceImpl)
	for row := uint32(1); row <= n; row++ {
		owner, err := t.r.tables.indexColumn(TableInterfaceImpl, row, 0)
		if err != nil {
			return nil, err
		}
		if owner.Row() != t.row {
			continue
		}
		iface, err := t.r.tables.codedColumn(TableInterfaceImpl, row, 1)
		if err != nil {
			return nil, err
		}
		out = append(out, iface)
	}
	return out, nil
}

func (r *Reader) runHandles(owner TableKind, row uint32, col int, target TableKind) ([]Handle, error) {
	start, err := r.tables.indexColumn(owner, row, col)
	if err != nil {
		return nil, err
	}
	end, err := r.runEnd(owner, row, col, target)
	if err != nil {
		return nil, err
	}
	if start.IsNil() || start.Row() >= end {
		return nil, nil
	}
	out := make([]Handle, 0, end-start.Row())
	for i := start.Row(); i < end; i++ {
		out = append(out, RowHandle(target, i))
	}
	return out, nil
}

// FieldRecord

type FieldRecord struct {
	r   *Reader
	row uint32
}

func (r *Reader) Field(h Handle) (FieldRecord, error) {
	if err := r.checkHandle(h, TableField); err != nil {
		return FieldRecord{}, err
	}
	return FieldRecord{r: r, row: h.Row()}, nil
}

func (f FieldRecord) Handle() Handle { return RowHandle(TableField, f.row) }

func (f FieldRecord) Flags() (FieldAttributes, error) {
	v, err := f.r.tables.u16Column(TableField, f.row, 0)
	return FieldAttributes(v), err
}

func (f FieldRecord) Name() (string, error) {
	h, err := f.r.tables.stringColumn(TableField, f.row, 1)
	if err != nil {
		return "", err
	}
	return f.r.img.GetString(h)
}

func (f FieldRecord) Signature() ([]byte, error) {
	h, err := f.r.tables.blobColumn(TableField, f.row, 2)
	if err != nil {
		return nil, err
	}
	return f.r.img.GetBlob(h)
}

// DeclaringType finds the TypeDef whose field run contains this field.
func (f FieldRecord) DeclaringType() (Handle, error) {
	return f.r.runOwner(TableTypeDef, 4, TableField, f.row)
}

// MethodDefRecord

type MethodDefRecord struct {
	r   *Reader
	row uint32
}

func (r *Reader) MethodDef(h Handle) (MethodDefRecord, error) {
	if err := r.checkHandle(h, TableMethodDef); err != nil {
		return MethodDefRecord{}, err
	}
	return MethodDefRecord{r: r, row: h.Row()}, nil
}

func (m MethodDefRecord) Handle() Handle { return RowHandle(TableMethodDef, m.row) }

// RVA is the offset of the method body within the module's code region.
func (m MethodDefRecord) RVA() (uint32, error) {
	return m.r.tables.u32Column(TableMethodDef, m.row, 0)
}

func (m MethodDefRecord) ImplFlags() (uint16, error) {
	return m.r.tables.u16Column(TableMethodDef, m.row, 1)
}

func (m MethodDefRecord) Flags() (MethodAttributes, error) {
	v, err := m.r.tables.u16Column(TableMethodDef, m.row, 2)
	return MethodAttributes(v), err
}

func (m MethodDefRecord) Name() (string, error) {
	h, err := m.r.tables.stringColumn(TableMethodDef, m.row, 3)
	if err != nil {
		return "", err
	}
	return m.r.img.GetString(h)
}

func (m MethodDefRecord) Signature() ([]byte, error) {
	h, err := m.r.tables.blobColumn(TableMethodDef, m.row, 4)
	if err != nil {
		return nil, err
	}
	return m.r.img.GetBlob(h)
}

func (m MethodDefRecord) Params() ([]Handle, error) {
	return m.r.runHandles(TableMethodDef, m.row, 5, TableParam)
}

// DeclaringType finds the TypeDef whose method run contains this method.
func (m MethodDefRecord) DeclaringType() (Handle, error) {
	return m.r.runOwner(TableTypeDef, 5, TableMethodDef, m.row)
}

// runOwner walks the owner table's run-list column to find which owner row's
// run contains the target row.
func (r *Reader) runOwner(owner TableKind, col int, target TableKind, targetRow uint32) (Handle, error) {
	n := r.tables.RowCount(owner)
	for row := uint32(1); row <= n; row++ {
		start, err := r.tables.indexColumn(owner, row, col)
		if err != nil {
			return NilHandle, err
		}
		end, err := r.runEnd(owner, row, col, target)
		if err != nil {
			return NilHandle, err
		}
		if targetRow >= start.Row() && targetRow < end {
			return RowHandle(owner, row), nil
		}
	}
	return NilHandle, fmt.Errorf("%w: %s[%d] not in any %s run", ErrMalformedImage, target, targetRow, owner)
}

// ParamRecord

type ParamRecord struct {
	r   *Reader
	row uint32
}

func (r *Reader) Param(h Handle) (ParamRecord, error) {
	if err := r.checkHandle(h, TableParam); err != nil {
		return ParamRecord{}, err
	}
	return ParamRecord{r: r, row: h.Row()}, nil
}

func (p ParamRecord) Sequence() (uint16, error) {
	return p.r.tables.u16Column(TableParam, p.row, 1)
}

func (p ParamRecord) Name() (string, error) {
	h, err := p.r.tables.stringColumn(TableParam, p.row, 2)
	if err != nil {
		return "", err
	}
	return p.r.img.GetString(h)
}

// MemberRefRecord

type MemberRefRecord struct {
	r   *Reader
	row uint32
}

func (r *Reader) MemberRef(h Handle) (MemberRefRecord, error) {
	if err := r.checkHandle(h, TableMemberRef); err != nil {
		return MemberRefRecord{}, err
	}
	return MemberRefRecord{r: r, row: h.Row()}, nil
}

func (m MemberRefRecord) Parent() (Handle, error) {
	return m.r.tables.codedColumn(TableMemberRef, m.row, 0)
}

func (m MemberRefRecord) Name() (string, error) {
	h, err := m.r.tables.stringColumn(TableMemberRef, m.row, 1)
	if err != nil {
		return "", err
	}
	return m.r.img.GetString(h)
}

func (m MemberRefRecord) Signature() ([]byte, error) {
	h, err := m.r.tables.blobColumn(TableMemberRef, m.row, 2)
	if err != nil {
		return nil, err
	}
	return m.r.img.GetBlob(h)
}

// ConstantRecord

type ConstantRecord struct {
	r   *Reader
	row uint32
}

func (r *Reader) Constant(h Handle) (ConstantRecord, error) {
	if err := r.checkHandle(h, TableConstant); err != nil {
		return ConstantRecord{}, err
	}
	return ConstantRecord{r: r, row: h.Row()}, nil
}

func (c ConstantRecord) Type() (uint8, error) {
	v, err := c.r.tables.u16Column(TableConstant, c.row, 0)
	return uint8(v), err
}

func (c ConstantRecord) Parent() (Handle, error) {
	return c.r.tables.codedColumn(TableConstant, c.row, 1)
}

func (c ConstantRecord) Value() ([]byte, error) {
	h, err := c.r.tables.blobColumn(TableConstant, c.row, 2)
	if err != nil {
		return nil, err
	}
	return c.r.img.GetBlob(h)
}

// CustomAttributeRecord

type CustomAttributeRecord struct {
	r   *Reader
	row uint32
}

func (r *Reader) CustomAttribute(h Handle) (CustomAttributeRecord, error) {
	if err := r.checkHandle(h, TableCustomAttribute); err != nil {
		return CustomAttributeRecord{}, err
	}
	return CustomAttributeRecord{r: r, row: h.Row()}, nil
}

func (c CustomAttributeRecord) Parent() (Handle, error) {
	return c.r.tables.codedColumn(TableCustomAttribute, c.row, 0)
}

func (c CustomAttributeRecord) Constructor() (Handle, error) {
	return c.r.tables.codedColumn(TableCustomAttribute, c.row, 1)
}

func (c CustomAttributeRecord) Value() ([]byte, error) {
	h, err := c.r.tables.blobColumn(TableCustomAttribute, c.row, 2)
	if err != nil {
		return nil, err
	}
	return c.r.img.GetBlob(h)
}

// CustomAttributes returns a lazy iterator over the custom-attribute rows
// attached to parent. The iterator is restartable and does not mutate reader
// state.
func (r *Reader) CustomAttributes(parent Handle) *CustomAttributeIterator {
	return &CustomAttributeIterator{r: r, parent: parent, next: 1}
}

type CustomAttributeIterator struct {
	r      *Reader
	parent Handle
	next   uint32
}

// Next returns the handle of the next attribute row whose parent column
// matches, or false when exhausted.
func (it *CustomAttributeIterator) Next() (Handle, bool, error) {
	n := it.r.tables.RowCount(TableCustomAttribute)
	for ; it.next <= n; it.next++ {
		p, err := it.r.tables.codedColumn(TableCustomAttribute, it.next, 0)
		if err != nil {
			return NilHandle, false, err
		}
		if p == it.parent {
			h := RowHandle(TableCustomAttribute, it.next)
			it.next++
			return h, true, nil
		}
	}
	return NilHandle, false, nil
}

// Reset rewinds the iterator to the first row.
func (it *CustomAttributeIterator) Reset() { it.next = 1 }

// StandAloneSigRecord

type StandAloneSigRecord struct {
	r   *Reader
	row uint32
}

func (r *Reader) StandAloneSig(h Handle) (StandAloneSigRecord, error) {
	if err := r.checkHandle(h, TableStandAloneSig); err != nil {
		return StandAloneSigRecord{}, err
	}
	return StandAloneSigRecord{r: r, row: h.Row()}, nil
}

func (s StandAloneSigRecord) Signature() ([]byte, error) {
	h, err := s.r.tables.blobColumn(TableStandAloneSig, s.row, 0)
	if err != nil {
		return nil, err
	}
	return s.r.img.GetBlob(h)
}

// ClassLayoutRecord

// ClassLayout returns the explicit packing/size row for a TypeDef handle,
// or ok=false when the type has none.
func (r *Reader) ClassLayout(typeDef Handle) (packing uint16, size uint32, ok bool, err error) {
	n := r.tables.RowCount(TableClassLayout)
	for row := uint32(1); row <= n; row++ {
		parent, err := r.tables.indexColumn(TableClassLayout, row, 2)
		if err != nil {
			return 0, 0, false, err
		}
		if parent != typeDef {
			continue
		}
		packing, err := r.tables.u16Column(TableClassLayout, row, 0)
		if err != nil {
			return 0, 0, false, err
		}
		size, err := r.tables.u32Column(TableClassLayout, row, 1)
		if err != nil {
			return 0, 0, false, err
		}
		return packing, size, true, nil
	}
	return 0, 0, false, nil
}

// NestedClass lookup: returns the enclosing TypeDef of nested, or Nil.
func (r *Reader) EnclosingType(nested Handle) (Handle, error) {
	n := r.tables.RowCount(TableNestedClass)
	for row := uint32(1); row <= n; row++ {
		inner, err := r.tables.indexColumn(TableNestedClass, row, 0)
		if err != nil {
			return NilHandle, err
		}
		if inner == nested {
			return r.tables.indexColumn(TableNestedClass, row, 1)
		}
	}
	return NilHandle, nil
}

// TypeSpecRecord

type TypeSpecRecord struct {
	r   *Reader
	row uint32
}

func (r *Reader) TypeSpec(h Handle) (TypeSpecRecord, error) {
	if err := r.checkHandle(h, TableTypeSpec); err != nil {
		return TypeSpecRecord{}, err
	}
	return TypeSpecRecord{r: r, row: h.Row()}, nil
}

func (t TypeSpecRecord) Signature() ([]byte, error) {
	h, err := t.r.tables.blobColumn(TableTypeSpec, t.row, 0)
	if err != nil {
		return nil, err
	}
	return t.r.img.GetBlob(h)
}

// MethodSpecRecord

type MethodSpecRecord struct {
	r   *Reader
	row uint32
}

func (r *Reader) MethodSpec(h Handle) (MethodSpecRecord, error) {
	if err := r.checkHandle(h, TableMethodSpec); err != nil {
		return MethodSpecRecord{}, err
	}
	return MethodSpecRecord{r: r, row: h.Row()}, nil
}

func (m MethodSpecRecord) Method() (Handle, error) {
	return m.r.tables.codedColumn(TableMethodSpec, m.row, 0)
}

func (m MethodSpecRecord) Instantiation() ([]byte, error) {
	h, err := m.r.tables.blobColumn(TableMethodSpec, m.row, 1)
	if err != nil {
		return nil, err
	}
	return m.r.img.GetBlob(h)
}

// GenericParamCount counts the GenericParam rows owned by a TypeDef or
// MethodDef handle.
func (r *Reader) GenericParamCount(owner Handle) (uint32, error) {
	var count uint32
	n := r.tables.RowCount(TableGenericParam)
	for row := uint32(1); row <= n; row++ {
		o, err := r.tables.codedColumn(TableGenericParam, row, 2)
		if err != nil {
			return 0, err
		}
		if o == owner {
			count++
		}
	}
	return count, nil
}

// AssemblyRefRecord

type AssemblyRefRecord struct {
	r   *Reader
	row uint32
}

func (r *Reader) AssemblyRef(h Handle) (AssemblyRefRecord, error) {
	if err := r.checkHandle(h, TableAssemblyRef); err != nil {
		return AssemblyRefRecord{}, err
	}
	return AssemblyRefRecord{r: r, row: h.Row()}, nil
}

func (a AssemblyRefRecord) Name() (string, error) {
	h, err := a.r.tables.stringColumn(TableAssemblyRef, a.row, 6)
	if err != nil {
		return "", err
	}
	return a.r.img.GetString(h)
}

// ManifestResourceRecord

type ManifestResourceRecord struct {
	r   *Reader
	row uint32
}

func (r *Reader) ManifestResource(h Handle) (ManifestResourceRecord, error) {
	if err := r.checkHandle(h, TableManifestResource); err != nil {
		return ManifestResourceRecord{}, err
	}
	return ManifestResourceRecord{r: r, row: h.Row()}, nil
}

func (m ManifestResourceRecord) Offset() (uint32, error) {
	return m.r.tables.u32Column(TableManifestResource, m.row, 0)
}

func (m ManifestResourceRecord) Flags() (uint32, error) {
	return m.r.tables.u32Column(TableManifestResource, m.row, 1)
}

func (m ManifestResourceRecord) Name() (string, error) {
	h, err := m.r.tables.stringColumn(TableManifestResource, m.row, 2)
	if err != nil {
		return "", err
	}
	return m.r.img.GetString(h)
}

// Implementation returns the File, AssemblyRef or ExportedType handle the
// resource lives in; Nil means the resource body is in this module.
func (m ManifestResourceRecord) Implementation() (Handle, error) {
	return m.r.tables.codedColumn(TableManifestResource, m.row, 3)
}
