package typesys

import (
	"fmt"

	"github.com/ilclang/ilc/internal/metadata"
	"github.com/ilclang/ilc/internal/signature"
)

// PointerSize is the reference and pointer width of the only supported
// target, a 64-bit platform.
const PointerSize = 8

// ObjectHeaderSize is the reference-type header: a single vtable pointer.
const ObjectHeaderSize = PointerSize

// WellKnown identifies the handful of system types the builder must
// recognize by name when the image references them through TypeRefs.
type WellKnown uint8

const (
	WellKnownNone WellKnown = iota
	WellKnownObject
	WellKnownValueType
	WellKnownEnum
	WellKnownString
)

// classifyTypeRef recognizes System.* roots by namespace and name.
func classifyTypeRef(ns, name string) WellKnown {
	if ns != "System" {
		return WellKnownNone
	}
	switch name {
	case "Object":
		return WellKnownObject
	case "ValueType":
		return WellKnownValueType
	case "Enum":
		return WellKnownEnum
	case "String":
		return WellKnownString
	}
	return WellKnownNone
}

// primitiveSize returns size and alignment for primitive element types, with
// ok=false for types that need a computed layout.
func primitiveSize(t signature.Type) (size, align uint32, ok bool) {
	switch t.Elem {
	case signature.ETBoolean, signature.ETI1, signature.ETU1:
		return 1, 1, true
	case signature.ETChar, signature.ETI2, signature.ETU2:
		return 2, 2, true
	case signature.ETI4, signature.ETU4, signature.ETR4:
		return 4, 4, true
	case signature.ETI8, signature.ETU8, signature.ETR8:
		return 8, 8, true
	case signature.ETI, signature.ETU, signature.ETPtr, signature.ETByRef,
		signature.ETString, signature.ETObject, signature.ETClass, signature.ETSZArray:
		return PointerSize, PointerSize, true
	}
	return 0, 0, false
}

// align rounds v up to the next multiple of a.
func alignUp(v, a uint32) uint32 {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}

// Field is one laid-out field: offset is the byte offset within the
// instance (including the object header for classes).
type Field struct {
	Handle metadata.Handle
	Name   string
	Type   signature.Type
	Offset uint32
	Size   uint32
}

// Method describes a declared method plus its vtable slot, -1 when the
// method does not dispatch virtually.
type Method struct {
	Handle metadata.Handle
	Name   string
	Sig    signature.MethodSig
	Attrs  metadata.MethodAttributes
	Slot   int
}

// VSlot is one virtual dispatch slot: the identity key that introduced it
// and the most-derived implementation.
type VSlot struct {
	Key  string
	Impl metadata.Handle
}

// Layout is the closed-form descriptor of one concrete type: field offsets,
// total size, alignment, base, interfaces and the virtual dispatch table.
// Layouts are immutable once published by the builder.
type Layout struct {
	Key      string
	Def      metadata.Handle
	TypeArgs []signature.Type
	Name     string

	IsValueType bool
	IsInterface bool

	// Size is the instance size. For classes it includes the object header;
	// boxed value types add the header on top of Size.
	Size  uint32
	Align uint32

	Base       *Layout
	Interfaces []metadata.Handle

	// Fields lists instance fields, inherited first, in declaration order
	// with monotonically non-decreasing offsets.
	Fields []Field
	// Statics lists the type's own static fields; they occupy module
	// globals, not instance space.
	Statics []Field

	Methods []Method
	VTable  []VSlot
}

// FieldByHandle finds a laid-out instance or static field by its Field-table
// handle.
func (l *Layout) FieldByHandle(h metadata.Handle) (Field, bool) {
	for _, f := range l.Fields {
		if f.Handle == h {
			return f, true
		}
	}
	for _, f := range l.Statics {
		if f.Handle == h {
			return f, true
		}
	}
	return Field{}, false
}

// SlotByKey returns the vtable slot index with the given identity key.
func (l *Layout) SlotByKey(key string) (int, bool) {
	for i, s := range l.VTable {
		if s.Key == key {
			return i, true
		}
	}
	return 0, false
}

// MethodByHandle finds a declared method by handle.
func (l *Layout) MethodByHandle(h metadata.Handle) (Method, bool) {
	for _, m := range l.Methods {
		if m.Handle == h {
			return m, true
		}
	}
	return Method{}, false
}

// SigKey renders the identity used for override matching: name plus the
// canonical parameter and return type spellings.
func SigKey(name string, sig signature.MethodSig) string {
	s := name + "("
	for i, p := range sig.Params {
		if i > 0 {
			s += ","
		}
		s += signature.Key(p)
	}
	return s + ")" + signature.Key(sig.Return)
}

func (l *Layout) String() string {
	return fmt.Sprintf("%s (size %d, align %d)", l.Name, l.Size, l.Align)
}
