// Package signature decodes the blob signatures attached to fields, methods,
// locals and type specs: a compact prefix encoding built from compressed
// integers and element-type bytes.
package signature

import (
	"fmt"

	"github.com/ilclang/ilc/internal/metadata"
)

// ElementType is the leading byte of an encoded type.
type ElementType byte

const (
	ETEnd         ElementType = 0x00
	ETVoid        ElementType = 0x01
	ETBoolean     ElementType = 0x02
	ETChar        ElementType = 0x03
	ETI1          ElementType = 0x04
	ETU1          ElementType = 0x05
	ETI2          ElementType = 0x06
	ETU2          ElementType = 0x07
	ETI4          ElementType = 0x08
	ETU4          ElementType = 0x09
	ETI8          ElementType = 0x0A
	ETU8          ElementType = 0x0B
	ETR4          ElementType = 0x0C
	ETR8          ElementType = 0x0D
	ETString      ElementType = 0x0E
	ETPtr         ElementType = 0x0F
	ETByRef       ElementType = 0x10
	ETValueType   ElementType = 0x11
	ETClass       ElementType = 0x12
	ETVar         ElementType = 0x13
	ETGenericInst ElementType = 0x15
	ETI           ElementType = 0x18
	ETU           ElementType = 0x19
	ETObject      ElementType = 0x1C
	ETSZArray     ElementType = 0x1D
	ETMVar        ElementType = 0x1E
)

func (e ElementType) String() string {
	switch e {
	case ETVoid:
		return "void"
	case ETBoolean:
		return "bool"
	case ETChar:
		return "char"
	case ETI1:
		return "i1"
	case ETU1:
		return "u1"
	case ETI2:
		return "i2"
	case ETU2:
		return "u2"
	case ETI4:
		return "i4"
	case ETU4:
		return "u4"
	case ETI8:
		return "i8"
	case ETU8:
		return "u8"
	case ETR4:
		return "r4"
	case ETR8:
		return "r8"
	case ETString:
		return "string"
	case ETObject:
		return "object"
	case ETI:
		return "native int"
	case ETU:
		return "native uint"
	default:
		return fmt.Sprintf("elem(0x%02x)", byte(e))
	}
}

// Type is a decoded type term. Exactly the fields its Elem implies are set:
// Ref for class/valuetype targets, Inner for ptr/byref/szarray elements, Args
// and Ref for generic instantiations, Num for generic parameters.
type Type struct {
	Elem  ElementType
	Ref   metadata.Handle
	Inner *Type
	Args  []Type
	Num   uint32
	// ValueInst marks a GENERICINST whose head is VALUETYPE rather than CLASS.
	ValueInst bool
}

// Method signature calling-convention bits.
const (
	callConvMask  = 0x0F
	ccDefault     = 0x00
	ccVarArg      = 0x05
	flagGeneric   = 0x10
	flagHasThis   = 0x20
	flagExplicitThis = 0x40

	fieldSigLead = 0x06
	localsSigLead = 0x07
)

// MethodSig is a decoded method signature.
type MethodSig struct {
	HasThis       bool
	ExplicitThis  bool
	VarArg        bool
	GenericParams uint32
	Return        Type
	Params        []Type
}

type decoder struct {
	b   []byte
	pos int
}

func (d *decoder) byte() (byte, error) {
	if d.pos >= len(d.b) {
		return 0, fmt.Errorf("%w: signature truncated at byte %d", metadata.ErrMalformedImage, d.pos)
	}
	c := d.b[d.pos]
	d.pos++
	return c, nil
}

func (d *decoder) uint() (uint32, error) {
	v, n, err := metadata.DecodeCompressedUint(d.b[d.pos:])
	if err != nil {
		return 0, fmt.Errorf("at signature byte %d: %w", d.pos, err)
	}
	d.pos += n
	return v, nil
}

// typeDefOrRef reads the compressed TypeDefOrRef encoding used inside
// signatures: the same tag scheme as the coded-index column form.
func (d *decoder) typeDefOrRef() (metadata.Handle, error) {
	v, err := d.uint()
	if err != nil {
		return metadata.NilHandle, err
	}
	return metadata.CodedTypeDefOrRef.Decode(v)
}

func (d *decoder) typ() (Type, error) {
	lead, err := d.byte()
	if err != nil {
		return Type{}, err
	}
	elem := ElementType(lead)
	switch elem {
	case ETVoid, ETBoolean, ETChar, ETI1, ETU1, ETI2, ETU2, ETI4, ETU4,
		ETI8, ETU8, ETR4, ETR8, ETString, ETObject, ETI, ETU:
		return Type{Elem: elem}, nil

	case ETValueType, ETClass:
		ref, err := d.typeDefOrRef()
		if err != nil {
			return Type{}, err
		}
		return Type{Elem: elem, Ref: ref}, nil

	case ETPtr, ETByRef, ETSZArray:
		inner, err := d.typ()
		if err != nil {
			return Type{}, err
		}
		return Type{Elem: elem, Inner: &inner}, nil

	case ETVar, ETMVar:
		num, err := d.uint()
		if err != nil {
			return Type{}, err
		}
		return Type{Elem: elem, Num: num}, nil

	case ETGenericInst:
		head, err := d.byte()
		if err != nil {
			return Type{}, err
		}
		if ElementType(head) != ETClass && ElementType(head) != ETValueType {
			return Type{}, fmt.Errorf("%w: generic instantiation head %#x", metadata.ErrMalformedImage, head)
		}
		ref, err := d.typeDefOrRef()
		if err != nil {
			return Type{}, err
		}
		argc, err := d.uint()
		if err != nil {
			return Type{}, err
		}
		args := make([]Type, argc)
		for i := range args {
			if args[i], err = d.typ(); err != nil {
				return Type{}, err
			}
		}
		return Type{Elem: ETGenericInst, Ref: ref, Args: args, ValueInst: ElementType(head) == ETValueType}, nil

	default:
		return Type{}, fmt.Errorf("%w: unknown element type %#x in signature", metadata.ErrMalformedImage, lead)
	}
}

// DecodeField decodes a field signature blob.
func DecodeField(blob []byte) (Type, error) {
	d := &decoder{b: blob}
	lead, err := d.byte()
	if err != nil {
		return Type{}, err
	}
	if lead != fieldSigLead {
		return Type{}, fmt.Errorf("%w: field signature lead byte %#x", metadata.ErrMalformedImage, lead)
	}
	return d.typ()
}

// DecodeMethod decodes a method definition or reference signature blob.
func DecodeMethod(blob []byte) (MethodSig, error) {
	d := &decoder{b: blob}
	lead, err := d.byte()
	if err != nil {
		return MethodSig{}, err
	}
	sig := MethodSig{
		HasThis:      lead&flagHasThis != 0,
		ExplicitThis: lead&flagExplicitThis != 0,
		VarArg:       lead&callConvMask == ccVarArg,
	}
	if lead&flagGeneric != 0 {
		if sig.GenericParams, err = d.uint(); err != nil {
			return MethodSig{}, err
		}
	}
	paramCount, err := d.uint()
	if err != nil {
		return MethodSig{}, err
	}
	if sig.Return, err = d.typ(); err != nil {
		return MethodSig{}, err
	}
	sig.Params = make([]Type, paramCount)
	for i := range sig.Params {
		if sig.Params[i], err = d.typ(); err != nil {
			return MethodSig{}, err
		}
	}
	return sig, nil
}

// DecodeLocals decodes a local-variable signature blob.
func DecodeLocals(blob []byte) ([]Type, error) {
	d := &decoder{b: blob}
	lead, err := d.byte()
	if err != nil {
		return nil, err
	}
	if lead != localsSigLead {
		return nil, fmt.Errorf("%w: locals signature lead byte %#x", metadata.ErrMalformedImage, lead)
	}
	count, err := d.uint()
	if err != nil {
		return nil, err
	}
	locals := make([]Type, count)
	for i := range locals {
		if locals[i], err = d.typ(); err != nil {
			return nil, err
		}
	}
	return locals, nil
}

// DecodeTypeSpec decodes a TypeSpec blob, which holds a single type term.
func DecodeTypeSpec(blob []byte) (Type, error) {
	d := &decoder{b: blob}
	return d.typ()
}

// DecodeMethodSpec decodes a MethodSpec instantiation blob.
func DecodeMethodSpec(blob []byte) ([]Type, error) {
	d := &decoder{b: blob}
	lead, err := d.byte()
	if err != nil {
		return nil, err
	}
	if lead != 0x0A {
		return nil, fmt.Errorf("%w: method instantiation lead byte %#x", metadata.ErrMalformedImage, lead)
	}
	argc, err := d.uint()
	if err != nil {
		return nil, err
	}
	args := make([]Type, argc)
	for i := range args {
		if args[i], err = d.typ(); err != nil {
			return nil, err
		}
	}
	return args, nil
}

// Substitute replaces VAR/MVAR terms with the supplied instantiation
// arguments, returning an error for an index the arguments do not cover.
func Substitute(t Type, typeArgs, methodArgs []Type) (Type, error) {
	switch t.Elem {
	case ETVar:
		if int(t.Num) >= len(typeArgs) {
			return Type{}, fmt.Errorf("%w: type parameter %d with %d type arguments", metadata.ErrUnresolvedReference, t.Num, len(typeArgs))
		}
		return typeArgs[t.Num], nil
	case ETMVar:
		if int(t.Num) >= len(methodArgs) {
			return Type{}, fmt.Errorf("%w: method type parameter %d with %d arguments", metadata.ErrUnresolvedReference, t.Num, len(methodArgs))
		}
		return methodArgs[t.Num], nil
	case ETPtr, ETByRef, ETSZArray:
		inner, err := Substitute(*t.Inner, typeArgs, methodArgs)
		if err != nil {
			return Type{}, err
		}
		return Type{Elem: t.Elem, Inner: &inner}, nil
	case ETGenericInst:
		args := make([]Type, len(t.Args))
		for i, a := range t.Args {
			sub, err := Substitute(a, typeArgs, methodArgs)
			if err != nil {
				return Type{}, err
			}
			args[i] = sub
		}
		return Type{Elem: ETGenericInst, Ref: t.Ref, Args: args, ValueInst: t.ValueInst}, nil
	default:
		return t, nil
	}
}

// IsOpen reports whether the type still contains unsubstituted parameters.
func IsOpen(t Type) bool {
	switch t.Elem {
	case ETVar, ETMVar:
		return true
	case ETPtr, ETByRef, ETSZArray:
		return IsOpen(*t.Inner)
	case ETGenericInst:
		for _, a := range t.Args {
			if IsOpen(a) {
				return true
			}
		}
	}
	return false
}

// Key renders a canonical string for a closed type, used as a cache key for
// layouts. Open types have no key.
func Key(t Type) string {
	switch t.Elem {
	case ETValueType, ETClass:
		return t.Ref.String()
	case ETPtr:
		return "*" + Key(*t.Inner)
	case ETByRef:
		return "&" + Key(*t.Inner)
	case ETSZArray:
		return Key(*t.Inner) + "[]"
	case ETGenericInst:
		s := t.Ref.String() + "<"
		for i, a := range t.Args {
			if i > 0 {
				s += ","
			}
			s += Key(a)
		}
		return s + ">"
	case ETVar:
		return fmt.Sprintf("!%d", t.Num)
	case ETMVar:
		return fmt.Sprintf("!!%d", t.Num)
	default:
		return t.Elem.String()
	}
}
