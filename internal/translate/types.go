package translate

import (
	"fmt"

	"github.com/llir/llvm/ir/types"

	"github.com/ilclang/ilc/internal/signature"
	"github.com/ilclang/ilc/internal/typesys"
)

var i8ptr = types.NewPointer(types.I8)

// isValueType reports whether a signature type is a value type that travels
// on the stack as a byte blob rather than a scalar.
func isValueType(t signature.Type) bool {
	switch t.Elem {
	case signature.ETValueType:
		return true
	case signature.ETGenericInst:
		return t.ValueInst
	}
	return false
}

// kindOf maps a signature type to its evaluation-stack kind. For value
// types the layout is resolved so join points can compare identities.
func (t *Translator) kindOf(st signature.Type) (kind, *typesys.Layout, error) {
	switch st.Elem {
	case signature.ETBoolean, signature.ETChar,
		signature.ETI1, signature.ETU1, signature.ETI2, signature.ETU2,
		signature.ETI4, signature.ETU4:
		return kindI32, nil, nil
	case signature.ETI8, signature.ETU8, signature.ETI, signature.ETU:
		return kindI64, nil, nil
	case signature.ETR4:
		return kindF32, nil, nil
	case signature.ETR8:
		return kindF64, nil, nil
	case signature.ETString, signature.ETObject, signature.ETClass, signature.ETSZArray:
		return kindRef, nil, nil
	case signature.ETPtr, signature.ETByRef:
		return kindPtr, nil, nil
	case signature.ETValueType, signature.ETGenericInst:
		if !isValueType(st) {
			return kindRef, nil, nil
		}
		l, err := t.builder.LayoutOf(st)
		if err != nil {
			return 0, nil, err
		}
		return kindValue, l, nil
	}
	return 0, nil, fmt.Errorf("%w: no stack kind for %s", ErrTypeMismatch, st.Elem)
}

// storageType is the backend type occupied by a field, local or argument
// of the given signature type. Value types become byte arrays of their
// instance size.
func (t *Translator) storageType(st signature.Type) (types.Type, error) {
	switch st.Elem {
	case signature.ETBoolean, signature.ETI1, signature.ETU1:
		return types.I8, nil
	case signature.ETChar, signature.ETI2, signature.ETU2:
		return types.I16, nil
	case signature.ETI4, signature.ETU4:
		return types.I32, nil
	case signature.ETI8, signature.ETU8, signature.ETI, signature.ETU:
		return types.I64, nil
	case signature.ETR4:
		return types.Float, nil
	case signature.ETR8:
		return types.Double, nil
	case signature.ETString, signature.ETObject, signature.ETClass,
		signature.ETSZArray, signature.ETPtr, signature.ETByRef:
		return i8ptr, nil
	case signature.ETValueType, signature.ETGenericInst:
		if !isValueType(st) {
			return i8ptr, nil
		}
		l, err := t.builder.LayoutOf(st)
		if err != nil {
			return nil, err
		}
		return types.NewArray(uint64(l.Size), types.I8), nil
	}
	return nil, fmt.Errorf("%w: no storage type for %s", ErrTypeMismatch, st.Elem)
}

// abiType is the backend type a parameter of this signature type has at
// call boundaries: scalars pass directly, value types pass as a pointer to
// a caller-owned copy.
func (t *Translator) abiType(st signature.Type) (types.Type, error) {
	if isValueType(st) {
		return i8ptr, nil
	}
	return t.storageType(st)
}
