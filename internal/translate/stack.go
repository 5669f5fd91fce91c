package translate

import (
	"fmt"

	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/ilclang/ilc/internal/typesys"
)

// kind classifies one evaluation-stack entry. Join points require exact
// kind agreement between all incoming paths.
type kind uint8

const (
	kindI32 kind = iota
	kindI64
	kindF32
	kindF64
	// kindRef is an object reference.
	kindRef
	// kindPtr is a managed pointer (ldloca, ldarga, ldflda).
	kindPtr
	// kindValue is a value-type instance; its value is a pointer to a
	// stack copy and its layout identifies the type.
	kindValue
)

func (k kind) String() string {
	switch k {
	case kindI32:
		return "int32"
	case kindI64:
		return "int64"
	case kindF32:
		return "float32"
	case kindF64:
		return "float64"
	case kindRef:
		return "ref"
	case kindPtr:
		return "ptr"
	case kindValue:
		return "value"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k kind) isInt() bool   { return k == kindI32 || k == kindI64 }
func (k kind) isFloat() bool { return k == kindF32 || k == kindF64 }

// spillType is the backend type a spilled entry of this kind occupies at
// block boundaries.
func (k kind) spillType() types.Type {
	switch k {
	case kindI32:
		return types.I32
	case kindI64:
		return types.I64
	case kindF32:
		return types.Float
	case kindF64:
		return types.Double
	default:
		return types.NewPointer(types.I8)
	}
}

// entry is one evaluation-stack slot.
type entry struct {
	k kind
	v value.Value
	// layout is set for kindValue entries only.
	layout *typesys.Layout
}

// entryKind is the join-point shape of one slot: the kind, plus the layout
// identity for value-type entries.
type entryKind struct {
	k      kind
	layout *typesys.Layout
}

func shapeOf(stack []entry) []entryKind {
	out := make([]entryKind, len(stack))
	for i, e := range stack {
		out[i] = entryKind{k: e.k, layout: e.layout}
	}
	return out
}

func sameShape(a, b []entryKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
