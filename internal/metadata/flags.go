package metadata

// TypeAttributes is the TypeDef Flags column.
type TypeAttributes uint32

const (
	TypeAttrInterface      TypeAttributes = 0x0020
	TypeAttrAbstract       TypeAttributes = 0x0080
	TypeAttrSealed         TypeAttributes = 0x0100
	TypeAttrExplicitLayout TypeAttributes = 0x0010
	TypeAttrSequential     TypeAttributes = 0x0008
)

func (a TypeAttributes) IsInterface() bool { return a&TypeAttrInterface != 0 }

// FieldAttributes is the Field Flags column.
type FieldAttributes uint16

const (
	FieldAttrStatic  FieldAttributes = 0x0010
	FieldAttrLiteral FieldAttributes = 0x0040
	FieldAttrInitOnly FieldAttributes = 0x0020
)

func (a FieldAttributes) IsStatic() bool  { return a&FieldAttrStatic != 0 }
func (a FieldAttributes) IsLiteral() bool { return a&FieldAttrLiteral != 0 }

// MethodAttributes is the MethodDef Flags column.
type MethodAttributes uint16

const (
	MethodAttrStatic   MethodAttributes = 0x0010
	MethodAttrFinal    MethodAttributes = 0x0020
	MethodAttrVirtual  MethodAttributes = 0x0040
	MethodAttrNewSlot  MethodAttributes = 0x0100
	MethodAttrAbstract MethodAttributes = 0x0400
)

func (a MethodAttributes) IsStatic() bool  { return a&MethodAttrStatic != 0 }
func (a MethodAttributes) IsVirtual() bool { return a&MethodAttrVirtual != 0 }
func (a MethodAttributes) IsNewSlot() bool { return a&MethodAttrNewSlot != 0 }
func (a MethodAttributes) IsAbstract() bool { return a&MethodAttrAbstract != 0 }
