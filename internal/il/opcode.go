// Package il decodes stack-based method bodies: header formats, exception
// clause sections and the instruction stream itself.
package il

import "fmt"

// Opcode is a bytecode operation. Single-byte opcodes use their encoding
// value; two-byte opcodes carry the 0xFE prefix in the high byte.
type Opcode uint16

const (
	OpNop        Opcode = 0x00
	OpBreak      Opcode = 0x01
	OpLdarg0     Opcode = 0x02
	OpLdarg1     Opcode = 0x03
	OpLdarg2     Opcode = 0x04
	OpLdarg3     Opcode = 0x05
	OpLdloc0     Opcode = 0x06
	OpLdloc1     Opcode = 0x07
	OpLdloc2     Opcode = 0x08
	OpLdloc3     Opcode = 0x09
	OpStloc0     Opcode = 0x0A
	OpStloc1     Opcode = 0x0B
	OpStloc2     Opcode = 0x0C
	OpStloc3     Opcode = 0x0D
	OpLdargS     Opcode = 0x0E
	OpLdargaS    Opcode = 0x0F
	OpStargS     Opcode = 0x10
	OpLdlocS     Opcode = 0x11
	OpLdlocaS    Opcode = 0x12
	OpStlocS     Opcode = 0x13
	OpLdnull     Opcode = 0x14
	OpLdcI4M1    Opcode = 0x15
	OpLdcI40     Opcode = 0x16
	OpLdcI41     Opcode = 0x17
	OpLdcI42     Opcode = 0x18
	OpLdcI43     Opcode = 0x19
	OpLdcI44     Opcode = 0x1A
	OpLdcI45     Opcode = 0x1B
	OpLdcI46    Opcode = 0x1C
	OpLdcI47     Opcode = 0x1D
	OpLdcI48     Opcode = 0x1E
	OpLdcI4S     Opcode = 0x1F
	OpLdcI4      Opcode = 0x20
	OpLdcI8      Opcode = 0x21
	OpLdcR4      Opcode = 0x22
	OpLdcR8      Opcode = 0x23
	OpDup        Opcode = 0x25
	OpPop        Opcode = 0x26
	OpCall       Opcode = 0x28
	OpRet        Opcode = 0x2A
	OpBrS        Opcode = 0x2B
	OpBrfalseS   Opcode = 0x2C
	OpBrtrueS    Opcode = 0x2D
	OpBeqS       Opcode = 0x2E
	OpBgeS       Opcode = 0x2F
	OpBgtS       Opcode = 0x30
	OpBleS       Opcode = 0x31
	OpBltS       Opcode = 0x32
	OpBneUnS     Opcode = 0x33
	OpBgeUnS     Opcode = 0x34
	OpBgtUnS     Opcode = 0x35
	OpBleUnS     Opcode = 0x36
	OpBltUnS     Opcode = 0x37
	OpBr         Opcode = 0x38
	OpBrfalse    Opcode = 0x39
	OpBrtrue     Opcode = 0x3A
	OpBeq        Opcode = 0x3B
	OpBge        Opcode = 0x3C
	OpBgt        Opcode = 0x3D
	OpBle        Opcode = 0x3E
	OpBlt        Opcode = 0x3F
	OpBneUn      Opcode = 0x40
	OpBgeUn      Opcode = 0x41
	OpBgtUn      Opcode = 0x42
	OpBleUn      Opcode = 0x43
	OpBltUn      Opcode = 0x44
	OpSwitch     Opcode = 0x45
	OpAdd        Opcode = 0x58
	OpSub        Opcode = 0x59
	OpMul        Opcode = 0x5A
	OpDiv        Opcode = 0x5B
	OpDivUn      Opcode = 0x5C
	OpRem        Opcode = 0x5D
	OpRemUn      Opcode = 0x5E
	OpAnd        Opcode = 0x5F
	OpOr         Opcode = 0x60
	OpXor        Opcode = 0x61
	OpShl        Opcode = 0x62
	OpShr        Opcode = 0x63
	OpShrUn      Opcode = 0x64
	OpNeg        Opcode = 0x65
	OpNot        Opcode = 0x66
	OpConvI1     Opcode = 0x67
	OpConvI2     Opcode = 0x68
	OpConvI4     Opcode = 0x69
	OpConvI8     Opcode = 0x6A
	OpConvR4     Opcode = 0x6B
	OpConvR8     Opcode = 0x6C
	OpConvU4     Opcode = 0x6D
	OpConvU8     Opcode = 0x6E
	OpCallvirt   Opcode = 0x6F
	OpLdstr      Opcode = 0x72
	OpNewobj     Opcode = 0x73
	OpCastclass  Opcode = 0x74
	OpIsinst     Opcode = 0x75
	OpThrow      Opcode = 0x7A
	OpLdfld      Opcode = 0x7B
	OpLdflda     Opcode = 0x7C
	OpStfld      Opcode = 0x7D
	OpLdsfld     Opcode = 0x7E
	OpLdsflda    Opcode = 0x7F
	OpStsfld     Opcode = 0x80
	OpBox        Opcode = 0x8C
	OpNewarr     Opcode = 0x8D
	OpLdlen      Opcode = 0x8E
	OpLdelemI4   Opcode = 0x94
	OpLdelemI8   Opcode = 0x96
	OpLdelemR8   Opcode = 0x99
	OpLdelemRef  Opcode = 0x9A
	OpStelemI4   Opcode = 0x9E
	OpStelemI8   Opcode = 0x9F
	OpStelemR8   Opcode = 0xA1
	OpStelemRef  Opcode = 0xA2
	OpLdelem     Opcode = 0xA3
	OpStelem     Opcode = 0xA4
	OpUnboxAny   Opcode = 0xA5
	OpLdtoken    Opcode = 0xD0
	OpConvU2     Opcode = 0xD1
	OpConvU1     Opcode = 0xD2
	OpConvI      Opcode = 0xD3
	OpEndfinally Opcode = 0xDC
	OpLeave      Opcode = 0xDD
	OpLeaveS     Opcode = 0xDE
	OpConvU      Opcode = 0xE0

	OpCeq      Opcode = 0xFE01
	OpCgt      Opcode = 0xFE02
	OpCgtUn    Opcode = 0xFE03
	OpClt      Opcode = 0xFE04
	OpCltUn    Opcode = 0xFE05
	OpLdarg    Opcode = 0xFE09
	OpLdarga   Opcode = 0xFE0A
	OpStarg    Opcode = 0xFE0B
	OpLdloc    Opcode = 0xFE0C
	OpLdloca   Opcode = 0xFE0D
	OpStloc    Opcode = 0xFE0E
	OpInitobj  Opcode = 0xFE15
	OpRethrow  Opcode = 0xFE1A
)

// operandKind says what trails the opcode byte(s) in the stream.
type operandKind uint8

const (
	operandNone operandKind = iota
	operandInt8
	operandUint8
	operandUint16
	operandInt32
	operandInt64
	operandFloat32
	operandFloat64
	operandToken
	operandBranch8
	operandBranch32
	operandSwitch
)

var operandKinds = map[Opcode]operandKind{
	OpLdargS: operandUint8, OpLdargaS: operandUint8, OpStargS: operandUint8,
	OpLdlocS: operandUint8, OpLdlocaS: operandUint8, OpStlocS: operandUint8,
	OpLdcI4S: operandInt8, OpLdcI4: operandInt32, OpLdcI8: operandInt64,
	OpLdcR4: operandFloat32, OpLdcR8: operandFloat64,
	OpCall: operandToken, OpCallvirt: operandToken, OpNewobj: operandToken,
	OpLdstr: operandToken, OpCastclass: operandToken, OpIsinst: operandToken,
	OpLdfld: operandToken, OpLdflda: operandToken, OpStfld: operandToken,
	OpLdsfld: operandToken, OpLdsflda: operandToken, OpStsfld: operandToken,
	OpBox: operandToken, OpNewarr: operandToken, OpLdelem: operandToken,
	OpStelem: operandToken, OpUnboxAny: operandToken, OpLdtoken: operandToken,
	OpInitobj: operandToken,
	OpBrS: operandBranch8, OpBrfalseS: operandBranch8, OpBrtrueS: operandBranch8,
	OpBeqS: operandBranch8, OpBgeS: operandBranch8, OpBgtS: operandBranch8,
	OpBleS: operandBranch8, OpBltS: operandBranch8, OpBneUnS: operandBranch8,
	OpBgeUnS: operandBranch8, OpBgtUnS: operandBranch8, OpBleUnS: operandBranch8,
	OpBltUnS: operandBranch8, OpLeaveS: operandBranch8,
	OpBr: operandBranch32, OpBrfalse: operandBranch32, OpBrtrue: operandBranch32,
	OpBeq: operandBranch32, OpBge: operandBranch32, OpBgt: operandBranch32,
	OpBle: operandBranch32, OpBlt: operandBranch32, OpBneUn: operandBranch32,
	OpBgeUn: operandBranch32, OpBgtUn: operandBranch32, OpBleUn: operandBranch32,
	OpBltUn: operandBranch32, OpLeave: operandBranch32,
	OpSwitch: operandSwitch,
	OpLdarg: operandUint16, OpLdarga: operandUint16, OpStarg: operandUint16,
	OpLdloc: operandUint16, OpLdloca: operandUint16, OpStloc: operandUint16,
}

var opcodeNames = map[Opcode]string{
	OpNop: "nop", OpBreak: "break",
	OpLdarg0: "ldarg.0", OpLdarg1: "ldarg.1", OpLdarg2: "ldarg.2", OpLdarg3: "ldarg.3",
	OpLdloc0: "ldloc.0", OpLdloc1: "ldloc.1", OpLdloc2: "ldloc.2", OpLdloc3: "ldloc.3",
	OpStloc0: "stloc.0", OpStloc1: "stloc.1", OpStloc2: "stloc.2", OpStloc3: "stloc.3",
	OpLdargS: "ldarg.s", OpLdargaS: "ldarga.s", OpStargS: "starg.s",
	OpLdlocS: "ldloc.s", OpLdlocaS: "ldloca.s", OpStlocS: "stloc.s",
	OpLdnull: "ldnull", OpLdcI4M1: "ldc.i4.m1",
	OpLdcI40: "ldc.i4.0", OpLdcI41: "ldc.i4.1", OpLdcI42: "ldc.i4.2", OpLdcI43: "ldc.i4.3",
	OpLdcI44: "ldc.i4.4", OpLdcI45: "ldc.i4.5", OpLdcI46: "ldc.i4.6", OpLdcI47: "ldc.i4.7",
	OpLdcI48: "ldc.i4.8", OpLdcI4S: "ldc.i4.s", OpLdcI4: "ldc.i4", OpLdcI8: "ldc.i8",
	OpLdcR4: "ldc.r4", OpLdcR8: "ldc.r8",
	OpDup: "dup", OpPop: "pop", OpCall: "call", OpRet: "ret",
	OpBrS: "br.s", OpBrfalseS: "brfalse.s", OpBrtrueS: "brtrue.s",
	OpBeqS: "beq.s", OpBgeS: "bge.s", OpBgtS: "bgt.s", OpBleS: "ble.s", OpBltS: "blt.s",
	OpBneUnS: "bne.un.s", OpBgeUnS: "bge.un.s", OpBgtUnS: "bgt.un.s",
	OpBleUnS: "ble.un.s", OpBltUnS: "blt.un.s",
	OpBr: "br", OpBrfalse: "brfalse", OpBrtrue: "brtrue",
	OpBeq: "beq", OpBge: "bge", OpBgt: "bgt", OpBle: "ble", OpBlt: "blt",
	OpBneUn: "bne.un", OpBgeUn: "bge.un", OpBgtUn: "bgt.un", OpBleUn: "ble.un", OpBltUn: "blt.un",
	OpSwitch: "switch",
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpDivUn: "div.un",
	OpRem: "rem", OpRemUn: "rem.un", OpAnd: "and", OpOr: "or", OpXor: "xor",
	OpShl: "shl", OpShr: "shr", OpShrUn: "shr.un", OpNeg: "neg", OpNot: "not",
	OpConvI1: "conv.i1", OpConvI2: "conv.i2", OpConvI4: "conv.i4", OpConvI8: "conv.i8",
	OpConvR4: "conv.r4", OpConvR8: "conv.r8", OpConvU4: "conv.u4", OpConvU8: "conv.u8",
	OpConvU2: "conv.u2", OpConvU1: "conv.u1", OpConvI: "conv.i", OpConvU: "conv.u",
	OpCallvirt: "callvirt", OpLdstr: "ldstr", OpNewobj: "newobj",
	OpCastclass: "castclass", OpIsinst: "isinst", OpThrow: "throw",
	OpLdfld: "ldfld", OpLdflda: "ldflda", OpStfld: "stfld",
	OpLdsfld: "ldsfld", OpLdsflda: "ldsflda", OpStsfld: "stsfld",
	OpBox: "box", OpNewarr: "newarr", OpLdlen: "ldlen",
	OpLdelemI4: "ldelem.i4", OpLdelemI8: "ldelem.i8", OpLdelemR8: "ldelem.r8",
	OpLdelemRef: "ldelem.ref", OpStelemI4: "stelem.i4", OpStelemI8: "stelem.i8",
	OpStelemR8: "stelem.r8", OpStelemRef: "stelem.ref",
	OpLdelem: "ldelem", OpStelem: "stelem", OpUnboxAny: "unbox.any",
	OpLdtoken: "ldtoken", OpEndfinally: "endfinally",
	OpLeave: "leave", OpLeaveS: "leave.s",
	OpCeq: "ceq", OpCgt: "cgt", OpCgtUn: "cgt.un", OpClt: "clt", OpCltUn: "clt.un",
	OpLdarg: "ldarg", OpLdarga: "ldarga", OpStarg: "starg",
	OpLdloc: "ldloc", OpLdloca: "ldloca", OpStloc: "stloc",
	OpInitobj: "initobj", OpRethrow: "rethrow",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	if op > 0xFF {
		return fmt.Sprintf("op(0xfe 0x%02x)", byte(op))
	}
	return fmt.Sprintf("op(0x%02x)", byte(op))
}

// IsBranch reports whether the opcode transfers control to an explicit
// target (leave included).
func (op Opcode) IsBranch() bool {
	k := operandKinds[op]
	return k == operandBranch8 || k == operandBranch32
}

// IsUnconditional reports whether control never falls through.
func (op Opcode) IsUnconditional() bool {
	switch op {
	case OpBr, OpBrS, OpRet, OpThrow, OpRethrow, OpLeave, OpLeaveS, OpEndfinally:
		return true
	}
	return false
}
