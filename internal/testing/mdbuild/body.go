package mdbuild

import (
	"encoding/binary"
	"math"

	"github.com/ilclang/ilc/internal/il"
)

// TinyBody encodes a tiny-format method body. Code must stay under 64 bytes
// and use no locals or exception clauses.
func TinyBody(code []byte) []byte {
	if len(code) >= 64 {
		panic("tiny body code too long")
	}
	out := []byte{byte(len(code))<<2 | 0x02}
	return append(out, code...)
}

// FatBody encodes a fat-format method body with optional exception clauses
// in the fat clause encoding.
func FatBody(maxStack uint16, localSigToken uint32, code []byte, clauses ...il.EHClause) []byte {
	flags := uint16(0x3013) // fat, init locals, header size 3 dwords
	if len(clauses) > 0 {
		flags |= 0x08
	}
	out := make([]byte, 12)
	binary.LittleEndian.PutUint16(out, flags)
	binary.LittleEndian.PutUint16(out[2:], maxStack)
	binary.LittleEndian.PutUint32(out[4:], uint32(len(code)))
	binary.LittleEndian.PutUint32(out[8:], localSigToken)
	out = append(out, code...)

	if len(clauses) > 0 {
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
		size := uint32(4 + 24*len(clauses))
		out = append(out, 0x41, byte(size), byte(size>>8), byte(size>>16))
		for _, c := range clauses {
			var buf [24]byte
			binary.LittleEndian.PutUint32(buf[0:], uint32(c.Kind))
			binary.LittleEndian.PutUint32(buf[4:], c.TryOffset)
			binary.LittleEndian.PutUint32(buf[8:], c.TryLength)
			binary.LittleEndian.PutUint32(buf[12:], c.HandlerOffset)
			binary.LittleEndian.PutUint32(buf[16:], c.HandlerLength)
			binary.LittleEndian.PutUint32(buf[20:], c.ClassToken)
			out = append(out, buf[:]...)
		}
	}
	return out
}

// Asm is a tiny instruction-stream assembler for tests.
type Asm struct {
	code []byte
}

func NewAsm() *Asm { return &Asm{} }

// Op appends opcode bytes (two bytes for 0xFE-prefixed opcodes).
func (a *Asm) Op(op il.Opcode) *Asm {
	if op > 0xFF {
		a.code = append(a.code, 0xFE, byte(op))
	} else {
		a.code = append(a.code, byte(op))
	}
	return a
}

// I8 appends a one-byte operand.
func (a *Asm) I8(v int8) *Asm {
	a.code = append(a.code, byte(v))
	return a
}

// I32 appends a four-byte operand.
func (a *Asm) I32(v int32) *Asm {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	a.code = append(a.code, buf[:]...)
	return a
}

// I64 appends an eight-byte operand.
func (a *Asm) I64(v int64) *Asm {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	a.code = append(a.code, buf[:]...)
	return a
}

// F64 appends an r8 operand.
func (a *Asm) F64(v float64) *Asm {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	a.code = append(a.code, buf[:]...)
	return a
}

// Token appends a metadata token operand.
func (a *Asm) Token(tok uint32) *Asm { return a.I32(int32(tok)) }

// Len returns the current code offset.
func (a *Asm) Len() uint32 { return uint32(len(a.code)) }

// Bytes returns the assembled stream.
func (a *Asm) Bytes() []byte { return a.code }
