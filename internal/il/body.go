package il

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ilclang/ilc/internal/metadata"
)

// Header format bits.
const (
	formatMask   = 0x03
	formatTiny   = 0x02
	formatFat    = 0x03
	fatMoreSects = 0x08

	sectEHTable   = 0x01
	sectFatFormat = 0x40
	sectMoreSects = 0x80
)

// EHKind is the clause kind of a protected region.
type EHKind uint32

const (
	EHCatch   EHKind = 0
	EHFilter  EHKind = 1
	EHFinally EHKind = 2
	EHFault   EHKind = 4
)

// EHClause is one exception clause, with offsets relative to the start of
// the method's code.
type EHClause struct {
	Kind          EHKind
	TryOffset     uint32
	TryLength     uint32
	HandlerOffset uint32
	HandlerLength uint32
	// ClassToken is the caught exception type for catch clauses.
	ClassToken uint32
}

// Body is one decoded method body.
type Body struct {
	MaxStack      uint32
	LocalSigToken uint32
	InitLocals    bool
	Code          []byte
	EHClauses     []EHClause
}

// DecodeBody reads a tiny- or fat-format method body starting at the given
// bytes. Exception clause sections follow the code, 4-byte aligned.
func DecodeBody(b []byte) (*Body, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty method body", metadata.ErrMalformedImage)
	}

	switch b[0] & formatMask {
	case formatTiny:
		size := uint32(b[0] >> 2)
		if int64(1+size) > int64(len(b)) {
			return nil, fmt.Errorf("%w: tiny body of %d code bytes truncated", metadata.ErrMalformedImage, size)
		}
		return &Body{MaxStack: 8, Code: b[1 : 1+size]}, nil

	case formatFat:
		if len(b) < 12 {
			return nil, fmt.Errorf("%w: fat body header truncated", metadata.ErrMalformedImage)
		}
		flags := binary.LittleEndian.Uint16(b)
		headerSize := uint32(b[1]>>4) * 4
		if headerSize < 12 {
			return nil, fmt.Errorf("%w: fat header size %d", metadata.ErrMalformedImage, headerSize)
		}
		body := &Body{
			MaxStack:      uint32(binary.LittleEndian.Uint16(b[2:])),
			LocalSigToken: binary.LittleEndian.Uint32(b[8:]),
			InitLocals:    flags&0x10 != 0,
		}
		codeSize := binary.LittleEndian.Uint32(b[4:])
		if int64(headerSize)+int64(codeSize) > int64(len(b)) {
			return nil, fmt.Errorf("%w: fat body of %d code bytes truncated", metadata.ErrMalformedImage, codeSize)
		}
		body.Code = b[headerSize : headerSize+codeSize]

		if flags&fatMoreSects != 0 {
			sectStart := (headerSize + codeSize + 3) &^ 3
			if err := decodeEHSections(b, sectStart, body); err != nil {
				return nil, err
			}
		}
		return body, nil
	}
	return nil, fmt.Errorf("%w: method body format bits %#x", metadata.ErrMalformedImage, b[0]&formatMask)
}

func decodeEHSections(b []byte, pos uint32, body *Body) error {
	for {
		if int64(pos)+4 > int64(len(b)) {
			return fmt.Errorf("%w: data section header truncated", metadata.ErrMalformedImage)
		}
		kind := b[pos]
		if kind&sectEHTable == 0 {
			return fmt.Errorf("%w: unknown data section kind %#x", metadata.ErrMalformedImage, kind)
		}

		if kind&sectFatFormat != 0 {
			size := uint32(b[pos+1]) | uint32(b[pos+2])<<8 | uint32(b[pos+3])<<16
			n := (size - 4) / 24
			if int64(pos)+int64(size) > int64(len(b)) {
				return fmt.Errorf("%w: fat clause section truncated", metadata.ErrMalformedImage)
			}
			c := pos + 4
			for i := uint32(0); i < n; i++ {
				body.EHClauses = append(body.EHClauses, EHClause{
					Kind:          EHKind(binary.LittleEndian.Uint32(b[c:])),
					TryOffset:     binary.LittleEndian.Uint32(b[c+4:]),
					TryLength:     binary.LittleEndian.Uint32(b[c+8:]),
					HandlerOffset: binary.LittleEndian.Uint32(b[c+12:]),
					HandlerLength: binary.LittleEndian.Uint32(b[c+16:]),
					ClassToken:    binary.LittleEndian.Uint32(b[c+20:]),
				})
				c += 24
			}
			pos += size
		} else {
			size := uint32(b[pos+1])
			n := (size - 4) / 12
			if int64(pos)+int64(size) > int64(len(b)) {
				return fmt.Errorf("%w: small clause section truncated", metadata.ErrMalformedImage)
			}
			c := pos + 4
			for i := uint32(0); i < n; i++ {
				body.EHClauses = append(body.EHClauses, EHClause{
					Kind:          EHKind(binary.LittleEndian.Uint16(b[c:])),
					TryOffset:     uint32(binary.LittleEndian.Uint16(b[c+2:])),
					TryLength:     uint32(b[c+4]),
					HandlerOffset: uint32(binary.LittleEndian.Uint16(b[c+5:])),
					HandlerLength: uint32(b[c+7]),
					ClassToken:    binary.LittleEndian.Uint32(b[c+8:]),
				})
				c += 12
			}
			pos += size
		}

		if kind&sectMoreSects == 0 {
			return nil
		}
	}
}

// Instruction is one decoded operation with its absolute code offset and
// whichever operand its opcode declares.
type Instruction struct {
	Offset uint32
	Op     Opcode
	// Int holds integer operands (including local/arg indices), Float the
	// r4/r8 operands, Token metadata tokens, Target the absolute offset of
	// a branch target.
	Int    int64
	Float  float64
	Token  uint32
	Target uint32
	// Next is the offset of the following instruction.
	Next uint32
}

// Decode expands the code stream into instruction records with absolute
// branch targets.
func Decode(code []byte) ([]Instruction, error) {
	var out []Instruction
	pos := uint32(0)
	for int64(pos) < int64(len(code)) {
		ins := Instruction{Offset: pos}
		op := Opcode(code[pos])
		pos++
		if op == 0xFE {
			if int64(pos) >= int64(len(code)) {
				return nil, fmt.Errorf("%w: truncated two-byte opcode at %#x", metadata.ErrMalformedImage, ins.Offset)
			}
			op = 0xFE00 | Opcode(code[pos])
			pos++
		}
		ins.Op = op

		kind := operandKinds[op]
		need := operandSize(kind)
		if int64(pos)+int64(need) > int64(len(code)) {
			return nil, fmt.Errorf("%w: operand of %s at %#x truncated", metadata.ErrMalformedImage, op, ins.Offset)
		}
		switch kind {
		case operandInt8:
			ins.Int = int64(int8(code[pos]))
		case operandUint8:
			ins.Int = int64(code[pos])
		case operandUint16:
			ins.Int = int64(binary.LittleEndian.Uint16(code[pos:]))
		case operandInt32:
			ins.Int = int64(int32(binary.LittleEndian.Uint32(code[pos:])))
		case operandInt64:
			ins.Int = int64(binary.LittleEndian.Uint64(code[pos:]))
		case operandFloat32:
			ins.Float = float64(math.Float32frombits(binary.LittleEndian.Uint32(code[pos:])))
		case operandFloat64:
			ins.Float = math.Float64frombits(binary.LittleEndian.Uint64(code[pos:]))
		case operandToken:
			ins.Token = binary.LittleEndian.Uint32(code[pos:])
		case operandBranch8:
			rel := int32(int8(code[pos]))
			ins.Target = uint32(int32(pos) + 1 + rel)
		case operandBranch32:
			rel := int32(binary.LittleEndian.Uint32(code[pos:]))
			ins.Target = uint32(int32(pos) + 4 + rel)
		case operandSwitch:
			// The jump table length precedes the targets; decoding it fully
			// is pointless while the translator rejects switch anyway.
			n := binary.LittleEndian.Uint32(code[pos:])
			need += n * 4
			if int64(pos)+int64(need) > int64(len(code)) {
				return nil, fmt.Errorf("%w: switch table at %#x truncated", metadata.ErrMalformedImage, ins.Offset)
			}
		}
		pos += need
		ins.Next = pos
		out = append(out, ins)
	}
	return out, nil
}

func operandSize(k operandKind) uint32 {
	switch k {
	case operandNone:
		return 0
	case operandInt8, operandUint8, operandBranch8:
		return 1
	case operandUint16:
		return 2
	case operandInt32, operandFloat32, operandToken, operandBranch32, operandSwitch:
		return 4
	case operandInt64, operandFloat64:
		return 8
	}
	return 0
}
