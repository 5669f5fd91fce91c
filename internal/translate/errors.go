package translate

import "errors"

var (
	// ErrStackUnderflow means an instruction popped more entries than the
	// evaluation stack held at that point.
	ErrStackUnderflow = errors.New("evaluation stack underflow")
	// ErrTypeMismatch means an instruction's operands had evaluation-stack
	// kinds it does not accept.
	ErrTypeMismatch = errors.New("evaluation stack type mismatch")
	// ErrStackInconsistency means two control-flow paths reach the same
	// instruction with differing stack shapes.
	ErrStackInconsistency = errors.New("inconsistent evaluation stack at join point")
	// ErrUnsupportedInstruction reports an opcode outside the translated set.
	ErrUnsupportedInstruction = errors.New("unsupported instruction")
)
