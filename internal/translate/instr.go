package translate

import (
	"fmt"

	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/ilclang/ilc/internal/il"
	"github.com/ilclang/ilc/internal/ilcdebug"
	"github.com/ilclang/ilc/internal/metadata"
	"github.com/ilclang/ilc/internal/signature"
	"github.com/ilclang/ilc/internal/typesys"
)

// translateInst lowers one instruction. The bool result reports that the
// instruction terminated the current block.
func (s *fnState) translateInst(ins il.Instruction) (bool, error) {
	switch ins.Op {
	case il.OpNop, il.OpBreak:
		return false, nil

	case il.OpLdarg0, il.OpLdarg1, il.OpLdarg2, il.OpLdarg3:
		return false, s.loadArg(int(ins.Op - il.OpLdarg0))
	case il.OpLdargS, il.OpLdarg:
		return false, s.loadArg(int(ins.Int))
	case il.OpLdargaS, il.OpLdarga:
		return false, s.loadSlotAddr(s.argSlots, int(ins.Int))
	case il.OpStargS, il.OpStarg:
		return false, s.storeArg(int(ins.Int))

	case il.OpLdloc0, il.OpLdloc1, il.OpLdloc2, il.OpLdloc3:
		return false, s.loadLoc(int(ins.Op - il.OpLdloc0))
	case il.OpLdlocS, il.OpLdloc:
		return false, s.loadLoc(int(ins.Int))
	case il.OpLdlocaS, il.OpLdloca:
		return false, s.loadSlotAddr(s.locSlots, int(ins.Int))
	case il.OpStloc0, il.OpStloc1, il.OpStloc2, il.OpStloc3:
		return false, s.storeLoc(int(ins.Op - il.OpStloc0))
	case il.OpStlocS, il.OpStloc:
		return false, s.storeLoc(int(ins.Int))

	case il.OpLdnull:
		s.push(entry{k: kindRef, v: constant.NewNull(i8ptr)})
		return false, nil
	case il.OpLdcI4M1, il.OpLdcI40, il.OpLdcI41, il.OpLdcI42, il.OpLdcI43,
		il.OpLdcI44, il.OpLdcI45, il.OpLdcI46, il.OpLdcI47, il.OpLdcI48:
		s.push(entry{k: kindI32, v: constant.NewInt(types.I32, int64(ins.Op-il.OpLdcI40))})
		return false, nil
	case il.OpLdcI4S, il.OpLdcI4:
		s.push(entry{k: kindI32, v: constant.NewInt(types.I32, ins.Int)})
		return false, nil
	case il.OpLdcI8:
		s.push(entry{k: kindI64, v: constant.NewInt(types.I64, ins.Int)})
		return false, nil
	case il.OpLdcR4:
		s.push(entry{k: kindF32, v: constant.NewFloat(types.Float, ins.Float)})
		return false, nil
	case il.OpLdcR8:
		s.push(entry{k: kindF64, v: constant.NewFloat(types.Double, ins.Float)})
		return false, nil

	case il.OpDup:
		return false, s.translateDup()
	case il.OpPop:
		_, err := s.pop()
		return false, err

	case il.OpAdd, il.OpSub, il.OpMul, il.OpDiv, il.OpDivUn, il.OpRem, il.OpRemUn:
		return false, s.translateArith(ins.Op)
	case il.OpAnd, il.OpOr, il.OpXor:
		return false, s.translateBitwise(ins.Op)
	case il.OpShl, il.OpShr, il.OpShrUn:
		return false, s.translateShift(ins.Op)
	case il.OpNeg, il.OpNot:
		return false, s.translateUnary(ins.Op)

	case il.OpConvI1, il.OpConvI2, il.OpConvI4, il.OpConvI8,
		il.OpConvU1, il.OpConvU2, il.OpConvU4, il.OpConvU8,
		il.OpConvI, il.OpConvU, il.OpConvR4, il.OpConvR8:
		return false, s.translateConv(ins.Op)

	case il.OpCeq, il.OpCgt, il.OpCgtUn, il.OpClt, il.OpCltUn:
		return false, s.translateCompare(ins.Op)

	case il.OpBr, il.OpBrS:
		blk, err := s.edge(ins.Target)
		if err != nil {
			return false, err
		}
		s.cur.NewBr(blk)
		return true, nil
	case il.OpBrtrue, il.OpBrtrueS, il.OpBrfalse, il.OpBrfalseS:
		return true, s.translateBrBool(ins)
	case il.OpBeq, il.OpBeqS, il.OpBge, il.OpBgeS, il.OpBgt, il.OpBgtS,
		il.OpBle, il.OpBleS, il.OpBlt, il.OpBltS,
		il.OpBneUn, il.OpBneUnS, il.OpBgeUn, il.OpBgeUnS, il.OpBgtUn, il.OpBgtUnS,
		il.OpBleUn, il.OpBleUnS, il.OpBltUn, il.OpBltUnS:
		return true, s.translateBrCmp(ins)

	case il.OpRet:
		return true, s.translateRet()

	case il.OpCall:
		return false, s.translateCall(ins, false)
	case il.OpCallvirt:
		return false, s.translateCall(ins, true)
	case il.OpNewobj:
		return false, s.translateNewobj(ins)

	case il.OpLdstr:
		return false, s.translateLdstr(ins)

	case il.OpLdfld:
		return false, s.translateLdfld(ins, false)
	case il.OpLdflda:
		return false, s.translateLdfld(ins, true)
	case il.OpStfld:
		return false, s.translateStfld(ins)
	case il.OpLdsfld:
		return false, s.translateLdsfld(ins, false)
	case il.OpLdsflda:
		return false, s.translateLdsfld(ins, true)
	case il.OpStsfld:
		return false, s.translateStsfld(ins)

	case il.OpCastclass:
		return false, s.translateCast(ins, true)
	case il.OpIsinst:
		return false, s.translateCast(ins, false)
	case il.OpBox:
		return false, s.translateBox(ins)
	case il.OpUnboxAny:
		return false, s.translateUnboxAny(ins)
	case il.OpInitobj:
		return false, s.translateInitobj(ins)

	case il.OpNewarr:
		return false, s.translateNewarr(ins)
	case il.OpLdlen:
		return false, s.translateLdlen()
	case il.OpLdelemI4, il.OpLdelemI8, il.OpLdelemR8, il.OpLdelemRef, il.OpLdelem:
		return false, s.translateLdelem(ins)
	case il.OpStelemI4, il.OpStelemI8, il.OpStelemR8, il.OpStelemRef, il.OpStelem:
		return false, s.translateStelem(ins)

	case il.OpThrow:
		return true, s.translateThrow(ins)
	case il.OpRethrow:
		return true, s.translateRethrow(ins)
	case il.OpLeave, il.OpLeaveS:
		return true, s.translateLeave(ins)
	case il.OpEndfinally:
		return true, s.translateEndfinally(ins)
	}
	return false, fmt.Errorf("offset 0x%04x: %w: %s", ins.Offset, ErrUnsupportedInstruction, ins.Op)
}

// -- slots ---------------------------------------------------------------

func (s *fnState) loadArg(n int) error {
	if n >= len(s.argSlots) {
		return fmt.Errorf("offset 0x%04x: %w: argument %d out of range", s.at, metadata.ErrMalformedImage, n)
	}
	return s.loadSlot(s.argSlots[n], s.argTypes[n])
}

func (s *fnState) storeArg(n int) error {
	if n >= len(s.argSlots) {
		return fmt.Errorf("offset 0x%04x: %w: argument %d out of range", s.at, metadata.ErrMalformedImage, n)
	}
	return s.storeSlot(s.argSlots[n], s.argTypes[n])
}

func (s *fnState) loadLoc(n int) error {
	if n >= len(s.locSlots) {
		return fmt.Errorf("offset 0x%04x: %w: local %d out of range", s.at, metadata.ErrMalformedImage, n)
	}
	return s.loadSlot(s.locSlots[n], s.locTypes[n])
}

func (s *fnState) storeLoc(n int) error {
	if n >= len(s.locSlots) {
		return fmt.Errorf("offset 0x%04x: %w: local %d out of range", s.at, metadata.ErrMalformedImage, n)
	}
	return s.storeSlot(s.locSlots[n], s.locTypes[n])
}

func (s *fnState) loadSlotAddr(slots []value.Value, n int) error {
	if n >= len(slots) {
		return fmt.Errorf("offset 0x%04x: %w: slot %d out of range", s.at, metadata.ErrMalformedImage, n)
	}
	s.push(entry{k: kindPtr, v: s.rawPtr(slots[n])})
	return nil
}

// loadSlot pushes the widened contents of a frame slot. Value types push a
// fresh copy so later stores to the slot cannot alias the stack entry.
func (s *fnState) loadSlot(slot value.Value, st signature.Type) error {
	if isValueType(st) {
		l, err := s.t.builder.LayoutOf(st)
		if err != nil {
			return err
		}
		s.push(s.valueCopy(l, s.rawPtr(slot)))
		return nil
	}
	typ, err := s.t.storageType(st)
	if err != nil {
		return err
	}
	v := s.cur.NewLoad(typ, slot)
	e, err := s.widen(v, st)
	if err != nil {
		return err
	}
	s.push(e)
	return nil
}

func (s *fnState) storeSlot(slot value.Value, st signature.Type) error {
	e, err := s.pop()
	if err != nil {
		return err
	}
	if isValueType(st) {
		l, err := s.t.builder.LayoutOf(st)
		if err != nil {
			return err
		}
		if e.k != kindValue || e.layout.Key != l.Key {
			return fmt.Errorf("offset 0x%04x: %w: stored %s into %s slot", s.at, ErrTypeMismatch, e.k, l.Name)
		}
		s.memcpy(s.rawPtr(slot), e.v, uint64(l.Size))
		return nil
	}
	v, err := s.coerce(e, st)
	if err != nil {
		return err
	}
	s.cur.NewStore(v, slot)
	return nil
}

// valueCopy clones a value-type blob into fresh frame storage.
func (s *fnState) valueCopy(l *typesys.Layout, src value.Value) entry {
	tmp := s.alloca(types.NewArray(uint64(l.Size), types.I8))
	dst := s.rawPtr(tmp)
	s.memcpy(dst, src, uint64(l.Size))
	return entry{k: kindValue, v: dst, layout: l}
}

// widen converts a loaded storage value to its evaluation-stack form:
// narrow integers extend to int32, everything else passes through.
func (s *fnState) widen(v value.Value, st signature.Type) (entry, error) {
	switch st.Elem {
	case signature.ETBoolean, signature.ETU1, signature.ETChar, signature.ETU2:
		return entry{k: kindI32, v: s.cur.NewZExt(v, types.I32)}, nil
	case signature.ETI1, signature.ETI2:
		return entry{k: kindI32, v: s.cur.NewSExt(v, types.I32)}, nil
	}
	k, l, err := s.t.kindOf(st)
	if err != nil {
		return entry{}, err
	}
	return entry{k: k, v: v, layout: l}, nil
}

// coerce converts a stack entry to the storage form of a signature type,
// checking the kind on the way.
func (s *fnState) coerce(e entry, st signature.Type) (value.Value, error) {
	want, _, err := s.t.kindOf(st)
	if err != nil {
		return nil, err
	}
	if e.k != want {
		// Null references satisfy managed-pointer slots and vice versa.
		if !(e.k == kindRef && want == kindPtr || e.k == kindPtr && want == kindRef) {
			return nil, fmt.Errorf("offset 0x%04x: %w: have %s, want %s", s.at, ErrTypeMismatch, e.k, want)
		}
	}
	switch st.Elem {
	case signature.ETBoolean, signature.ETI1, signature.ETU1:
		return s.cur.NewTrunc(e.v, types.I8), nil
	case signature.ETChar, signature.ETI2, signature.ETU2:
		return s.cur.NewTrunc(e.v, types.I16), nil
	}
	return e.v, nil
}

// -- stack shuffling -----------------------------------------------------

func (s *fnState) translateDup() error {
	e, err := s.pop()
	if err != nil {
		return err
	}
	s.push(e)
	if e.k == kindValue {
		s.push(s.valueCopy(e.layout, e.v))
	} else {
		s.push(e)
	}
	return nil
}

// -- arithmetic ----------------------------------------------------------

func (s *fnState) popBinary() (a, b entry, err error) {
	ops, err := s.popN(2)
	if err != nil {
		return entry{}, entry{}, err
	}
	return ops[0], ops[1], nil
}

func (s *fnState) translateArith(op il.Opcode) error {
	a, b, err := s.popBinary()
	if err != nil {
		return err
	}
	if a.k != b.k || !(a.k.isInt() || a.k.isFloat()) {
		return fmt.Errorf("offset 0x%04x: %w: %s with %s and %s", s.at, ErrTypeMismatch, op, a.k, b.k)
	}
	var v value.Value
	if a.k.isFloat() {
		switch op {
		case il.OpAdd:
			v = s.cur.NewFAdd(a.v, b.v)
		case il.OpSub:
			v = s.cur.NewFSub(a.v, b.v)
		case il.OpMul:
			v = s.cur.NewFMul(a.v, b.v)
		case il.OpDiv:
			v = s.cur.NewFDiv(a.v, b.v)
		case il.OpRem:
			v = s.cur.NewFRem(a.v, b.v)
		default:
			return fmt.Errorf("offset 0x%04x: %w: %s on floats", s.at, ErrTypeMismatch, op)
		}
	} else {
		switch op {
		case il.OpAdd:
			v = s.cur.NewAdd(a.v, b.v)
		case il.OpSub:
			v = s.cur.NewSub(a.v, b.v)
		case il.OpMul:
			v = s.cur.NewMul(a.v, b.v)
		case il.OpDiv:
			v = s.cur.NewSDiv(a.v, b.v)
		case il.OpDivUn:
			v = s.cur.NewUDiv(a.v, b.v)
		case il.OpRem:
			v = s.cur.NewSRem(a.v, b.v)
		case il.OpRemUn:
			v = s.cur.NewURem(a.v, b.v)
		}
	}
	s.push(entry{k: a.k, v: v})
	return nil
}

func (s *fnState) translateBitwise(op il.Opcode) error {
	a, b, err := s.popBinary()
	if err != nil {
		return err
	}
	if a.k != b.k || !a.k.isInt() {
		return fmt.Errorf("offset 0x%04x: %w: %s with %s and %s", s.at, ErrTypeMismatch, op, a.k, b.k)
	}
	var v value.Value
	switch op {
	case il.OpAnd:
		v = s.cur.NewAnd(a.v, b.v)
	case il.OpOr:
		v = s.cur.NewOr(a.v, b.v)
	case il.OpXor:
		v = s.cur.NewXor(a.v, b.v)
	}
	s.push(entry{k: a.k, v: v})
	return nil
}

func (s *fnState) translateShift(op il.Opcode) error {
	a, b, err := s.popBinary()
	if err != nil {
		return err
	}
	if !a.k.isInt() || !b.k.isInt() {
		return fmt.Errorf("offset 0x%04x: %w: %s with %s and %s", s.at, ErrTypeMismatch, op, a.k, b.k)
	}
	amt := b.v
	if a.k == kindI64 && b.k == kindI32 {
		amt = s.cur.NewZExt(amt, types.I64)
	} else if a.k == kindI32 && b.k == kindI64 {
		amt = s.cur.NewTrunc(amt, types.I32)
	}
	var v value.Value
	switch op {
	case il.OpShl:
		v = s.cur.NewShl(a.v, amt)
	case il.OpShr:
		v = s.cur.NewAShr(a.v, amt)
	case il.OpShrUn:
		v = s.cur.NewLShr(a.v, amt)
	}
	s.push(entry{k: a.k, v: v})
	return nil
}

func (s *fnState) translateUnary(op il.Opcode) error {
	e, err := s.pop()
	if err != nil {
		return err
	}
	switch {
	case op == il.OpNeg && e.k.isInt():
		zero := constant.NewInt(e.k.spillType().(*types.IntType), 0)
		s.push(entry{k: e.k, v: s.cur.NewSub(zero, e.v)})
	case op == il.OpNeg && e.k.isFloat():
		fz := constant.NewFloat(e.k.spillType().(*types.FloatType), 0)
		s.push(entry{k: e.k, v: s.cur.NewFSub(fz, e.v)})
	case op == il.OpNot && e.k.isInt():
		all := constant.NewInt(e.k.spillType().(*types.IntType), -1)
		s.push(entry{k: e.k, v: s.cur.NewXor(e.v, all)})
	default:
		return fmt.Errorf("offset 0x%04x: %w: %s on %s", s.at, ErrTypeMismatch, op, e.k)
	}
	return nil
}

// -- conversions ---------------------------------------------------------

func (s *fnState) translateConv(op il.Opcode) error {
	e, err := s.pop()
	if err != nil {
		return err
	}
	switch op {
	case il.OpConvI1:
		return s.convNarrow(e, 8, true)
	case il.OpConvU1:
		return s.convNarrow(e, 8, false)
	case il.OpConvI2:
		return s.convNarrow(e, 16, true)
	case il.OpConvU2:
		return s.convNarrow(e, 16, false)
	case il.OpConvI4, il.OpConvU4:
		return s.convToInt(e, kindI32, op == il.OpConvI4)
	case il.OpConvI8, il.OpConvI:
		return s.convToInt(e, kindI64, true)
	case il.OpConvU8, il.OpConvU:
		return s.convToInt(e, kindI64, false)
	case il.OpConvR4:
		return s.convToFloat(e, kindF32)
	case il.OpConvR8:
		return s.convToFloat(e, kindF64)
	}
	return fmt.Errorf("offset 0x%04x: %w: %s", s.at, ErrUnsupportedInstruction, op)
}

func (s *fnState) convNarrow(e entry, bits int, signed bool) error {
	narrow := types.I8
	if bits == 16 {
		narrow = types.I16
	}
	var v value.Value
	switch {
	case e.k == kindI32:
		v = s.cur.NewTrunc(e.v, narrow)
	case e.k == kindI64:
		v = s.cur.NewTrunc(e.v, narrow)
	case e.k.isFloat():
		v = s.cur.NewTrunc(s.cur.NewFPToSI(e.v, types.I32), narrow)
	default:
		return fmt.Errorf("offset 0x%04x: %w: narrowing %s", s.at, ErrTypeMismatch, e.k)
	}
	if signed {
		s.push(entry{k: kindI32, v: s.cur.NewSExt(v, types.I32)})
	} else {
		s.push(entry{k: kindI32, v: s.cur.NewZExt(v, types.I32)})
	}
	return nil
}

func (s *fnState) convToInt(e entry, to kind, signed bool) error {
	dst := to.spillType()
	var v value.Value
	switch {
	case e.k == to:
		v = e.v
	case e.k == kindI32 && to == kindI64:
		if signed {
			v = s.cur.NewSExt(e.v, dst)
		} else {
			v = s.cur.NewZExt(e.v, dst)
		}
	case e.k == kindI64 && to == kindI32:
		v = s.cur.NewTrunc(e.v, dst)
	case e.k.isFloat():
		if signed {
			v = s.cur.NewFPToSI(e.v, dst)
		} else {
			v = s.cur.NewFPToUI(e.v, dst)
		}
	case (e.k == kindRef || e.k == kindPtr) && to == kindI64:
		v = s.cur.NewPtrToInt(e.v, dst)
	default:
		return fmt.Errorf("offset 0x%04x: %w: converting %s to %s", s.at, ErrTypeMismatch, e.k, to)
	}
	s.push(entry{k: to, v: v})
	return nil
}

func (s *fnState) convToFloat(e entry, to kind) error {
	dst := to.spillType()
	var v value.Value
	switch {
	case e.k == to:
		v = e.v
	case e.k.isInt():
		v = s.cur.NewSIToFP(e.v, dst)
	case e.k == kindF32 && to == kindF64:
		v = s.cur.NewFPExt(e.v, dst)
	case e.k == kindF64 && to == kindF32:
		v = s.cur.NewFPTrunc(e.v, dst)
	default:
		return fmt.Errorf("offset 0x%04x: %w: converting %s to %s", s.at, ErrTypeMismatch, e.k, to)
	}
	s.push(entry{k: to, v: v})
	return nil
}

// -- comparisons and branches --------------------------------------------

func (s *fnState) compare(a, b entry, ipred enum.IPred, upred enum.IPred, fpred enum.FPred) (value.Value, error) {
	switch {
	case a.k == b.k && a.k.isInt():
		return s.cur.NewICmp(ipred, a.v, b.v), nil
	case a.k == b.k && a.k.isFloat():
		return s.cur.NewFCmp(fpred, a.v, b.v), nil
	case (a.k == kindRef || a.k == kindPtr) && (b.k == kindRef || b.k == kindPtr):
		// References compare by identity only.
		switch ipred {
		case enum.IPredEQ, enum.IPredNE:
			return s.cur.NewICmp(ipred, a.v, b.v), nil
		case enum.IPredUGT:
			// cgt.un against null is the idiomatic non-null test.
			return s.cur.NewICmp(enum.IPredNE, a.v, b.v), nil
		}
	}
	return nil, fmt.Errorf("offset 0x%04x: %w: comparing %s with %s", s.at, ErrTypeMismatch, a.k, b.k)
}

func (s *fnState) translateCompare(op il.Opcode) error {
	a, b, err := s.popBinary()
	if err != nil {
		return err
	}
	var cond value.Value
	switch op {
	case il.OpCeq:
		cond, err = s.compare(a, b, enum.IPredEQ, enum.IPredEQ, enum.FPredOEQ)
	case il.OpCgt:
		cond, err = s.compare(a, b, enum.IPredSGT, enum.IPredSGT, enum.FPredOGT)
	case il.OpCgtUn:
		cond, err = s.compare(a, b, enum.IPredUGT, enum.IPredUGT, enum.FPredUGT)
	case il.OpClt:
		cond, err = s.compare(a, b, enum.IPredSLT, enum.IPredSLT, enum.FPredOLT)
	case il.OpCltUn:
		cond, err = s.compare(a, b, enum.IPredULT, enum.IPredULT, enum.FPredULT)
	}
	if err != nil {
		return err
	}
	s.push(entry{k: kindI32, v: s.cur.NewZExt(cond, types.I32)})
	return nil
}

func (s *fnState) translateBrBool(ins il.Instruction) error {
	e, err := s.pop()
	if err != nil {
		return err
	}
	var cond value.Value
	switch {
	case e.k.isInt():
		zero := constant.NewInt(e.k.spillType().(*types.IntType), 0)
		cond = s.cur.NewICmp(enum.IPredNE, e.v, zero)
	case e.k == kindRef || e.k == kindPtr:
		cond = s.cur.NewICmp(enum.IPredNE, e.v, constant.NewNull(i8ptr))
	default:
		return fmt.Errorf("offset 0x%04x: %w: branch on %s", ins.Offset, ErrTypeMismatch, e.k)
	}
	blks, err := s.edges(ins.Target, ins.Next)
	if err != nil {
		return err
	}
	// cond tests non-zero; brfalse takes the fall-through arm.
	if ins.Op == il.OpBrfalse || ins.Op == il.OpBrfalseS {
		s.cur.NewCondBr(cond, blks[1], blks[0])
	} else {
		s.cur.NewCondBr(cond, blks[0], blks[1])
	}
	return nil
}

func (s *fnState) translateBrCmp(ins il.Instruction) error {
	a, b, err := s.popBinary()
	if err != nil {
		return err
	}
	var cond value.Value
	switch ins.Op {
	case il.OpBeq, il.OpBeqS:
		cond, err = s.compare(a, b, enum.IPredEQ, enum.IPredEQ, enum.FPredOEQ)
	case il.OpBge, il.OpBgeS:
		cond, err = s.compare(a, b, enum.IPredSGE, enum.IPredSGE, enum.FPredOGE)
	case il.OpBgt, il.OpBgtS:
		cond, err = s.compare(a, b, enum.IPredSGT, enum.IPredSGT, enum.FPredOGT)
	case il.OpBle, il.OpBleS:
		cond, err = s.compare(a, b, enum.IPredSLE, enum.IPredSLE, enum.FPredOLE)
	case il.OpBlt, il.OpBltS:
		cond, err = s.compare(a, b, enum.IPredSLT, enum.IPredSLT, enum.FPredOLT)
	case il.OpBneUn, il.OpBneUnS:
		cond, err = s.compare(a, b, enum.IPredNE, enum.IPredNE, enum.FPredUNE)
	case il.OpBgeUn, il.OpBgeUnS:
		cond, err = s.compare(a, b, enum.IPredUGE, enum.IPredUGE, enum.FPredUGE)
	case il.OpBgtUn, il.OpBgtUnS:
		cond, err = s.compare(a, b, enum.IPredUGT, enum.IPredUGT, enum.FPredUGT)
	case il.OpBleUn, il.OpBleUnS:
		cond, err = s.compare(a, b, enum.IPredULE, enum.IPredULE, enum.FPredULE)
	case il.OpBltUn, il.OpBltUnS:
		cond, err = s.compare(a, b, enum.IPredULT, enum.IPredULT, enum.FPredULT)
	}
	if err != nil {
		return err
	}
	blks, err := s.edges(ins.Target, ins.Next)
	if err != nil {
		return err
	}
	s.cur.NewCondBr(cond, blks[0], blks[1])
	return nil
}

// -- returns -------------------------------------------------------------

func (s *fnState) translateRet() error {
	if s.retPtr != nil {
		e, err := s.pop()
		if err != nil {
			return err
		}
		l, err := s.t.builder.LayoutOf(s.sig.Return)
		if err != nil {
			return err
		}
		if e.k != kindValue || e.layout.Key != l.Key {
			return fmt.Errorf("offset 0x%04x: %w: returning %s, want %s", s.at, ErrTypeMismatch, e.k, l.Name)
		}
		s.memcpy(s.retPtr, e.v, uint64(l.Size))
		s.cur.NewRet(nil)
		return nil
	}
	if s.sig.Return.Elem == signature.ETVoid {
		s.cur.NewRet(nil)
		return nil
	}
	e, err := s.pop()
	if err != nil {
		return err
	}
	v, err := s.coerce(e, s.sig.Return)
	if err != nil {
		return err
	}
	s.cur.NewRet(v)
	return nil
}

// -- calls ---------------------------------------------------------------

func (s *fnState) translateCall(ins il.Instruction, virt bool) error {
	tg, err := s.t.resolveMethodToken(ins.Token)
	if err != nil {
		return fmt.Errorf("offset 0x%04x: %w", ins.Offset, err)
	}
	args, err := s.popCallArgs(tg.sig)
	if err != nil {
		return fmt.Errorf("offset 0x%04x: call %s: %w", ins.Offset, tg.name, err)
	}

	callee := value.Value(tg.fn)
	if virt && tg.declaring != nil {
		if slot, ok := tg.declaring.SlotByKey(tg.slotKey); ok {
			callee = s.virtualCallee(args[0], slot, tg.fn.Sig)
		}
	}
	return s.finishCall(callee, tg.sig, args)
}

// popCallArgs pops the receiver and arguments and coerces them into ABI
// order, sret slot excluded.
func (s *fnState) popCallArgs(sig signature.MethodSig) ([]value.Value, error) {
	n := len(sig.Params)
	if sig.HasThis {
		n++
	}
	ops, err := s.popN(n)
	if err != nil {
		return nil, err
	}
	var args []value.Value
	i := 0
	if sig.HasThis {
		this := ops[0]
		if this.k != kindRef && this.k != kindPtr && this.k != kindValue {
			return nil, fmt.Errorf("%w: receiver is %s", ErrTypeMismatch, this.k)
		}
		args = append(args, this.v)
		i = 1
	}
	for pi, p := range sig.Params {
		e := ops[i+pi]
		if isValueType(p) {
			l, err := s.t.builder.LayoutOf(p)
			if err != nil {
				return nil, err
			}
			if e.k != kindValue || e.layout.Key != l.Key {
				return nil, fmt.Errorf("%w: argument %d is %s, want %s", ErrTypeMismatch, pi, e.k, l.Name)
			}
			args = append(args, e.v)
			continue
		}
		v, err := s.coerce(e, p)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

// virtualCallee loads the implementation pointer for a dispatch slot out of
// the receiver's table.
func (s *fnState) virtualCallee(this value.Value, slot int, sig *types.FuncType) value.Value {
	vtpp := s.cur.NewBitCast(this, types.NewPointer(i8ptr))
	vt := s.cur.NewLoad(i8ptr, vtpp)
	slots := s.cur.NewBitCast(vt, types.NewPointer(i8ptr))
	addr := s.cur.NewGetElementPtr(i8ptr, slots, constant.NewInt(types.I64, int64(slot)))
	raw := s.cur.NewLoad(i8ptr, addr)
	return s.cur.NewBitCast(raw, types.NewPointer(sig))
}

// finishCall emits the call and pushes its result.
func (s *fnState) finishCall(callee value.Value, sig signature.MethodSig, args []value.Value) error {
	if isValueType(sig.Return) {
		l, err := s.t.builder.LayoutOf(sig.Return)
		if err != nil {
			return err
		}
		tmp := s.alloca(types.NewArray(uint64(l.Size), types.I8))
		ret := s.rawPtr(tmp)
		s.emitCall(callee, append([]value.Value{ret}, args...))
		s.push(entry{k: kindValue, v: ret, layout: l})
		return nil
	}
	res := s.emitCall(callee, args)
	if sig.Return.Elem == signature.ETVoid {
		return nil
	}
	e, err := s.widen(res, sig.Return)
	if err != nil {
		return err
	}
	s.push(e)
	return nil
}

// -- object model --------------------------------------------------------

func (s *fnState) translateNewobj(ins il.Instruction) error {
	tg, err := s.t.resolveMethodToken(ins.Token)
	if err != nil {
		return fmt.Errorf("offset 0x%04x: %w", ins.Offset, err)
	}
	if tg.declaring == nil {
		return fmt.Errorf("offset 0x%04x: %w: constructing open generic %s", ins.Offset, typesys.ErrUnresolvedGeneric, tg.name)
	}
	l := tg.declaring

	// Constructor arguments sit under no receiver; pop them first.
	ops, err := s.popN(len(tg.sig.Params))
	if err != nil {
		return fmt.Errorf("offset 0x%04x: new %s: %w", ins.Offset, l.Name, err)
	}
	var args []value.Value
	for pi, p := range tg.sig.Params {
		e := ops[pi]
		if isValueType(p) {
			pl, err := s.t.builder.LayoutOf(p)
			if err != nil {
				return err
			}
			if e.k != kindValue || e.layout.Key != pl.Key {
				return fmt.Errorf("offset 0x%04x: %w: constructor argument %d", ins.Offset, ErrTypeMismatch, pi)
			}
			args = append(args, e.v)
			continue
		}
		v, err := s.coerce(e, p)
		if err != nil {
			return err
		}
		args = append(args, v)
	}

	if l.IsValueType {
		tmp := s.alloca(types.NewArray(uint64(l.Size), types.I8))
		this := s.rawPtr(tmp)
		s.memset(this, uint64(l.Size))
		s.emitCall(tg.fn, append([]value.Value{this}, args...))
		s.push(entry{k: kindValue, v: this, layout: l})
		return nil
	}

	obj := s.emitCall(s.t.rt.Alloc, []value.Value{constant.NewInt(types.I64, int64(l.Size))})
	if err := s.storeVTable(obj, l); err != nil {
		return err
	}
	s.emitCall(tg.fn, append([]value.Value{obj}, args...))
	s.push(entry{k: kindRef, v: obj})
	return nil
}

// storeVTable writes the dispatch-table pointer into a fresh object's
// header.
func (s *fnState) storeVTable(obj value.Value, l *typesys.Layout) error {
	vt, err := s.t.vtableGlobal(l)
	if err != nil {
		return err
	}
	hdr := s.cur.NewBitCast(obj, types.NewPointer(i8ptr))
	s.cur.NewStore(s.cur.NewBitCast(vt, i8ptr), hdr)
	return nil
}

func (s *fnState) vtableConst(l *typesys.Layout) (value.Value, error) {
	vt, err := s.t.vtableGlobal(l)
	if err != nil {
		return nil, err
	}
	return s.cur.NewBitCast(vt, i8ptr), nil
}

func (s *fnState) translateLdstr(ins il.Instruction) error {
	h, err := metadata.HandleFromToken(ins.Token)
	if err != nil {
		return err
	}
	if h.Kind() != metadata.KindUserString {
		return fmt.Errorf("offset 0x%04x: %w: ldstr operand %s", ins.Offset, metadata.ErrMalformedImage, ilcdebug.FormatToken(ins.Token))
	}
	str, err := s.t.reader.Image().GetUserString(h)
	if err != nil {
		return err
	}
	data := s.t.stringGlobal(str)
	obj := s.emitCall(s.t.rt.NewString, []value.Value{data, constant.NewInt(types.I64, int64(len(str)))})
	s.push(entry{k: kindRef, v: obj})
	return nil
}

func (s *fnState) translateCast(ins il.Instruction, throwing bool) error {
	l, err := s.t.layoutOfToken(ins.Token)
	if err != nil {
		return fmt.Errorf("offset 0x%04x: %w", ins.Offset, err)
	}
	e, err := s.pop()
	if err != nil {
		return err
	}
	if e.k != kindRef {
		return fmt.Errorf("offset 0x%04x: %w: cast of %s", ins.Offset, ErrTypeMismatch, e.k)
	}
	var vt value.Value = constant.NewNull(i8ptr)
	if !l.IsInterface {
		vt, err = s.vtableConst(l)
		if err != nil {
			return err
		}
	}
	fn := s.t.rt.Isinst
	if throwing {
		fn = s.t.rt.Cast
	}
	res := s.emitCall(fn, []value.Value{e.v, vt})
	s.push(entry{k: kindRef, v: res})
	return nil
}

func (s *fnState) translateBox(ins il.Instruction) error {
	l, err := s.t.layoutOfToken(ins.Token)
	if err != nil {
		return fmt.Errorf("offset 0x%04x: %w", ins.Offset, err)
	}
	e, err := s.pop()
	if err != nil {
		return err
	}
	if !l.IsValueType {
		// Boxing a reference type is the identity.
		s.push(e)
		return nil
	}
	size := int64(typesys.ObjectHeaderSize) + int64(l.Size)
	obj := s.emitCall(s.t.rt.Alloc, []value.Value{constant.NewInt(types.I64, size)})
	if err := s.storeVTable(obj, l); err != nil {
		return err
	}
	payload := s.cur.NewGetElementPtr(types.I8, obj, constant.NewInt(types.I64, int64(typesys.ObjectHeaderSize)))
	if e.k == kindValue {
		if e.layout.Key != l.Key {
			return fmt.Errorf("offset 0x%04x: %w: boxing %s as %s", ins.Offset, ErrTypeMismatch, e.layout.Name, l.Name)
		}
		s.memcpy(payload, e.v, uint64(l.Size))
	} else {
		// Primitive-backed value types (enums) box their scalar payload.
		typed := s.cur.NewBitCast(payload, types.NewPointer(e.k.spillType()))
		s.cur.NewStore(e.v, typed)
	}
	s.push(entry{k: kindRef, v: obj})
	return nil
}

func (s *fnState) translateUnboxAny(ins il.Instruction) error {
	l, err := s.t.layoutOfToken(ins.Token)
	if err != nil {
		return fmt.Errorf("offset 0x%04x: %w", ins.Offset, err)
	}
	e, err := s.pop()
	if err != nil {
		return err
	}
	if e.k != kindRef {
		return fmt.Errorf("offset 0x%04x: %w: unboxing %s", ins.Offset, ErrTypeMismatch, e.k)
	}
	if !l.IsValueType {
		// On reference types unbox.any degenerates to castclass.
		vt, err := s.vtableConst(l)
		if err != nil {
			return err
		}
		res := s.emitCall(s.t.rt.Cast, []value.Value{e.v, vt})
		s.push(entry{k: kindRef, v: res})
		return nil
	}
	payload := s.cur.NewGetElementPtr(types.I8, e.v, constant.NewInt(types.I64, int64(typesys.ObjectHeaderSize)))
	s.push(s.valueCopy(l, payload))
	return nil
}

func (s *fnState) translateInitobj(ins il.Instruction) error {
	l, err := s.t.layoutOfToken(ins.Token)
	if err != nil {
		return fmt.Errorf("offset 0x%04x: %w", ins.Offset, err)
	}
	e, err := s.pop()
	if err != nil {
		return err
	}
	if e.k != kindPtr && e.k != kindValue {
		return fmt.Errorf("offset 0x%04x: %w: initobj on %s", ins.Offset, ErrTypeMismatch, e.k)
	}
	s.memset(e.v, uint64(l.Size))
	return nil
}

// -- fields --------------------------------------------------------------

func (s *fnState) translateLdfld(ins il.Instruction, addrOnly bool) error {
	fr, err := s.t.resolveFieldToken(ins.Token)
	if err != nil {
		return fmt.Errorf("offset 0x%04x: %w", ins.Offset, err)
	}
	if fr.static {
		return fmt.Errorf("offset 0x%04x: %w: instance access to static field %s", ins.Offset, metadata.ErrMalformedImage, fr.field.Name)
	}
	obj, err := s.pop()
	if err != nil {
		return err
	}
	if obj.k != kindRef && obj.k != kindPtr && obj.k != kindValue {
		return fmt.Errorf("offset 0x%04x: %w: field access on %s", ins.Offset, ErrTypeMismatch, obj.k)
	}
	addr := s.fieldAddr(obj, fr)
	if addrOnly {
		s.push(entry{k: kindPtr, v: addr})
		return nil
	}
	return s.loadMem(addr, fr.typ)
}

func (s *fnState) translateStfld(ins il.Instruction) error {
	fr, err := s.t.resolveFieldToken(ins.Token)
	if err != nil {
		return fmt.Errorf("offset 0x%04x: %w", ins.Offset, err)
	}
	if fr.static {
		return fmt.Errorf("offset 0x%04x: %w: instance access to static field %s", ins.Offset, metadata.ErrMalformedImage, fr.field.Name)
	}
	val, err := s.pop()
	if err != nil {
		return err
	}
	obj, err := s.pop()
	if err != nil {
		return err
	}
	if obj.k != kindRef && obj.k != kindPtr && obj.k != kindValue {
		return fmt.Errorf("offset 0x%04x: %w: field access on %s", ins.Offset, ErrTypeMismatch, obj.k)
	}
	return s.storeMem(s.fieldAddr(obj, fr), fr.typ, val)
}

// fieldAddr computes the byte address of an instance field. The layout
// already bakes the object header into reference-type offsets, so a single
// byte displacement works for references, managed pointers and value
// payloads alike.
func (s *fnState) fieldAddr(obj entry, fr fieldRef) value.Value {
	return s.cur.NewGetElementPtr(types.I8, obj.v, constant.NewInt(types.I64, int64(fr.field.Offset)))
}

func (s *fnState) translateLdsfld(ins il.Instruction, addrOnly bool) error {
	fr, err := s.t.resolveFieldToken(ins.Token)
	if err != nil {
		return fmt.Errorf("offset 0x%04x: %w", ins.Offset, err)
	}
	if !fr.static {
		return fmt.Errorf("offset 0x%04x: %w: static access to instance field %s", ins.Offset, metadata.ErrMalformedImage, fr.field.Name)
	}
	g, err := s.t.staticGlobal(fr.field.Handle, fr.typ)
	if err != nil {
		return err
	}
	if addrOnly {
		s.push(entry{k: kindPtr, v: s.rawPtr(g)})
		return nil
	}
	return s.loadMem(s.rawPtr(g), fr.typ)
}

func (s *fnState) translateStsfld(ins il.Instruction) error {
	fr, err := s.t.resolveFieldToken(ins.Token)
	if err != nil {
		return fmt.Errorf("offset 0x%04x: %w", ins.Offset, err)
	}
	if !fr.static {
		return fmt.Errorf("offset 0x%04x: %w: static access to instance field %s", ins.Offset, metadata.ErrMalformedImage, fr.field.Name)
	}
	val, err := s.pop()
	if err != nil {
		return err
	}
	g, err := s.t.staticGlobal(fr.field.Handle, fr.typ)
	if err != nil {
		return err
	}
	return s.storeMem(s.rawPtr(g), fr.typ, val)
}

// loadMem pushes the value stored at a byte address.
func (s *fnState) loadMem(addr value.Value, st signature.Type) error {
	if isValueType(st) {
		l, err := s.t.builder.LayoutOf(st)
		if err != nil {
			return err
		}
		s.push(s.valueCopy(l, addr))
		return nil
	}
	typ, err := s.t.storageType(st)
	if err != nil {
		return err
	}
	typed := s.cur.NewBitCast(addr, types.NewPointer(typ))
	v := s.cur.NewLoad(typ, typed)
	e, err := s.widen(v, st)
	if err != nil {
		return err
	}
	s.push(e)
	return nil
}

// storeMem writes a stack entry to a byte address.
func (s *fnState) storeMem(addr value.Value, st signature.Type, e entry) error {
	if isValueType(st) {
		l, err := s.t.builder.LayoutOf(st)
		if err != nil {
			return err
		}
		if e.k != kindValue || e.layout.Key != l.Key {
			return fmt.Errorf("offset 0x%04x: %w: storing %s into %s field", s.at, ErrTypeMismatch, e.k, l.Name)
		}
		s.memcpy(addr, e.v, uint64(l.Size))
		return nil
	}
	typ, err := s.t.storageType(st)
	if err != nil {
		return err
	}
	v, err := s.coerce(e, st)
	if err != nil {
		return err
	}
	typed := s.cur.NewBitCast(addr, types.NewPointer(typ))
	s.cur.NewStore(v, typed)
	return nil
}

// -- arrays --------------------------------------------------------------

// Arrays store an int64 length followed by the packed elements.
const arrayHeaderSize = 8

func (s *fnState) translateNewarr(ins il.Instruction) error {
	l, err := s.t.layoutOfToken(ins.Token)
	if err != nil {
		return fmt.Errorf("offset 0x%04x: %w", ins.Offset, err)
	}
	n, err := s.pop()
	if err != nil {
		return err
	}
	if !n.k.isInt() {
		return fmt.Errorf("offset 0x%04x: %w: array length is %s", ins.Offset, ErrTypeMismatch, n.k)
	}
	count := n.v
	if n.k == kindI32 {
		count = s.cur.NewSExt(count, types.I64)
	}
	elemSize := int64(typesys.PointerSize)
	if l.IsValueType {
		elemSize = int64(l.Size)
	}
	bytes := s.cur.NewAdd(
		constant.NewInt(types.I64, arrayHeaderSize),
		s.cur.NewMul(count, constant.NewInt(types.I64, elemSize)))
	arr := s.emitCall(s.t.rt.Alloc, []value.Value{bytes})
	lenPtr := s.cur.NewBitCast(arr, types.NewPointer(types.I64))
	s.cur.NewStore(count, lenPtr)
	s.push(entry{k: kindRef, v: arr})
	return nil
}

func (s *fnState) translateLdlen() error {
	arr, err := s.pop()
	if err != nil {
		return err
	}
	if arr.k != kindRef {
		return fmt.Errorf("offset 0x%04x: %w: ldlen on %s", s.at, ErrTypeMismatch, arr.k)
	}
	lenPtr := s.cur.NewBitCast(arr.v, types.NewPointer(types.I64))
	s.push(entry{k: kindI64, v: s.cur.NewLoad(types.I64, lenPtr)})
	return nil
}

// elemInfo gives the element signature type for a fixed-width ldelem or
// stelem form.
func elemInfo(op il.Opcode) signature.Type {
	switch op {
	case il.OpLdelemI4, il.OpStelemI4:
		return signature.Type{Elem: signature.ETI4}
	case il.OpLdelemI8, il.OpStelemI8:
		return signature.Type{Elem: signature.ETI8}
	case il.OpLdelemR8, il.OpStelemR8:
		return signature.Type{Elem: signature.ETR8}
	default:
		return signature.Type{Elem: signature.ETObject}
	}
}

func (s *fnState) elemType(ins il.Instruction) (signature.Type, uint32, error) {
	if ins.Op == il.OpLdelem || ins.Op == il.OpStelem {
		l, err := s.t.layoutOfToken(ins.Token)
		if err != nil {
			return signature.Type{}, 0, err
		}
		if l.IsValueType {
			st := signature.Type{Elem: signature.ETValueType, Ref: l.Def}
			if len(l.TypeArgs) > 0 {
				inner := signature.Type{Elem: signature.ETValueType, Ref: l.Def}
				st = signature.Type{Elem: signature.ETGenericInst, Ref: l.Def, Inner: &inner, Args: l.TypeArgs, ValueInst: true}
			}
			return st, l.Size, nil
		}
		return signature.Type{Elem: signature.ETObject}, typesys.PointerSize, nil
	}
	st := elemInfo(ins.Op)
	switch st.Elem {
	case signature.ETI4:
		return st, 4, nil
	case signature.ETObject:
		return st, typesys.PointerSize, nil
	default:
		return st, 8, nil
	}
}

// elemAddr computes &arr[idx] for the given element width.
func (s *fnState) elemAddr(arr, idx entry, width uint32) (value.Value, error) {
	if arr.k != kindRef {
		return nil, fmt.Errorf("offset 0x%04x: %w: element access on %s", s.at, ErrTypeMismatch, arr.k)
	}
	if !idx.k.isInt() {
		return nil, fmt.Errorf("offset 0x%04x: %w: array index is %s", s.at, ErrTypeMismatch, idx.k)
	}
	i := idx.v
	if idx.k == kindI32 {
		i = s.cur.NewSExt(i, types.I64)
	}
	byteOff := s.cur.NewAdd(
		constant.NewInt(types.I64, arrayHeaderSize),
		s.cur.NewMul(i, constant.NewInt(types.I64, int64(width))))
	return s.cur.NewGetElementPtr(types.I8, arr.v, byteOff), nil
}

func (s *fnState) translateLdelem(ins il.Instruction) error {
	st, width, err := s.elemType(ins)
	if err != nil {
		return fmt.Errorf("offset 0x%04x: %w", ins.Offset, err)
	}
	ops, err := s.popN(2)
	if err != nil {
		return err
	}
	addr, err := s.elemAddr(ops[0], ops[1], width)
	if err != nil {
		return err
	}
	return s.loadMem(addr, st)
}

func (s *fnState) translateStelem(ins il.Instruction) error {
	st, width, err := s.elemType(ins)
	if err != nil {
		return fmt.Errorf("offset 0x%04x: %w", ins.Offset, err)
	}
	ops, err := s.popN(3)
	if err != nil {
		return err
	}
	addr, err := s.elemAddr(ops[0], ops[1], width)
	if err != nil {
		return err
	}
	return s.storeMem(addr, st, ops[2])
}
