package translate

import (
	"fmt"
	"sort"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/ilclang/ilc/internal/il"
	"github.com/ilclang/ilc/internal/ilcdebug"
	"github.com/ilclang/ilc/internal/metadata"
	"github.com/ilclang/ilc/internal/signature"
)

// TranslateMethod lowers one method definition into its backend function
// body. It may be called concurrently for distinct methods.
func (t *Translator) TranslateMethod(h metadata.Handle) error {
	fn, sig, err := t.Declare(h)
	if err != nil {
		return err
	}
	md, err := t.reader.MethodDef(h)
	if err != nil {
		return err
	}
	name, err := methodFullName(t.reader, md)
	if err != nil {
		return err
	}
	rva, err := md.RVA()
	if err != nil {
		return err
	}
	if rva == 0 {
		return fmt.Errorf("%w: method %s has no body", metadata.ErrMalformedImage, name)
	}
	raw, err := t.reader.Image().CodeAt(rva)
	if err != nil {
		return fmt.Errorf("method %s: %w", name, err)
	}
	body, err := il.DecodeBody(raw)
	if err != nil {
		return fmt.Errorf("method %s: %w", name, err)
	}
	s := &fnState{
		t:    t,
		fn:   fn,
		sig:  sig,
		name: name,
		body: body,
	}
	if err := s.run(); err != nil {
		return fmt.Errorf("method %s: %w", name, err)
	}
	return nil
}

func methodFullName(r *metadata.Reader, md metadata.MethodDefRecord) (string, error) {
	name, err := md.Name()
	if err != nil {
		return "", err
	}
	declH, err := md.DeclaringType()
	if err != nil {
		return "", err
	}
	td, err := r.TypeDef(declH)
	if err != nil {
		return "", err
	}
	typeName, err := td.FullName()
	if err != nil {
		return "", err
	}
	return ilcdebug.MethodName(typeName, name), nil
}

type spillKey struct {
	depth int
	k     kind
}

// fnState is the per-method translation state: the decoded instruction
// stream, the block partition, slot allocas and the simulated evaluation
// stack of the block under translation.
type fnState struct {
	t    *Translator
	fn   *ir.Func
	sig  signature.MethodSig
	name string
	body *il.Body

	insts []il.Instruction
	index map[uint32]int

	entry  *ir.Block
	blocks map[uint32]*ir.Block
	// shapes records the agreed entry-stack shape per block offset.
	shapes map[uint32][]entryKind

	// argTypes has the receiver (as object) prepended when present.
	argTypes []signature.Type
	argSlots []value.Value
	locTypes []signature.Type
	locSlots []value.Value
	spills   map[spillKey]*ir.InstAlloca

	clauses   []*clause
	handlerOf map[uint32]*clause

	retPtr value.Value

	cur   *ir.Block
	stack []entry
	// at is the offset of the instruction under translation.
	at uint32
	// nsplit numbers the continuation blocks created for invokes.
	nsplit int
}

func (s *fnState) run() error {
	insts, err := il.Decode(s.body.Code)
	if err != nil {
		return err
	}
	s.insts = insts
	s.index = make(map[uint32]int, len(insts))
	for i, ins := range insts {
		s.index[ins.Offset] = i
	}

	if err := s.decodeLocals(); err != nil {
		return err
	}

	leaders := s.findLeaders()
	s.entry = s.fn.NewBlock("entry")
	s.blocks = make(map[uint32]*ir.Block, len(leaders))
	s.shapes = make(map[uint32][]entryKind, len(leaders))
	for _, off := range leaders {
		s.blocks[off] = s.fn.NewBlock(fmt.Sprintf("il_%04x", off))
	}

	if err := s.setupFrame(); err != nil {
		return err
	}
	if err := s.setupEH(); err != nil {
		return err
	}
	s.entry.NewBr(s.blocks[0])

	// A block's entry stack comes from the first predecessor edge that
	// records its shape, so each block waits until some translated edge
	// has reached it. A loop head entered by a backward branch therefore
	// translates after the block that branches to it, not before.
	pending := append([]uint32(nil), leaders...)
	for len(pending) > 0 {
		pick := -1
		for i, off := range pending {
			_, handler := s.handlerOf[off]
			_, shaped := s.shapes[off]
			if off == 0 || handler || shaped {
				pick = i
				break
			}
		}
		if pick < 0 {
			// No translated edge targets any remaining block: such code
			// starts with an empty stack, if it runs at all.
			pick = 0
		}
		off := pending[pick]
		pending = append(pending[:pick], pending[pick+1:]...)
		if err := s.translateBlock(off); err != nil {
			return err
		}
	}
	return s.finishEH()
}

func (s *fnState) decodeLocals() error {
	if s.body.LocalSigToken == 0 {
		return nil
	}
	h, err := metadata.HandleFromToken(s.body.LocalSigToken)
	if err != nil {
		return err
	}
	if h.Kind() != metadata.TableStandAloneSig {
		return fmt.Errorf("%w: local signature token %#08x", metadata.ErrMalformedImage, s.body.LocalSigToken)
	}
	sa, err := s.t.reader.StandAloneSig(h)
	if err != nil {
		return err
	}
	blob, err := sa.Signature()
	if err != nil {
		return err
	}
	locals, err := signature.DecodeLocals(blob)
	if err != nil {
		return err
	}
	s.locTypes = locals
	return nil
}

// findLeaders returns the sorted offsets that begin basic blocks: the
// method start, every branch target, every fall-through after a branch,
// and the try and handler boundaries of each exception clause.
func (s *fnState) findLeaders() []uint32 {
	set := map[uint32]bool{0: true}
	for _, ins := range s.insts {
		if ins.Op.IsBranch() {
			set[ins.Target] = true
			set[ins.Next] = true
		} else if ins.Op.IsUnconditional() {
			set[ins.Next] = true
		}
	}
	for _, c := range s.body.EHClauses {
		set[c.TryOffset] = true
		set[c.HandlerOffset] = true
	}
	out := make([]uint32, 0, len(set))
	for off := range set {
		if _, ok := s.index[off]; ok {
			out = append(out, off)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// setupFrame allocates argument and local slots in the entry block and
// stores the incoming parameters. Value-type arguments arrive as pointers
// to caller copies and are copied into the frame so starg stays local.
func (s *fnState) setupFrame() error {
	params := s.fn.Params
	if isValueType(s.sig.Return) {
		s.retPtr = params[0]
		params = params[1:]
	}
	if s.sig.HasThis {
		s.argTypes = append(s.argTypes, signature.Type{Elem: signature.ETObject})
	}
	s.argTypes = append(s.argTypes, s.sig.Params...)
	if len(params) != len(s.argTypes) {
		return fmt.Errorf("%w: parameter count mismatch", metadata.ErrMalformedImage)
	}

	for i, st := range s.argTypes {
		typ, err := s.t.storageType(st)
		if err != nil {
			return err
		}
		slot := s.entry.NewAlloca(typ)
		if isValueType(st) {
			l, err := s.t.builder.LayoutOf(st)
			if err != nil {
				return err
			}
			s.memcpy(s.rawPtr(slot), params[i], uint64(l.Size))
		} else {
			s.entry.NewStore(params[i], slot)
		}
		s.argSlots = append(s.argSlots, slot)
	}

	for _, st := range s.locTypes {
		typ, err := s.t.storageType(st)
		if err != nil {
			return err
		}
		slot := s.entry.NewAlloca(typ)
		if s.body.InitLocals {
			if isValueType(st) {
				l, err := s.t.builder.LayoutOf(st)
				if err != nil {
					return err
				}
				s.memset(s.rawPtr(slot), uint64(l.Size))
			} else {
				s.entry.NewStore(constant.NewZeroInitializer(typ), slot)
			}
		}
		s.locSlots = append(s.locSlots, slot)
	}
	s.spills = make(map[spillKey]*ir.InstAlloca)
	return nil
}

// alloca creates frame storage; all allocas live in the entry block so
// loops do not grow the stack.
func (s *fnState) alloca(typ types.Type) *ir.InstAlloca {
	return s.entry.NewAlloca(typ)
}

// rawPtr flattens a typed slot pointer to i8*.
func (s *fnState) rawPtr(v value.Value) value.Value {
	if v.Type().Equal(i8ptr) {
		return v
	}
	return s.curOrEntry().NewBitCast(v, i8ptr)
}

// curOrEntry targets the block under translation, or the entry block
// during frame setup.
func (s *fnState) curOrEntry() *ir.Block {
	if s.cur != nil {
		return s.cur
	}
	return s.entry
}

func (s *fnState) memcpy(dst, src value.Value, n uint64) {
	b := s.curOrEntry()
	b.NewCall(s.t.rt.Memcpy, dst, src,
		constant.NewInt(types.I64, int64(n)), constant.False)
}

func (s *fnState) memset(dst value.Value, n uint64) {
	b := s.curOrEntry()
	b.NewCall(s.t.rt.Memset, dst, constant.NewInt(types.I8, 0),
		constant.NewInt(types.I64, int64(n)), constant.False)
}

func (s *fnState) push(e entry) { s.stack = append(s.stack, e) }

func (s *fnState) pop() (entry, error) {
	if len(s.stack) == 0 {
		return entry{}, fmt.Errorf("offset 0x%04x: %w", s.at, ErrStackUnderflow)
	}
	e := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return e, nil
}

func (s *fnState) popN(n int) ([]entry, error) {
	if len(s.stack) < n {
		return nil, fmt.Errorf("offset 0x%04x: %w", s.at, ErrStackUnderflow)
	}
	out := s.stack[len(s.stack)-n:]
	s.stack = s.stack[:len(s.stack)-n]
	return out, nil
}

// spillSlot returns the frame slot holding stack depth d of the given kind
// across block boundaries.
func (s *fnState) spillSlot(d int, k kind) *ir.InstAlloca {
	key := spillKey{depth: d, k: k}
	slot, ok := s.spills[key]
	if !ok {
		slot = s.alloca(k.spillType())
		s.spills[key] = slot
	}
	return slot
}

// edges prepares a control transfer to one or more blocks: the live stack
// is spilled once and each target's entry shape is checked against earlier
// predecessors.
func (s *fnState) edges(offs ...uint32) ([]*ir.Block, error) {
	sh := shapeOf(s.stack)
	out := make([]*ir.Block, len(offs))
	for i, off := range offs {
		blk, ok := s.blocks[off]
		if !ok {
			return nil, fmt.Errorf("offset 0x%04x: %w: branch target 0x%04x", s.at, metadata.ErrMalformedImage, off)
		}
		if want, ok := s.shapes[off]; ok {
			if !sameShape(want, sh) {
				return nil, fmt.Errorf("offset 0x%04x: %w: target 0x%04x expects %d entries, got %d",
					s.at, ErrStackInconsistency, off, len(want), len(sh))
			}
		} else {
			s.shapes[off] = sh
		}
		out[i] = blk
	}
	for d, e := range s.stack {
		s.cur.NewStore(e.v, s.spillSlot(d, e.k))
	}
	return out, nil
}

func (s *fnState) edge(off uint32) (*ir.Block, error) {
	blks, err := s.edges(off)
	if err != nil {
		return nil, err
	}
	return blks[0], nil
}

// beginBlock materializes the entry stack for the block at off. Handler
// entries get their fixed shape; ordinary blocks reload the spilled
// entries of whatever shape the first predecessor established.
func (s *fnState) beginBlock(off uint32) {
	s.cur = s.blocks[off]
	s.stack = s.stack[:0]

	if c, ok := s.handlerOf[off]; ok {
		if c.Kind == il.EHCatch {
			ex := s.cur.NewLoad(i8ptr, c.exSlot)
			s.stack = append(s.stack, entry{k: kindRef, v: ex})
			s.shapes[off] = []entryKind{{k: kindRef}}
		} else {
			s.shapes[off] = nil
		}
		return
	}

	sh, ok := s.shapes[off]
	if !ok {
		s.shapes[off] = nil
		return
	}
	for d, ek := range sh {
		v := s.cur.NewLoad(ek.k.spillType(), s.spillSlot(d, ek.k))
		s.stack = append(s.stack, entry{k: ek.k, v: v, layout: ek.layout})
	}
}

func (s *fnState) translateBlock(off uint32) error {
	s.beginBlock(off)

	i := s.index[off]
	for {
		ins := s.insts[i]
		s.at = ins.Offset
		done, err := s.translateInst(ins)
		if err != nil {
			return err
		}
		if done {
			// Terminated; the decoder guarantees anything after an
			// unconditional transfer starts a new block.
			return nil
		}
		i++
		if i >= len(s.insts) {
			return fmt.Errorf("offset 0x%04x: %w: code falls off method end", s.at, metadata.ErrMalformedImage)
		}
		// Fall through into the next block.
		if _, isLeader := s.blocks[s.insts[i].Offset]; isLeader {
			blk, err := s.edge(s.insts[i].Offset)
			if err != nil {
				return err
			}
			s.cur.NewBr(blk)
			return nil
		}
	}
}

// newSplit creates a continuation block for the normal edge of an invoke.
// It belongs to no instruction offset; translation simply continues in it.
func (s *fnState) newSplit() *ir.Block {
	s.nsplit++
	return s.fn.NewBlock(fmt.Sprintf("cont_%d", s.nsplit))
}

// emitCall emits a direct or indirect call, as an invoke when the site sits
// inside a protected region.
func (s *fnState) emitCall(callee value.Value, args []value.Value) value.Value {
	if c := s.innermostTry(s.at); c != nil {
		cont := s.newSplit()
		inv := s.cur.NewInvoke(callee, args, cont, c.pad)
		s.cur = cont
		return inv
	}
	return s.cur.NewCall(callee, args...)
}
