package translate

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/ilclang/ilc/internal/il"
	"github.com/ilclang/ilc/internal/metadata"
)

// lpType is the landing-pad aggregate: the exception pointer plus the
// selector the personality routine fills in.
var lpType = types.NewStruct(types.NewPointer(types.I8), types.I32)

// clause is the translation state of one exception clause: its landing
// pad, the frame slots carrying the in-flight exception, and for finally
// clauses the bookkeeping that routes endfinally either onward to the
// pending leave target or back into the unwinder.
type clause struct {
	il.EHClause

	pad    *ir.Block
	exSlot *ir.InstAlloca
	// lpSlot holds the whole landing-pad aggregate for resume.
	lpSlot *ir.InstAlloca

	// Finally-only state. flagSlot is nonzero when the handler was
	// entered from the unwind path; selSlot indexes leaveTargets.
	flagSlot     *ir.InstAlloca
	selSlot      *ir.InstAlloca
	leaveTargets []uint32
	// dispatch receives its switch terminator in finishEH, after every
	// leave through this clause has been seen.
	dispatch *ir.Block
	resume   *ir.Block
}

// setupEH validates the clause table and builds one landing pad per
// clause. Filter and fault handlers are not in the translated subset.
func (s *fnState) setupEH() error {
	if len(s.body.EHClauses) == 0 {
		return nil
	}
	s.handlerOf = make(map[uint32]*clause, len(s.body.EHClauses))
	s.fn.Personality = s.t.rt.Personality

	for i, ec := range s.body.EHClauses {
		switch ec.Kind {
		case il.EHCatch, il.EHFinally:
		default:
			return fmt.Errorf("%w: exception clause kind %d", ErrUnsupportedInstruction, ec.Kind)
		}
		if _, ok := s.index[ec.HandlerOffset]; !ok {
			return fmt.Errorf("%w: handler offset 0x%04x", metadata.ErrMalformedImage, ec.HandlerOffset)
		}
		c := &clause{EHClause: ec}
		c.exSlot = s.alloca(types.NewPointer(types.I8))
		c.lpSlot = s.alloca(lpType)
		c.pad = s.fn.NewBlock(fmt.Sprintf("pad_%d", i))
		if ec.Kind == il.EHFinally {
			c.flagSlot = s.alloca(types.I8)
			c.selSlot = s.alloca(types.I32)
			c.dispatch = s.fn.NewBlock(fmt.Sprintf("fin_dispatch_%d", i))
			c.resume = s.fn.NewBlock(fmt.Sprintf("fin_resume_%d", i))
		}
		s.buildPad(c)
		s.clauses = append(s.clauses, c)
		s.handlerOf[ec.HandlerOffset] = c
	}
	return nil
}

// buildPad emits the landing pad: capture the aggregate and the exception
// pointer, then enter the handler block.
func (s *fnState) buildPad(c *clause) {
	var lp *ir.InstLandingPad
	if c.Kind == il.EHCatch {
		// Catch-all; type filtering happens via ilrt_cast inside the
		// handler when the clause names a type.
		lp = c.pad.NewLandingPad(lpType,
			ir.NewClause(enum.ClauseTypeCatch, constant.NewNull(types.NewPointer(types.I8))))
	} else {
		lp = c.pad.NewLandingPad(lpType)
		lp.Cleanup = true
	}
	c.pad.NewStore(lp, c.lpSlot)
	ex := c.pad.NewExtractValue(lp, 0)
	c.pad.NewStore(ex, c.exSlot)
	if c.Kind == il.EHFinally {
		c.pad.NewStore(constant.NewInt(types.I8, 1), c.flagSlot)
	}
	c.pad.NewBr(s.blocks[c.HandlerOffset])
}

// innermostTry returns the clause with the smallest protected region
// containing off, or nil when off is unprotected.
func (s *fnState) innermostTry(off uint32) *clause {
	var best *clause
	for _, c := range s.clauses {
		if off < c.TryOffset || off >= c.TryOffset+c.TryLength {
			continue
		}
		if best == nil || c.TryLength < best.TryLength {
			best = c
		}
	}
	return best
}

// innermostHandler returns the clause whose handler region contains off.
func (s *fnState) innermostHandler(off uint32) *clause {
	var best *clause
	for _, c := range s.clauses {
		if off < c.HandlerOffset || off >= c.HandlerOffset+c.HandlerLength {
			continue
		}
		if best == nil || c.HandlerLength < best.HandlerLength {
			best = c
		}
	}
	return best
}

// translateLeave empties the evaluation stack and transfers control to the
// leave target, detouring through the innermost finally whose protected
// region is being left.
func (s *fnState) translateLeave(ins il.Instruction) error {
	s.stack = s.stack[:0]

	if c := s.innermostTry(ins.Offset); c != nil && c.Kind == il.EHFinally &&
		!(ins.Target >= c.TryOffset && ins.Target < c.TryOffset+c.TryLength) {
		idx := -1
		for i, tgt := range c.leaveTargets {
			if tgt == ins.Target {
				idx = i
			}
		}
		if idx < 0 {
			idx = len(c.leaveTargets)
			c.leaveTargets = append(c.leaveTargets, ins.Target)
		}
		s.cur.NewStore(constant.NewInt(types.I8, 0), c.flagSlot)
		s.cur.NewStore(constant.NewInt(types.I32, int64(idx)), c.selSlot)
		blk, err := s.edge(c.HandlerOffset)
		if err != nil {
			return err
		}
		s.cur.NewBr(blk)
		return nil
	}

	blk, err := s.edge(ins.Target)
	if err != nil {
		return err
	}
	s.cur.NewBr(blk)
	return nil
}

// translateEndfinally routes control out of a finally handler: back into
// the unwinder when the handler was entered on the exception path, to the
// pending leave target otherwise.
func (s *fnState) translateEndfinally(ins il.Instruction) error {
	c := s.innermostHandler(ins.Offset)
	if c == nil || c.Kind != il.EHFinally {
		return fmt.Errorf("offset 0x%04x: %w: endfinally outside a finally handler", ins.Offset, metadata.ErrMalformedImage)
	}
	s.stack = s.stack[:0]
	flag := s.cur.NewLoad(types.I8, c.flagSlot)
	unwinding := s.cur.NewICmp(enum.IPredNE, flag, constant.NewInt(types.I8, 0))
	s.cur.NewCondBr(unwinding, c.resume, c.dispatch)
	return nil
}

// translateThrow pops the exception reference and raises it. Inside a
// protected region the raise unwinds to the landing pad.
func (s *fnState) translateThrow(ins il.Instruction) error {
	e, err := s.pop()
	if err != nil {
		return err
	}
	if e.k != kindRef {
		return fmt.Errorf("offset 0x%04x: %w: throw needs a reference, got %s", ins.Offset, ErrTypeMismatch, e.k)
	}
	s.raise(s.t.rt.Throw, e.v)
	return nil
}

// translateRethrow re-raises the exception of the enclosing catch handler.
func (s *fnState) translateRethrow(ins il.Instruction) error {
	c := s.innermostHandler(ins.Offset)
	if c == nil || c.Kind != il.EHCatch {
		return fmt.Errorf("offset 0x%04x: %w: rethrow outside a catch handler", ins.Offset, metadata.ErrMalformedImage)
	}
	ex := s.cur.NewLoad(types.NewPointer(types.I8), c.exSlot)
	s.raise(s.t.rt.Rethrow, ex)
	return nil
}

func (s *fnState) raise(fn *ir.Func, ex value.Value) {
	if c := s.innermostTry(s.at); c != nil {
		dead := s.newSplit()
		s.cur.NewInvoke(fn, []value.Value{ex}, dead, c.pad)
		dead.NewUnreachable()
		return
	}
	s.cur.NewCall(fn, ex)
	s.cur.NewUnreachable()
}

// finishEH closes the synthetic blocks of each finally clause: the resume
// block re-enters the unwinder and the dispatch block switches over the
// recorded leave targets.
func (s *fnState) finishEH() error {
	for _, c := range s.clauses {
		if c.Kind != il.EHFinally {
			continue
		}
		agg := c.resume.NewLoad(lpType, c.lpSlot)
		c.resume.NewResume(agg)

		if len(c.leaveTargets) == 0 {
			// Finally never left normally; the dispatch path is dead.
			c.dispatch.NewUnreachable()
			continue
		}
		sel := c.dispatch.NewLoad(types.I32, c.selSlot)
		def, ok := s.blocks[c.leaveTargets[0]]
		if !ok {
			return fmt.Errorf("%w: leave target 0x%04x", metadata.ErrMalformedImage, c.leaveTargets[0])
		}
		var cases []*ir.Case
		for i, tgt := range c.leaveTargets[1:] {
			blk, ok := s.blocks[tgt]
			if !ok {
				return fmt.Errorf("%w: leave target 0x%04x", metadata.ErrMalformedImage, tgt)
			}
			cases = append(cases, ir.NewCase(constant.NewInt(types.I32, int64(i+1)), blk))
		}
		c.dispatch.NewSwitch(sel, def, cases...)
	}
	return nil
}
