package llvm

import (
	"errors"
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// ErrInvalidModule is returned by Verify when the built module violates a
// structural rule that would make the textual IR unloadable.
var ErrInvalidModule = errors.New("invalid backend module")

// Verify performs the structural checks we can do without a backend: every
// block of a defined function is terminated, branch edges stay inside their
// function, and call sites agree with their callee's signature. It exists so
// that a translator bug surfaces as a diagnostic here instead of an opaque
// parse error from the toolchain downstream.
func Verify(m *ir.Module) error {
	for _, f := range m.Funcs {
		if len(f.Blocks) == 0 {
			continue // declaration
		}
		blocks := make(map[*ir.Block]struct{}, len(f.Blocks))
		for _, b := range f.Blocks {
			blocks[b] = struct{}{}
		}
		for _, b := range f.Blocks {
			if err := verifyBlock(f, b, blocks); err != nil {
				return err
			}
		}
	}
	return nil
}

func verifyBlock(f *ir.Func, b *ir.Block, blocks map[*ir.Block]struct{}) error {
	if b.Term == nil {
		return fmt.Errorf("%w: function %s: block %s has no terminator", ErrInvalidModule, f.Name(), b.LocalIdent.Ident())
	}
	for _, inst := range b.Insts {
		call, ok := inst.(*ir.InstCall)
		if !ok {
			continue
		}
		if err := verifyCall(f, call.Callee, call.Args); err != nil {
			return err
		}
	}
	switch term := b.Term.(type) {
	case *ir.TermBr:
		return verifyEdge(f, blocks, term.Target)
	case *ir.TermCondBr:
		if err := verifyEdge(f, blocks, term.TargetTrue); err != nil {
			return err
		}
		return verifyEdge(f, blocks, term.TargetFalse)
	case *ir.TermInvoke:
		if err := verifyCall(f, term.Invokee, term.Args); err != nil {
			return err
		}
		if err := verifyEdge(f, blocks, term.NormalRetTarget); err != nil {
			return err
		}
		return verifyEdge(f, blocks, term.ExceptionRetTarget)
	case *ir.TermSwitch:
		if err := verifyEdge(f, blocks, term.TargetDefault); err != nil {
			return err
		}
		for _, c := range term.Cases {
			if err := verifyEdge(f, blocks, c.Target); err != nil {
				return err
			}
		}
	}
	return nil
}

func verifyEdge(f *ir.Func, blocks map[*ir.Block]struct{}, target value.Value) error {
	dest, ok := target.(*ir.Block)
	if !ok || dest == nil {
		return fmt.Errorf("%w: function %s: branch without block target", ErrInvalidModule, f.Name())
	}
	if _, ok := blocks[dest]; !ok {
		return fmt.Errorf("%w: function %s: branch to foreign block %s", ErrInvalidModule, f.Name(), dest.LocalIdent.Ident())
	}
	return nil
}

func verifyCall(f *ir.Func, callee value.Value, args []value.Value) error {
	sig := calleeSig(callee)
	if sig == nil {
		return fmt.Errorf("%w: function %s: call through non-function value", ErrInvalidModule, f.Name())
	}
	if sig.Variadic {
		if len(args) < len(sig.Params) {
			return fmt.Errorf("%w: function %s: call passes %d args, callee wants at least %d", ErrInvalidModule, f.Name(), len(args), len(sig.Params))
		}
	} else if len(args) != len(sig.Params) {
		return fmt.Errorf("%w: function %s: call passes %d args, callee wants %d", ErrInvalidModule, f.Name(), len(args), len(sig.Params))
	}
	for i, p := range sig.Params {
		if !args[i].Type().Equal(p) {
			return fmt.Errorf("%w: function %s: call arg %d has type %s, callee wants %s", ErrInvalidModule, f.Name(), i, args[i].Type(), p)
		}
	}
	return nil
}

func calleeSig(callee value.Value) *types.FuncType {
	if f, ok := callee.(*ir.Func); ok {
		return f.Sig
	}
	ptr, ok := callee.Type().(*types.PointerType)
	if !ok {
		return nil
	}
	sig, ok := ptr.ElemType.(*types.FuncType)
	if !ok {
		return nil
	}
	return sig
}
