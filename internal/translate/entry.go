package translate

import (
	"fmt"

	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"

	"github.com/ilclang/ilc/internal/llvm"
	"github.com/ilclang/ilc/internal/metadata"
	"github.com/ilclang/ilc/internal/signature"
)

// EmitEntry defines the runtime entry trampoline: an i32 function under the
// agreed entry symbol that calls the given static method and normalizes its
// result to a process exit code. A void entry method exits with zero.
func (t *Translator) EmitEntry(h metadata.Handle) error {
	fn, sig, err := t.Declare(h)
	if err != nil {
		return err
	}
	if sig.HasThis || len(sig.Params) != 0 {
		return fmt.Errorf("entry method must be static and take no arguments")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	wrapper := t.mod.NewFunc(llvm.SymEntry, types.I32)
	b := wrapper.NewBlock("")
	switch sig.Return.Elem {
	case signature.ETVoid:
		b.NewCall(fn)
		b.NewRet(constant.NewInt(types.I32, 0))
	case signature.ETI4, signature.ETU4:
		b.NewRet(b.NewCall(fn))
	case signature.ETI8, signature.ETU8, signature.ETI, signature.ETU:
		b.NewRet(b.NewTrunc(b.NewCall(fn), types.I32))
	default:
		return fmt.Errorf("entry method return type %v is not a valid exit code", sig.Return.Elem)
	}
	return nil
}
