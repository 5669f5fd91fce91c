// Package llvm wraps backend-module construction: runtime ABI declarations,
// symbol mangling and the pre-serialization consistency check.
package llvm

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
)

// Runtime-support symbol names. The runtime object resolves these at link
// time; the names are part of the ABI and must not change.
const (
	SymAlloc       = "ilrt_alloc"
	SymNewString   = "ilrt_new_string"
	SymThrow       = "ilrt_throw"
	SymRethrow     = "ilrt_rethrow"
	SymPersonality = "ilrt_personality"
	SymEntry       = "ilrt_main"
	SymCast        = "ilrt_cast"
	SymIsinst      = "ilrt_isinst"
	SymPrintI32    = "ilrt_print_i32"
	SymPrintI64    = "ilrt_print_i64"
	SymPrintF64    = "ilrt_print_f64"
	SymPrintStr    = "ilrt_print_str"
	SymMemcpy      = "llvm.memcpy.p0i8.p0i8.i64"
	SymMemset      = "llvm.memset.p0i8.i64"
)

// Runtime holds the declared runtime-support functions of one module.
type Runtime struct {
	// Alloc is ilrt_alloc(i64 size) -> i8*, zeroed memory.
	Alloc *ir.Func
	// NewString is ilrt_new_string(i8* utf8, i64 len) -> i8*.
	NewString *ir.Func
	// Throw is ilrt_throw(i8* exception), does not return.
	Throw *ir.Func
	// Rethrow is ilrt_rethrow(i8* exception), does not return.
	Rethrow *ir.Func
	// Personality is the unwind personality routine.
	Personality *ir.Func
	// Cast is ilrt_cast(i8* obj, i8* vtable) -> i8*, throws on mismatch.
	Cast *ir.Func
	// Isinst is ilrt_isinst(i8* obj, i8* vtable) -> i8* or null.
	Isinst *ir.Func
	// PrintI32, PrintI64, PrintF64 and PrintStr are the console output
	// primitives, each printing its argument followed by a newline.
	PrintI32 *ir.Func
	PrintI64 *ir.Func
	PrintF64 *ir.Func
	PrintStr *ir.Func
	// Memcpy is the byte-copy intrinsic used for value-type copies.
	Memcpy *ir.Func
	// Memset zeroes value-type storage.
	Memset *ir.Func
}

// DeclareRuntime adds the runtime-support declarations to a module.
func DeclareRuntime(m *ir.Module) *Runtime {
	i8ptr := types.NewPointer(types.I8)

	rt := &Runtime{
		Alloc:       m.NewFunc(SymAlloc, i8ptr, ir.NewParam("size", types.I64)),
		NewString:   m.NewFunc(SymNewString, i8ptr, ir.NewParam("data", i8ptr), ir.NewParam("len", types.I64)),
		Throw:       m.NewFunc(SymThrow, types.Void, ir.NewParam("ex", i8ptr)),
		Rethrow:     m.NewFunc(SymRethrow, types.Void, ir.NewParam("ex", i8ptr)),
		Personality: m.NewFunc(SymPersonality, types.I32),
		Cast:        m.NewFunc(SymCast, i8ptr, ir.NewParam("obj", i8ptr), ir.NewParam("vt", i8ptr)),
		Isinst:      m.NewFunc(SymIsinst, i8ptr, ir.NewParam("obj", i8ptr), ir.NewParam("vt", i8ptr)),
		PrintI32:    m.NewFunc(SymPrintI32, types.Void, ir.NewParam("v", types.I32)),
		PrintI64:    m.NewFunc(SymPrintI64, types.Void, ir.NewParam("v", types.I64)),
		PrintF64:    m.NewFunc(SymPrintF64, types.Void, ir.NewParam("v", types.Double)),
		PrintStr:    m.NewFunc(SymPrintStr, types.Void, ir.NewParam("s", i8ptr)),
		Memcpy: m.NewFunc(SymMemcpy, types.Void,
			ir.NewParam("dst", i8ptr), ir.NewParam("src", i8ptr),
			ir.NewParam("len", types.I64), ir.NewParam("volatile", types.I1)),
		Memset: m.NewFunc(SymMemset, types.Void,
			ir.NewParam("dst", i8ptr), ir.NewParam("val", types.I8),
			ir.NewParam("len", types.I64), ir.NewParam("volatile", types.I1)),
	}
	rt.Personality.Sig.Variadic = true
	return rt
}
