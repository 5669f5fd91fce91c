package llvm

import (
	"strings"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/stretchr/testify/require"
)

func TestMangle(t *testing.T) {
	tests := []struct {
		name, in, exp string
	}{
		{name: "plain", in: "Main", exp: "Main"},
		{name: "namespace", in: "Lib.Geometry.Point", exp: "Lib_Geometry_Point"},
		{name: "nested", in: "Lib.Outer/Inner", exp: "Lib_Outer_Inner"},
		{name: "generic arity", in: "Lib.Pair`2", exp: "Lib_Pair$2"},
		{name: "ctor", in: ".ctor", exp: "_ctor"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.exp, Mangle(tc.in))
		})
	}

	require.Equal(t, "Lib_Point__Sum", MethodSymbol("Lib.Point", "Sum"))
	require.Equal(t, "st_Lib_Point__count", StaticSymbol("Lib.Point", "count"))
	require.Equal(t, "vt_Lib_Point", VTableSymbol("Lib.Point"))
}

func TestDeclareRuntime(t *testing.T) {
	m := ir.NewModule()
	rt := DeclareRuntime(m)

	require.Equal(t, SymAlloc, rt.Alloc.Name())
	require.Equal(t, SymThrow, rt.Throw.Name())
	require.True(t, rt.Personality.Sig.Variadic)

	// Declarations only, and all of them serializable.
	out := m.String()
	for _, sym := range []string{SymAlloc, SymNewString, SymThrow, SymRethrow, SymPersonality} {
		require.Contains(t, out, "declare")
		require.Contains(t, out, sym)
	}
}

func TestVerifyAcceptsWellFormed(t *testing.T) {
	m := ir.NewModule()
	rt := DeclareRuntime(m)

	f := m.NewFunc("f", types.I32)
	entry := f.NewBlock("entry")
	obj := entry.NewCall(rt.Alloc, constant.NewInt(types.I64, 16))
	_ = obj
	tail := f.NewBlock("tail")
	entry.NewBr(tail)
	tail.NewRet(constant.NewInt(types.I32, 0))

	require.NoError(t, Verify(m))
}

func TestVerifyRejectsUnterminatedBlock(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.Void)
	f.NewBlock("entry")

	err := Verify(m)
	require.ErrorIs(t, err, ErrInvalidModule)
	require.Contains(t, err.Error(), "no terminator")
}

func TestVerifyRejectsForeignBranch(t *testing.T) {
	m := ir.NewModule()
	other := m.NewFunc("other", types.Void)
	foreign := other.NewBlock("foreign")
	foreign.NewRet(nil)

	f := m.NewFunc("f", types.Void)
	entry := f.NewBlock("entry")
	entry.NewBr(foreign)

	err := Verify(m)
	require.ErrorIs(t, err, ErrInvalidModule)
	require.Contains(t, err.Error(), "foreign block")
}

func TestVerifyRejectsCallArityMismatch(t *testing.T) {
	m := ir.NewModule()
	callee := m.NewFunc("callee", types.Void, ir.NewParam("x", types.I32))

	f := m.NewFunc("f", types.Void)
	entry := f.NewBlock("entry")
	entry.NewCall(callee)
	entry.NewRet(nil)

	err := Verify(m)
	require.ErrorIs(t, err, ErrInvalidModule)
	require.Contains(t, err.Error(), "wants 1")
}

func TestVerifyRejectsCallTypeMismatch(t *testing.T) {
	m := ir.NewModule()
	callee := m.NewFunc("callee", types.Void, ir.NewParam("x", types.I32))

	f := m.NewFunc("f", types.Void)
	entry := f.NewBlock("entry")
	entry.NewCall(callee, constant.NewInt(types.I64, 1))
	entry.NewRet(nil)

	err := Verify(m)
	require.ErrorIs(t, err, ErrInvalidModule)
	require.Contains(t, err.Error(), "arg 0")
}

func TestVerifyVariadicCall(t *testing.T) {
	m := ir.NewModule()
	callee := m.NewFunc("printf_like", types.I32, ir.NewParam("fmt", types.NewPointer(types.I8)))
	callee.Sig.Variadic = true

	f := m.NewFunc("f", types.Void)
	entry := f.NewBlock("entry")
	fmtArg := constant.NewNull(types.NewPointer(types.I8))
	entry.NewCall(callee, fmtArg, constant.NewInt(types.I32, 7))
	entry.NewRet(nil)

	require.NoError(t, Verify(m))

	// Too few fixed args is still rejected.
	g := m.NewFunc("g", types.Void)
	gEntry := g.NewBlock("entry")
	gEntry.NewCall(callee)
	gEntry.NewRet(nil)
	require.ErrorIs(t, Verify(m), ErrInvalidModule)
}

func TestVerifyInvokeEdges(t *testing.T) {
	m := ir.NewModule()
	rt := DeclareRuntime(m)

	f := m.NewFunc("f", types.Void)
	f.Personality = rt.Personality
	entry := f.NewBlock("entry")
	cont := f.NewBlock("cont")
	pad := f.NewBlock("pad")

	ex := constant.NewNull(types.NewPointer(types.I8))
	entry.NewInvoke(rt.Throw, []value.Value{ex}, cont, pad)
	cont.NewRet(nil)

	lp := pad.NewLandingPad(types.NewStruct(types.NewPointer(types.I8), types.I32),
		ir.NewClause(enum.ClauseTypeCatch, constant.NewNull(types.NewPointer(types.I8))))
	_ = lp
	pad.NewResume(lp)

	require.NoError(t, Verify(m))
	require.True(t, strings.Contains(m.String(), "invoke"))
}
