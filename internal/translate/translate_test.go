package translate_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/stretchr/testify/require"

	"github.com/ilclang/ilc/internal/il"
	"github.com/ilclang/ilc/internal/llvm"
	"github.com/ilclang/ilc/internal/metadata"
	"github.com/ilclang/ilc/internal/testing/hammer"
	"github.com/ilclang/ilc/internal/testing/mdbuild"
	"github.com/ilclang/ilc/internal/translate"
	"github.com/ilclang/ilc/internal/typesys"
)

func newTranslator(t *testing.T, b *mdbuild.Builder) *translate.Translator {
	t.Helper()
	r, err := metadata.NewReader(b.Build())
	require.NoError(t, err)
	return translate.NewTranslator(typesys.NewBuilder(r))
}

// staticSig builds a static method signature blob: return type then params.
func staticSig(b *mdbuild.Builder, ret byte, params ...byte) uint32 {
	blob := append([]byte{0x00, byte(len(params)), ret}, params...)
	return b.Blob(blob)
}

func instanceSig(b *mdbuild.Builder, ret byte, params ...byte) uint32 {
	blob := append([]byte{0x20, byte(len(params)), ret}, params...)
	return b.Blob(blob)
}

func token(h metadata.Handle) uint32 {
	return uint32(h.Kind())<<24 | h.Row()
}

// newFixture seeds a builder with a module row and code-stream padding so
// no method body lands at offset zero.
func newFixture() *mdbuild.Builder {
	b := mdbuild.New()
	b.Row(metadata.TableModule, 0, b.String("m"), 0, 0, 0)
	b.Code([]byte{0, 0, 0, 0})
	return b
}

// addMethod appends a method under an open TypeDef row set. The caller
// builds the TypeDef with NextRow markers before adding its methods.
func addMethod(b *mdbuild.Builder, name string, flags, sig, rva uint32) metadata.Handle {
	return b.Row(metadata.TableMethodDef, rva, 0, flags, b.String(name), sig, b.NextRow(metadata.TableParam))
}

const (
	flagsStatic  = 0x0016
	flagsCtor    = 0x1806
	flagsVirtual = 0x0146 // public | virtual | newslot
)

func TestTranslateAdd(t *testing.T) {
	b := newFixture()
	code := mdbuild.NewAsm().
		Op(il.OpLdarg0).Op(il.OpLdarg1).Op(il.OpAdd).Op(il.OpRet).
		Bytes()
	rva := b.Code(mdbuild.TinyBody(code))
	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	m := addMethod(b, "Add", flagsStatic, staticSig(b, 0x08, 0x08, 0x08), rva)

	tr := newTranslator(t, b)
	require.NoError(t, tr.TranslateMethod(m))
	require.NoError(t, llvm.Verify(tr.Module()))

	out := tr.Module().String()
	require.Contains(t, out, "define i32 @Main__Add")
	require.Contains(t, out, "add i32")
}

func TestTranslateLoop(t *testing.T) {
	b := newFixture()
	// acc = 0; i = n; while (i != 0) { acc += i; i -= 1 }; return acc
	code := mdbuild.NewAsm().
		Op(il.OpLdcI40).Op(il.OpStloc0).
		Op(il.OpLdarg0).Op(il.OpStloc1).
		Op(il.OpLdloc1).                     // offset 4: loop head
		Op(il.OpBrfalseS).I8(10).            // exit at 17
		Op(il.OpLdloc0).Op(il.OpLdloc1).Op(il.OpAdd).Op(il.OpStloc0).
		Op(il.OpLdloc1).Op(il.OpLdcI41).Op(il.OpSub).Op(il.OpStloc1).
		Op(il.OpBrS).I8(-13). // back to 4
		Op(il.OpLdloc0).Op(il.OpRet).
		Bytes()
	locals := b.Row(metadata.TableStandAloneSig, b.Blob([]byte{0x07, 0x02, 0x08, 0x08}))
	rva := b.Code(mdbuild.FatBody(4, token(locals), code))
	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	m := addMethod(b, "Sum", flagsStatic, staticSig(b, 0x08, 0x08), rva)

	tr := newTranslator(t, b)
	require.NoError(t, tr.TranslateMethod(m))
	require.NoError(t, llvm.Verify(tr.Module()))
	require.Contains(t, tr.Module().String(), "br label")
}

func TestLoopEnteredByBackwardBranch(t *testing.T) {
	b := newFixture()
	// The counting block sits below the test block and is only ever
	// entered through the backward edge, with the counter on the stack.
	code := mdbuild.NewAsm().
		Op(il.OpLdcI4S).I8(10).
		Op(il.OpBrS).I8(4). // to the test at 8
		Op(il.OpLdcI41).    // offset 4: count down
		Op(il.OpSub).
		Op(il.OpNop).Op(il.OpNop).
		Op(il.OpDup).          // offset 8: test
		Op(il.OpBrtrueS).I8(-7). // back to 4
		Op(il.OpRet).
		Bytes()
	rva := b.Code(mdbuild.TinyBody(code))
	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	m := addMethod(b, "Count", flagsStatic, staticSig(b, 0x08), rva)

	tr := newTranslator(t, b)
	require.NoError(t, tr.TranslateMethod(m))
	require.NoError(t, llvm.Verify(tr.Module()))
	require.Contains(t, tr.Module().String(), "br label")
}

func TestStackUnderflow(t *testing.T) {
	b := newFixture()
	code := mdbuild.NewAsm().Op(il.OpPop).Op(il.OpRet).Bytes()
	rva := b.Code(mdbuild.TinyBody(code))
	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	m := addMethod(b, "Bad", flagsStatic, staticSig(b, 0x01), rva)

	tr := newTranslator(t, b)
	err := tr.TranslateMethod(m)
	require.ErrorIs(t, err, translate.ErrStackUnderflow)
	require.Contains(t, err.Error(), "Main::Bad")
}

func TestTypeMismatch(t *testing.T) {
	b := newFixture()
	code := mdbuild.NewAsm().
		Op(il.OpLdcI41).
		Op(il.OpLdcR8).F64(1.5).
		Op(il.OpAdd).
		Op(il.OpRet).
		Bytes()
	rva := b.Code(mdbuild.TinyBody(code))
	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	m := addMethod(b, "Bad", flagsStatic, staticSig(b, 0x08), rva)

	tr := newTranslator(t, b)
	err := tr.TranslateMethod(m)
	require.ErrorIs(t, err, translate.ErrTypeMismatch)
	require.Contains(t, err.Error(), "add")
}

func TestJoinPointInconsistency(t *testing.T) {
	b := newFixture()
	// One path pushes int32, the other float64; both meet at offset 15.
	code := mdbuild.NewAsm().
		Op(il.OpLdarg0).
		Op(il.OpBrtrueS).I8(3). // to 6
		Op(il.OpLdcI40).        // 3
		Op(il.OpBrS).I8(9).     // to 15
		Op(il.OpLdcR8).F64(0).  // 6
		Op(il.OpPop).           // 15: join
		Op(il.OpRet).
		Bytes()
	rva := b.Code(mdbuild.TinyBody(code))
	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	m := addMethod(b, "Bad", flagsStatic, staticSig(b, 0x01, 0x08), rva)

	tr := newTranslator(t, b)
	err := tr.TranslateMethod(m)
	require.ErrorIs(t, err, translate.ErrStackInconsistency)
	require.Contains(t, err.Error(), "0x000f")
}

func TestUnsupportedInstruction(t *testing.T) {
	b := newFixture()
	code := mdbuild.NewAsm().
		Op(il.OpLdtoken).Token(0x02000001).
		Op(il.OpPop).Op(il.OpRet).
		Bytes()
	rva := b.Code(mdbuild.TinyBody(code))
	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	m := addMethod(b, "Bad", flagsStatic, staticSig(b, 0x01), rva)

	tr := newTranslator(t, b)
	err := tr.TranslateMethod(m)
	require.ErrorIs(t, err, translate.ErrUnsupportedInstruction)
	require.Contains(t, err.Error(), "ldtoken")
	require.Contains(t, err.Error(), "Main::Bad")
}

func TestCallOperandNotAMethod(t *testing.T) {
	b := newFixture()
	code := mdbuild.NewAsm().
		Op(il.OpCall).Token(0x02000001).
		Op(il.OpRet).
		Bytes()
	rva := b.Code(mdbuild.TinyBody(code))
	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	m := addMethod(b, "Bad", flagsStatic, staticSig(b, 0x01), rva)

	tr := newTranslator(t, b)
	err := tr.TranslateMethod(m)
	require.ErrorIs(t, err, metadata.ErrMalformedImage)
	// The diagnostic names the operand's table, not a bare hex token.
	require.Contains(t, err.Error(), "TypeDef[1]")
	require.Contains(t, err.Error(), "Main::Bad")
}

func TestTryCatch(t *testing.T) {
	b := newFixture()

	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))

	helperBody := mdbuild.NewAsm().Op(il.OpRet).Bytes()
	helperRVA := b.Code(mdbuild.TinyBody(helperBody))
	helper := addMethod(b, "MayThrow", flagsStatic, staticSig(b, 0x01), helperRVA)

	// try { MayThrow(); x = 1 } catch { x = 2 }; return x
	code := mdbuild.NewAsm().
		Op(il.OpCall).Token(token(helper)). // 0
		Op(il.OpLdcI41).                    // 5
		Op(il.OpStloc0).                    // 6
		Op(il.OpLeaveS).I8(5).              // 7 -> 14
		Op(il.OpPop).                       // 9: catch entry
		Op(il.OpLdcI42).                    // 10
		Op(il.OpStloc0).                    // 11
		Op(il.OpLeaveS).I8(0).              // 12 -> 14
		Op(il.OpLdloc0).                    // 14
		Op(il.OpRet).
		Bytes()
	locals := b.Row(metadata.TableStandAloneSig, b.Blob([]byte{0x07, 0x01, 0x08}))
	clause := il.EHClause{Kind: il.EHCatch, TryOffset: 0, TryLength: 9, HandlerOffset: 9, HandlerLength: 5}
	// Fat bodies want 4-byte stream alignment.
	b.Code([]byte{0, 0, 0}[:(4-(helperRVA+2)%4)%4])
	rva := b.Code(mdbuild.FatBody(2, token(locals), code, clause))
	m := addMethod(b, "Guarded", flagsStatic, staticSig(b, 0x08), rva)

	tr := newTranslator(t, b)
	require.NoError(t, tr.TranslateMethod(helper))
	require.NoError(t, tr.TranslateMethod(m))
	require.NoError(t, llvm.Verify(tr.Module()))

	out := tr.Module().String()
	require.Contains(t, out, "invoke")
	require.Contains(t, out, "landingpad")
	require.Contains(t, out, llvm.SymPersonality)
	// The catch handler consumes exactly one exception reference.
	require.Equal(t, 1, strings.Count(out, "extractvalue"))
}

func TestTryFinally(t *testing.T) {
	b := newFixture()

	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))

	helperBody := mdbuild.NewAsm().Op(il.OpRet).Bytes()
	helperRVA := b.Code(mdbuild.TinyBody(helperBody))
	helper := addMethod(b, "Work", flagsStatic, staticSig(b, 0x01), helperRVA)

	// try { Work() } finally { x = 1 }; return x
	code := mdbuild.NewAsm().
		Op(il.OpCall).Token(token(helper)). // 0
		Op(il.OpLeaveS).I8(4).              // 5 -> 11
		Op(il.OpLdcI41).                    // 7: finally entry
		Op(il.OpStloc0).                    // 8
		Op(il.OpEndfinally).                // 9
		// offset 10 unused; leave lands at 11
		Op(il.OpNop).     // 10
		Op(il.OpLdloc0).  // 11
		Op(il.OpRet).
		Bytes()
	locals := b.Row(metadata.TableStandAloneSig, b.Blob([]byte{0x07, 0x01, 0x08}))
	clause := il.EHClause{Kind: il.EHFinally, TryOffset: 0, TryLength: 7, HandlerOffset: 7, HandlerLength: 3}
	b.Code([]byte{0, 0, 0}[:(4-(helperRVA+2)%4)%4])
	rva := b.Code(mdbuild.FatBody(2, token(locals), code, clause))
	m := addMethod(b, "Cleanup", flagsStatic, staticSig(b, 0x08), rva)

	tr := newTranslator(t, b)
	require.NoError(t, tr.TranslateMethod(helper))
	require.NoError(t, tr.TranslateMethod(m))
	require.NoError(t, llvm.Verify(tr.Module()))

	out := tr.Module().String()
	require.Contains(t, out, "resume")
	require.Contains(t, out, "cleanup")
}

func TestNewobjAndVirtualDispatch(t *testing.T) {
	b := newFixture()

	b.Row(metadata.TableTypeDef, 0, b.String("Obj"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	ctorRVA := b.Code(mdbuild.TinyBody(mdbuild.NewAsm().Op(il.OpRet).Bytes()))
	ctor := addMethod(b, ".ctor", flagsCtor, instanceSig(b, 0x01), ctorRVA)
	mRVA := b.Code(mdbuild.TinyBody(mdbuild.NewAsm().Op(il.OpLdcI47).Op(il.OpRet).Bytes()))
	virt := addMethod(b, "Get", flagsVirtual, instanceSig(b, 0x08), mRVA)

	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	code := mdbuild.NewAsm().
		Op(il.OpNewobj).Token(token(ctor)).
		Op(il.OpCallvirt).Token(token(virt)).
		Op(il.OpRet).
		Bytes()
	rva := b.Code(mdbuild.TinyBody(code))
	m := addMethod(b, "Run", flagsStatic, staticSig(b, 0x08), rva)

	tr := newTranslator(t, b)
	require.NoError(t, tr.TranslateMethod(ctor))
	require.NoError(t, tr.TranslateMethod(virt))
	require.NoError(t, tr.TranslateMethod(m))
	require.NoError(t, llvm.Verify(tr.Module()))

	out := tr.Module().String()
	require.Contains(t, out, "@vt_Obj")
	require.NotContains(t, out, "vt_TypeDef")
	require.Contains(t, out, llvm.SymAlloc)
	require.Contains(t, out, "@Obj___ctor")
	// Dispatch goes through the table, not a direct call.
	require.Contains(t, out, "getelementptr")
}

func TestLdstr(t *testing.T) {
	b := newFixture()
	strOff := b.UserString("hi")
	code := mdbuild.NewAsm().
		Op(il.OpLdstr).Token(0x70000000|strOff).
		Op(il.OpPop).
		Op(il.OpRet).
		Bytes()
	rva := b.Code(mdbuild.TinyBody(code))
	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	m := addMethod(b, "Greet", flagsStatic, staticSig(b, 0x01), rva)

	tr := newTranslator(t, b)
	require.NoError(t, tr.TranslateMethod(m))
	require.NoError(t, llvm.Verify(tr.Module()))

	out := tr.Module().String()
	require.Contains(t, out, llvm.SymNewString)
	require.Contains(t, out, ".str.0")
}

func TestLdelemGenericValueType(t *testing.T) {
	b := newFixture()
	asm := b.Row(metadata.TableAssemblyRef, 1, 0, 0, 0, 0, 0, b.String("corlib"), 0, 0)
	vt := b.Row(metadata.TableTypeRef,
		b.Coded(metadata.CodedResolutionScope, asm), b.String("ValueType"), b.String("System"))

	box := b.Row(metadata.TableTypeDef, 0x100, b.String("Box`1"), 0,
		b.Coded(metadata.CodedTypeDefOrRef, vt),
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	b.Row(metadata.TableField, 0, b.String("v"), b.Blob([]byte{0x06, 0x13, 0x00}))
	b.Row(metadata.TableGenericParam, 0, 0, b.Coded(metadata.CodedTypeOrMethodDef, box), b.String("T"))

	// Box`1<int32> as a TypeSpec blob: generic inst, valuetype head,
	// TypeDef[1], one argument.
	spec := b.Row(metadata.TableTypeSpec, b.Blob([]byte{0x15, 0x11, 0x04, 0x01, 0x08}))

	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	code := mdbuild.NewAsm().
		Op(il.OpLdnull).
		Op(il.OpLdcI40).
		Op(il.OpLdelem).Token(token(spec)).
		Op(il.OpPop).
		Op(il.OpRet).
		Bytes()
	rva := b.Code(mdbuild.TinyBody(code))
	m := addMethod(b, "M", flagsStatic, staticSig(b, 0x01), rva)

	tr := newTranslator(t, b)
	require.NoError(t, tr.TranslateMethod(m))
	require.NoError(t, llvm.Verify(tr.Module()))
	require.Contains(t, tr.Module().String(), "llvm.memcpy")
}

func TestConcurrentTranslation(t *testing.T) {
	const workers = 8
	b := newFixture()
	code := mdbuild.NewAsm().
		Op(il.OpLdarg0).Op(il.OpLdarg1).Op(il.OpAdd).Op(il.OpRet).
		Bytes()
	rva := b.Code(mdbuild.TinyBody(code))
	b.Row(metadata.TableTypeDef, 0, b.String("Par"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	var methods []metadata.Handle
	for i := 0; i < workers; i++ {
		m := addMethod(b, fmt.Sprintf("M%d", i), flagsStatic, staticSig(b, 0x08, 0x08, 0x08), rva)
		methods = append(methods, m)
	}

	tr := newTranslator(t, b)
	errs := make([]error, workers)
	hammer.Run(t, workers, 1, func(g, _ int) {
		errs[g] = tr.TranslateMethod(methods[g])
	})
	if t.Failed() {
		return
	}
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, llvm.Verify(tr.Module()))
	out := tr.Module().String()
	for i := 0; i < workers; i++ {
		require.Contains(t, out, fmt.Sprintf("define i32 @Par__M%d", i))
	}
}

func TestConcurrentDeclareIsIdempotent(t *testing.T) {
	b := newFixture()
	code := mdbuild.NewAsm().Op(il.OpRet).Bytes()
	rva := b.Code(mdbuild.TinyBody(code))
	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	m := addMethod(b, "Once", flagsStatic, staticSig(b, 0x01), rva)

	tr := newTranslator(t, b)

	const p, n = 8, 50
	fns := make([]*ir.Func, p)
	hammer.Run(t, p, n, func(g, _ int) {
		fn, _, err := tr.Declare(m)
		if err != nil {
			panic(err)
		}
		if fns[g] != nil && fns[g] != fn {
			panic("declare returned distinct functions")
		}
		fns[g] = fn
	})
	if t.Failed() {
		return
	}
	for g := 1; g < p; g++ {
		require.Same(t, fns[0], fns[g])
	}
	require.Equal(t, 1, strings.Count(tr.Module().String(), "@Main__Once"))
}

func TestConsoleWriteLineIntrinsic(t *testing.T) {
	b := newFixture()
	asmRef := b.Row(metadata.TableAssemblyRef, 1, 0, 0, 0, 0, 0, b.String("ilrt"), 0, 0)
	console := b.Row(metadata.TableTypeRef,
		b.Coded(metadata.CodedResolutionScope, asmRef),
		b.String("Console"), b.String("System"))
	writeLine := b.Row(metadata.TableMemberRef,
		b.Coded(metadata.CodedMemberRefParent, console),
		b.String("WriteLine"), staticSig(b, 0x01, 0x08))

	code := mdbuild.NewAsm().
		Op(il.OpLdcI4).I32(42).
		Op(il.OpCall).Token(token(writeLine)).
		Op(il.OpRet).
		Bytes()
	rva := b.Code(mdbuild.TinyBody(code))
	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	m := addMethod(b, "Run", flagsStatic, staticSig(b, 0x01), rva)

	tr := newTranslator(t, b)
	require.NoError(t, tr.TranslateMethod(m))
	require.NoError(t, llvm.Verify(tr.Module()))
	require.Contains(t, tr.Module().String(), llvm.SymPrintI32)
}

func TestExternMemberRefCall(t *testing.T) {
	b := newFixture()
	asmRef := b.Row(metadata.TableAssemblyRef, 1, 0, 0, 0, 0, 0, b.String("otherlib"), 0, 0)
	mathRef := b.Row(metadata.TableTypeRef,
		b.Coded(metadata.CodedResolutionScope, asmRef),
		b.String("Math"), b.String("Other"))
	abs := b.Row(metadata.TableMemberRef,
		b.Coded(metadata.CodedMemberRefParent, mathRef),
		b.String("Abs"), staticSig(b, 0x08, 0x08))

	code := mdbuild.NewAsm().
		Op(il.OpLdarg0).
		Op(il.OpCall).Token(token(abs)).
		Op(il.OpRet).
		Bytes()
	rva := b.Code(mdbuild.TinyBody(code))
	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	m := addMethod(b, "Run", flagsStatic, staticSig(b, 0x08, 0x08), rva)

	tr := newTranslator(t, b)
	require.NoError(t, tr.TranslateMethod(m))
	require.NoError(t, llvm.Verify(tr.Module()))

	out := tr.Module().String()
	// Extern members turn into declarations, never definitions.
	require.Contains(t, out, "declare i32 @Other_Math__Abs(i32")
	require.Contains(t, out, "call i32 @Other_Math__Abs")
}
