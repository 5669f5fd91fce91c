package ilc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ilclang/ilc/internal/il"
	"github.com/ilclang/ilc/internal/metadata"
	"github.com/ilclang/ilc/internal/testing/mdbuild"
)

const (
	flagsStatic   = 0x0016
	flagsCtor     = 0x1806
	flagsVirtual  = 0x0146 // public | virtual | newslot
	flagsOverride = 0x0046 // public | virtual, reuses the base slot
)

// staticSig builds a static method signature blob: return type then params.
func staticSig(b *mdbuild.Builder, ret byte, params ...byte) uint32 {
	blob := append([]byte{0x00, byte(len(params)), ret}, params...)
	return b.Blob(blob)
}

func instanceSig(b *mdbuild.Builder, ret byte, params ...byte) uint32 {
	blob := append([]byte{0x20, byte(len(params)), ret}, params...)
	return b.Blob(blob)
}

func methodToken(h metadata.Handle) uint32 {
	return uint32(h.Kind())<<24 | h.Row()
}

// newImage seeds a builder with a module row and code-stream padding so no
// method body lands at offset zero.
func newImage(moduleName string) *mdbuild.Builder {
	b := mdbuild.New()
	b.Row(metadata.TableModule, 0, b.String(moduleName), 0, 0, 0)
	b.Code([]byte{0, 0, 0, 0})
	return b
}

func addMethod(b *mdbuild.Builder, name string, flags, sig, rva uint32) metadata.Handle {
	return b.Row(metadata.TableMethodDef, rva, 0, flags, b.String(name), sig, b.NextRow(metadata.TableParam))
}

// entryImage builds an image with Program::Main calling Program::Helper,
// plus an unreachable Program::Dead.
func entryImage() []byte {
	b := newImage("app")
	mainCode := mdbuild.NewAsm().
		Op(il.OpCall).Token(0x06000002).
		Op(il.OpRet).
		Bytes()
	helperCode := mdbuild.NewAsm().
		Op(il.OpLdcI4).I32(7).
		Op(il.OpRet).
		Bytes()
	deadCode := mdbuild.NewAsm().
		Op(il.OpLdcI40).
		Op(il.OpRet).
		Bytes()
	rvaMain := b.Code(mdbuild.TinyBody(mainCode))
	rvaHelper := b.Code(mdbuild.TinyBody(helperCode))
	rvaDead := b.Code(mdbuild.TinyBody(deadCode))
	b.Row(metadata.TableTypeDef, 0, b.String("Program"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	addMethod(b, "Main", flagsStatic, staticSig(b, 0x08), rvaMain)
	addMethod(b, "Helper", flagsStatic, staticSig(b, 0x08), rvaHelper)
	addMethod(b, "Dead", flagsStatic, staticSig(b, 0x08), rvaDead)
	return b.Build()
}

func TestCompileModuleWholeImage(t *testing.T) {
	b := newImage("calc")
	code := mdbuild.NewAsm().
		Op(il.OpLdarg0).Op(il.OpLdarg1).Op(il.OpAdd).Op(il.OpRet).
		Bytes()
	rva := b.Code(mdbuild.TinyBody(code))
	b.Row(metadata.TableTypeDef, 0, b.String("Main"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	addMethod(b, "Add", flagsStatic, staticSig(b, 0x08, 0x08, 0x08), rva)

	res, err := CompileModule(context.Background(), b.Build(), NewConfig())
	require.NoError(t, err)
	require.Equal(t, "calc", res.Name)
	require.Equal(t, 1, res.Methods)
	require.False(t, res.Cached)
	require.Contains(t, string(res.IR), "define i32 @Main__Add")
}

func TestCompileModuleEntryPoint(t *testing.T) {
	cfg := NewConfig().WithEntryPoint("Program", "Main")
	res, err := CompileModule(context.Background(), entryImage(), cfg)
	require.NoError(t, err)

	// Main and its callee are compiled, the unreachable method is not.
	require.Equal(t, 2, res.Methods)
	ir := string(res.IR)
	require.Contains(t, ir, "define i32 @Program__Main")
	require.Contains(t, ir, "define i32 @Program__Helper")
	require.NotContains(t, ir, "Program__Dead")
	require.Contains(t, ir, "define i32 @ilrt_main")
}

func TestCompileModuleVirtualOverride(t *testing.T) {
	b := newImage("app")

	objDef := b.Row(metadata.TableTypeDef, 0, b.String("Obj"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	retRVA := b.Code(mdbuild.TinyBody(mdbuild.NewAsm().Op(il.OpRet).Bytes()))
	addMethod(b, ".ctor", flagsCtor, instanceSig(b, 0x01), retRVA)
	baseRVA := b.Code(mdbuild.TinyBody(mdbuild.NewAsm().Op(il.OpLdcI41).Op(il.OpRet).Bytes()))
	baseGet := addMethod(b, "Get", flagsVirtual, instanceSig(b, 0x08), baseRVA)

	b.Row(metadata.TableTypeDef, 0, b.String("Der"), 0,
		b.Coded(metadata.CodedTypeDefOrRef, objDef),
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	derCtor := addMethod(b, ".ctor", flagsCtor, instanceSig(b, 0x01), retRVA)
	overRVA := b.Code(mdbuild.TinyBody(mdbuild.NewAsm().Op(il.OpLdcI47).Op(il.OpRet).Bytes()))
	addMethod(b, "Get", flagsOverride, instanceSig(b, 0x08), overRVA)

	b.Row(metadata.TableTypeDef, 0, b.String("Program"), 0, 0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	mainCode := mdbuild.NewAsm().
		Op(il.OpNewobj).Token(methodToken(derCtor)).
		Op(il.OpCallvirt).Token(methodToken(baseGet)).
		Op(il.OpRet).
		Bytes()
	mainRVA := b.Code(mdbuild.TinyBody(mainCode))
	addMethod(b, "Main", flagsStatic, staticSig(b, 0x08), mainRVA)

	cfg := NewConfig().WithEntryPoint("Program", "Main")
	res, err := CompileModule(context.Background(), b.Build(), cfg)
	require.NoError(t, err)

	// The override never appears as a call operand; instantiating Der is
	// what makes its body reachable through the dispatch table.
	ir := string(res.IR)
	require.Contains(t, ir, "define i32 @Der__Get")
	require.NotContains(t, ir, "declare i32 @Der__Get")
	require.Equal(t, 4, res.Methods)
}

func TestCompileModuleEntryMissing(t *testing.T) {
	cfg := NewConfig().WithEntryPoint("Program", "NoSuchMethod")
	_, err := CompileModule(context.Background(), entryImage(), cfg)
	require.ErrorIs(t, err, ErrNoEntryPoint)

	cfg = NewConfig().WithEntryPoint("NoSuchType", "Main")
	_, err = CompileModule(context.Background(), entryImage(), cfg)
	require.ErrorIs(t, err, ErrNoEntryPoint)
}

func TestCompileModuleExtraTypes(t *testing.T) {
	cfg := NewConfig().WithEntryPoint("Program", "Main").WithExtraTypes("Program")
	res, err := CompileModule(context.Background(), entryImage(), cfg)
	require.NoError(t, err)

	// Seeding the whole type pulls the otherwise unreachable method in.
	require.Equal(t, 3, res.Methods)
	require.Contains(t, string(res.IR), "define i32 @Program__Dead")
}

func TestCompileModuleCache(t *testing.T) {
	dir := t.TempDir()
	cfg := NewConfig().WithEntryPoint("Program", "Main").WithCacheDir(dir)
	image := entryImage()

	first, err := CompileModule(context.Background(), image, cfg)
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := CompileModule(context.Background(), image, cfg)
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, first.Name, second.Name)
	require.Equal(t, first.Methods, second.Methods)
	require.Equal(t, first.IR, second.IR)

	// A different entry point must miss.
	other := NewConfig().WithCacheDir(dir)
	third, err := CompileModule(context.Background(), image, other)
	require.NoError(t, err)
	require.False(t, third.Cached)
}

func TestCompileModuleMalformedImage(t *testing.T) {
	_, err := CompileModule(context.Background(), []byte("not an image"), NewConfig())
	require.ErrorIs(t, err, metadata.ErrMalformedImage)
}

func TestConfigWith(t *testing.T) {
	base := NewConfig()
	require.True(t, base.verify)

	cfg := base.WithVerify(false).WithWorkers(0).WithCacheDir("/tmp/ilc").
		WithEntryPoint("App.Program", "Main").WithExtraTypes("A", "B").
		WithToolchain("/opt/clang", "")
	require.False(t, cfg.verify)
	require.Equal(t, 1, cfg.workers) // clamped
	require.Equal(t, "/tmp/ilc", cfg.cacheDir)
	require.Equal(t, "App.Program", cfg.entryType)
	require.Equal(t, "Main", cfg.entryMethod)
	require.Equal(t, []string{"A", "B"}, cfg.extraTypes)
	require.Equal(t, "/opt/clang", cfg.ClangPath())

	// The base config is unchanged.
	require.True(t, base.verify)
	require.Empty(t, base.entryType)
	require.Empty(t, base.extraTypes)
}

func TestConfigWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ilc.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
verify = false
workers = 2
cache_dir = "/var/cache/ilc"
entry = "App.Program::Main"
extra_types = ["App.Extra"]
clang = "/usr/bin/clang-17"
`), 0o600))

	cfg, err := NewConfig().WithFile(path)
	require.NoError(t, err)
	require.False(t, cfg.verify)
	require.Equal(t, 2, cfg.workers)
	require.Equal(t, "/var/cache/ilc", cfg.cacheDir)
	require.Equal(t, "App.Program", cfg.entryType)
	require.Equal(t, "Main", cfg.entryMethod)
	require.Equal(t, []string{"App.Extra"}, cfg.extraTypes)
	require.Equal(t, "/usr/bin/clang-17", cfg.ClangPath())
}

func TestConfigWithFileBadEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ilc.toml")
	require.NoError(t, os.WriteFile(path, []byte(`entry = "Main"`), 0o600))

	_, err := NewConfig().WithFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Type::Method")
}
