package ilc

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ilclang/ilc/internal/emitcache"
	"github.com/ilclang/ilc/internal/il"
	"github.com/ilclang/ilc/internal/llvm"
	"github.com/ilclang/ilc/internal/metadata"
	"github.com/ilclang/ilc/internal/translate"
	"github.com/ilclang/ilc/internal/typesys"
	"github.com/ilclang/ilc/internal/version"
)

var (
	// ErrVerificationFailed means the backend module failed its
	// pre-serialization self check. The emitted module would not be valid
	// toolchain input, so nothing is written.
	ErrVerificationFailed = errors.New("module verification failed")
	// ErrNoEntryPoint means the configured entry type or method does not
	// exist in the image.
	ErrNoEntryPoint = errors.New("entry point not found")
)

// CompiledModule is one compilation result.
type CompiledModule struct {
	// Name is the module name declared in the metadata Module table.
	Name string
	// IR is the serialized backend module, textual .ll.
	IR []byte
	// Methods counts the translated method bodies.
	Methods int
	// Cached reports whether the result came from the emit cache.
	Cached bool
}

// CompileModule translates the given metadata image into a single backend
// module. The worklist is seeded with the configured entry point and extra
// types and closed transitively over direct call targets; without an entry
// point every method body in the image is compiled. Method bodies translate
// concurrently; the first failure cancels the rest and aborts the module.
func CompileModule(ctx context.Context, image []byte, cfg *Config) (*CompiledModule, error) {
	if cfg == nil {
		cfg = NewConfig()
	}

	var cache emitcache.Cache
	var key emitcache.Key
	if cfg.cacheDir != "" {
		cache = emitcache.New(cfg.cacheDir)
		key = emitcache.KeyOf(version.GetVersionInfo()+"|"+cfg.fingerprint(), image)
		if e, ok, err := cache.Get(key); err != nil {
			return nil, fmt.Errorf("emit cache: %w", err)
		} else if ok {
			return &CompiledModule{Name: e.ModuleName, IR: e.IR, Methods: e.Methods, Cached: true}, nil
		}
	}

	reader, err := metadata.NewReader(image)
	if err != nil {
		return nil, err
	}
	mod, err := reader.Module()
	if err != nil {
		return nil, err
	}
	name, err := mod.Name()
	if err != nil {
		return nil, err
	}

	builder := typesys.NewBuilder(reader)
	tr := translate.NewTranslator(builder)
	work, entry, err := buildWorklist(reader, builder, cfg)
	if err != nil {
		return nil, err
	}

	// Declare sequentially so the functions appear in the module in row
	// order regardless of which worker finishes first.
	for _, h := range work {
		if _, _, err := tr.Declare(h); err != nil {
			return nil, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.workers)
	for _, h := range work {
		h := h
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return tr.TranslateMethod(h)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !entry.IsNil() {
		if err := tr.EmitEntry(entry); err != nil {
			return nil, err
		}
	}

	if cfg.verify {
		if err := llvm.Verify(tr.Module()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		}
	}

	out := &CompiledModule{
		Name:    name,
		IR:      []byte(tr.Module().String()),
		Methods: len(work),
	}
	if cache != nil {
		e := &emitcache.Entry{
			Version:    version.GetVersionInfo(),
			ModuleName: out.Name,
			Methods:    out.Methods,
			IR:         out.IR,
		}
		if err := cache.Put(key, e); err != nil {
			return nil, fmt.Errorf("emit cache: %w", err)
		}
	}
	return out, nil
}

// buildWorklist collects the method definitions to translate and the entry
// method handle, or a nil handle when no entry point is configured.
func buildWorklist(reader *metadata.Reader, builder *typesys.Builder, cfg *Config) ([]metadata.Handle, metadata.Handle, error) {
	var seeds []metadata.Handle
	entry := metadata.NilHandle

	if cfg.entryType != "" {
		h, err := findEntry(reader, cfg.entryType, cfg.entryMethod)
		if err != nil {
			return nil, metadata.NilHandle, err
		}
		entry = h
		seeds = append(seeds, h)
	}
	for _, typeName := range cfg.extraTypes {
		hs, err := typeMethods(reader, typeName)
		if err != nil {
			return nil, metadata.NilHandle, err
		}
		seeds = append(seeds, hs...)
	}

	// No seeds means whole-image compilation.
	if len(seeds) == 0 {
		n := reader.RowCount(metadata.TableMethodDef)
		for row := uint32(1); row <= n; row++ {
			h := metadata.RowHandle(metadata.TableMethodDef, row)
			ok, err := translatable(reader, h)
			if err != nil {
				return nil, metadata.NilHandle, err
			}
			if ok {
				seeds = append(seeds, h)
			}
		}
		return seeds, entry, nil
	}

	work, err := closure(reader, builder, seeds)
	if err != nil {
		return nil, metadata.NilHandle, err
	}
	return work, entry, nil
}

// findEntry locates the configured static entry method.
func findEntry(reader *metadata.Reader, typeName, methodName string) (metadata.Handle, error) {
	td, err := typeByName(reader, typeName)
	if err != nil {
		return metadata.NilHandle, err
	}
	methods, err := td.Methods()
	if err != nil {
		return metadata.NilHandle, err
	}
	for _, mh := range methods {
		md, err := reader.MethodDef(mh)
		if err != nil {
			return metadata.NilHandle, err
		}
		name, err := md.Name()
		if err != nil {
			return metadata.NilHandle, err
		}
		if name != methodName {
			continue
		}
		flags, err := md.Flags()
		if err != nil {
			return metadata.NilHandle, err
		}
		if !flags.IsStatic() {
			return metadata.NilHandle, fmt.Errorf("%w: %s::%s is not static", ErrNoEntryPoint, typeName, methodName)
		}
		return mh, nil
	}
	return metadata.NilHandle, fmt.Errorf("%w: %s::%s", ErrNoEntryPoint, typeName, methodName)
}

// typeByName scans the TypeDef table for a full name.
func typeByName(reader *metadata.Reader, fullName string) (metadata.TypeDefRecord, error) {
	n := reader.RowCount(metadata.TableTypeDef)
	for row := uint32(1); row <= n; row++ {
		td, err := reader.TypeDef(metadata.RowHandle(metadata.TableTypeDef, row))
		if err != nil {
			return metadata.TypeDefRecord{}, err
		}
		name, err := td.FullName()
		if err != nil {
			return metadata.TypeDefRecord{}, err
		}
		if name == fullName {
			return td, nil
		}
	}
	return metadata.TypeDefRecord{}, fmt.Errorf("%w: type %s", ErrNoEntryPoint, fullName)
}

// typeMethods returns the translatable methods of a named type.
func typeMethods(reader *metadata.Reader, typeName string) ([]metadata.Handle, error) {
	td, err := typeByName(reader, typeName)
	if err != nil {
		return nil, err
	}
	methods, err := td.Methods()
	if err != nil {
		return nil, err
	}
	var out []metadata.Handle
	for _, mh := range methods {
		ok, err := translatable(reader, mh)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, mh)
		}
	}
	return out, nil
}

// translatable reports whether a method definition has a body this compiler
// can emit directly. Abstract methods and bodiless declarations have no
// code; open generic methods and methods of open generic types only exist
// as specializations.
func translatable(reader *metadata.Reader, h metadata.Handle) (bool, error) {
	md, err := reader.MethodDef(h)
	if err != nil {
		return false, err
	}
	rva, err := md.RVA()
	if err != nil {
		return false, err
	}
	if rva == 0 {
		return false, nil
	}
	flags, err := md.Flags()
	if err != nil {
		return false, err
	}
	if flags.IsAbstract() {
		return false, nil
	}
	if n, err := reader.GenericParamCount(h); err != nil {
		return false, err
	} else if n != 0 {
		return false, nil
	}
	declH, err := md.DeclaringType()
	if err != nil {
		return false, err
	}
	if n, err := reader.GenericParamCount(declH); err != nil {
		return false, err
	} else if n != 0 {
		return false, nil
	}
	return true, nil
}

// closure walks direct call targets from the seed methods, deduplicating by
// handle. A callvirt operand names the slot's introducing method, not the
// body the dispatch table selects at run time, so every instantiated type
// also contributes its table implementations; cross-assembly references
// stay external declarations.
func closure(reader *metadata.Reader, builder *typesys.Builder, seeds []metadata.Handle) ([]metadata.Handle, error) {
	seen := make(map[metadata.Handle]bool, len(seeds))
	queue := make([]metadata.Handle, 0, len(seeds))
	for _, h := range seeds {
		if !seen[h] {
			seen[h] = true
			queue = append(queue, h)
		}
	}

	var work []metadata.Handle
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		ok, err := translatable(reader, h)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		work = append(work, h)

		callees, ctors, err := callTargets(reader, h)
		if err != nil {
			return nil, err
		}
		for _, c := range ctors {
			impls, err := overrideImpls(reader, builder, c)
			if err != nil {
				return nil, err
			}
			callees = append(callees, impls...)
		}
		for _, c := range callees {
			if !seen[c] {
				seen[c] = true
				queue = append(queue, c)
			}
		}
	}

	sort.Slice(work, func(i, j int) bool { return work[i].Row() < work[j].Row() })
	return work, nil
}

// callTargets decodes a method body and collects the MethodDef operands of
// its call instructions. Constructor operands of newobj come back
// separately so the caller can pull in the instantiated type's dispatch
// slots.
func callTargets(reader *metadata.Reader, h metadata.Handle) (calls, ctors []metadata.Handle, err error) {
	md, err := reader.MethodDef(h)
	if err != nil {
		return nil, nil, err
	}
	rva, err := md.RVA()
	if err != nil {
		return nil, nil, err
	}
	code, err := reader.Image().CodeAt(rva)
	if err != nil {
		return nil, nil, err
	}
	body, err := il.DecodeBody(code)
	if err != nil {
		return nil, nil, err
	}
	insts, err := il.Decode(body.Code)
	if err != nil {
		return nil, nil, err
	}

	for _, ins := range insts {
		switch ins.Op {
		case il.OpCall, il.OpCallvirt, il.OpNewobj:
		default:
			continue
		}
		target, err := metadata.HandleFromToken(ins.Token)
		if err != nil {
			return nil, nil, err
		}
		if target.Kind() != metadata.TableMethodDef {
			continue
		}
		calls = append(calls, target)
		if ins.Op == il.OpNewobj {
			ctors = append(ctors, target)
		}
	}
	return calls, ctors, nil
}

// overrideImpls returns the dispatch-table implementations of the type a
// constructor instantiates. An override reached only through the table
// never appears as a call operand, so instantiating the type is what makes
// its body reachable.
func overrideImpls(reader *metadata.Reader, builder *typesys.Builder, ctor metadata.Handle) ([]metadata.Handle, error) {
	md, err := reader.MethodDef(ctor)
	if err != nil {
		return nil, err
	}
	declH, err := md.DeclaringType()
	if err != nil {
		return nil, err
	}
	// Open generic types have no table of their own; their slots bind per
	// instantiation during translation.
	if n, err := reader.GenericParamCount(declH); err != nil {
		return nil, err
	} else if n != 0 {
		return nil, nil
	}
	l, err := builder.LayoutOfDef(declH, nil)
	if err != nil {
		return nil, err
	}
	var out []metadata.Handle
	for _, slot := range l.VTable {
		if !slot.Impl.IsNil() {
			out = append(out, slot.Impl)
		}
	}
	return out, nil
}
