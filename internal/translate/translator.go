// Package translate lowers decoded method bodies onto a backend module: it
// simulates the evaluation stack over basic blocks and emits one backend
// function per method, resolving fields, virtual slots and value-type
// layouts through the type-system builder.
package translate

import (
	"fmt"
	"sync"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"

	"github.com/ilclang/ilc/internal/ilcdebug"
	"github.com/ilclang/ilc/internal/llvm"
	"github.com/ilclang/ilc/internal/metadata"
	"github.com/ilclang/ilc/internal/signature"
	"github.com/ilclang/ilc/internal/typesys"
)

// Translator owns one backend module under construction. Methods may be
// translated concurrently; all module-level state is guarded by mu.
type Translator struct {
	builder *typesys.Builder
	reader  *metadata.Reader

	mu      sync.Mutex
	mod     *ir.Module
	rt      *llvm.Runtime
	funcs   map[metadata.Handle]*ir.Func
	externs map[string]*ir.Func
	sigs    map[metadata.Handle]signature.MethodSig
	strings map[string]*ir.Global
	statics map[metadata.Handle]*ir.Global
	vtables map[string]*ir.Global
	nstr    int
}

// NewTranslator creates an empty backend module with the runtime ABI
// declared.
func NewTranslator(builder *typesys.Builder) *Translator {
	mod := ir.NewModule()
	return &Translator{
		builder: builder,
		reader:  builder.Reader(),
		mod:     mod,
		rt:      llvm.DeclareRuntime(mod),
		funcs:   make(map[metadata.Handle]*ir.Func),
		externs: make(map[string]*ir.Func),
		sigs:    make(map[metadata.Handle]signature.MethodSig),
		strings: make(map[string]*ir.Global),
		statics: make(map[metadata.Handle]*ir.Global),
		vtables: make(map[string]*ir.Global),
	}
}

// Module returns the backend module. Callers serialize it only after all
// translation has finished.
func (t *Translator) Module() *ir.Module { return t.mod }

// target is a resolved call destination.
type target struct {
	fn  *ir.Func
	sig signature.MethodSig
	// name is Type::Method for diagnostics and slot lookup.
	name string
	// methodName is the bare method name.
	methodName string
	// slotKey identifies the virtual slot, built from the declared (not
	// substituted) signature so it matches the dispatch table.
	slotKey string
	// declaring is the declaring type's layout; nil when the declaring
	// type is an open generic definition.
	declaring *typesys.Layout
}

// Declare resolves a method definition to its backend function, creating
// the declaration on first use.
func (t *Translator) Declare(h metadata.Handle) (*ir.Func, signature.MethodSig, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.declareLocked(h)
}

func (t *Translator) declareLocked(h metadata.Handle) (*ir.Func, signature.MethodSig, error) {
	if fn, ok := t.funcs[h]; ok {
		return fn, t.sigs[h], nil
	}
	md, err := t.reader.MethodDef(h)
	if err != nil {
		return nil, signature.MethodSig{}, err
	}
	name, err := md.Name()
	if err != nil {
		return nil, signature.MethodSig{}, err
	}
	blob, err := md.Signature()
	if err != nil {
		return nil, signature.MethodSig{}, err
	}
	sig, err := signature.DecodeMethod(blob)
	if err != nil {
		return nil, signature.MethodSig{}, fmt.Errorf("method %s: %w", name, err)
	}
	declH, err := md.DeclaringType()
	if err != nil {
		return nil, signature.MethodSig{}, err
	}
	td, err := t.reader.TypeDef(declH)
	if err != nil {
		return nil, signature.MethodSig{}, err
	}
	typeName, err := td.FullName()
	if err != nil {
		return nil, signature.MethodSig{}, err
	}
	fn, err := t.newFuncLocked(llvm.MethodSymbol(typeName, name), sig)
	if err != nil {
		return nil, signature.MethodSig{}, fmt.Errorf("method %s::%s: %w", typeName, name, err)
	}
	t.funcs[h] = fn
	t.sigs[h] = sig
	return fn, sig, nil
}

// declareExternLocked declares a specialized symbol, such as a method of a
// generic instantiation whose body is provided elsewhere. The signature
// must already be closed.
func (t *Translator) declareExternLocked(symbol string, sig signature.MethodSig) (*ir.Func, error) {
	if fn, ok := t.externs[symbol]; ok {
		return fn, nil
	}
	fn, err := t.newFuncLocked(symbol, sig)
	if err != nil {
		return nil, err
	}
	t.externs[symbol] = fn
	return fn, nil
}

// newFuncLocked builds the declaration for a method signature: an sret
// pointer first when the method returns a value type, then the receiver,
// then the declared parameters.
func (t *Translator) newFuncLocked(symbol string, sig signature.MethodSig) (*ir.Func, error) {
	var params []*ir.Param
	retType := types.Type(types.Void)
	if isValueType(sig.Return) {
		params = append(params, ir.NewParam("sret", i8ptr))
	} else if sig.Return.Elem != signature.ETVoid {
		rt, err := t.storageType(sig.Return)
		if err != nil {
			return nil, err
		}
		retType = rt
	}
	if sig.HasThis {
		params = append(params, ir.NewParam("this", i8ptr))
	}
	for i, p := range sig.Params {
		pt, err := t.abiType(p)
		if err != nil {
			return nil, err
		}
		params = append(params, ir.NewParam(fmt.Sprintf("a%d", i), pt))
	}
	return t.mod.NewFunc(symbol, retType, params...), nil
}

// resolveMethodToken turns a call operand into a callable target. Member
// references into other assemblies become extern declarations.
func (t *Translator) resolveMethodToken(tok uint32) (target, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, err := metadata.HandleFromToken(tok)
	if err != nil {
		return target{}, err
	}
	switch h.Kind() {
	case metadata.TableMethodDef:
		return t.methodDefTarget(h)
	case metadata.TableMemberRef:
		return t.memberRefTarget(h)
	}
	return target{}, fmt.Errorf("%w: call operand %s is not a method", metadata.ErrMalformedImage, ilcdebug.FormatToken(tok))
}

func (t *Translator) methodDefTarget(h metadata.Handle) (target, error) {
	fn, sig, err := t.declareLocked(h)
	if err != nil {
		return target{}, err
	}
	md, err := t.reader.MethodDef(h)
	if err != nil {
		return target{}, err
	}
	name, err := md.Name()
	if err != nil {
		return target{}, err
	}
	declH, err := md.DeclaringType()
	if err != nil {
		return target{}, err
	}
	tg := target{fn: fn, sig: sig, methodName: name, slotKey: typesys.SigKey(name, sig)}
	td, err := t.reader.TypeDef(declH)
	if err != nil {
		return target{}, err
	}
	typeName, err := td.FullName()
	if err != nil {
		return target{}, err
	}
	tg.name = typeName + "::" + name
	// Non-generic declaring types get a layout for virtual dispatch.
	arity, err := t.reader.GenericParamCount(declH)
	if err != nil {
		return target{}, err
	}
	if arity == 0 {
		l, err := t.builder.LayoutOfDef(declH, nil)
		if err != nil {
			return target{}, err
		}
		tg.declaring = l
	}
	return tg, nil
}

func (t *Translator) memberRefTarget(h metadata.Handle) (target, error) {
	mr, err := t.reader.MemberRef(h)
	if err != nil {
		return target{}, err
	}
	parent, err := mr.Parent()
	if err != nil {
		return target{}, err
	}
	name, err := mr.Name()
	if err != nil {
		return target{}, err
	}
	blob, err := mr.Signature()
	if err != nil {
		return target{}, err
	}
	sig, err := signature.DecodeMethod(blob)
	if err != nil {
		return target{}, fmt.Errorf("member %s: %w", name, err)
	}

	switch parent.Kind() {
	case metadata.TableTypeDef:
		// Same-module reference: find the defining method row.
		td, err := t.reader.TypeDef(parent)
		if err != nil {
			return target{}, err
		}
		methods, err := td.Methods()
		if err != nil {
			return target{}, err
		}
		want := typesys.SigKey(name, sig)
		for _, mh := range methods {
			md, err := t.reader.MethodDef(mh)
			if err != nil {
				return target{}, err
			}
			mname, err := md.Name()
			if err != nil {
				return target{}, err
			}
			if mname != name {
				continue
			}
			mblob, err := md.Signature()
			if err != nil {
				return target{}, err
			}
			msig, err := signature.DecodeMethod(mblob)
			if err != nil {
				return target{}, err
			}
			if typesys.SigKey(mname, msig) == want {
				return t.methodDefTarget(mh)
			}
		}
		return target{}, fmt.Errorf("%w: member %s not found", metadata.ErrUnresolvedReference, name)

	case metadata.TableTypeSpec:
		ts, err := t.reader.TypeSpec(parent)
		if err != nil {
			return target{}, err
		}
		sb, err := ts.Signature()
		if err != nil {
			return target{}, err
		}
		st, err := signature.DecodeTypeSpec(sb)
		if err != nil {
			return target{}, err
		}
		l, err := t.builder.LayoutOf(st)
		if err != nil {
			return target{}, err
		}
		return t.instanceTarget(l, name, sig)

	case metadata.TableTypeRef:
		return t.typeRefTarget(parent, name, sig)
	}
	return target{}, fmt.Errorf("%w: member %s declared outside this module", metadata.ErrUnresolvedReference, name)
}

// typeRefTarget resolves a member of a type in another assembly to an extern
// symbol; the runtime library's console type maps onto the runtime print
// primitives.
func (t *Translator) typeRefTarget(h metadata.Handle, name string, sig signature.MethodSig) (target, error) {
	tr, err := t.reader.TypeRef(h)
	if err != nil {
		return target{}, err
	}
	tn, err := tr.Name()
	if err != nil {
		return target{}, err
	}
	ns, err := tr.Namespace()
	if err != nil {
		return target{}, err
	}
	full := tn
	if ns != "" {
		full = ns + "." + tn
	}

	fn := t.printIntrinsic(full, name, sig)
	if fn == nil {
		fn, err = t.declareExternLocked(llvm.MethodSymbol(full, name), sig)
		if err != nil {
			return target{}, fmt.Errorf("member %s::%s: %w", full, name, err)
		}
	}
	return target{
		fn: fn, sig: sig,
		name:       full + "::" + name,
		methodName: name,
	}, nil
}

// printIntrinsic matches the runtime library's console writes against the
// print primitives. Only shapes whose ABI type equals the primitive's
// parameter type qualify; everything else stays a plain extern call.
func (t *Translator) printIntrinsic(typeName, name string, sig signature.MethodSig) *ir.Func {
	if typeName != "System.Console" || (name != "WriteLine" && name != "Write") {
		return nil
	}
	if sig.HasThis || len(sig.Params) != 1 || sig.Return.Elem != signature.ETVoid {
		return nil
	}
	switch sig.Params[0].Elem {
	case signature.ETI4, signature.ETU4:
		return t.rt.PrintI32
	case signature.ETI8, signature.ETU8, signature.ETI, signature.ETU:
		return t.rt.PrintI64
	case signature.ETR8:
		return t.rt.PrintF64
	case signature.ETString:
		return t.rt.PrintStr
	}
	return nil
}

// instanceTarget resolves a method of a closed generic instantiation. The
// declaration uses a per-instantiation symbol; the specialized body is
// produced by whichever module instantiates the type.
func (t *Translator) instanceTarget(l *typesys.Layout, name string, sig signature.MethodSig) (target, error) {
	closed, err := closeSig(sig, l.TypeArgs)
	if err != nil {
		return target{}, err
	}
	symbol := llvm.MethodSymbol(symbolTypeName(l), name)
	fn, err := t.declareExternLocked(symbol, closed)
	if err != nil {
		return target{}, fmt.Errorf("method %s::%s: %w", l.Name, name, err)
	}
	return target{
		fn: fn, sig: closed,
		name:       l.Name + "::" + name,
		methodName: name,
		slotKey:    typesys.SigKey(name, sig),
		declaring:  l,
	}, nil
}

// closeSig substitutes a layout's type arguments through a possibly open
// method signature.
func closeSig(sig signature.MethodSig, typeArgs []signature.Type) (signature.MethodSig, error) {
	out := sig
	ret, err := signature.Substitute(sig.Return, typeArgs, nil)
	if err != nil {
		return signature.MethodSig{}, err
	}
	out.Return = ret
	out.Params = make([]signature.Type, len(sig.Params))
	for i, p := range sig.Params {
		sp, err := signature.Substitute(p, typeArgs, nil)
		if err != nil {
			return signature.MethodSig{}, err
		}
		out.Params[i] = sp
	}
	return out, nil
}

// stringGlobal interns the UTF-8 bytes of a string literal and returns a
// pointer to its first byte.
func (t *Translator) stringGlobal(s string) constant.Constant {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.strings[s]
	if !ok {
		arr := constant.NewCharArrayFromString(s)
		g = t.mod.NewGlobalDef(fmt.Sprintf(".str.%d", t.nstr), arr)
		g.Immutable = true
		t.nstr++
		t.strings[s] = g
	}
	zero := constant.NewInt(types.I64, 0)
	return constant.NewGetElementPtr(g.ContentType, g, zero, zero)
}

// staticGlobal returns the zero-initialized module global backing a static
// field.
func (t *Translator) staticGlobal(fieldH metadata.Handle, st signature.Type) (*ir.Global, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.statics[fieldH]; ok {
		return g, nil
	}
	fr, err := t.reader.Field(fieldH)
	if err != nil {
		return nil, err
	}
	name, err := fr.Name()
	if err != nil {
		return nil, err
	}
	declH, err := fr.DeclaringType()
	if err != nil {
		return nil, err
	}
	td, err := t.reader.TypeDef(declH)
	if err != nil {
		return nil, err
	}
	typeName, err := td.FullName()
	if err != nil {
		return nil, err
	}
	typ, err := t.storageType(st)
	if err != nil {
		return nil, err
	}
	g := t.mod.NewGlobalDef(llvm.StaticSymbol(typeName, name), constant.NewZeroInitializer(typ))
	t.statics[fieldH] = g
	return g, nil
}

// vtableGlobal returns the dispatch-table global for a layout, building it
// on first use. Slots hold the implementing functions as raw pointers;
// abstract slots stay null.
func (t *Translator) vtableGlobal(l *typesys.Layout) (*ir.Global, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.vtableGlobalLocked(l)
}

func (t *Translator) vtableGlobalLocked(l *typesys.Layout) (*ir.Global, error) {
	if g, ok := t.vtables[l.Key]; ok {
		return g, nil
	}
	elems := make([]constant.Constant, 0, len(l.VTable))
	for _, slot := range l.VTable {
		fn, err := t.slotFuncLocked(l, slot)
		if err != nil {
			return nil, err
		}
		if fn == nil {
			elems = append(elems, constant.NewNull(i8ptr))
			continue
		}
		elems = append(elems, constant.NewBitCast(fn, i8ptr))
	}
	arrType := types.NewArray(uint64(len(l.VTable)), i8ptr)
	init := constant.NewArray(arrType, elems...)
	g := t.mod.NewGlobalDef(llvm.VTableSymbol(symbolTypeName(l)), init)
	g.Immutable = true
	t.vtables[l.Key] = g
	return g, nil
}

func (t *Translator) slotFuncLocked(l *typesys.Layout, slot typesys.VSlot) (*ir.Func, error) {
	if slot.Impl.IsNil() {
		return nil, nil
	}
	md, err := t.reader.MethodDef(slot.Impl)
	if err != nil {
		return nil, err
	}
	flags, err := md.Flags()
	if err != nil {
		return nil, err
	}
	if flags.IsAbstract() {
		return nil, nil
	}
	declH, err := md.DeclaringType()
	if err != nil {
		return nil, err
	}
	arity, err := t.reader.GenericParamCount(declH)
	if err != nil {
		return nil, err
	}
	if arity == 0 {
		fn, _, err := t.declareLocked(slot.Impl)
		return fn, err
	}
	// Method of a generic declaring type: the slot binds the specialized
	// symbol for this instantiation.
	name, err := md.Name()
	if err != nil {
		return nil, err
	}
	blob, err := md.Signature()
	if err != nil {
		return nil, err
	}
	sig, err := signature.DecodeMethod(blob)
	if err != nil {
		return nil, err
	}
	closed, err := closeSig(sig, l.TypeArgs)
	if err != nil {
		return nil, err
	}
	return t.declareExternLocked(llvm.MethodSymbol(symbolTypeName(l), name), closed)
}

// symbolTypeName derives the type component of linker symbols for l from
// its source name. Closed generic instantiations append their argument
// keys so every instantiation binds a distinct symbol.
func symbolTypeName(l *typesys.Layout) string {
	if len(l.TypeArgs) == 0 {
		return l.Name
	}
	s := l.Name + "["
	for i, a := range l.TypeArgs {
		if i > 0 {
			s += ","
		}
		s += signature.Key(a)
	}
	return s + "]"
}

// fieldRef is a resolved field operand.
type fieldRef struct {
	layout *typesys.Layout
	field  typesys.Field
	static bool
	// typ is the field's closed signature type.
	typ signature.Type
}

// resolveFieldToken turns a field operand (Field or MemberRef token) into
// the owning layout plus the field descriptor.
func (t *Translator) resolveFieldToken(tok uint32) (fieldRef, error) {
	h, err := metadata.HandleFromToken(tok)
	if err != nil {
		return fieldRef{}, err
	}
	switch h.Kind() {
	case metadata.TableField:
		fr, err := t.reader.Field(h)
		if err != nil {
			return fieldRef{}, err
		}
		declH, err := fr.DeclaringType()
		if err != nil {
			return fieldRef{}, err
		}
		l, err := t.builder.LayoutOfDef(declH, nil)
		if err != nil {
			return fieldRef{}, err
		}
		if f, ok := l.FieldByHandle(h); ok {
			return fieldRef{layout: l, field: f, typ: f.Type}, nil
		}
		for _, f := range l.Statics {
			if f.Handle == h {
				return fieldRef{layout: l, field: f, static: true, typ: f.Type}, nil
			}
		}
		return fieldRef{}, fmt.Errorf("%w: field %s not laid out in %s", metadata.ErrUnresolvedReference, ilcdebug.FormatToken(tok), l.Name)

	case metadata.TableMemberRef:
		mr, err := t.reader.MemberRef(h)
		if err != nil {
			return fieldRef{}, err
		}
		name, err := mr.Name()
		if err != nil {
			return fieldRef{}, err
		}
		parent, err := mr.Parent()
		if err != nil {
			return fieldRef{}, err
		}
		if parent.Kind() != metadata.TableTypeSpec {
			return fieldRef{}, fmt.Errorf("%w: field member %s", metadata.ErrUnresolvedReference, name)
		}
		ts, err := t.reader.TypeSpec(parent)
		if err != nil {
			return fieldRef{}, err
		}
		blob, err := ts.Signature()
		if err != nil {
			return fieldRef{}, err
		}
		st, err := signature.DecodeTypeSpec(blob)
		if err != nil {
			return fieldRef{}, err
		}
		l, err := t.builder.LayoutOf(st)
		if err != nil {
			return fieldRef{}, err
		}
		for _, f := range l.Fields {
			if f.Name == name {
				return fieldRef{layout: l, field: f, typ: f.Type}, nil
			}
		}
		for _, f := range l.Statics {
			if f.Name == name {
				return fieldRef{layout: l, field: f, static: true, typ: f.Type}, nil
			}
		}
		return fieldRef{}, fmt.Errorf("%w: field %s not found in %s", metadata.ErrUnresolvedReference, name, l.Name)
	}
	return fieldRef{}, fmt.Errorf("%w: operand %s is not a field", metadata.ErrMalformedImage, ilcdebug.FormatToken(tok))
}

// layoutOfToken resolves a type operand (TypeDef, TypeRef or TypeSpec
// token) to its layout.
func (t *Translator) layoutOfToken(tok uint32) (*typesys.Layout, error) {
	h, err := metadata.HandleFromToken(tok)
	if err != nil {
		return nil, err
	}
	switch h.Kind() {
	case metadata.TableTypeDef:
		return t.builder.LayoutOfDef(h, nil)
	case metadata.TableTypeSpec:
		ts, err := t.reader.TypeSpec(h)
		if err != nil {
			return nil, err
		}
		blob, err := ts.Signature()
		if err != nil {
			return nil, err
		}
		st, err := signature.DecodeTypeSpec(blob)
		if err != nil {
			return nil, err
		}
		return t.builder.LayoutOf(st)
	case metadata.TableTypeRef:
		return nil, fmt.Errorf("%w: type %s declared outside this module", metadata.ErrUnresolvedReference, ilcdebug.FormatToken(tok))
	}
	return nil, fmt.Errorf("%w: operand %s is not a type", metadata.ErrMalformedImage, ilcdebug.FormatToken(tok))
}
