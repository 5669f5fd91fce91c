package typesys

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ilclang/ilc/internal/metadata"
	"github.com/ilclang/ilc/internal/signature"
)

// Builder computes and caches type layouts. It is safe for concurrent use:
// the cache is published under a mutex and concurrent requests for the same
// not-yet-computed type join a single in-flight computation.
type Builder struct {
	reader *metadata.Reader

	mu      sync.RWMutex
	layouts map[string]*Layout

	group singleflight.Group
}

func NewBuilder(reader *metadata.Reader) *Builder {
	return &Builder{reader: reader, layouts: make(map[string]*Layout)}
}

// Reader exposes the underlying metadata reader.
func (b *Builder) Reader() *metadata.Reader { return b.reader }

// LayoutOf returns the layout of a closed type, computing and caching it on
// first use. Requests racing on the same key share one computation.
func (b *Builder) LayoutOf(t signature.Type) (*Layout, error) {
	if signature.IsOpen(t) {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedGeneric, signature.Key(t))
	}
	key := signature.Key(t)

	b.mu.RLock()
	cached := b.layouts[key]
	b.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	v, err, _ := b.group.Do(key, func() (interface{}, error) {
		// The visiting set lives for one computation chain; nested layouts
		// it pulls in are resolved inline against it, so an embedding cycle
		// surfaces as an error instead of unbounded recursion.
		return b.layout(t, map[string]bool{})
	})
	if err != nil {
		return nil, err
	}
	return v.(*Layout), nil
}

// LayoutOfDef is LayoutOf for an in-module TypeDef with explicit type
// arguments (none for a non-generic type).
func (b *Builder) LayoutOfDef(def metadata.Handle, typeArgs []signature.Type) (*Layout, error) {
	return b.LayoutOf(defType(def, typeArgs))
}

func defType(def metadata.Handle, typeArgs []signature.Type) signature.Type {
	if len(typeArgs) == 0 {
		return signature.Type{Elem: signature.ETClass, Ref: def}
	}
	return signature.Type{Elem: signature.ETGenericInst, Ref: def, Args: typeArgs}
}

// layout resolves the cache or computes inline under the caller's visiting
// set. It is the recursion entry for base types and embedded value types.
func (b *Builder) layout(t signature.Type, visiting map[string]bool) (*Layout, error) {
	key := signature.Key(t)

	b.mu.RLock()
	cached := b.layouts[key]
	b.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	if visiting[key] {
		return nil, fmt.Errorf("%w: %s is part of its own layout", ErrCyclicInheritance, key)
	}
	visiting[key] = true
	defer delete(visiting, key)

	l, err := b.compute(t, visiting)
	if err != nil {
		return nil, err
	}

	// First writer wins so every observer sees one canonical layout.
	b.mu.Lock()
	if prior := b.layouts[key]; prior != nil {
		l = prior
	} else {
		b.layouts[key] = l
	}
	b.mu.Unlock()
	return l, nil
}

func (b *Builder) compute(t signature.Type, visiting map[string]bool) (*Layout, error) {
	var def metadata.Handle
	var typeArgs []signature.Type
	switch t.Elem {
	case signature.ETClass, signature.ETValueType:
		def = t.Ref
	case signature.ETGenericInst:
		def = t.Ref
		typeArgs = t.Args
	default:
		return nil, fmt.Errorf("%w: no layout for %s", metadata.ErrUnresolvedReference, signature.Key(t))
	}
	if def.Kind() != metadata.TableTypeDef {
		return nil, fmt.Errorf("%w: cannot lay out external type %s", metadata.ErrUnresolvedReference, def)
	}

	td, err := b.reader.TypeDef(def)
	if err != nil {
		return nil, err
	}
	name, err := td.FullName()
	if err != nil {
		return nil, err
	}
	flags, err := td.Flags()
	if err != nil {
		return nil, err
	}

	arity, err := b.reader.GenericParamCount(def)
	if err != nil {
		return nil, err
	}
	if int(arity) != len(typeArgs) {
		return nil, fmt.Errorf("%w: %s declares %d type parameters, %d arguments supplied",
			ErrUnresolvedGeneric, name, arity, len(typeArgs))
	}

	l := &Layout{
		Key:         signature.Key(t),
		Def:         def,
		TypeArgs:    typeArgs,
		Name:        name,
		IsInterface: flags.IsInterface(),
	}

	if err := b.resolveBase(td, l, visiting); err != nil {
		return nil, fmt.Errorf("type %s: %w", name, err)
	}

	if l.Interfaces, err = td.Interfaces(); err != nil {
		return nil, err
	}

	if err := b.layoutFields(td, l, visiting); err != nil {
		return nil, fmt.Errorf("type %s: %w", name, err)
	}

	if err := b.buildVTable(td, l); err != nil {
		return nil, fmt.Errorf("type %s: %w", name, err)
	}
	return l, nil
}

// resolveBase fills l.Base and l.IsValueType from the Extends column. A base
// of System.ValueType or System.Enum marks a value type and terminates the
// chain, as does System.Object or no base at all.
func (b *Builder) resolveBase(td metadata.TypeDefRecord, l *Layout, visiting map[string]bool) error {
	baseHandle, err := td.Extends()
	if err != nil {
		return err
	}
	if baseHandle.IsNil() {
		return nil
	}

	switch baseHandle.Kind() {
	case metadata.TableTypeRef:
		tr, err := b.reader.TypeRef(baseHandle)
		if err != nil {
			return err
		}
		ns, err := tr.Namespace()
		if err != nil {
			return err
		}
		name, err := tr.Name()
		if err != nil {
			return err
		}
		switch classifyTypeRef(ns, name) {
		case WellKnownObject:
			return nil
		case WellKnownValueType, WellKnownEnum:
			l.IsValueType = true
			return nil
		}
		return fmt.Errorf("%w: base type %s.%s not resolvable without its assembly", metadata.ErrUnresolvedReference, ns, name)

	case metadata.TableTypeDef:
		base, err := b.layout(defType(baseHandle, nil), visiting)
		if err != nil {
			return err
		}
		l.Base = base
		return nil

	case metadata.TableTypeSpec:
		ts, err := b.reader.TypeSpec(baseHandle)
		if err != nil {
			return err
		}
		blob, err := ts.Signature()
		if err != nil {
			return err
		}
		baseType, err := signature.DecodeTypeSpec(blob)
		if err != nil {
			return err
		}
		baseType, err = signature.Substitute(baseType, l.TypeArgs, nil)
		if err != nil {
			return err
		}
		base, err := b.layout(baseType, visiting)
		if err != nil {
			return err
		}
		l.Base = base
		return nil
	}
	return fmt.Errorf("%w: base handle %s", metadata.ErrUnresolvedReference, baseHandle)
}

// layoutFields assigns offsets: the base type's instance fields come first
// (classes start after the object header), then the type's own fields in
// declaration order, each aligned to its natural alignment capped by the
// declared packing.
func (b *Builder) layoutFields(td metadata.TypeDefRecord, l *Layout, visiting map[string]bool) error {
	packing, declaredSize, hasClassLayout, err := b.reader.ClassLayout(l.Def)
	if err != nil {
		return err
	}

	var offset, maxAlign uint32
	switch {
	case l.Base != nil:
		l.Fields = append(l.Fields, l.Base.Fields...)
		offset = l.Base.Size
		maxAlign = l.Base.Align
	case !l.IsValueType && !l.IsInterface:
		offset = ObjectHeaderSize
		maxAlign = PointerSize
	default:
		offset = 0
		maxAlign = 1
	}

	fields, err := td.Fields()
	if err != nil {
		return err
	}
	for _, fh := range fields {
		fr, err := b.reader.Field(fh)
		if err != nil {
			return err
		}
		flags, err := fr.Flags()
		if err != nil {
			return err
		}
		fname, err := fr.Name()
		if err != nil {
			return err
		}
		blob, err := fr.Signature()
		if err != nil {
			return err
		}
		ftype, err := signature.DecodeField(blob)
		if err != nil {
			return fmt.Errorf("field %s: %w", fname, err)
		}
		ftype, err = signature.Substitute(ftype, l.TypeArgs, nil)
		if err != nil {
			return fmt.Errorf("field %s: %w", fname, err)
		}

		if flags.IsLiteral() {
			continue
		}
		size, align, err := b.fieldSize(ftype, visiting)
		if err != nil {
			return fmt.Errorf("field %s: %w", fname, err)
		}
		if packing != 0 && align > uint32(packing) {
			align = uint32(packing)
		}

		f := Field{Handle: fh, Name: fname, Type: ftype, Size: size}
		if flags.IsStatic() {
			l.Statics = append(l.Statics, f)
			continue
		}
		offset = alignUp(offset, align)
		f.Offset = offset
		offset += size
		if align > maxAlign {
			maxAlign = align
		}
		l.Fields = append(l.Fields, f)
	}

	l.Align = maxAlign
	l.Size = alignUp(offset, maxAlign)
	if hasClassLayout && declaredSize > l.Size {
		l.Size = alignUp(declaredSize, maxAlign)
	}
	return nil
}

// fieldSize returns the in-instance size of a field type. Embedded value
// types recurse through the layout chain under the same visiting set, which
// is what turns mutual value-type embedding into a reported cycle.
func (b *Builder) fieldSize(t signature.Type, visiting map[string]bool) (size, align uint32, err error) {
	if s, a, ok := primitiveSize(t); ok {
		return s, a, nil
	}
	switch t.Elem {
	case signature.ETValueType:
		inner, err := b.layout(t, visiting)
		if err != nil {
			return 0, 0, err
		}
		return inner.Size, inner.Align, nil
	case signature.ETGenericInst:
		inner, err := b.layout(t, visiting)
		if err != nil {
			return 0, 0, err
		}
		if !inner.IsValueType {
			return PointerSize, PointerSize, nil
		}
		return inner.Size, inner.Align, nil
	case signature.ETVar, signature.ETMVar:
		return 0, 0, fmt.Errorf("%w: unsubstituted parameter in field type", ErrUnresolvedGeneric)
	}
	return 0, 0, fmt.Errorf("%w: field of type %s", metadata.ErrUnresolvedReference, signature.Key(t))
}
