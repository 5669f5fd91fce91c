package typesys

import (
	"fmt"

	"github.com/ilclang/ilc/internal/metadata"
	"github.com/ilclang/ilc/internal/signature"
)

// buildVTable constructs the dispatch table: the base type's slots in their
// original order, overrides replacing slots in place, newly introduced
// virtual methods appended after.
func (b *Builder) buildVTable(td metadata.TypeDefRecord, l *Layout) error {
	if l.Base != nil {
		l.VTable = append(l.VTable, l.Base.VTable...)
	}

	methods, err := td.Methods()
	if err != nil {
		return err
	}
	for _, mh := range methods {
		mr, err := b.reader.MethodDef(mh)
		if err != nil {
			return err
		}
		name, err := mr.Name()
		if err != nil {
			return err
		}
		attrs, err := mr.Flags()
		if err != nil {
			return err
		}
		blob, err := mr.Signature()
		if err != nil {
			return err
		}
		sig, err := signature.DecodeMethod(blob)
		if err != nil {
			return fmt.Errorf("method %s: %w", name, err)
		}

		m := Method{Handle: mh, Name: name, Sig: sig, Attrs: attrs, Slot: -1}
		if attrs.IsVirtual() {
			key := SigKey(name, sig)
			if slot, ok := l.SlotByKey(key); ok && !attrs.IsNewSlot() {
				l.VTable[slot] = VSlot{Key: key, Impl: mh}
				m.Slot = slot
			} else {
				l.VTable = append(l.VTable, VSlot{Key: key, Impl: mh})
				m.Slot = len(l.VTable) - 1
			}
		}
		l.Methods = append(l.Methods, m)
	}
	return nil
}

// ResolveVirtual finds the dispatch slot a callee with the given name and
// signature occupies in the layout's table.
func (l *Layout) ResolveVirtual(name string, sig signature.MethodSig) (int, error) {
	key := SigKey(name, sig)
	if slot, ok := l.SlotByKey(key); ok {
		return slot, nil
	}
	return 0, fmt.Errorf("%w: no virtual slot %q on %s", metadata.ErrUnresolvedReference, key, l.Name)
}
