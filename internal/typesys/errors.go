package typesys

import "errors"

var (
	// ErrCyclicInheritance indicates a base-type chain or value-type
	// embedding that revisits a type already being laid out.
	ErrCyclicInheritance = errors.New("cyclic type definition")
	// ErrUnresolvedGeneric indicates an attempt to lay out a type that still
	// carries unsubstituted generic parameters.
	ErrUnresolvedGeneric = errors.New("unresolved generic type")
)
