package metadata

import "errors"

var (
	// ErrMalformedImage indicates the metadata image is structurally invalid:
	// a bad magic, a truncated stream, or an offset/row index pointing outside
	// the data it addresses.
	ErrMalformedImage = errors.New("malformed metadata image")
	// ErrUnresolvedReference indicates a handle that is well-formed but cannot
	// be resolved in the current image, e.g. a coded index selecting a table
	// the image does not carry.
	ErrUnresolvedReference = errors.New("unresolved metadata reference")
)
