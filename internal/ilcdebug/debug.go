// Package ilcdebug formats metadata positions for error messages and the
// inspection command.
package ilcdebug

import (
	"fmt"

	"github.com/ilclang/ilc/internal/metadata"
)

// MethodName renders the canonical Type::Method form.
func MethodName(typeName, method string) string {
	if typeName == "" {
		return method
	}
	return typeName + "::" + method
}

// FormatToken renders a metadata token with its table name, the way
// diagnostics refer to operands.
func FormatToken(tok uint32) string {
	h, err := metadata.HandleFromToken(tok)
	if err != nil {
		return fmt.Sprintf("token %#08x", tok)
	}
	if h.Kind() == metadata.KindUserString {
		return fmt.Sprintf("string literal %#x", h.Offset())
	}
	return h.String()
}
