package llvm

import "strings"

// Mangle turns a metadata name into a symbol-safe identifier. Dots, slashes
// and backticks appear in namespaces, nested type names and generic arities;
// none of them survive into object-file symbols.
func Mangle(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		case r == '.', r == '/', r == '+':
			sb.WriteByte('_')
		default:
			sb.WriteByte('$')
		}
	}
	return sb.String()
}

// MethodSymbol returns the linker symbol for a method of a named type.
func MethodSymbol(typeName, methodName string) string {
	return Mangle(typeName) + "__" + Mangle(methodName)
}

// StaticSymbol returns the linker symbol for a static field.
func StaticSymbol(typeName, fieldName string) string {
	return "st_" + Mangle(typeName) + "__" + Mangle(fieldName)
}

// VTableSymbol returns the linker symbol for a type's dispatch table.
func VTableSymbol(typeName string) string {
	return "vt_" + Mangle(typeName)
}
