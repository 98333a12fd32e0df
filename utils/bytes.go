// Package utils holds small byte helpers shared by the wire codec.
package utils

import "bytes"

// FixedString returns s as a byte slice of exactly n bytes, zero-padded when s is
// shorter and truncated when it is longer.
func FixedString(s string, n int) []byte {
	if n <= 0 {
		return []byte{}
	}

	out := make([]byte, n)
	copy(out, s)
	return out
}

// CString reads b as a null-terminated string. Without a null byte the whole
// slice is returned.
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}

	return string(b)
}

// Concat joins the given slices into one newly allocated slice.
func Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}

	out, i := make([]byte, n), 0
	for _, p := range parts {
		i += copy(out[i:], p)
	}

	return out
}
