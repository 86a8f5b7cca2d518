// Package namecodec translates mailbox names to a filesystem-safe ASCII
// form and back. The encoding is injective and reversible, survives
// case-insensitive filesystems, and never emits path separators or
// Windows-reserved characters.
package namecodec

import "strings"

const hexDigits = "0123456789ABCDEF"

// safe reports whether b passes through the encoding literally.
// The safe set is [A-Za-z0-9._-] minus nothing; '=' is the escape
// character and is always encoded.
func safe(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z':
		return true
	case b >= 'a' && b <= 'z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '.' || b == '_' || b == '-':
		return true
	}
	return false
}

// Encode returns the filesystem-safe form of a mailbox name. Every byte of
// the UTF-8 serialisation outside the safe set is emitted as =XX with two
// uppercase hex digits.
func Encode(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for i := 0; i < len(name); i++ {
		b := name[i]
		if safe(b) {
			sb.WriteByte(b)
			continue
		}
		sb.WriteByte('=')
		sb.WriteByte(hexDigits[b>>4])
		sb.WriteByte(hexDigits[b&0x0F])
	}
	return sb.String()
}

// Decode reverses Encode. A leading '=' followed by two hex digits is
// consumed as one byte; a '=' not so followed is kept literally, so Decode
// is total (lenient) on arbitrary input.
func Decode(encoded string) string {
	var sb strings.Builder
	sb.Grow(len(encoded))
	for i := 0; i < len(encoded); i++ {
		b := encoded[i]
		if b == '=' && i+2 < len(encoded) {
			hi, okHi := hexValue(encoded[i+1])
			lo, okLo := hexValue(encoded[i+2])
			if okHi && okLo {
				sb.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		sb.WriteByte(b)
	}
	return sb.String()
}

// IsValidEncoded reports whether encoded is in the image of Encode: only
// safe-set characters and complete =XX escapes with uppercase hex digits.
// Re-encoding the decoded form of a valid name yields the name unchanged.
func IsValidEncoded(encoded string) bool {
	for i := 0; i < len(encoded); i++ {
		b := encoded[i]
		if safe(b) {
			continue
		}
		if b != '=' {
			return false
		}
		if i+2 >= len(encoded) {
			return false
		}
		if !upperHex(encoded[i+1]) || !upperHex(encoded[i+2]) {
			return false
		}
		i += 2
	}
	return true
}

func upperHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'A' && b <= 'F')
}

func hexValue(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	}
	return 0, false
}
