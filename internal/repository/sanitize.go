package repository

import (
	"strings"
	"unicode/utf8"
)

// sanitizeForPG removes PostgreSQL-incompatible bytes from strings: null
// bytes and invalid UTF-8 sequences. Vendor string fields are fixed-width
// and NUL padded, so this runs on every text column at the database boundary.
func sanitizeForPG(s string) string {
	s = strings.ReplaceAll(s, "\\u0000", "")
	if strings.ContainsRune(s, 0) {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return s
}
