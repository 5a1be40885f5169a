package execution

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxDiagnosticLines caps the lines kept from error_body and stderr.
	MaxDiagnosticLines = 200
	// MaxDiagnosticBytes caps the bytes kept from error_body and stderr.
	MaxDiagnosticBytes = 16 * 1024
)

// TruncationMarker prefixes a diagnostic that lost its head.
const TruncationMarker = "...[truncated %d bytes]\n"

// TruncateDiagnostic keeps the tail of s within the line and byte ceilings.
// The most recent output is usually what explains a failure.
func TruncateDiagnostic(s string) string {
	return truncateTail(s, MaxDiagnosticLines, MaxDiagnosticBytes)
}

func truncateTail(s string, maxLines, maxBytes int) string {
	orig := len(s)
	if lines := strings.Split(s, "\n"); len(lines) > maxLines {
		s = strings.Join(lines[len(lines)-maxLines:], "\n")
	}
	if len(s) > maxBytes {
		cut := len(s) - maxBytes
		for cut < len(s) && !utf8.RuneStart(s[cut]) {
			cut++
		}
		s = s[cut:]
	}
	if len(s) == orig {
		return s
	}
	return fmt.Sprintf(TruncationMarker, orig-len(s)) + s
}
