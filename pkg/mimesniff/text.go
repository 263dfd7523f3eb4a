package mimesniff

import (
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const textWindow = 512

// textExtensions maps lowercase extensions to their canonical text
// subtype. Used by the text heuristic and the extension fallback tier.
var textExtensions = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".json": "application/json",
	".xml":  "text/xml",
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".ts":   "application/typescript",
	".py":   "text/x-python",
	".sh":   "application/x-sh",
	".sql":  "application/sql",
	".csv":  "text/csv",
	".yaml": "application/x-yaml",
	".yml":  "application/x-yaml",
	".log":  "text/plain",
}

// looksText applies the content heuristic on the first 512 bytes:
// null-byte ratio <=1%, non-whitespace control ratio <=10% and
// text/UTF-8 byte ratio >=90%. High bytes count as text only when the
// window is well-formed UTF-8.
func looksText(data []byte) bool {
	if len(data) > textWindow {
		data = data[:textWindow]
	}
	if len(data) == 0 {
		return false
	}

	validUTF8 := utf8.Valid(trimPartialRune(data))

	var nulls, controls, text int
	for _, b := range data {
		switch {
		case b == 0x00:
			nulls++
		case b == '\t' || b == '\n' || b == '\r' || b == '\x0b' || b == '\x0c':
			text++
		case b < 0x20 || b == 0x7F:
			controls++
		case b < 0x80:
			text++
		default:
			if validUTF8 {
				text++
			}
		}
	}

	total := len(data)
	if nulls*100 > total {
		return false
	}
	if controls*10 > total {
		return false
	}
	return text*10 >= total*9
}

// trimPartialRune drops a multi-byte sequence cut off by the window
// boundary so it does not fail validation.
func trimPartialRune(data []byte) []byte {
	for i := 0; i < utf8.UTFMax && len(data) > 0; i++ {
		r, size := utf8.DecodeLastRune(data)
		if r != utf8.RuneError || size != 1 {
			return data
		}
		data = data[:len(data)-1]
	}
	return data
}

// textSubtype picks the subtype for content that passed looksText.
func textSubtype(filename string) string {
	if ct, ok := textExtensions[lowerExt(filename)]; ok {
		return ct
	}
	return "text/plain"
}

// extensionFallback returns a type for known text extensions, or "".
func extensionFallback(filename string) string {
	return textExtensions[lowerExt(filename)]
}

func lowerExt(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}
