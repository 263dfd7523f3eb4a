package mimesniff

import "bytes"

// signature matchers follow net/http's DetectContentType table layout.
// Order matters: more specific patterns come before generic ones, in
// particular the ZIP-container office formats before bare ZIP.

type signature interface {
	match(data []byte) string
}

type exactSig struct {
	sig []byte
	ct  string
}

func (e *exactSig) match(data []byte) string {
	if len(data) >= len(e.sig) && bytes.Equal(data[:len(e.sig)], e.sig) {
		return e.ct
	}
	return ""
}

type maskedSig struct {
	mask, pat []byte
	ct        string
}

func (m *maskedSig) match(data []byte) string {
	if len(data) < len(m.mask) {
		return ""
	}
	for i, mask := range m.mask {
		if data[i]&mask != m.pat[i] {
			return ""
		}
	}
	return m.ct
}

// zipSig distinguishes OOXML/ODF/JAR containers from bare ZIP by the
// first entry names visible in the header window.
type zipSig struct{}

var zipContainers = []struct {
	inner string
	ct    string
}{
	{"word/", "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	{"xl/", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	{"ppt/", "application/vnd.openxmlformats-officedocument.presentationml.presentation"},
	{"META-INF/MANIFEST.MF", "application/java-archive"},
	{"mimetypeapplication/vnd.oasis.opendocument", "application/vnd.oasis.opendocument.text"},
}

func (zipSig) match(data []byte) string {
	if len(data) < 4 || data[0] != 'P' || data[1] != 'K' {
		return ""
	}
	if (data[2] != 3 && data[2] != 5 && data[2] != 7) || data[3] != data[2]+1 {
		return ""
	}
	for _, c := range zipContainers {
		if bytes.Contains(data, []byte(c.inner)) {
			return c.ct
		}
	}
	return "application/zip"
}

// icoSig checks the directory entry fields as well, the bare
// `00 00 01 00` prefix is too common in binary data.
type icoSig struct{}

func (icoSig) match(data []byte) string {
	if len(data) < 6 {
		return ""
	}
	if data[0] != 0 || data[1] != 0 || data[2] != 1 || data[3] != 0 {
		return ""
	}
	// image count must be non-zero and small
	if data[4] == 0 || data[5] != 0 {
		return ""
	}
	return "image/x-icon"
}

// markupSig matches a case-insensitive token at the first
// non-whitespace byte.
type markupSig struct {
	sig string
	ct  string
}

func (s *markupSig) match(data []byte) string {
	data = skipWS(data)
	if len(data) < len(s.sig) {
		return ""
	}
	for i := 0; i < len(s.sig); i++ {
		b := data[i]
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if b != s.sig[i] {
			return ""
		}
	}
	return s.ct
}

// jsonSig accepts a leading object or array opener.
type jsonSig struct{}

func (jsonSig) match(data []byte) string {
	data = skipWS(data)
	if len(data) == 0 {
		return ""
	}
	if data[0] == '{' || data[0] == '[' {
		return "application/json"
	}
	return ""
}

// ftypSig matches ISO base media brands at offset 4.
type ftypSig struct {
	brand string
	ct    string
}

func (s *ftypSig) match(data []byte) string {
	if len(data) < 12 {
		return ""
	}
	if !bytes.Equal(data[4:8], []byte("ftyp")) {
		return ""
	}
	if bytes.HasPrefix(data[8:], []byte(s.brand)) {
		return s.ct
	}
	return ""
}

// anyFtypSig is the generic MP4 fallback after specific brands.
type anyFtypSig struct{}

func (anyFtypSig) match(data []byte) string {
	if len(data) >= 12 && bytes.Equal(data[4:8], []byte("ftyp")) {
		return "video/mp4"
	}
	return ""
}

func skipWS(data []byte) []byte {
	for len(data) > 0 {
		switch data[0] {
		case '\t', '\n', '\x0c', '\r', ' ':
			data = data[1:]
		default:
			return data
		}
	}
	return data
}

// magicTable is evaluated in order against the first up-to-1-KiB window.
var magicTable = []signature{
	&exactSig{sig: []byte("%PDF"), ct: "application/pdf"},
	&exactSig{sig: []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}, ct: "application/x-ole-storage"},
	zipSig{}, // OOXML / JAR / ODF before bare ZIP, bare ZIP handled inside
	&exactSig{sig: []byte{0xFF, 0xD8, 0xFF}, ct: "image/jpeg"},
	&exactSig{sig: []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, ct: "image/png"},
	&exactSig{sig: []byte("GIF87a"), ct: "image/gif"},
	&exactSig{sig: []byte("GIF89a"), ct: "image/gif"},
	&maskedSig{
		mask: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF},
		pat:  []byte("RIFF\x00\x00\x00\x00WEBP"),
		ct:   "image/webp",
	},
	&exactSig{sig: []byte("BM"), ct: "image/bmp"},
	&exactSig{sig: []byte("II*\x00"), ct: "image/tiff"},
	&exactSig{sig: []byte("MM\x00*"), ct: "image/tiff"},
	&exactSig{sig: []byte("Rar!\x1A\x07\x00"), ct: "application/x-rar-compressed"},
	&exactSig{sig: []byte("Rar!\x1A\x07\x01\x00"), ct: "application/x-rar-compressed"},
	&exactSig{sig: []byte{0x1F, 0x8B}, ct: "application/gzip"},
	&exactSig{sig: []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}, ct: "application/x-7z-compressed"},
	&exactSig{sig: []byte("BZh"), ct: "application/x-bzip2"},
	&exactSig{sig: []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}, ct: "application/x-xz"},
	&exactSig{sig: []byte("ID3"), ct: "audio/mpeg"},
	&maskedSig{mask: []byte{0xFF, 0xE6}, pat: []byte{0xFF, 0xE2}, ct: "audio/mpeg"},
	&exactSig{sig: []byte("OggS"), ct: "audio/ogg"},
	&maskedSig{
		mask: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF},
		pat:  []byte("RIFF\x00\x00\x00\x00WAVE"),
		ct:   "audio/wav",
	},
	&exactSig{sig: []byte("fLaC"), ct: "audio/flac"},
	&ftypSig{brand: "M4A", ct: "audio/mp4"},
	&ftypSig{brand: "isom", ct: "video/mp4"},
	&ftypSig{brand: "mp4", ct: "video/mp4"},
	&ftypSig{brand: "MSNV", ct: "video/mp4"},
	anyFtypSig{},
	&maskedSig{
		mask: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF},
		pat:  []byte("RIFF\x00\x00\x00\x00AVI "),
		ct:   "video/x-msvideo",
	},
	&exactSig{sig: []byte{0x1A, 0x45, 0xDF, 0xA3}, ct: "video/webm"},
	&exactSig{sig: []byte{0x00, 0x00, 0x01, 0xBA}, ct: "video/mpeg"},
	&markupSig{sig: "<!doctype html", ct: "text/html"},
	&markupSig{sig: "<html", ct: "text/html"},
	&markupSig{sig: "<head", ct: "text/html"},
	&markupSig{sig: "<body", ct: "text/html"},
	&markupSig{sig: "<?xml", ct: "text/xml"},
	jsonSig{},
	&exactSig{sig: []byte("MZ"), ct: "application/x-dosexec"},
	&exactSig{sig: []byte{0x7F, 'E', 'L', 'F'}, ct: "application/x-executable"},
	&exactSig{sig: []byte{0xCA, 0xFE, 0xBA, 0xBE}, ct: "application/java-vm"},
	&exactSig{sig: []byte{0xFE, 0xED, 0xFA, 0xCE}, ct: "application/x-mach-binary"},
	&exactSig{sig: []byte{0xFE, 0xED, 0xFA, 0xCF}, ct: "application/x-mach-binary"},
	&exactSig{sig: []byte{0xCE, 0xFA, 0xED, 0xFE}, ct: "application/x-mach-binary"},
	&exactSig{sig: []byte{0xCF, 0xFA, 0xED, 0xFE}, ct: "application/x-mach-binary"},
	&exactSig{sig: []byte{0x00, 0x01, 0x00, 0x00}, ct: "font/ttf"},
	&exactSig{sig: []byte("OTTO"), ct: "font/otf"},
	&exactSig{sig: []byte("wOFF"), ct: "font/woff"},
	&exactSig{sig: []byte("wOF2"), ct: "font/woff2"},
	icoSig{},
}

const magicWindow = 1 << 10

// matchMagic runs the table against the head window.
func matchMagic(data []byte) string {
	if len(data) > magicWindow {
		data = data[:magicWindow]
	}
	for _, sig := range magicTable {
		if ct := sig.match(data); ct != "" {
			return ct
		}
	}
	return ""
}
