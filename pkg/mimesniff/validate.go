package mimesniff

// Validation reasons.
const (
	ReasonExactMatch    = "exact_match"
	ReasonGenericHeader = "generic_header_override"
	ReasonAliasMatch    = "alias_match"
	ReasonMimeMismatch  = "mime_mismatch"
)

// genericTypes carry no information; clients that send them are not
// contradicting the sniffed result.
var genericTypes = map[string]struct{}{
	"application/octet-stream": {},
	"application/binary":       {},
	"binary/octet-stream":      {},
}

// aliasTable groups types that commonly describe the same content.
// Membership in the same group passes validation in either direction.
var aliasTable = [][]string{
	{"image/jpeg", "image/jpg", "image/pjpeg"},
	{"application/javascript", "text/javascript", "application/x-javascript"},
	{"application/x-sh", "text/x-shellscript", "application/x-shellscript"},
	{"text/xml", "application/xml"},
	{"application/x-yaml", "text/yaml", "application/yaml"},
	{"audio/wav", "audio/x-wav", "audio/wave"},
	{"application/zip", "application/x-zip-compressed"},
	{"application/x-rar-compressed", "application/vnd.rar"},
	{"application/x-dosexec", "application/x-msdownload", "application/vnd.microsoft.portable-executable"},
	{"application/gzip", "application/x-gzip"},
	{"image/x-icon", "image/vnd.microsoft.icon", "image/ico"},
	{"audio/mpeg", "audio/mp3"},
	{"text/markdown", "text/plain"},
	{
		"application/x-ole-storage",
		"application/msword",
		"application/vnd.ms-excel",
		"application/vnd.ms-powerpoint",
	},
	{"video/webm", "video/x-matroska"},
}

var aliasIndex map[string]int

func init() {
	aliasIndex = make(map[string]int)
	for i, group := range aliasTable {
		for _, ct := range group {
			aliasIndex[ct] = i
		}
	}
}

// Validate checks a detected type against the client-declared one.
func Validate(detected, declared string) (bool, string) {
	declared = normalize(declared)
	detected = normalize(detected)

	if _, ok := genericTypes[declared]; ok {
		return true, ReasonGenericHeader
	}

	if detected == declared {
		return true, ReasonExactMatch
	}

	if gi, ok := aliasIndex[detected]; ok {
		if gj, ok := aliasIndex[declared]; ok && gi == gj {
			return true, ReasonAliasMatch
		}
	}

	return false, ReasonMimeMismatch
}
