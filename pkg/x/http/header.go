package http

import (
	"net/http"
	"net/textproto"
)

// hop-by-hop headers are never relayed between the client and the
// backend; see RFC 7230 §6.1.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// CopyHeader copies all headers from the source http.Header to the destination http.Header.
func CopyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// CopyHeadersWithout copies all headers from src to dst,
// excluding the headers named in excludeKeys.
func CopyHeadersWithout(dst, src http.Header, excludeKeys ...string) {
	excludeMap := make(map[string]struct{}, len(excludeKeys))
	for _, key := range excludeKeys {
		excludeMap[textproto.CanonicalMIMEHeaderKey(key)] = struct{}{}
	}

	for k, vv := range src {
		if _, excluded := excludeMap[textproto.CanonicalMIMEHeaderKey(k)]; excluded {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// CopyHeadersWithoutHopByHop relays src to dst minus the hop-by-hop set.
func CopyHeadersWithoutHopByHop(dst, src http.Header) {
	CopyHeadersWithout(dst, src, hopByHop...)
}
