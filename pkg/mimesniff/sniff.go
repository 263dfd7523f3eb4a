// Package mimesniff detects and validates the media type of an upload
// from its leading bytes. Detection tiers, in order: external detector,
// text-content heuristic, magic-number table, filename extension,
// octet-stream fallback. Sniff never returns an empty type.
package mimesniff

import (
	"context"

	"github.com/omalloc/scangate/contrib/log"
)

// Detection methods reported in Result.Method.
const (
	MethodExternal  = "external"
	MethodText      = "text_heuristic"
	MethodMagic     = "magic"
	MethodExtension = "extension"
	MethodFallback  = "fallback"
)

type Result struct {
	MIME   string
	Method string
	Detail string
}

// Sniff detects the media type of data. filename may be empty;
// allowExternal gates the external detector tier.
func Sniff(ctx context.Context, data []byte, filename string, allowExternal bool) Result {
	if allowExternal && len(data) >= externalMinBytes {
		detected, err := detectExternal(ctx, data)
		if err == nil {
			return Result{MIME: detected, Method: MethodExternal}
		}
		// transient failure or inconclusive answer falls through
		// to the next tier
		log.Context(ctx).Debugf("external mime detection skipped: %v", err)
	}

	if looksText(data) {
		return Result{MIME: textSubtype(filename), Method: MethodText}
	}

	if ct := matchMagic(data); ct != "" {
		return Result{MIME: ct, Method: MethodMagic}
	}

	if ct := extensionFallback(filename); ct != "" {
		return Result{MIME: ct, Method: MethodExtension, Detail: lowerExt(filename)}
	}

	return Result{MIME: "application/octet-stream", Method: MethodFallback}
}
