package mimesniff

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// externalMinBytes is the minimum head size worth handing to the
// detector; below it the answer is noise.
const externalMinBytes = 32

// externalTimeout is the hard wall-clock cap on a detection call.
const externalTimeout = 2 * time.Second

var errInconclusive = errors.New("mimesniff: external detector inconclusive")

// detectExternal runs the library detector under the external-command
// contract: a specific MIME string within two seconds, or an error.
func detectExternal(ctx context.Context, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, externalTimeout)
	defer cancel()

	done := make(chan string, 1)
	go func() {
		done <- mimetype.Detect(data).String()
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case detected := <-done:
		detected = normalize(detected)
		if detected == "" || detected == "application/octet-stream" || detected == "data" {
			return "", errInconclusive
		}
		return detected, nil
	}
}

// normalize lowercases and strips parameters from a media type.
func normalize(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
