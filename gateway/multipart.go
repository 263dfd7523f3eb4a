package gateway

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/omalloc/scangate/metrics"
	sgerrors "github.com/omalloc/scangate/pkg/errors"
	"github.com/omalloc/scangate/pkg/spool"
)

const (
	maxPartHeaderLines = 32
	maxHeaderLineBytes = 8 << 10
)

// partContext captures the file part exactly as the client sent it.
// RawHeaders keep the original bytes and order because they are
// re-emitted verbatim into the backend envelope.
type partContext struct {
	RawHeaders   []string
	Filename     string
	DeclaredType string
}

// deadlineReader arms a fresh read deadline before every read so a
// stalled client trips the per-read upload timeout rather than holding
// the request forever.
type deadlineReader struct {
	rc      *http.ResponseController
	body    io.Reader
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if d.timeout > 0 {
		// ErrNotSupported on recorders and exotic writers, harmless
		_ = d.rc.SetReadDeadline(time.Now().Add(d.timeout))
	}
	return d.body.Read(p)
}

// ingest streams the first part of the multipart body into sp and
// returns the captured part context. That part is taken to be the file;
// parts that come before a file part are not skipped, and later parts
// are not read.
func ingest(w http.ResponseWriter, r *http.Request, sp *spool.Spool, cfg ingestConfig, metric *metrics.RequestMetric) (*partContext, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return nil, sgerrors.New(sgerrors.KindUpload, "request is not multipart/form-data").WithCause(err)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, sgerrors.New(sgerrors.KindUpload, "multipart boundary missing")
	}

	bufSize := cfg.chunkSize
	if bufSize < 4096 {
		bufSize = 4096
	}
	br := bufio.NewReaderSize(&deadlineReader{
		rc:      http.NewResponseController(w),
		body:    r.Body,
		timeout: cfg.readTimeout,
	}, bufSize)

	if err := seekFirstBoundary(br, boundary); err != nil {
		return nil, err
	}

	part, err := readPartHeaders(br)
	if err != nil {
		return nil, err
	}

	if err := streamPartBody(br, boundary, sp, metric); err != nil {
		return nil, err
	}

	sp.Filename = part.Filename
	sp.DeclaredType = part.DeclaredType
	return part, nil
}

type ingestConfig struct {
	chunkSize   int
	readTimeout time.Duration
}

func seekFirstBoundary(br *bufio.Reader, boundary string) error {
	delimiter := "--" + boundary
	for {
		line, err := readHeaderLine(br)
		if err != nil {
			return mapReadError(err, "reading first boundary")
		}
		if line == delimiter {
			return nil
		}
		if line == delimiter+"--" {
			return sgerrors.New(sgerrors.KindUpload, "multipart body has no parts")
		}
	}
}

func readPartHeaders(br *bufio.Reader) (*partContext, error) {
	part := &partContext{RawHeaders: make([]string, 0, 4)}

	for {
		if len(part.RawHeaders) > maxPartHeaderLines {
			return nil, sgerrors.New(sgerrors.KindUpload, "too many part header lines")
		}
		line, err := readHeaderLine(br)
		if err != nil {
			return nil, mapReadError(err, "reading part headers")
		}
		if line == "" {
			break
		}
		part.RawHeaders = append(part.RawHeaders, line)

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, sgerrors.Newf(sgerrors.KindUpload, "malformed part header %q", line)
		}
		value = strings.TrimSpace(value)
		switch textproto.CanonicalMIMEHeaderKey(name) {
		case "Content-Disposition":
			_, dispParams, err := mime.ParseMediaType(value)
			if err == nil {
				part.Filename = dispParams["filename"]
			}
		case "Content-Type":
			part.DeclaredType = value
		}
	}

	if len(part.RawHeaders) == 0 {
		return nil, sgerrors.New(sgerrors.KindUpload, "file part has no headers")
	}
	return part, nil
}

// streamPartBody copies body bytes into the spool up to the closing
// boundary, holding back just enough tail to never split the delimiter.
func streamPartBody(br *bufio.Reader, boundary string, sp *spool.Spool, metric *metrics.RequestMetric) error {
	delimiter := []byte("\r\n--" + boundary)

	for {
		window, err := br.Peek(br.Size())
		if idx := bytes.Index(window, delimiter); idx >= 0 {
			if appendErr := appendSpool(sp, window[:idx], metric); appendErr != nil {
				return appendErr
			}
			if _, derr := br.Discard(idx + len(delimiter)); derr != nil {
				return mapReadError(derr, "consuming boundary")
			}
			// closing "--" or CRLF before the next part; either way
			// the single expected file part is complete
			return nil
		}

		if err != nil && (len(window) == 0 || !errors.Is(err, io.EOF)) {
			return mapReadError(err, "reading part body")
		}

		safe := len(window) - len(delimiter) + 1
		if safe <= 0 {
			if err != nil {
				return sgerrors.New(sgerrors.KindUpload, "multipart body truncated before closing boundary")
			}
			continue
		}
		if err != nil {
			// EOF without a closing boundary in the remainder
			return sgerrors.New(sgerrors.KindUpload, "multipart body truncated before closing boundary")
		}

		if appendErr := appendSpool(sp, window[:safe], metric); appendErr != nil {
			return appendErr
		}
		if _, derr := br.Discard(safe); derr != nil {
			return mapReadError(derr, "consuming part body")
		}
	}
}

func appendSpool(sp *spool.Spool, chunk []byte, metric *metrics.RequestMetric) error {
	if len(chunk) == 0 {
		return nil
	}
	if err := sp.Append(chunk); err != nil {
		if errors.Is(err, spool.ErrTooLarge) {
			return sgerrors.New(sgerrors.KindMemory, "file exceeds the configured maximum size").WithCause(err)
		}
		return sgerrors.New(sgerrors.KindUpload, "buffering upload failed").WithCause(err)
	}
	metric.AddBytesIn(int64(len(chunk)))
	metric.IncOps()
	return nil
}

func readHeaderLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > maxHeaderLineBytes {
		return "", sgerrors.New(sgerrors.KindUpload, "part header line too long")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func mapReadError(err error, doing string) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return sgerrors.Newf(sgerrors.KindTimeout, "client stalled while %s", doing).WithCause(err)
	}
	return sgerrors.Newf(sgerrors.KindUpload, "%s failed", doing).WithCause(err)
}
