// Package icap implements the REQMOD client half of RFC 3507 with
// Preview. One scan is one TCP connection; the connection is never
// reused and is always closed by a cleanup task registered at connect
// time.
package icap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/omalloc/scangate/conf"
	"github.com/omalloc/scangate/contrib/log"
	"github.com/omalloc/scangate/pkg/spool"
)

// sizeLimitMarker is emitted by clamav-family scanners when the file
// exceeds the engine's scan limit rather than being infected.
const sizeLimitMarker = "Heuristics.Limits.Exceeded.MaxFileSize"

// largePayload is the threshold past which socket deadlines stretch 5x.
const largePayload = 100 << 20

type Client struct {
	host          string
	port          int
	service       string
	previewSize   int
	socketTimeout time.Duration
	logTraffic    bool
}

func New(c *conf.Icap) *Client {
	return &Client{
		host:          c.Host,
		port:          c.Port,
		service:       c.Service,
		previewSize:   c.PreviewSize,
		socketTimeout: c.SocketTimeout,
		logTraffic:    c.LogTraffic,
	}
}

// Scan performs one REQMOD exchange for the spooled upload. track, when
// non-nil, receives the connection so the caller's cleanup closes it
// even if Scan aborts mid-protocol. A non-nil error means the exchange
// could not be carried out (dial or I/O failure); protocol-level
// surprises come back as a Verdict instead.
func (c *Client) Scan(ctx context.Context, sp *spool.Spool, track func(io.Closer)) (*Verdict, error) {
	total := sp.Stats().TotalSize
	previewSize := int64(c.previewSize)
	if previewSize > total {
		previewSize = total
	}

	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	dialer := net.Dialer{Timeout: c.socketTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("icap dial %s: %w", addr, err)
	}
	if track != nil {
		track(conn)
	}
	defer conn.Close()

	timeout := c.socketTimeout
	if total > largePayload {
		timeout *= 5
	}
	bump := func() { _ = conn.SetDeadline(time.Now().Add(timeout)) }

	previewBytes, err := sp.Preview(int(previewSize))
	if err != nil {
		return nil, fmt.Errorf("icap preview read: %w", err)
	}

	request := c.buildPreviewRequest(total, previewBytes)
	if c.logTraffic {
		log.Context(ctx).Debugf("icap >> %q", request)
	}

	bump()
	if _, err := conn.Write(request); err != nil {
		return nil, fmt.Errorf("icap write preview: %w", err)
	}

	reader := bufio.NewReader(conn)

	bump()
	statusLine, err := readLine(reader)
	if err != nil {
		return nil, fmt.Errorf("icap read status: %w", err)
	}
	code, ok := parseStatus(statusLine)
	if !ok {
		// conservative: an unparsable answer is never treated as clean
		return protocolError(fmt.Sprintf("bad status line %q", statusLine)), nil
	}
	if c.logTraffic {
		log.Context(ctx).Debugf("icap << %s", statusLine)
	}

	switch code {
	case 204:
		return clean(), nil
	case 100:
		return c.continueBody(ctx, conn, reader, sp, previewSize, total, bump)
	default:
		return c.readBlocked(ctx, reader, code, statusLine, bump), nil
	}
}

// buildPreviewRequest assembles the ICAP head, the fixed encapsulated
// HTTP request head and the preview chunk.
func (c *Client) buildPreviewRequest(total int64, previewBytes []byte) []byte {
	httpHead := fmt.Sprintf("POST / HTTP/1.1\r\nHost: example.com\r\nContent-Length: %d\r\n\r\n", total)

	var b bytes.Buffer
	fmt.Fprintf(&b, "REQMOD icap://%s:%d/%s ICAP/1.0\r\n", c.host, c.port, c.service)
	fmt.Fprintf(&b, "Host: %s\r\n", c.host)
	b.WriteString("Allow: 204\r\n")
	fmt.Fprintf(&b, "Preview: %d\r\n", len(previewBytes))
	fmt.Fprintf(&b, "Encapsulated: req-hdr=0, req-body=%d\r\n", len(httpHead))
	b.WriteString("\r\n")
	b.WriteString(httpHead)

	if len(previewBytes) > 0 {
		fmt.Fprintf(&b, "%X\r\n", len(previewBytes))
		b.Write(previewBytes)
		b.WriteString("\r\n")
	}
	b.WriteString("0\r\n\r\n")

	return b.Bytes()
}

// continueBody streams the post-preview remainder as one chunk and
// reads the final verdict.
func (c *Client) continueBody(ctx context.Context, conn net.Conn, reader *bufio.Reader, sp *spool.Spool, previewSize, total int64, bump func()) (*Verdict, error) {
	remaining := total - previewSize

	w := bufio.NewWriterSize(conn, 64<<10)
	if remaining > 0 {
		if _, err := fmt.Fprintf(w, "%X\r\n", remaining); err != nil {
			return nil, fmt.Errorf("icap write chunk size: %w", err)
		}

		body := sp.Reader(previewSize)
		defer body.Close()
		buf := make([]byte, spool.ReadChunkSize)
		var sent int64
		for sent < remaining {
			n, err := body.Read(buf)
			if n > 0 {
				bump()
				if _, werr := w.Write(buf[:n]); werr != nil {
					return nil, fmt.Errorf("icap write body: %w", werr)
				}
				sent += int64(n)
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("icap spool read: %w", err)
			}
		}
		if sent != remaining {
			return nil, fmt.Errorf("icap spool short read: sent %d of %d", sent, remaining)
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return nil, fmt.Errorf("icap write chunk end: %w", err)
		}
	}

	if _, err := w.WriteString("0; ieof\r\n\r\n"); err != nil {
		return nil, fmt.Errorf("icap write terminator: %w", err)
	}
	bump()
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("icap flush body: %w", err)
	}

	bump()
	line, err := readLine(reader)
	if err != nil {
		return nil, fmt.Errorf("icap read after body: %w", err)
	}
	if line == "" {
		// discard the blank separator before the final status
		if line, err = readLine(reader); err != nil {
			return nil, fmt.Errorf("icap read final status: %w", err)
		}
	}

	code, ok := parseStatus(line)
	if !ok {
		return protocolError(fmt.Sprintf("bad final status %q", line)), nil
	}
	if c.logTraffic {
		log.Context(ctx).Debugf("icap << %s", line)
	}
	if code == 204 {
		return clean(), nil
	}
	return c.readBlocked(ctx, reader, code, line, bump), nil
}

// readBlocked collects the ICAP response headers and the optional
// embedded HTTP status line of a non-204 verdict.
func (c *Client) readBlocked(ctx context.Context, reader *bufio.Reader, code int, statusLine string, bump func()) *Verdict {
	headers := make([]string, 0, 8)
	for {
		bump()
		line, err := readLine(reader)
		if err != nil || line == "" {
			break
		}
		headers = append(headers, line)
	}

	message := statusLine
	// the next line, if any, is the embedded HTTP status
	if line, err := readLine(reader); err == nil && strings.HasPrefix(line, "HTTP/") {
		message = line
	}

	if c.logTraffic {
		log.Context(ctx).Debugf("icap blocked code=%d headers=%v", code, headers)
	}

	return blocked(code, message, headers)
}

func hasSizeLimitMarker(headers []string) bool {
	for _, h := range headers {
		if strings.Contains(h, sizeLimitMarker) {
			return true
		}
	}
	return false
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseStatus(line string) (int, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "ICAP/") {
		return 0, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return code, true
}
