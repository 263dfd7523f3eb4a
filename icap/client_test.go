package icap_test

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omalloc/scangate/conf"
	"github.com/omalloc/scangate/icap"
	"github.com/omalloc/scangate/pkg/spool"
)

type stub struct {
	ln   net.Listener
	conf *conf.Icap

	// filled by the handler for assertions
	preview []byte
	body    []byte
}

func newStub(t *testing.T, handler func(s *stub, conn net.Conn)) *stub {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	port := ln.Addr().(*net.TCPAddr).Port
	s := &stub{
		ln: ln,
		conf: &conf.Icap{
			Host:          "127.0.0.1",
			Port:          port,
			Service:       "avscan",
			PreviewSize:   1024,
			SocketTimeout: 2 * time.Second,
		},
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				handler(s, conn)
			}(conn)
		}
	}()

	return s
}

// readPreview consumes everything up to the preview chunk terminator
// and stores the raw request.
func (s *stub) readPreview(conn net.Conn) []byte {
	var buf bytes.Buffer
	tmp := make([]byte, 4096)
	for !bytes.HasSuffix(buf.Bytes(), []byte("\r\n0\r\n\r\n")) {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil {
			break
		}
	}
	s.preview = buf.Bytes()
	return s.preview
}

// readContinueBody consumes the post-preview chunk up to `0; ieof`.
func (s *stub) readContinueBody(conn net.Conn) []byte {
	var buf bytes.Buffer
	tmp := make([]byte, 64<<10)
	for !bytes.HasSuffix(buf.Bytes(), []byte("0; ieof\r\n\r\n")) {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil {
			break
		}
	}
	s.body = buf.Bytes()
	return s.body
}

func fill(t *testing.T, sp *spool.Spool, payload []byte) {
	t.Helper()
	for i := 0; i < len(payload); i += 4096 {
		end := min(i+4096, len(payload))
		require.NoError(t, sp.Append(payload[i:end]))
	}
}

func TestScanCleanOnPreview(t *testing.T) {
	s := newStub(t, func(s *stub, conn net.Conn) {
		s.readPreview(conn)
		_, _ = io.WriteString(conn, "ICAP/1.0 204 No Content\r\n\r\n")
	})

	sp := spool.New(t.TempDir(), 1<<20, 10<<20)
	defer sp.Clear()
	payload := bytes.Repeat([]byte{0xAB}, 2048)
	fill(t, sp, payload)

	v, err := icap.New(s.conf).Scan(context.Background(), sp, nil)
	require.NoError(t, err)
	assert.True(t, v.Clean())

	raw := string(s.preview)
	assert.True(t, strings.HasPrefix(raw, fmt.Sprintf("REQMOD icap://127.0.0.1:%d/avscan ICAP/1.0\r\n", s.conf.Port)))
	assert.Contains(t, raw, "Allow: 204\r\n")
	assert.Contains(t, raw, "Preview: 1024\r\n")

	httpHead := "POST / HTTP/1.1\r\nHost: example.com\r\nContent-Length: 2048\r\n\r\n"
	assert.Contains(t, raw, fmt.Sprintf("Encapsulated: req-hdr=0, req-body=%d\r\n", len(httpHead)))
	assert.Contains(t, raw, httpHead)

	// preview is one uppercase-hex chunk of the first 1024 bytes
	chunk := fmt.Sprintf("400\r\n%s\r\n0\r\n\r\n", payload[:1024])
	assert.True(t, strings.HasSuffix(raw, chunk))
}

func TestScanContinueFullBody(t *testing.T) {
	s := newStub(t, func(s *stub, conn net.Conn) {
		s.readPreview(conn)
		_, _ = io.WriteString(conn, "ICAP/1.0 100 Continue\r\n\r\n")
		s.readContinueBody(conn)
		_, _ = io.WriteString(conn, "ICAP/1.0 204 No Content\r\n\r\n")
	})

	sp := spool.New(t.TempDir(), 1<<20, 10<<20)
	defer sp.Clear()
	payload := make([]byte, 300_000)
	for i := range payload {
		payload[i] = byte(i)
	}
	fill(t, sp, payload)

	v, err := icap.New(s.conf).Scan(context.Background(), sp, nil)
	require.NoError(t, err)
	assert.True(t, v.Clean())

	remaining := len(payload) - 1024
	br := bufio.NewReader(bytes.NewReader(s.body))
	sizeLine, err := br.ReadString('\n')
	require.NoError(t, err)
	size, err := strconv.ParseInt(strings.TrimRight(sizeLine, "\r\n"), 16, 64)
	require.NoError(t, err)
	assert.Equal(t, int64(remaining), size)

	// uppercase hex, no 0x prefix
	assert.Equal(t, strings.ToUpper(sizeLine), sizeLine)

	got := make([]byte, remaining)
	_, err = io.ReadFull(br, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload[1024:], got))

	rest, _ := io.ReadAll(br)
	assert.Equal(t, "\r\n0; ieof\r\n\r\n", string(rest))
}

func TestScanContinueNothingRemaining(t *testing.T) {
	s := newStub(t, func(s *stub, conn net.Conn) {
		s.readPreview(conn)
		_, _ = io.WriteString(conn, "ICAP/1.0 100 Continue\r\n\r\n")
		s.readContinueBody(conn)
		_, _ = io.WriteString(conn, "ICAP/1.0 204 No Content\r\n\r\n")
	})

	sp := spool.New(t.TempDir(), 1<<20, 10<<20)
	defer sp.Clear()
	fill(t, sp, bytes.Repeat([]byte{0x01}, 512)) // fits inside preview

	v, err := icap.New(s.conf).Scan(context.Background(), sp, nil)
	require.NoError(t, err)
	assert.True(t, v.Clean())

	// only the termination sequence, no size header and no body
	assert.Equal(t, "0; ieof\r\n\r\n", string(s.body))
}

func TestScanBlocked(t *testing.T) {
	s := newStub(t, func(s *stub, conn net.Conn) {
		s.readPreview(conn)
		_, _ = io.WriteString(conn, "ICAP/1.0 403 Forbidden\r\n"+
			"X-Infection-Found: Type=0; Resolution=2; Threat=Eicar-Test-Signature;\r\n"+
			"\r\n"+
			"HTTP/1.1 403 Forbidden\r\n")
	})

	sp := spool.New(t.TempDir(), 1<<20, 10<<20)
	defer sp.Clear()
	fill(t, sp, []byte("X5O!P%@AP[4\\PZX54(P^)7CC)7}$EICAR"))

	v, err := icap.New(s.conf).Scan(context.Background(), sp, nil)
	require.NoError(t, err)
	assert.Equal(t, icap.VerdictBlocked, v.Kind)
	assert.Equal(t, 403, v.HTTPCode)
	assert.False(t, v.IsSizeLimit)
	assert.Equal(t, "HTTP/1.1 403 Forbidden", v.Message)
	require.Len(t, v.RawHeaders, 1)
	assert.Contains(t, v.RawHeaders[0], "Eicar-Test-Signature")
}

func TestScanSizeLimitExceeded(t *testing.T) {
	s := newStub(t, func(s *stub, conn net.Conn) {
		s.readPreview(conn)
		_, _ = io.WriteString(conn, "ICAP/1.0 403 Forbidden\r\n"+
			"X-Infection-Found: Type=2; Resolution=0; Threat=Heuristics.Limits.Exceeded.MaxFileSize;\r\n"+
			"\r\n")
	})

	sp := spool.New(t.TempDir(), 1<<20, 10<<20)
	defer sp.Clear()
	fill(t, sp, bytes.Repeat([]byte{0x02}, 4096))

	v, err := icap.New(s.conf).Scan(context.Background(), sp, nil)
	require.NoError(t, err)
	assert.Equal(t, icap.VerdictBlocked, v.Kind)
	assert.True(t, v.IsSizeLimit)
}

func TestScanProtocolError(t *testing.T) {
	s := newStub(t, func(s *stub, conn net.Conn) {
		s.readPreview(conn)
		_, _ = io.WriteString(conn, "garbage first line\r\n")
	})

	sp := spool.New(t.TempDir(), 1<<20, 10<<20)
	defer sp.Clear()
	fill(t, sp, bytes.Repeat([]byte{0x03}, 64))

	v, err := icap.New(s.conf).Scan(context.Background(), sp, nil)
	require.NoError(t, err)
	assert.Equal(t, icap.VerdictProtocolError, v.Kind)
}

func TestScanDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close()) // nothing listening anymore

	sp := spool.New(t.TempDir(), 1<<20, 10<<20)
	defer sp.Clear()
	fill(t, sp, []byte("data"))

	c := icap.New(&conf.Icap{
		Host:          "127.0.0.1",
		Port:          port,
		Service:       "avscan",
		PreviewSize:   1024,
		SocketTimeout: 500 * time.Millisecond,
	})
	_, err = c.Scan(context.Background(), sp, nil)
	assert.Error(t, err)
}
