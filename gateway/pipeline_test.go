package gateway_test

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omalloc/scangate/conf"
	"github.com/omalloc/scangate/forward"
	"github.com/omalloc/scangate/gateway"
	"github.com/omalloc/scangate/icap"
)

// icapStub is a minimal REQMOD server driven by a mode switch.
type icapStub struct {
	ln net.Listener

	mode atomic.Value // string: "clean", "continue", "blocked", "sizelimit", "hangup"

	hits    atomic.Int64
	preview []byte
	body    []byte
}

func newIcapStub(t *testing.T) *icapStub {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	s := &icapStub{ln: ln}
	s.mode.Store("clean")

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handle(conn)
		}
	}()
	return s
}

func (s *icapStub) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *icapStub) handle(conn net.Conn) {
	defer conn.Close()
	s.hits.Add(1)

	if s.mode.Load() == "hangup" {
		return
	}

	s.preview = readUntil(conn, []byte("\r\n0\r\n\r\n"))

	switch s.mode.Load() {
	case "continue":
		_, _ = io.WriteString(conn, "ICAP/1.0 100 Continue\r\n\r\n")
		s.body = readUntil(conn, []byte("0; ieof\r\n\r\n"))
		_, _ = io.WriteString(conn, "ICAP/1.0 204 No Content\r\n\r\n")
	case "blocked":
		_, _ = io.WriteString(conn, "ICAP/1.0 403 Forbidden\r\n"+
			"X-Infection-Found: Type=0; Resolution=2; Threat=Eicar-Test-Signature;\r\n"+
			"\r\n"+
			"HTTP/1.1 403 Forbidden\r\n")
	case "sizelimit":
		_, _ = io.WriteString(conn, "ICAP/1.0 403 Forbidden\r\n"+
			"X-Infection-Found: Type=2; Resolution=0; Threat=Heuristics.Limits.Exceeded.MaxFileSize;\r\n"+
			"\r\n")
	default:
		_, _ = io.WriteString(conn, "ICAP/1.0 204 No Content\r\n\r\n")
	}
}

func readUntil(conn net.Conn, suffix []byte) []byte {
	var buf bytes.Buffer
	tmp := make([]byte, 64<<10)
	for !bytes.HasSuffix(buf.Bytes(), suffix) {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil {
			break
		}
	}
	return buf.Bytes()
}

type fixture struct {
	cfg     *conf.Bootstrap
	icap    *icapStub
	backend *httptest.Server
	hits    atomic.Int64
	pipe    *gateway.Pipeline
	tempDir string
}

func newFixture(t *testing.T, backendHandler http.HandlerFunc, mutate func(*conf.Bootstrap)) *fixture {
	t.Helper()

	f := &fixture{
		icap:    newIcapStub(t),
		tempDir: t.TempDir(),
	}

	f.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		backendHandler(w, r)
	}))
	t.Cleanup(f.backend.Close)

	u, err := url.Parse(f.backend.URL)
	require.NoError(t, err)
	backendPort, _ := strconv.Atoi(u.Port())

	cfg := conf.Default()
	cfg.Icap.Host = "127.0.0.1"
	cfg.Icap.Port = f.icap.port()
	cfg.Icap.SocketTimeout = 2 * time.Second
	cfg.Icap.ScanTimeout = 5 * time.Second
	cfg.Backend.Host = u.Hostname()
	cfg.Backend.Port = backendPort
	cfg.Backend.ForwardTimeout = 5 * time.Second
	cfg.Upload.TempDir = f.tempDir
	cfg.Upload.Timeout = 2 * time.Second
	cfg.Upload.GlobalTimeout = 30 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	f.cfg = cfg
	f.pipe = gateway.New(cfg, icap.New(cfg.Icap), forward.New(cfg.Backend))
	return f
}

func (f *fixture) do(t *testing.T, filename, contentType string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	hdr.Set("Content-Type", contentType)
	pw, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = pw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/files/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := httptest.NewRecorder()
	f.pipe.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) assertNoTempFiles(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func pngPayload(n int) []byte {
	payload := make([]byte, n)
	copy(payload, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 13, 'I', 'H', 'D', 'R'})
	for i := 16; i < n; i++ {
		payload[i] = byte(i*7 + 3)
	}
	return payload
}

func TestCleanUploadMemoryOnly(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}, nil)

	rec := f.do(t, "pixel.png", "image/png", pngPayload(2048))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, int64(1), f.hits.Load())
	f.assertNoTempFiles(t)
}

func TestCleanUploadModeSwitch(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}, func(cfg *conf.Bootstrap) {
		cfg.Upload.MemoryThreshold = 64 << 10
	})
	f.icap.mode.Store("continue")

	payload := bytes.Repeat([]byte{0xAB}, 256<<10)
	rec := f.do(t, "blob.bin", "application/octet-stream", payload)

	assert.Equal(t, http.StatusOK, rec.Code)

	// the scanner saw the preview plus exactly total-preview body bytes
	remaining := len(payload) - 1024
	body := f.icap.body
	sizeLine, rest, ok := bytes.Cut(body, []byte("\r\n"))
	require.True(t, ok)
	size, err := strconv.ParseInt(string(sizeLine), 16, 64)
	require.NoError(t, err)
	assert.Equal(t, int64(remaining), size)
	require.GreaterOrEqual(t, len(rest), remaining)
	assert.True(t, bytes.Equal(payload[1024:], rest[:remaining]))
	assert.True(t, bytes.HasSuffix(body, []byte("\r\n0; ieof\r\n\r\n")))

	// temp spill file existed during the request and is gone now
	f.assertNoTempFiles(t)
}

func TestBlockedUpload(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, nil)
	f.icap.mode.Store("blocked")

	rec := f.do(t, "eicar.txt", "text/plain", []byte("X5O!P%@AP[4\\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "ICAP_SCAN_ERROR", rec.Header().Get("X-Error-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))

	// backend never contacted
	assert.Equal(t, int64(0), f.hits.Load())
	f.assertNoTempFiles(t)
}

func TestSizeLimitExceededAllow(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("stored"))
	}, func(cfg *conf.Bootstrap) {
		cfg.Icap.LimitsExceeded = "allow"
	})
	f.icap.mode.Store("sizelimit")

	rec := f.do(t, "big.bin", "application/octet-stream", bytes.Repeat([]byte{0x11}, 4096))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stored", rec.Body.String())
	assert.Equal(t, int64(1), f.hits.Load())
}

func TestSizeLimitExceededBlock(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, nil)
	f.icap.mode.Store("sizelimit")

	rec := f.do(t, "big.bin", "application/octet-stream", bytes.Repeat([]byte{0x11}, 4096))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "ICAP_SCAN_ERROR", rec.Header().Get("X-Error-Type"))
	assert.Equal(t, int64(0), f.hits.Load())
}

func TestExtensionDenied(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, func(cfg *conf.Bootstrap) {
		cfg.Upload.AllowedExtensions = ".pdf,.docx"
	})

	rec := f.do(t, "evil.exe", "application/octet-stream", bytes.Repeat([]byte{0x4D}, 128))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "EXTENSION_ERROR", rec.Header().Get("X-Error-Type"))

	// neither external service contacted
	assert.Equal(t, int64(0), f.icap.hits.Load())
	assert.Equal(t, int64(0), f.hits.Load())
	f.assertNoTempFiles(t)
}

func TestMimeMismatch(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, nil)

	// declared PDF, actually a PNG
	rec := f.do(t, "fake.pdf", "application/pdf", pngPayload(2048))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MIME_ERROR", rec.Header().Get("X-Error-Type"))
	assert.Equal(t, int64(0), f.icap.hits.Load())
}

func TestFileTooLarge(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, func(cfg *conf.Bootstrap) {
		cfg.Upload.MaxFileSize = 1024
	})

	rec := f.do(t, "big.bin", "application/octet-stream", bytes.Repeat([]byte{0x22}, 8192))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "MEMORY_ERROR", rec.Header().Get("X-Error-Type"))
	f.assertNoTempFiles(t)
}

func TestIcapCircuitBreaker(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, func(cfg *conf.Bootstrap) {
		cfg.Icap.SocketTimeout = 500 * time.Millisecond
		cfg.Icap.BreakerFailures = 5
		cfg.Icap.BreakerRecovery = 300 * time.Millisecond
	})
	f.icap.mode.Store("hangup")

	payload := bytes.Repeat([]byte{0x33}, 512)

	// five consecutive failures trip the breaker
	for i := 0; i < 5; i++ {
		rec := f.do(t, "a.bin", "application/octet-stream", payload)
		assert.Equal(t, http.StatusBadGateway, rec.Code, "request %d", i)
	}
	hitsBefore := f.icap.hits.Load()

	// while open, fail fast without a connect attempt
	start := time.Now()
	rec := f.do(t, "a.bin", "application/octet-stream", payload)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", rec.Header().Get("X-Error-Type"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, hitsBefore, f.icap.hits.Load())

	// after the recovery timeout the half-open probe goes through
	f.icap.mode.Store("clean")
	time.Sleep(400 * time.Millisecond)
	rec = f.do(t, "a.bin", "application/octet-stream", payload)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Greater(t, f.icap.hits.Load(), hitsBefore)
}

func TestNonMultipartRejected(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/files/upload", bytes.NewReader([]byte("plain")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.pipe.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UPLOAD_ERROR", rec.Header().Get("X-Error-Type"))
}
