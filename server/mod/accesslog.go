package mod

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/omalloc/scangate/conf"
	"github.com/omalloc/scangate/contrib/log"
	"github.com/omalloc/scangate/metrics"
	xhttp "github.com/omalloc/scangate/pkg/x/http"
)

type accessEntry struct {
	Time       string `json:"ts"`
	RequestID  string `json:"request_id"`
	RemoteAddr string `json:"remote_addr"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Status     int    `json:"status"`
	BytesSent  uint64 `json:"bytes_sent"`
	DurationMs int64  `json:"duration_ms"`
}

func HandleAccessLog(opt *conf.ServerAccessLog, next http.Handler) http.Handler {
	if opt == nil || !opt.Enabled {
		log.Infof("access-log is turned off")
		return next
	}

	writer := func(buf []byte) {
		log.Infof("%s", buf)
	}
	if opt.Path != "" {
		logWriter := newAccessLog(opt.Path)
		writer = func(buf []byte) {
			logWriter.Info(string(buf))
		}
	} else {
		log.Warnf("access-log `path` is empty, will be written to stdout")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := xhttp.NewResponseRecorder(w)

		defer func() {
			entry := accessEntry{
				Time:       start.Format(time.RFC3339),
				RequestID:  metrics.MustParseRequestID(req.Header),
				RemoteAddr: req.RemoteAddr,
				Method:     req.Method,
				Path:       req.URL.RequestURI(),
				Status:     recorder.Status(),
				BytesSent:  recorder.Size(),
				DurationMs: time.Since(start).Milliseconds(),
			}
			if buf, err := json.Marshal(entry); err == nil {
				writer(buf)
			}
		}()

		next.ServeHTTP(recorder, req)
	})
}

func newAccessLog(path string) *zap.Logger {
	// initialize log file path
	_ = os.MkdirAll(filepath.Dir(path), 0o755)

	f := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     1,
		LocalTime:  true,
		Compress:   false,
	}

	cfg := zap.NewProductionConfig().EncoderConfig
	cfg.ConsoleSeparator = " "
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {}
	cfg.EncodeLevel = func(_ zapcore.Level, _ zapcore.PrimitiveArrayEncoder) {}

	logWriter := zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.AddSync(f),
		zapcore.InfoLevel,
	))

	return logWriter
}
