// Package env maps the deployment environment variables onto config
// tree keys. Only variables that are actually set produce key values,
// so unset variables keep the compiled-in defaults.
package env

import (
	"os"
	"strings"

	"github.com/omalloc/scangate/contrib/config"
)

var _ config.Source = (*env)(nil)

type binding struct {
	name string
	keys []string
	// millis marks integer values expressed in milliseconds
	millis bool
}

var bindings = []binding{
	{name: "ICAP_SERVER_HOST", keys: []string{"icap.host"}},
	{name: "ICAP_SERVER_PORT", keys: []string{"icap.port"}},
	{name: "ICAP_SERVICE_NAME", keys: []string{"icap.service"}},
	{name: "ICAP_PREVIEW_SIZE", keys: []string{"icap.preview_size"}},
	{name: "UPLOAD_CHUNK_SIZE", keys: []string{"upload.chunk_size"}},
	{name: "UPLOAD_TIMEOUT", keys: []string{"upload.timeout"}, millis: true},
	{name: "SOCKET_TIMEOUT", keys: []string{"icap.socket_timeout", "backend.socket_timeout"}, millis: true},
	{name: "BACKEND_PROTOCOL", keys: []string{"backend.protocol"}},
	{name: "BACKEND_HOST", keys: []string{"backend.host"}},
	{name: "BACKEND_PORT", keys: []string{"backend.port"}},
	{name: "LOG_ICAP_TRAFFIC", keys: []string{"icap.log_traffic"}},
	{name: "CHECK_MIME_TYPE", keys: []string{"upload.check_mime_type"}},
	{name: "ALLOWED_EXTENSIONS", keys: []string{"upload.allowed_extensions"}},
	{name: "LIMITS_EXCEEDED_BEHAVIOUR", keys: []string{"icap.limits_exceeded_behaviour"}},
	{name: "UPLOAD_MEMORY_THRESHOLD", keys: []string{"upload.memory_threshold"}},
	{name: "UPLOAD_MAX_FILE_SIZE", keys: []string{"upload.max_file_size"}},
	{name: "UPLOAD_TEMP_DIR", keys: []string{"upload.temp_dir"}},
	{name: "LISTEN_ADDR", keys: []string{"server.addr"}},
	{name: "LOG_LEVEL", keys: []string{"logger.level"}},
}

type env struct{}

func NewSource() config.Source {
	return &env{}
}

// Load implements config.Source.
func (e *env) Load() ([]*config.KeyValue, error) {
	kvs := make([]*config.KeyValue, 0, len(bindings))
	for _, b := range bindings {
		raw, ok := os.LookupEnv(b.name)
		if !ok {
			continue
		}
		value := raw
		if b.millis && isDigits(raw) {
			value = raw + "ms"
		}
		for _, key := range b.keys {
			kvs = append(kvs, &config.KeyValue{Key: key, Value: []byte(value)})
		}
	}
	return kvs, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) < 0
}
