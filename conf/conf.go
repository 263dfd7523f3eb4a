package conf

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/omalloc/scangate/pkg/mapstruct"
)

type Bootstrap struct {
	Hostname string   `json:"hostname" yaml:"hostname"`
	PidFile  string   `json:"pidfile" yaml:"pidfile"`
	Logger   *Logger  `json:"logger" yaml:"logger"`
	Server   *Server  `json:"server" yaml:"server"`
	Upload   *Upload  `json:"upload" yaml:"upload"`
	Icap     *Icap    `json:"icap" yaml:"icap"`
	Backend  *Backend `json:"backend" yaml:"backend"`
}

type Logger struct {
	Level      string `json:"level" yaml:"level"`
	Path       string `json:"path" yaml:"path"`
	Caller     bool   `json:"caller" yaml:"caller"`
	MaxSize    int    `json:"max_size" yaml:"max_size"`
	MaxAge     int    `json:"max_age" yaml:"max_age"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress"`
	NoPid      bool   `json:"nopid" yaml:"nopid"`
}

type Server struct {
	Addr               string           `json:"addr" yaml:"addr"`
	ReadHeaderTimeout  time.Duration    `json:"read_header_timeout" yaml:"read_header_timeout"`
	IdleTimeout        time.Duration    `json:"idle_timeout" yaml:"idle_timeout"`
	MaxHeaderBytes     int              `json:"max_header_bytes" yaml:"max_header_bytes"`
	Middleware         []*Middleware    `json:"middleware" yaml:"middleware"`
	PProf              *ServerPProf     `json:"pprof" yaml:"pprof"`
	AccessLog          *ServerAccessLog `json:"access_log" yaml:"access_log"`
	LocalApiAllowHosts []string         `json:"local_api_allow_hosts" yaml:"local_api_allow_hosts"`
}

type Middleware struct {
	Name     string         `json:"name" yaml:"name"`
	Required bool           `json:"required" yaml:"required"`
	Options  map[string]any `json:"options" yaml:"options"`
}

func (m *Middleware) Unmarshal(v any) error {
	return mapstruct.Decode(m.Options, v)
}

type ServerPProf struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

type ServerAccessLog struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// Upload configures the ingest side: multipart parsing, the spill
// buffer, and the pre-scan validation gates.
type Upload struct {
	ChunkSize         int           `json:"chunk_size" yaml:"chunk_size"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	MemoryThreshold   int64         `json:"memory_threshold" yaml:"memory_threshold"`
	MaxFileSize       int64         `json:"max_file_size" yaml:"max_file_size"`
	TempDir           string        `json:"temp_dir" yaml:"temp_dir"`
	CheckMimeType     bool          `json:"check_mime_type" yaml:"check_mime_type"`
	AllowedExtensions string        `json:"allowed_extensions" yaml:"allowed_extensions"`
	GlobalTimeout     time.Duration `json:"global_timeout" yaml:"global_timeout"`
}

type Icap struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	Service         string        `json:"service" yaml:"service"`
	PreviewSize     int           `json:"preview_size" yaml:"preview_size"`
	SocketTimeout   time.Duration `json:"socket_timeout" yaml:"socket_timeout"`
	ScanTimeout     time.Duration `json:"scan_timeout" yaml:"scan_timeout"`
	LogTraffic      bool          `json:"log_traffic" yaml:"log_traffic"`
	LimitsExceeded  string        `json:"limits_exceeded_behaviour" yaml:"limits_exceeded_behaviour"`
	BreakerFailures uint32        `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerRecovery time.Duration `json:"breaker_recovery" yaml:"breaker_recovery"`
}

type Backend struct {
	Protocol        string        `json:"protocol" yaml:"protocol"`
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	SocketTimeout   time.Duration `json:"socket_timeout" yaml:"socket_timeout"`
	ForwardTimeout  time.Duration `json:"forward_timeout" yaml:"forward_timeout"`
	BreakerFailures uint32        `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerRecovery time.Duration `json:"breaker_recovery" yaml:"breaker_recovery"`
}

// AllowedList splits AllowedExtensions into lowercased entries.
// An empty list allows everything.
func (u *Upload) AllowedList() []string {
	if u.AllowedExtensions == "" {
		return nil
	}
	parts := strings.Split(u.AllowedExtensions, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, ".") {
			p = "." + p
		}
		out = append(out, p)
	}
	return out
}

// Authority returns host[:port], omitting the port when it is the
// default for the protocol.
func (b *Backend) Authority() string {
	if (b.Protocol == "http" && b.Port == 80) || (b.Protocol == "https" && b.Port == 443) {
		return b.Host
	}
	return b.Host + ":" + strconv.Itoa(b.Port)
}

// Default returns the full default tree. Sources scanned on top of it
// override field by field.
func Default() *Bootstrap {
	hostname, _ := os.Hostname()
	return &Bootstrap{
		Hostname: hostname,
		Logger: &Logger{
			Level:      "info",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
		},
		Server: &Server{
			Addr:              ":8440",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
			PProf:             &ServerPProf{},
			AccessLog:         &ServerAccessLog{},
		},
		Upload: &Upload{
			ChunkSize:       4096,
			Timeout:         5 * time.Second,
			MemoryThreshold: 100 << 20,
			MaxFileSize:     1 << 30,
			TempDir:         os.TempDir(),
			CheckMimeType:   true,
			GlobalTimeout:   60 * time.Second,
		},
		Icap: &Icap{
			Host:            "clamcap",
			Port:            1344,
			Service:         "avscan",
			PreviewSize:     1024,
			SocketTimeout:   5 * time.Second,
			ScanTimeout:     60 * time.Second,
			LimitsExceeded:  "block",
			BreakerFailures: 5,
			BreakerRecovery: 60 * time.Second,
		},
		Backend: &Backend{
			Protocol:        "http",
			Host:            "dms",
			Port:            8080,
			SocketTimeout:   5 * time.Second,
			ForwardTimeout:  60 * time.Second,
			BreakerFailures: 3,
			BreakerRecovery: 30 * time.Second,
		},
	}
}
