package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/cloudflare/tableflip"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omalloc/scangate/conf"
	"github.com/omalloc/scangate/contrib/log"
	"github.com/omalloc/scangate/contrib/transport"
	"github.com/omalloc/scangate/pkg/x/runtime"
	"github.com/omalloc/scangate/server/middleware"
	_ "github.com/omalloc/scangate/server/middleware/recovery"
	"github.com/omalloc/scangate/server/mod"
)

var localMatcher = map[string]struct{}{
	"localhost": {},
	"127.1":     {},
	"127.0.0.1": {},
}

type HTTPServer struct {
	*http.Server

	flip         *tableflip.Upgrader
	config       *conf.Bootstrap
	serverConfig *conf.Server
	listener     net.Listener
	cleanups     []func()
}

// NewServer wires the upload pipeline behind the middleware chain and
// mounts the operational endpoints on a host-gated local mux.
func NewServer(flip *tableflip.Upgrader, config *conf.Bootstrap, endpoint http.Handler) transport.Server {
	servConfig := config.Server

	s := &HTTPServer{
		Server: &http.Server{
			Addr:              servConfig.Addr,
			IdleTimeout:       servConfig.IdleTimeout,
			ReadHeaderTimeout: servConfig.ReadHeaderTimeout,
			MaxHeaderBytes:    servConfig.MaxHeaderBytes,
		},
		flip:         flip,
		config:       config,
		serverConfig: servConfig,
		cleanups:     make([]func(), 0),
	}

	for _, host := range servConfig.LocalApiAllowHosts {
		localMatcher[host] = struct{}{}
	}

	// operational routes: probes, metrics, version, pprof
	mux := s.newServeMux()

	// business route: the upload pipeline
	next := s.buildEndpoint(endpoint)

	fmtAddr := func(addr string) string {
		if i := strings.IndexByte(addr, ':'); i >= 0 {
			return addr[:i]
		}
		return addr
	}

	s.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := fmtAddr(r.Host)
		if _, ok := localMatcher[host]; ok {
			mux.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r)
	})

	return s
}

func (s *HTTPServer) Start(ctx context.Context) error {
	s.BaseContext = func(ln net.Listener) context.Context {
		return ctx
	}

	if err := s.listen(); err != nil {
		return err
	}

	if s.flip != nil {
		if err := s.flip.Ready(); err != nil {
			return err
		}
	}

	log.Infof("upload gate listening on %s", s.serverConfig.Addr)

	if err := s.Serve(s.listener); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	var errs []error

	if err := s.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	// Call all middleware cleanup.
	for _, cleanup := range s.cleanups {
		cleanup()
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (s *HTTPServer) listen() error {
	network := "tcp"
	addr := s.serverConfig.Addr
	if strings.HasSuffix(addr, ".sock") {
		network = "unix"
	}

	if s.flip != nil {
		ln, err := s.flip.Listen(network, addr)
		if err != nil {
			return err
		}
		s.listener = ln
		return nil
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

func (s *HTTPServer) buildEndpoint(endpoint http.Handler) http.Handler {
	configured := make(map[string]struct{}, len(s.serverConfig.Middleware))
	for _, mc := range s.serverConfig.Middleware {
		configured[mc.Name] = struct{}{}
	}

	ms := make([]middleware.Middleware, 0, len(s.serverConfig.Middleware)+1)

	// recovery always wraps outermost unless explicitly configured
	if _, ok := configured["recovery"]; !ok {
		if m, cleanup, err := middleware.Create(&conf.Middleware{Name: "recovery"}); err == nil {
			ms = append(ms, m)
			s.cleanups = append(s.cleanups, cleanup)
		}
	}

	for _, mc := range s.serverConfig.Middleware {
		m, cleanup, err := middleware.Create(mc)
		if err != nil {
			log.Errorf("create middleware %s failed: %v", mc.Name, err)
			continue
		}
		ms = append(ms, m)
		if cleanup != nil {
			s.cleanups = append(s.cleanups, cleanup)
		}
	}

	return mod.HandleAccessLog(s.serverConfig.AccessLog, middleware.Chain(ms...)(endpoint))
}

func (s *HTTPServer) newServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	// profiles handler
	mod.HandlePProf(s.serverConfig.PProf, mux)
	// internal handlers
	mux.Handle("/favicon.ico", http.NotFoundHandler())
	// version info
	mux.Handle("/version", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := json.Marshal(runtime.BuildInfo)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	// metrics
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.Handle("/healthz/startup-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := []byte("ok")

		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(payload)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	mux.Handle("/healthz/liveness-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.Handle("/healthz/readiness-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	return mux
}
