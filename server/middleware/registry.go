package middleware

import (
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/omalloc/scangate/conf"
	"github.com/omalloc/scangate/contrib/log"
)

var globalRegistry = NewRegistry()
var _failedMiddlewareCreate = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sg",
	Subsystem: "server",
	Name:      "failed_middleware_create",
	Help:      "The total number of failed middleware create",
}, []string{"name", "required"})

func init() {
	prometheus.MustRegister(_failedMiddlewareCreate)
}

// ErrNotFound is middleware not found.
var ErrNotFound = errors.New("Middleware has not been registered")

type Registry interface {
	Register(name string, factory Factory)
	Create(c *conf.Middleware) (Middleware, func(), error)
}

type middlewareRegistry struct {
	middleware map[string]Factory
}

// NewRegistry returns a new middleware registry.
func NewRegistry() Registry {
	return &middlewareRegistry{
		middleware: map[string]Factory{},
	}
}

// Register registers one middleware.
func (p *middlewareRegistry) Register(name string, factory Factory) {
	p.middleware[createFullName(name)] = factory
}

func (r *middlewareRegistry) Create(cfg *conf.Middleware) (Middleware, func(), error) {
	fullname := createFullName(cfg.Name)
	method, ok := r.middleware[fullname]
	if !ok {
		return nil, nil, ErrNotFound
	}

	instance, cleanup, err := method(cfg)
	if err != nil {
		_failedMiddlewareCreate.WithLabelValues(cfg.Name, boolLabel(cfg.Required)).Inc()
		if cfg.Required {
			log.Errorf("failed to create required middleware %s: %v", cfg.Name, err)
			return nil, nil, err
		}
		log.Warnf("skip optional middleware %s: %v", cfg.Name, err)
		return EmptyMiddleware, EmptyCleanup, nil
	}

	log.Debugf("middleware created at %s", fullname)
	return instance, cleanup, nil
}

// Register registers one middleware.
func Register(name string, factory Factory) {
	globalRegistry.Register(name, factory)
}

// Create instantiates a middleware based on `cfg`.
func Create(c *conf.Middleware) (Middleware, func(), error) {
	return globalRegistry.Create(c)
}

func createFullName(name string) string {
	return strings.ToLower("scangate.middleware." + name)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
