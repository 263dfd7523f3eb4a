package middleware

import (
	"net/http"

	"github.com/omalloc/scangate/conf"
)

// Factory is a middleware factory.
type Factory func(*conf.Middleware) (middleware Middleware, cleanup func(), err error)

// Middleware is handler middleware.
type Middleware func(http.Handler) http.Handler

// Chain returns a Middleware that specifies the chained handler for endpoint.
func Chain(m ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		for i := len(m) - 1; i >= 0; i-- {
			next = m[i](next)
		}
		return next
	}
}

var EmptyMiddleware = func(next http.Handler) http.Handler { return next }
var EmptyCleanup = func() {}
