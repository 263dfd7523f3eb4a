package recovery

import (
	"net/http"

	"github.com/omalloc/scangate/conf"
	"github.com/omalloc/scangate/contrib/log"
	"github.com/omalloc/scangate/internal/constants"
	"github.com/omalloc/scangate/metrics"
	sgerrors "github.com/omalloc/scangate/pkg/errors"
	"github.com/omalloc/scangate/pkg/x/runtime"
	"github.com/omalloc/scangate/server/middleware"
)

func init() {
	middleware.Register("recovery", Middleware)
}

type middlewareOption struct{}

func Middleware(c *conf.Middleware) (middleware.Middleware, func(), error) {
	var opts middlewareOption
	if err := c.Unmarshal(&opts); err != nil {
		return nil, nil, err
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			defer func() {
				if r := recover(); r != nil {
					log.Context(req.Context()).Errorf("middleware recovery: %s \n%s", r, runtime.PrintStackTrace(4))

					e := sgerrors.New(sgerrors.KindInternal, "internal error")
					w.Header().Set("Content-Type", "text/plain")
					w.Header().Set(constants.ProtocolRequestIDKey, metrics.MustParseRequestID(req.Header))
					w.Header().Set(constants.ProtocolErrorTypeKey, string(e.Kind))
					w.WriteHeader(e.Code)
					_, _ = w.Write([]byte(e.Message + "\n"))
				}
			}()

			next.ServeHTTP(w, req)
		})
	}, middleware.EmptyCleanup, nil
}
