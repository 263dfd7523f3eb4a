package mod

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"net/http/pprof"

	"github.com/omalloc/scangate/conf"
)

var uname, passw [32]byte

func HandlePProf(c *conf.ServerPProf, r *http.ServeMux) {
	if c == nil || c.Username == "" {
		return
	}
	uname = sha256.Sum256([]byte(c.Username))
	passw = sha256.Sum256([]byte(c.Password))

	r.HandleFunc("/debug/pprof/", basicAuth(pprof.Index))
	r.HandleFunc("/debug/pprof/cmdline", basicAuth(pprof.Cmdline))
	r.HandleFunc("/debug/pprof/profile", basicAuth(pprof.Profile))
	r.HandleFunc("/debug/pprof/symbol", basicAuth(pprof.Symbol))
	r.HandleFunc("/debug/pprof/trace", basicAuth(pprof.Trace))
}

// basicAuth guards the profiling endpoints with constant-time
// credential comparison.
func basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok {
			usernameHash := sha256.Sum256([]byte(username))
			passwordHash := sha256.Sum256([]byte(password))

			usernameMatch := subtle.ConstantTimeCompare(usernameHash[:], uname[:]) == 1
			passwordMatch := subtle.ConstantTimeCompare(passwordHash[:], passw[:]) == 1

			if usernameMatch && passwordMatch {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="restricted", charset="UTF-8"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
}
