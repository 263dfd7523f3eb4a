package http

import "net/http"

type ResponseRecorder struct {
	http.ResponseWriter

	status int
	size   uint64
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w}
}

func (r *ResponseRecorder) Write(b []byte) (n int, err error) {
	if r.status == 0 {
		// The status will be StatusOK if WriteHeader has not been called yet
		r.status = http.StatusOK
	}

	n, err = r.ResponseWriter.Write(b)
	if err == nil {
		r.size += uint64(n)
	}
	return n, err
}

func (r *ResponseRecorder) WriteHeader(s int) {
	r.ResponseWriter.WriteHeader(s)
	r.status = s
}

// Written reports whether a status line has gone out to the client.
func (r *ResponseRecorder) Written() bool {
	return r.status != 0
}

func (r *ResponseRecorder) Status() int {
	return r.status
}

func (r *ResponseRecorder) Size() uint64 {
	return r.size
}
