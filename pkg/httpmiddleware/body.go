package httpmiddleware

import "net/http"

// MaxBodySize limits request bodies to n bytes. Reads past the limit fail
// with *http.MaxBytesError.
func MaxBodySize(n int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
