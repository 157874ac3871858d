// Package requestid assigns every request a correlation id for log lines
// and event payloads.
package requestid

import (
	"net/http"

	"github.com/google/uuid"

	"veritrace/pkg/requestcontext"
)

// Header carries the correlation id on requests and responses.
const Header = "X-Request-ID"

// Middleware propagates an incoming X-Request-ID or generates one, stores it
// in the context, and echoes it on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" {
			id = uuid.NewString()
		}
		ctx := requestcontext.WithRequestID(r.Context(), id)
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
