package middleware

import (
	"context"
	"net/http"
)

const clientIPKey contextKey = "clientIP"

// ClientIP stores the request's remote address in the context so code below
// the handler layer (e.g. audit logging) can attribute actions to a client.
// Mount after RealIP so proxied requests carry the original address.
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIPFrom returns the remote address stored by ClientIP, or "".
func ClientIPFrom(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}
