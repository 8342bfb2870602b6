package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/yourorg/stockfolio/internal/logger"
)

// requestLogger writes one access log line per request.
func requestLogger(l logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				l.Infof("%s %s status=%d bytes=%d duration=%s request_id=%s",
					r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(),
					time.Since(start), middleware.GetReqID(r.Context()))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
