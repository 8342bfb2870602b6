package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	contextKeyUserID   contextKey = "userID"
	contextKeyUsername contextKey = "username"
)

func Middleware(jwtSvc *JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				unauthorized(w)
				return
			}
			claims, err := jwtSvc.Parse(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), claims.UserID, claims.Username)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}`))
}

func WithUser(ctx context.Context, userID uuid.UUID, username string) context.Context {
	ctx = context.WithValue(ctx, contextKeyUserID, userID)
	return context.WithValue(ctx, contextKeyUsername, username)
}

func UserIDFromCtx(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(contextKeyUserID).(uuid.UUID)
	return v
}

func UsernameFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(contextKeyUsername).(string)
	return v
}
