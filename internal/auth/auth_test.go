package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
	svc := NewJWTService("secret", time.Hour)
	id := uuid.New()

	token, err := svc.Sign(id, "alice")
	require.NoError(t, err)

	claims, err := svc.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, id, claims.UserID)
	assert.Equal(t, "alice", claims.Username)

	_, err = NewJWTService("other", time.Hour).Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseExpired(t *testing.T) {
	svc := NewJWTService("secret", time.Minute)
	svc.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := svc.Sign(uuid.New(), "alice")
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)
	assert.NoError(t, CheckPassword(hash, "hunter2"))
	assert.ErrorIs(t, CheckPassword(hash, "hunter3"), ErrBadCredentials)
}

func TestMiddleware(t *testing.T) {
	svc := NewJWTService("secret", time.Hour)
	id := uuid.New()
	token, err := svc.Sign(id, "alice")
	require.NoError(t, err)

	var gotID uuid.UUID
	var gotName string
	h := Middleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = UserIDFromCtx(r.Context())
		gotName = UsernameFromCtx(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
	assert.Equal(t, id, gotID)
	assert.Equal(t, "alice", gotName)
}
