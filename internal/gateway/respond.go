package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/yourorg/stockfolio/internal/domain"
)

const _maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrInsufficientQuantity):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Unexpected errors are logged and
// hidden from the client.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, _maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
