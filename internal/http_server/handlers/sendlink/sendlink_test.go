package sendlink

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerLoggerScopedPerRequest(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	handler := New(log, validator.New(), nil)

	for _, reqID := range []string{"req-1", "req-2"} {
		req := httptest.NewRequest(http.MethodPost, "/magiclink/send", strings.NewReader("not json"))
		req = req.WithContext(context.WithValue(req.Context(), middleware.RequestIDKey, reqID))

		rec := httptest.NewRecorder()
		handler(rec, req)

		require.Equal(t, http.StatusBadRequest, rec.Code)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	// Attributes must not pile up across requests: each line carries
	// exactly one request_id, and it is that request's own.
	assert.Equal(t, 1, strings.Count(lines[0], "request_id="))
	assert.Contains(t, lines[0], "request_id=req-1")
	assert.Equal(t, 1, strings.Count(lines[1], "request_id="))
	assert.Contains(t, lines[1], "request_id=req-2")
}
