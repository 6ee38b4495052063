package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/gateway-go/internal/errors"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   apperrors.ErrorCode
	}{
		{apperrors.MissingRequired("requestId"), http.StatusBadRequest, apperrors.ErrCodeInvalidRequest},
		{apperrors.Unauthorized("no"), http.StatusUnauthorized, apperrors.ErrCodeUnauthorized},
		{apperrors.NotFound("Pairing request"), http.StatusNotFound, apperrors.ErrCodeNotFound},
		{apperrors.Unavailable("bridge down"), http.StatusServiceUnavailable, apperrors.ErrCodeUnavailable},
		{apperrors.Timeout("slow node"), http.StatusGatewayTimeout, apperrors.ErrCodeTimeout},
		{apperrors.Store(errors.New("disk")), http.StatusInternalServerError, apperrors.ErrCodeStore},
		{errors.New("plain"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(string(tc.wantCode), func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tc.err)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.wantCode, body.Code)
		})
	}
}
