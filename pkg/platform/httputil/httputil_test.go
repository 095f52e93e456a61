package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "trainshare/pkg/domain-errors"
)

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestWriteError(t *testing.T) {
	t.Run("maps codes to statuses", func(t *testing.T) {
		cases := []struct {
			code   dErrors.Code
			status int
		}{
			{dErrors.CodeInvalidInput, http.StatusBadRequest},
			{dErrors.CodeUnauthorized, http.StatusUnauthorized},
			{dErrors.CodeForbidden, http.StatusForbidden},
			{dErrors.CodeNotFound, http.StatusNotFound},
			{dErrors.CodeConflict, http.StatusConflict},
			{dErrors.CodeTimeout, http.StatusGatewayTimeout},
		}
		for _, tc := range cases {
			rr := httptest.NewRecorder()
			WriteError(rr, dErrors.New(tc.code, "boom"))
			assert.Equal(t, tc.status, rr.Code, "code %s", tc.code)

			body := decode(t, rr)
			assert.Equal(t, string(tc.code), body["error"])
			assert.Equal(t, "boom", body["error_description"])
		}
	})

	t.Run("internal errors omit the description", func(t *testing.T) {
		rr := httptest.NewRecorder()
		WriteError(rr, dErrors.Wrap(errors.New("pq: connection refused"), dErrors.CodeInternal, "store failure"))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		body := decode(t, rr)
		assert.Equal(t, "internal", body["error"])
		assert.NotContains(t, body, "error_description")
	})

	t.Run("uncoded errors become internal", func(t *testing.T) {
		rr := httptest.NewRecorder()
		WriteError(rr, errors.New("plain failure"))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		body := decode(t, rr)
		assert.Equal(t, "internal", body["error"])
	})
}

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusCreated, map[string]string{"status": "ok"})

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	body := decode(t, rr)
	assert.Equal(t, "ok", body["status"])
}
