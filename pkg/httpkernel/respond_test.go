package httpkernel

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/kernel/pkg/kerrors"
)

// The response envelope's own behavior is exercised in pkg/httpresp,
// which this package re-exports from (see respond.go). These tests only
// confirm the re-export actually delegates.
func TestRespondDelegatesToHttpresp(t *testing.T) {
	rec := httptest.NewRecorder()
	Respond(rec, http.StatusCreated, map[string]string{"id": "1"})

	require.Equal(t, http.StatusCreated, rec.Code)
	require.JSONEq(t, `{"id":"1"}`, rec.Body.String())
}

func TestRespondErrorDelegatesToHttpresp(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	RespondError(rec, req, kerrors.Conflictf("slug %q taken", "acme"))

	require.Equal(t, http.StatusConflict, rec.Code)
	require.JSONEq(t, `{"error":"Conflict","message":"slug \"acme\" taken"}`, rec.Body.String())
}
