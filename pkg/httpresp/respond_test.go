package httpresp

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/kernel/pkg/kerrors"
)

func TestRespondWritesJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	Respond(rec, http.StatusCreated, map[string]string{"id": "1"})

	require.Equal(t, http.StatusCreated, rec.Code)
	require.JSONEq(t, `{"id":"1"}`, rec.Body.String())
}

func TestRespondErrorTranslatesKerrorsKind(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	RespondError(rec, req, kerrors.Conflictf("slug %q taken", "acme"))

	require.Equal(t, http.StatusConflict, rec.Code)
	require.JSONEq(t, `{"error":"Conflict","message":"slug \"acme\" taken"}`, rec.Body.String())
}

func TestRespondErrorDefaultsUnclassifiedToInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	RespondError(rec, req, errors.New("boom"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"Internal","message":"internal error"}`, rec.Body.String())
}

func TestRespondErrorIncludesRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req = req.WithContext(NewRequestIDContext(req.Context(), "req-123"))

	RespondError(rec, req, kerrors.New(kerrors.NotFound, "nope"))

	require.JSONEq(t, `{"error":"NotFound","message":"nope","request_id":"req-123"}`, rec.Body.String())
}

func TestDecodeJSONRejectsMalformedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("{not json"))
	var dst struct{}
	err := DecodeJSON(req, &dst)
	require.Error(t, err)
	require.Equal(t, kerrors.Validation, kerrors.KindOf(err))
}
