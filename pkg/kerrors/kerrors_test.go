package kerrors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		Unauthenticated:     http.StatusUnauthorized,
		Forbidden:           http.StatusForbidden,
		NotFound:            http.StatusNotFound,
		Conflict:            http.StatusConflict,
		RateLimited:         http.StatusTooManyRequests,
		StreamLimitExceeded: http.StatusTooManyRequests,
		Validation:          http.StatusBadRequest,
		Timeout:             http.StatusGatewayTimeout,
		Unavailable:         http.StatusServiceUnavailable,
		Internal:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), "kind %s", kind)
	}
}

func TestWrapPreservesCauseForUnwrapOnly(t *testing.T) {
	cause := errors.New("db exploded")
	err := Wrap(Internal, "saving entity", cause)

	assert.Equal(t, "Internal: saving entity: db exploded", err.Error())
	assert.ErrorIs(t, err, cause)

	var extracted *Error
	require.ErrorAs(t, err, &extracted)
	assert.Equal(t, Internal, extracted.Kind)
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("plain error")))
	assert.Equal(t, NotFound, KindOf(NotFoundf("workspace %s", "w1")))
}
