package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageFormat(t *testing.T) {
	err := ValidationError("bad channel name")
	assert.Equal(t, "validation: bad channel name", err.Error())

	wrapped := InternalError("query failed", errors.New("connection refused"))
	assert.Equal(t, "internal: query failed: connection refused", wrapped.Error())
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err    *Error
		status int
	}{
		{ValidationError("x"), http.StatusBadRequest},
		{ForbiddenError("x"), http.StatusForbidden},
		{NotFoundError("x"), http.StatusNotFound},
		{RateLimitedError("x"), http.StatusTooManyRequests},
		{InternalError("x", nil), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, tt.err.HTTPStatus())
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("row not found")
	err := InternalError("lookup failed", cause)
	assert.True(t, errors.Is(err, cause))
}

func TestWithField(t *testing.T) {
	err := ValidationError("invalid uuid").WithField("connection_id", "abc")
	assert.Equal(t, "abc", err.Context["connection_id"])
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	structured := NotFoundError("gone")
	assert.Same(t, structured, AsStructuredError(structured))

	wrapped := AsStructuredError(fmt.Errorf("wrapped: %w", structured))
	assert.Same(t, structured, wrapped)

	plain := AsStructuredError(errors.New("boom"))
	require.NotNil(t, plain)
	assert.Equal(t, TypeInternal, plain.Type)
}
