package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWrapping(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := Wrap(CodeTransport, "backend unreachable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "TRANSPORT_ERROR")
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, err.Recoverable)
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CodeNotFound, CodeOf(New(CodeNotFound, "no such template")))
	assert.Equal(t, CodeNotFound, CodeOf(fmt.Errorf("outer: %w", New(CodeNotFound, "inner"))))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code string
		want int
	}{
		{CodeBadRequest, http.StatusBadRequest},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeForbidden, http.StatusForbidden},
		{CodeAuthOriginMismatch, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeMiddlewareTimeout, http.StatusGatewayTimeout},
		{CodeTransport, http.StatusBadGateway},
		{CodeState, http.StatusConflict},
		{CodeInternal, http.StatusInternalServerError},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.code), tt.code)
	}
}

func TestToEnvelopeRedactsInternal(t *testing.T) {
	t.Parallel()

	env := ToEnvelope(Wrap(CodeInternal, "nil pointer in selector", errors.New("boom")))
	require.False(t, env.Success)
	assert.Equal(t, "internal error", env.Error.Message)
	assert.Equal(t, CodeInternal, env.Error.Code)
	assert.Nil(t, env.Error.Meta)

	env = ToEnvelope(errors.New("not a gateway error"))
	assert.Equal(t, CodeInternal, env.Error.Code)
	assert.Equal(t, "internal error", env.Error.Message)
}

func TestToEnvelopeKeepsClientErrors(t *testing.T) {
	t.Parallel()

	err := New(CodeBadRequest, "template name is required").
		WithMeta(map[string]any{"field": "name"})
	env := ToEnvelope(err)
	assert.Equal(t, "template name is required", env.Error.Message)
	assert.Equal(t, map[string]any{"field": "name"}, env.Error.Meta)
}
