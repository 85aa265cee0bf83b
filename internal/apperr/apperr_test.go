package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("boom"), KindInternal},
		{"not found", NotFound("agent %q not found", "x"), KindNotFound},
		{"wrapped forbidden", fmt.Errorf("enqueue: %w", Forbidden("squad")), KindAuthorization},
		{"rate limited", RateLimited("depth"), KindRateLimited},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestCodeOf(t *testing.T) {
	depth := RateLimited("depth").WithCode(CodeChainDepthExceeded)

	assert.Equal(t, CodeChainDepthExceeded, CodeOf(fmt.Errorf("enqueue: %w", depth)))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(depth))
	assert.Equal(t, "not_found", CodeOf(NotFound("x")))
	assert.Equal(t, "internal", CodeOf(errors.New("boom")))
	assert.Empty(t, CodeOf(nil))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("x")))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(Forbidden("x")))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(RateLimited("x")))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(Unavailable("x")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(New(KindValidation, "x")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("x")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindUnavailable, cause, "publish %s", "t1")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "publish t1: connection refused", err.Error())
	assert.False(t, Permanent(err))
	assert.True(t, Permanent(NotFound("agent")))
}
