package utils

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, "Op: msg: boom", E(CodeInternal, "Op", "msg", base).Error())
	assert.Equal(t, "Op: msg", E(CodeInternal, "Op", "msg", nil).Error())
	assert.Equal(t, "Op: boom", E(CodeInternal, "Op", "", base).Error())
	assert.Equal(t, "msg", E(CodeInternal, "", "msg", nil).Error())
}

func TestCodeOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", E(CodeRateLimited, "Op", "slow down", nil))

	assert.Equal(t, CodeRateLimited, CodeOf(err))
	assert.True(t, IsCode(err, CodeRateLimited))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestSafeMessage(t *testing.T) {
	assert.Equal(t, "bad chunk", SafeMessage(E(CodeInvalidArgument, "Op", "bad chunk", errors.New("detail"))))
	assert.Equal(t, "internal error", SafeMessage(errors.New("secret detail")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidArgument: http.StatusBadRequest,
		CodeUnauthorized:    http.StatusUnauthorized,
		CodeForbidden:       http.StatusForbidden,
		CodeNotFound:        http.StatusNotFound,
		CodeConflict:        http.StatusConflict,
		CodeRateLimited:     http.StatusTooManyRequests,
		CodeUnavailable:     http.StatusServiceUnavailable,
		CodeTimeout:         http.StatusGatewayTimeout,
		CodeInternal:        http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(E(code, "Op", "m", nil)), string(code))
	}
	assert.Equal(t, http.StatusNotFound, HTTPStatus(ErrNotFound))
}
