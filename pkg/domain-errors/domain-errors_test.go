package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesExistingCode(t *testing.T) {
	inner := New(CodeRateLimited, "too many requests")
	wrapped := Wrap(inner, CodeInternal, "admission check failed")

	assert.True(t, HasCode(wrapped, CodeRateLimited))
	assert.False(t, HasCode(wrapped, CodeInternal))
	assert.Equal(t, "admission check failed", wrapped.Error())
}

func TestWrapPlainError(t *testing.T) {
	inner := fmt.Errorf("dial tcp: connection refused")
	wrapped := Wrap(inner, CodeUnavailable, "store unreachable")

	assert.True(t, HasCode(wrapped, CodeUnavailable))
	assert.True(t, errors.Is(wrapped, New(CodeUnavailable, "anything")))
	assert.ErrorContains(t, errors.Unwrap(wrapped), "connection refused")
}

func TestErrorMessageFallsBackToCode(t *testing.T) {
	err := &Error{Code: CodeBanned}
	assert.Equal(t, "banned", err.Error())
}

func TestHasCodeNonDomainError(t *testing.T) {
	assert.False(t, HasCode(errors.New("plain"), CodeInternal))
}
