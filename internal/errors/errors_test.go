package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_ErrorFormatting(t *testing.T) {
	err := New(TypeTransfer, "destination unreachable", "Check your network connection.")

	assert.Equal(t, "destination unreachable", err.Error())
	assert.Equal(t, TypeTransfer, err.Type)
	assert.Equal(t, "destination unreachable", err.Message)
	assert.Equal(t, "Check your network connection.", err.Hint)
}

func TestAppError_Unwrap(t *testing.T) {
	baseErr := errors.New("underlying socket error")
	appErr := Wrap(baseErr, TypeTransfer, "destination unreachable", "Check your network connection.")

	assert.Equal(t, "destination unreachable: underlying socket error", appErr.Error())

	assert.True(t, errors.Is(appErr, baseErr))

	unwrapped := errors.Unwrap(appErr)
	assert.Equal(t, baseErr, unwrapped)
}

func TestAppError_IsType(t *testing.T) {
	err := New(TypeAuth, "access denied", "Check credentials")
	assert.True(t, IsType(err, TypeAuth))
	assert.False(t, IsType(err, TypeTransfer))

	stdErr := errors.New("standard error")
	assert.False(t, IsType(stdErr, TypeAuth))

	wrapped := fmt.Errorf("wrapped: %w", err)
	assert.True(t, IsType(wrapped, TypeAuth))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(New(TypeTransfer, "timed out", "")))
	assert.True(t, IsTransient(fmt.Errorf("put: %w", New(TypeTransfer, "reset", ""))))

	assert.False(t, IsTransient(ErrIntegrityMismatch))
	assert.False(t, IsTransient(ErrWrongPassword))
	assert.False(t, IsTransient(errors.New("plain")))
}
