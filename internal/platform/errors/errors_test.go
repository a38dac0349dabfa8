package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetCode(t *testing.T) {
	err := fmt.Errorf("handle: %w", New(CodeForbidden, "not a room member"))
	assert.Equal(t, CodeForbidden, GetCode(err))
	assert.Equal(t, CodeUnknown, GetCode(stderrors.New("plain")))
}

func TestIsMatchesByCode(t *testing.T) {
	err := Wrap(CodeUnavailable, "store down", stderrors.New("dial tcp"))
	assert.True(t, stderrors.Is(err, New(CodeUnavailable, "")))
	assert.False(t, stderrors.Is(err, New(CodeForbidden, "")))
	assert.Equal(t, "store down: dial tcp", err.Error())
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "body is required", PublicMessage(New(CodeInvalidArgument, "body is required"), "x"))
	assert.Equal(t, "x", PublicMessage(stderrors.New("secret detail"), "x"))
}

func TestRetryable(t *testing.T) {
	assert.True(t, CodeResourceExhausted.Retryable())
	assert.False(t, CodeDecode.Retryable())
}
