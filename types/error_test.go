package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	err := NewError(ErrNodeNotFound, "node 'missing' not found in graph")
	assert.Equal(t, "[NODE_NOT_FOUND] node 'missing' not found in graph", err.Error())
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrInternalError, "execution failed").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, ErrMissingToolName, GetErrorCode(NewError(ErrMissingToolName, "x")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}
