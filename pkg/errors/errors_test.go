package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsSentinel(t *testing.T) {
	err := Conflictf("guard %d is %s", 3, "INTERVENTION")

	assert.True(t, Is(err, ErrConflict))
	assert.False(t, Is(err, ErrStorage))
	assert.Equal(t, CodeConflict, GetCode(err))
	assert.Equal(t, "guard 3 is INTERVENTION: conflict", err.Error())
}

func TestStorageChain(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Storage(cause, "reserve")

	assert.True(t, Is(err, ErrStorage))
	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, IsRetriable(err))
	assert.Equal(t, CodeStorage, GetCode(err))
	assert.Equal(t, cause, Cause(err))

	// already classified errors pass through unchanged
	conflict := Conflictf("taken")
	assert.Same(t, conflict, Storage(conflict, "reserve"))
	assert.Nil(t, Storage(nil, "reserve"))
}

func TestStorageKeepsInvalidNonRetriable(t *testing.T) {
	invalid := Wrapf(ErrInvalid, "unknown column %q", "secret")
	err := Storage(invalid, "query table")

	assert.Same(t, invalid, err)
	assert.False(t, IsRetriable(err))
	assert.Equal(t, CodeInvalid, GetCode(err))
}

func TestGetCodeThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("handler: %w", NotFoundf("intervention %d", 9))
	assert.Equal(t, CodeNotFound, GetCode(err))
	assert.Equal(t, 0, GetCode(stderrors.New("plain")))
}

func TestWithContextCopies(t *testing.T) {
	base := WithCode(CodeInvalid, "bad body")
	withCtx := base.WithContext("field", "guardId")

	assert.Empty(t, base.Context)
	assert.Equal(t, []KeyValue{{Key: "field", Value: "guardId"}}, withCtx.Context)
	assert.NotEmpty(t, withCtx.Stack)
}
