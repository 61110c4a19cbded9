package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
)

func captureExit(t *testing.T) *int {
	code := -1
	exit = func(c int) { code = c }
	t.Cleanup(func() { exit = osExit })
	return &code
}

var osExit = exit

func TestCheckError(t *testing.T) {
	code := captureExit(t)

	CheckError(nil, logr.Discard())
	assert.Equal(t, -1, *code)

	CheckError(fmt.Errorf("boom"), logr.Discard())
	assert.Equal(t, ErrorGeneric, *code)

	CheckErrorWithCode(fmt.Errorf("bad config"), ErrorInvalidConfig, logr.Discard())
	assert.Equal(t, ErrorInvalidConfig, *code)
}

func TestWithExitCode(t *testing.T) {
	assert.NoError(t, WithExitCode(nil, ErrorStorage))

	cause := fmt.Errorf("locked")
	err := WithExitCode(cause, ErrorStorage)
	var exitErr *ExitCodeError
	assert.True(t, errors.As(err, &exitErr))
	assert.Equal(t, ErrorStorage, exitErr.Code)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrorStorage, ExitCode(fmt.Errorf("open store: %w", err)))
	assert.Equal(t, ErrorGeneric, ExitCode(cause))
}
