package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoreErrorMessage(t *testing.T) {
	err := NewResolveError("./dep.js", "/src/main.js", stderrors.New("no such file"))
	assert.Contains(t, err.Error(), "resolve error")
	assert.Contains(t, err.Error(), `"./dep.js"`)
	assert.Contains(t, err.Error(), `imported by "/src/main.js"`)

	bare := NewOptimizerError("pre-bundling failed", stderrors.New("boom"))
	assert.Contains(t, bare.Error(), "optimizer error")
	assert.Contains(t, bare.Error(), "pre-bundling failed")
}

func TestCoreErrorUnwrap(t *testing.T) {
	cause := stderrors.New("disk on fire")
	err := NewLoadError("/src/main.js", cause)
	assert.ErrorIs(t, err, cause)
}

func TestCoreErrorIsMatchesOnType(t *testing.T) {
	err := NewTransformError("/src/main.js", nil)
	assert.ErrorIs(t, err, &CoreError{Type: ErrorTypeTransform})
	assert.NotErrorIs(t, err, &CoreError{Type: ErrorTypeLoad})
}

func TestSentinelPredicates(t *testing.T) {
	assert.True(t, IsClosedServer(ErrClosedServer))
	assert.True(t, IsClosedServer(fmt.Errorf("request: %w", ErrClosedServer)))
	assert.False(t, IsClosedServer(stderrors.New("other")))

	assert.True(t, IsOutdatedOptimizedDep(ErrOutdatedOptimizedDep))
	assert.False(t, IsOutdatedOptimizedDep(ErrClosedServer))

	// Optimizer failures wrapping the closed sentinel stay recognizable.
	wrapped := NewOptimizerError("shutting down", ErrClosedServer)
	assert.True(t, IsClosedServer(wrapped))
}
