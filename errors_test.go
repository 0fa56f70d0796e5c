package silopipe

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := Errorf(KindInput, "bad record")
	assert.Equal(t, KindInput, KindOf(err))

	wrapped := fmt.Errorf("sorter: %w", err)
	assert.Equal(t, KindInput, KindOf(wrapped))

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestENilPassthrough(t *testing.T) {
	assert.NoError(t, E(KindTransport, nil))
}

func TestEUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := E(KindTransport, cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "connection reset", err.Error())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 2, ExitCode(Errorf(KindInput, "x")))
	assert.Equal(t, 3, ExitCode(Errorf(KindTransport, "x")))
	assert.Equal(t, 4, ExitCode(Errorf(KindIntegrity, "x")))
	assert.Equal(t, 5, ExitCode(Errorf(KindConcurrency, "x")))
}
