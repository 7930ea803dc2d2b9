package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(IOFailure, "writing snapshot artifact", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, IOFailure, CodeOf(err))
	assert.Contains(t, err.Error(), "disk full")
}

func TestCodeOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, Internal, CodeOf(errors.New("plain")))
}

func TestIs(t *testing.T) {
	err := New(Conflict, "idempotency key reused with a different fingerprint")
	assert.True(t, Is(err, Conflict))
	assert.False(t, Is(err, NotFound))
}

func TestWrapfFormatsMessage(t *testing.T) {
	err := Wrapf(NotFound, nil, "table %q not found in bucket %q", "orders", "in_c_s")
	assert.Equal(t, "table \"orders\" not found in bucket \"in_c_s\"", err.Message)
}
