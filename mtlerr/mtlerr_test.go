package mtlerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	t.Run("wraps underlying error", func(t *testing.T) {
		underlying := errors.New("queue full")
		err := Wrap(ResourceExhausted, "burst_send", underlying)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "resource_exhausted")
		assert.Contains(t, err.Error(), "burst_send")
		assert.ErrorIs(t, err, underlying)
	})

	t.Run("Wrap of nil is nil", func(t *testing.T) {
		assert.Nil(t, Wrap(Fatal, "op", nil))
	})

	t.Run("New builds a standalone error", func(t *testing.T) {
		err := New(InvalidArgument, "create_session", "bad fps")
		assert.Equal(t, "mtl create_session: invalid_argument: bad fps", err.Error())
	})
}

func TestIs(t *testing.T) {
	err := New(Timeout, "get_frame", "deadline exceeded")
	assert.True(t, Is(err, Timeout))
	assert.False(t, Is(err, Fatal))
	assert.False(t, Is(errors.New("plain"), Timeout))
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		InvalidArgument:   "invalid_argument",
		NotSupported:      "not_supported",
		ResourceExhausted: "resource_exhausted",
		IoFailure:         "io_failure",
		ProtocolError:     "protocol_error",
		Timeout:           "timeout",
		Transient:         "transient",
		Fatal:             "fatal",
		Kind(99):          "unknown",
	}
	for k, want := range cases {
		assert.Equal(t, want, k.String())
	}
}
