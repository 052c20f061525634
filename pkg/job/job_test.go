package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSpec(t *testing.T) {
	spec, err := NewSpec("emails", []byte(`{"to":"a@example.com"}`), 0)
	require.NoError(t, err)
	assert.Equal(t, "emails", spec.Queue)
	assert.Equal(t, DefaultPriority, spec.Priority)
	assert.JSONEq(t, `{"to":"a@example.com"}`, string(spec.Payload))
}

func TestNewSpec_KeepsExplicitPriority(t *testing.T) {
	spec, err := NewSpec("emails", []byte(`{"job":1}`), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, spec.Priority)
}

func TestNewSpec_EmptyQueue(t *testing.T) {
	_, err := NewSpec("", []byte(`{"job":1}`), 0)
	require.ErrorIs(t, err, ErrValidation)
	require.ErrorIs(t, err, ErrEmptyQueue)
}

func TestNewSpec_EmptyPayload(t *testing.T) {
	for _, payload := range []string{"", "   ", "null"} {
		_, err := NewSpec("emails", []byte(payload), 0)
		assert.ErrorIs(t, err, ErrEmptyPayload, "payload %q", payload)
	}
}

func TestNewSpec_MalformedPayload(t *testing.T) {
	_, err := NewSpec("emails", []byte(`{"broken`), 0)
	require.ErrorIs(t, err, ErrValidation)
}
