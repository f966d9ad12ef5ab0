package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Service.Chat", ErrAgentNotFound, "agent 'foo'")
	want := "Service.Chat: agent 'foo': agent not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrSessionNotFound, "")
	want := "Registry.Get: session not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Coze.Stream", ErrBackendStream, "code 4000")
	if !errors.Is(err, ErrBackendStream) {
		t.Error("errors.Is should match ErrBackendStream")
	}
}

func TestWrapOpNil(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	err := WrapOp("Store.Put", ErrTokenStore)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenStore)
	assert.Equal(t, "Store.Put: continuation token store failed", err.Error())
}

func TestValidationErrorUnwrapsToInvalidInput(t *testing.T) {
	var err error = &ValidationError{Field: "speaking_willingness", Value: 11, Reason: "must be between 1 and 10"}
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, "invalid speaking_willingness 11: must be between 1 and 10", err.Error())

	var ve *ValidationError
	require.True(t, errors.As(fmt.Errorf("wrap: %w", err), &ve))
	assert.Equal(t, "speaking_willingness", ve.Field)
}

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"direct sentinel", ErrSessionNotFound, CodeSessionNotFound},
		{"wrapped sentinel", fmt.Errorf("ctx: %w", ErrProviderError), CodeProviderError},
		{"domain error", NewDomainError("Op", ErrBackendStream, ""), CodeBackendStream},
		{"subsystem", NewSubSystemError("agent", "Op", ErrNotFound, "x"), CodeAgentNotFound},
		{"subsystem fallback", NewSubSystemError("other", "Op", ErrNotFound, "x"), CodeNotFound},
		{"validation", &ValidationError{Field: "f", Value: 0}, CodeInvalidInput},
		{"unknown", fmt.Errorf("some random error"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}
