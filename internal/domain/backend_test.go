package domain

import "testing"

func TestStreamEventKindString(t *testing.T) {
	tests := []struct {
		kind StreamEventKind
		want string
	}{
		{EventDelta, "delta"},
		{EventCompleted, "completed"},
		{EventError, "error"},
		{StreamEventKind(0), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
