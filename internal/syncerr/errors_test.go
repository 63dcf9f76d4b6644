package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("send: %w", SendTimeout(context.DeadlineExceeded))
	if got := CodeOf(err); got != CodeSendTimeout {
		t.Errorf("CodeOf = %s, want %s", got, CodeSendTimeout)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("cause should be reachable through Unwrap")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{SendTimeout(nil), true},
		{SendRejected(errors.New("403")), true},
		{ErrTransportUnavailable, true},
		{AttachmentTooLarge("a.png", 10, 5), false},
		{ErrNotRetryable, false},
		{errors.New("plain"), true},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsNil(t *testing.T) {
	if Is(nil, CodeUnknown) {
		t.Error("Is(nil) should be false")
	}
}
