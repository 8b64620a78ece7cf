package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestToolErrorType_IsRetryable(t *testing.T) {
	tests := []struct {
		errType ToolErrorType
		want    bool
	}{
		{ToolErrorTimeout, true},
		{ToolErrorNetwork, true},
		{ToolErrorRateLimit, true},
		{ToolErrorNotFound, false},
		{ToolErrorInvalidInput, false},
		{ToolErrorActivation, false},
		{ToolErrorExecution, false},
		{ToolErrorPanic, false},
		{ToolErrorUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			if got := tt.errType.IsRetryable(); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewToolError_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ToolErrorType
	}{
		{"not found sentinel", ErrToolNotFound, ToolErrorNotFound},
		{"deadline", context.DeadlineExceeded, ToolErrorTimeout},
		{"wrapped timeout sentinel", fmt.Errorf("x: %w", ErrToolTimeout), ToolErrorTimeout},
		{"invalid args", fmt.Errorf("%w: bad", ErrInvalidArguments), ToolErrorInvalidInput},
		{"network text", errors.New("dial tcp: connection refused"), ToolErrorNetwork},
		{"rate limit text", errors.New("HTTP 429 Too Many Requests"), ToolErrorRateLimit},
		{"other", errors.New("boom"), ToolErrorExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := NewToolError("tool", tt.err)
			if te.Type != tt.want {
				t.Errorf("Type = %s, want %s", te.Type, tt.want)
			}
			if te.Retryable != tt.want.IsRetryable() {
				t.Errorf("Retryable = %v", te.Retryable)
			}
			if !errors.Is(te, tt.err) {
				t.Errorf("cause not unwrapped")
			}
		})
	}
}

func TestToolError_Error(t *testing.T) {
	err := NewToolError("search", errors.New("boom")).WithAttempts(3)
	msg := err.Error()
	for _, want := range []string{"[tool:execution]", "search", "boom", "attempts=3"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestIsToolRetryable(t *testing.T) {
	if !IsToolRetryable(fmt.Errorf("wrapped: %w", NewToolError("x", context.DeadlineExceeded))) {
		t.Error("wrapped timeout should be retryable")
	}
	if IsToolRetryable(NewToolError("x", errors.New("boom")).WithType(ToolErrorPanic)) {
		t.Error("panic should not be retryable")
	}
	if !IsToolRetryable(errors.New("network unreachable")) {
		t.Error("plain network error should be retryable")
	}
}

func TestRunError(t *testing.T) {
	cause := errors.New("db down")
	err := &RunError{Phase: PhaseCommit, Step: 2, Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("RunError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "commit") || !strings.Contains(err.Error(), "step 2") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"cancelled", ErrRunCancelled, CodeCancelled},
		{"context cancelled", context.Canceled, CodeCancelled},
		{"max steps", ErrMaxSteps, CodeMaxSteps},
		{"truncated", &RunError{Phase: PhaseStream, Cause: ErrStreamTruncated}, CodeStreamTruncated},
		{"unexpected finish", fmt.Errorf("%w: length", ErrUnexpectedFinish), CodeUnexpectedFinish},
		{"lease lost", ErrLeaseLost, CodeLeaseLost},
		{"provider", &RunError{Phase: PhaseStream, Cause: errors.New("502")}, CodeProviderError},
		{"persistence", &RunError{Phase: PhaseCommit, Cause: errors.New("disk")}, CodePersistence},
		{"explicit code", &RunError{Phase: PhaseInit, Code: "custom", Cause: errors.New("x")}, "custom"},
		{"other", errors.New("x"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}
