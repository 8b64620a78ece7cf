package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for run execution.
var (
	// ErrMaxSteps indicates the run hit its auto-continue step limit.
	ErrMaxSteps = errors.New("max steps exceeded")

	// ErrNoProvider indicates no model provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool is neither registered nor activatable.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")

	// ErrInvalidArguments indicates tool arguments failed validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrStreamTruncated indicates the model stream ended without a terminal reason.
	ErrStreamTruncated = errors.New("stream ended without terminal reason")

	// ErrUnexpectedFinish indicates a terminal reason the run cannot continue from.
	ErrUnexpectedFinish = errors.New("unexpected finish reason")

	// ErrRunCancelled indicates the run was cancelled cooperatively.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrLeaseLost indicates the ownership lease could not be renewed.
	ErrLeaseLost = errors.New("ownership lease lost")
)

// ToolErrorType categorizes tool execution failures for retry decisions.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorNetwork      ToolErrorType = "network"
	ToolErrorRateLimit    ToolErrorType = "rate_limit"
	ToolErrorActivation   ToolErrorType = "activation"
	ToolErrorExecution    ToolErrorType = "execution"
	ToolErrorPanic        ToolErrorType = "panic"
	ToolErrorUnknown      ToolErrorType = "unknown"
)

// IsRetryable reports whether another attempt may succeed.
func (t ToolErrorType) IsRetryable() bool {
	switch t {
	case ToolErrorTimeout, ToolErrorNetwork, ToolErrorRateLimit:
		return true
	default:
		return false
	}
}

// ToolError is a categorized tool execution failure. It never escapes the
// scheduler: every ToolError is converted into a failed tool result.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
	Retryable  bool
	Attempts   int
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	parts := []string{fmt.Sprintf("[tool:%s]", e.Type)}
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	if e.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("(attempts=%d)", e.Attempts))
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError wraps cause and infers its type.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     ToolErrorUnknown,
		Attempts: 1,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
		err.Retryable = err.Type.IsRetryable()
	}
	return err
}

// WithType sets the error type and the matching retry flag.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	e.Retryable = t.IsRetryable()
	return e
}

// WithToolCallID sets the tool call id.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage overrides the human-readable message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// WithAttempts records how many attempts were made.
func (e *ToolError) WithAttempts(n int) *ToolError {
	e.Attempts = n
	return e
}

func classifyToolError(err error) ToolErrorType {
	switch {
	case err == nil:
		return ToolErrorUnknown
	case errors.Is(err, ErrToolNotFound):
		return ToolErrorNotFound
	case errors.Is(err, ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return ToolErrorTimeout
	case errors.Is(err, ErrToolPanic):
		return ToolErrorPanic
	case errors.Is(err, ErrInvalidArguments):
		return ToolErrorInvalidInput
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline exceeded"):
		return ToolErrorTimeout
	case containsAny(msg, "connection reset", "connection refused", "network", "unreachable", "no such host"):
		return ToolErrorNetwork
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429"):
		return ToolErrorRateLimit
	}
	return ToolErrorExecution
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// GetToolError extracts a ToolError from an error chain.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// IsToolRetryable reports whether a tool failure should be retried.
func IsToolRetryable(err error) bool {
	if toolErr, ok := GetToolError(err); ok {
		return toolErr.Retryable
	}
	return classifyToolError(err).IsRetryable()
}

// RunPhase is a distinct phase of a run's lifecycle.
type RunPhase string

const (
	PhaseLease        RunPhase = "lease"
	PhaseInit         RunPhase = "init"
	PhaseStream       RunPhase = "stream"
	PhaseExecuteTools RunPhase = "execute_tools"
	PhaseCommit       RunPhase = "commit"
	PhaseContinue     RunPhase = "continue"
	PhaseComplete     RunPhase = "complete"
	PhaseCleanup      RunPhase = "cleanup"
)

// RunError reports a failure together with the phase and step it occurred in.
type RunError struct {
	Phase RunPhase
	Step  int
	Code  string
	Cause error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("run error at %s (step %d): %v", e.Phase, e.Step, e.Cause)
	}
	return fmt.Sprintf("run error at %s (step %d)", e.Phase, e.Step)
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error {
	return e.Cause
}

// Error codes carried by status messages.
const (
	CodeCancelled        = "cancelled"
	CodeMaxSteps         = "max_steps"
	CodeStreamTruncated  = "stream_truncated"
	CodeUnexpectedFinish = "unexpected_finish"
	CodeProviderError    = "provider_error"
	CodePersistence      = "persistence_error"
	CodeLeaseLost        = "lease_lost"
	CodeInternal         = "internal_error"
)

// ErrorCode maps an error to the short code surfaced in status messages.
func ErrorCode(err error) string {
	var runErr *RunError
	if errors.As(err, &runErr) && runErr.Code != "" {
		return runErr.Code
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRunCancelled), errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, ErrMaxSteps):
		return CodeMaxSteps
	case errors.Is(err, ErrStreamTruncated):
		return CodeStreamTruncated
	case errors.Is(err, ErrUnexpectedFinish):
		return CodeUnexpectedFinish
	case errors.Is(err, ErrLeaseLost):
		return CodeLeaseLost
	}
	if runErr != nil {
		switch runErr.Phase {
		case PhaseStream:
			return CodeProviderError
		case PhaseCommit:
			return CodePersistence
		}
	}
	return CodeInternal
}
