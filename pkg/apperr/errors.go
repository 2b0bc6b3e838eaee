// Package apperr defines the error taxonomy shared by the orchestration core.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindDispatch       Kind = "dispatch"
	KindTimeout        Kind = "timeout"
	KindPermission     Kind = "permission"
	KindAgentExecution Kind = "agent_execution"
	KindCancelled      Kind = "cancelled"
)

// Sentinels, one per kind. An *Error matches the sentinel of its kind with errors.Is.
var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrDispatch       = errors.New("dispatch error")
	ErrTimeout        = errors.New("timeout")
	ErrPermission     = errors.New("permission denied")
	ErrAgentExecution = errors.New("agent execution failed")
	ErrCancelled      = errors.New("cancelled")
)

// Error codes surfaced to API callers.
const (
	CodeDuplicateStepID       = "DuplicateStepId"
	CodeDanglingStepReference = "DanglingStepReference"
	CodeNoEntryPoint          = "NoEntryPoint"
	CodeCyclicGraph           = "CyclicGraph"
	CodeInvalidDefinition     = "InvalidDefinition"
	CodeWorkflowExists        = "WorkflowExists"
	CodeMissingConfig         = "MissingConfig"
	CodeWorkflowNotFound      = "WorkflowNotFound"
	CodeExecutionNotFound     = "ExecutionNotFound"
	CodeAgentNotFound         = "AgentNotFound"
	CodeAgentExists           = "AgentExists"
	CodeNoSuitableAgent       = "NoSuitableAgent"
	CodeWaitTimeout           = "WaitTimeout"
	CodeDispatchTimeout       = "DispatchTimeout"
	CodeResponseTimeout       = "ResponseTimeout"
	CodeAccessDenied          = "AccessDenied"
	CodeSecretNotFound        = "SecretNotFound"
	CodeSecretExpired         = "SecretExpired"
	CodeTaskFailed            = "TaskFailed"
	CodeStepLimitExceeded     = "StepLimitExceeded"
	CodeExecutionCancelled    = "ExecutionCancelled"
	CodeSubscriptionNotFound  = "SubscriptionNotFound"
	CodeInvalidEvent          = "InvalidEvent"
	CodeScriptFailed          = "ScriptFailed"
	CodeInvalidCondition      = "InvalidCondition"
)

var sentinels = map[Kind]error{
	KindValidation:     ErrValidation,
	KindNotFound:       ErrNotFound,
	KindDispatch:       ErrDispatch,
	KindTimeout:        ErrTimeout,
	KindPermission:     ErrPermission,
	KindAgentExecution: ErrAgentExecution,
	KindCancelled:      ErrCancelled,
}

// Error carries a kind, the failing operation and an optional cause.
type Error struct {
	Kind    Kind   // Error classification
	Op      string // Operation name
	Code    string // Stable code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel as well as the wrapped chain.
func (e *Error) Is(target error) bool {
	if s, ok := sentinels[e.Kind]; ok && s == target {
		return true
	}

	return e.Err != nil && errors.Is(e.Err, target)
}

// New creates an error without an underlying cause.
func New(kind Kind, op, code, message string) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Message: message}
}

// Newf is New with a formatted message.
func Newf(kind Kind, op, code, format string, args ...any) *Error {
	return New(kind, op, code, fmt.Sprintf(format, args...))
}

// Wrap attaches a kind and code to err.
func Wrap(kind Kind, op, code string, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return ""
}

// CodeOf returns the code of the first *Error in the chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return ""
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsDispatch(err error) bool { return errors.Is(err, ErrDispatch) }

func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

func IsPermission(err error) bool { return errors.Is(err, ErrPermission) }

func IsAgentExecution(err error) bool { return errors.Is(err, ErrAgentExecution) }

func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// IsRetryable reports whether a step retry policy may re-run the failed work.
// Validation and permission failures are final.
func IsRetryable(err error) bool {
	return IsDispatch(err) || IsTimeout(err) || IsAgentExecution(err)
}
