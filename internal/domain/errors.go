package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrInvalidState = fmt.Errorf("invalid state")
	ErrUnavailable  = fmt.Errorf("unavailable")
)

// Sentinel errors for the domain layer.
var (
	ErrIssueNotFound     = fmt.Errorf("issue not found")
	ErrEngineNotFound    = fmt.Errorf("engine type not registered")
	ErrExecutionActive   = fmt.Errorf("execution already active for issue")
	ErrNoActiveExecution = fmt.Errorf("no active execution for issue")
	ErrSessionGone       = fmt.Errorf("external session no longer exists")
	ErrSessionMissing    = fmt.Errorf("issue has no stored session")
	ErrStdinClosed       = fmt.Errorf("process stdin is closed")
	ErrStreamClosed      = fmt.Errorf("process output stream closed")
	ErrStoreWrite        = fmt.Errorf("persistence write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "IssueEngine.Execute")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "registry", "engine")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeLimitReached      ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeInvalidState      ErrorCode = "INVALID_STATE"
	CodeUnavailable       ErrorCode = "UNAVAILABLE"
	CodeIssueNotFound     ErrorCode = "ISSUE_NOT_FOUND"
	CodeEngineNotFound    ErrorCode = "ENGINE_NOT_FOUND"
	CodeExecutionActive   ErrorCode = "EXECUTION_ACTIVE"
	CodeNoActiveExecution ErrorCode = "NO_ACTIVE_EXECUTION"
	CodeSessionGone       ErrorCode = "SESSION_GONE"
	CodeSessionMissing    ErrorCode = "SESSION_MISSING"
	CodeStdinClosed       ErrorCode = "STDIN_CLOSED"
	CodeStreamClosed      ErrorCode = "STREAM_CLOSED"
	CodeStoreWrite        ErrorCode = "STORE_WRITE"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeRegistryDuplicate ErrorCode = "REGISTRY_DUPLICATE_ID"
	CodeRegistryCeiling   ErrorCode = "REGISTRY_CEILING"
	CodeRegistryNotFound  ErrorCode = "REGISTRY_ENTRY_NOT_FOUND"
	CodeRestartBadStatus  ErrorCode = "RESTART_BAD_STATUS"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrLimitReached: CodeLimitReached,
	ErrInvalidInput: CodeInvalidInput,
	ErrInvalidState: CodeInvalidState,
	ErrUnavailable:  CodeUnavailable,

	ErrIssueNotFound:     CodeIssueNotFound,
	ErrEngineNotFound:    CodeEngineNotFound,
	ErrExecutionActive:   CodeExecutionActive,
	ErrNoActiveExecution: CodeNoActiveExecution,
	ErrSessionGone:       CodeSessionGone,
	ErrSessionMissing:    CodeSessionMissing,
	ErrStdinClosed:       CodeStdinClosed,
	ErrStreamClosed:      CodeStreamClosed,
	ErrStoreWrite:        CodeStoreWrite,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrDuplicate: {
		"registry": CodeRegistryDuplicate,
	},
	ErrLimitReached: {
		"registry": CodeRegistryCeiling,
	},
	ErrNotFound: {
		"registry": CodeRegistryNotFound,
	},
	ErrInvalidState: {
		"engine": CodeRestartBadStatus,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
