package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the domain layer.
var (
	ErrToolNotFound           = fmt.Errorf("tool not found")
	ErrToolFailure            = fmt.Errorf("tool execution failed")
	ErrToolApprovalDenied     = fmt.Errorf("tool approval denied")
	ErrApprovalNotPending     = fmt.Errorf("no pending approval for tool call")
	ErrApprovalAlreadyDecided = fmt.Errorf("tool call already decided")
	ErrInvalidTransition      = fmt.Errorf("invalid invocation state transition")
	ErrInvocationSettled      = fmt.Errorf("tool call already settled")
	ErrConversationNotFound   = fmt.Errorf("conversation not found")
	ErrMessageNotFound        = fmt.Errorf("message not found")
	ErrPersistence            = fmt.Errorf("conversation store write failed")
	ErrStreamClosed           = fmt.Errorf("stream closed")
	ErrConfigLoad             = fmt.Errorf("failed to load configuration")
	ErrDecryption             = fmt.Errorf("decryption failed")

	// Gateway / RPC errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrForbidden         = fmt.Errorf("forbidden: insufficient permissions")

	// Resilience errors.
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")
	ErrCircuitOpen = fmt.Errorf("circuit breaker open")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Lookup")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
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

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category carried in RPC error frames.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeDuplicate            ErrorCode = "DUPLICATE"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeToolNotFound         ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure          ErrorCode = "TOOL_FAILURE"
	CodeToolApprovalDenied   ErrorCode = "TOOL_APPROVAL_DENIED"
	CodeApprovalNotPending   ErrorCode = "APPROVAL_NOT_PENDING"
	CodeApprovalDecided      ErrorCode = "APPROVAL_ALREADY_DECIDED"
	CodeInvalidTransition    ErrorCode = "INVALID_TRANSITION"
	CodeInvocationSettled    ErrorCode = "INVOCATION_SETTLED"
	CodeConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
	CodeMessageNotFound      ErrorCode = "MESSAGE_NOT_FOUND"
	CodePersistence          ErrorCode = "PERSISTENCE"
	CodeStreamClosed         ErrorCode = "STREAM_CLOSED"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeDecryption           ErrorCode = "DECRYPTION"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth          ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound    ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload    ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeForbidden            ErrorCode = "FORBIDDEN"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeCircuitOpen          ErrorCode = "CIRCUIT_OPEN"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:               CodeNotFound,
	ErrDuplicate:              CodeDuplicate,
	ErrInvalidInput:           CodeInvalidInput,
	ErrToolNotFound:           CodeToolNotFound,
	ErrToolFailure:            CodeToolFailure,
	ErrToolApprovalDenied:     CodeToolApprovalDenied,
	ErrApprovalNotPending:     CodeApprovalNotPending,
	ErrApprovalAlreadyDecided: CodeApprovalDecided,
	ErrInvalidTransition:      CodeInvalidTransition,
	ErrInvocationSettled:      CodeInvocationSettled,
	ErrConversationNotFound:   CodeConversationNotFound,
	ErrMessageNotFound:        CodeMessageNotFound,
	ErrPersistence:            CodePersistence,
	ErrStreamClosed:           CodeStreamClosed,
	ErrConfigLoad:             CodeConfigLoad,
	ErrDecryption:             CodeDecryption,
	ErrGatewayAuthFailed:      CodeGatewayAuth,
	ErrAuthInvalid:            CodeAuthInvalid,
	ErrRPCMethodNotFound:      CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:      CodeRPCInvalidPayload,
	ErrForbidden:              CodeForbidden,
	ErrRateLimit:              CodeRateLimit,
	ErrCircuitOpen:            CodeCircuitOpen,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// ErrGatewayAuthFailed wraps ErrAuthInvalid; check it before the map walk
	// so the more specific code wins.
	if errors.Is(err, ErrGatewayAuthFailed) {
		return CodeGatewayAuth
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
