package domain

import (
	"errors"
	"fmt"

	"github.com/gorilla/rpc/v2/json2"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrLimitReached = fmt.Errorf("limit reached")
)

// Sentinel errors for the service bus.
var (
	// Protocol errors, recovered at the transport boundary.
	ErrMalformedMessage = fmt.Errorf("malformed message")
	ErrMissingRequestID = fmt.Errorf("id is required")

	// Dispatch errors.
	ErrResourceNotFound = fmt.Errorf("resource not found")
	ErrMethodNotFound   = fmt.Errorf("method not found")
	ErrInvalidParams    = fmt.Errorf("invalid params")
	ErrMethodThrow      = fmt.Errorf("method raised an error")
	ErrDuplicate        = fmt.Errorf("resource already registered")

	// Client-side errors.
	ErrSubscriptionTimeout = fmt.Errorf("subscription timed out: %w", ErrTimeout)
	ErrSyncTimeout         = fmt.Errorf("synchronous call timed out: %w", ErrTimeout)
	ErrTransport           = fmt.Errorf("transport error")
	ErrNotConnected        = fmt.Errorf("not connected")
	ErrSyncInOwner         = fmt.Errorf("synchronous calls are not allowed from the state-owning process")
	ErrPromiseRejected     = fmt.Errorf("promise rejected")

	// Transport server errors.
	ErrAlreadyListening = fmt.Errorf("transport already listening")
	ErrServerStopped    = fmt.Errorf("transport stopped")
	ErrRateLimit        = fmt.Errorf("rate limit exceeded: %w", ErrLimitReached)

	// State sync errors.
	ErrMutationUnknown = fmt.Errorf("unknown mutation")
	ErrLinkClosed      = fmt.Errorf("link closed")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Execute")
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

// ErrorCode is a machine-parseable error category carried in the data field of
// wire errors and used in logs.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeMalformedMessage    ErrorCode = "MALFORMED_MESSAGE"
	CodeMissingRequestID    ErrorCode = "MISSING_REQUEST_ID"
	CodeResourceNotFound    ErrorCode = "RESOURCE_NOT_FOUND"
	CodeMethodNotFound      ErrorCode = "METHOD_NOT_FOUND"
	CodeInvalidParams       ErrorCode = "INVALID_PARAMS"
	CodeMethodThrow         ErrorCode = "METHOD_THROW"
	CodeDuplicate           ErrorCode = "DUPLICATE"
	CodeSubscriptionTimeout ErrorCode = "SUBSCRIPTION_TIMEOUT"
	CodeSyncTimeout         ErrorCode = "SYNC_TIMEOUT"
	CodeTransport           ErrorCode = "TRANSPORT_ERROR"
	CodeNotConnected        ErrorCode = "NOT_CONNECTED"
	CodeSyncInOwner         ErrorCode = "SYNC_IN_OWNER"
	CodePromiseRejected     ErrorCode = "PROMISE_REJECTED"
	CodeAlreadyListening    ErrorCode = "ALREADY_LISTENING"
	CodeServerStopped       ErrorCode = "SERVER_STOPPED"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeMutationUnknown     ErrorCode = "MUTATION_UNKNOWN"
	CodeLinkClosed          ErrorCode = "LINK_CLOSED"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeLimitReached        ErrorCode = "LIMIT_REACHED"
)

// errorCodes is ordered from most to least specific so that chained sentinels
// (ErrSubscriptionTimeout wraps ErrTimeout) resolve to the narrow code.
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrMalformedMessage, CodeMalformedMessage},
	{ErrMissingRequestID, CodeMissingRequestID},
	{ErrResourceNotFound, CodeResourceNotFound},
	{ErrMethodNotFound, CodeMethodNotFound},
	{ErrInvalidParams, CodeInvalidParams},
	{ErrMethodThrow, CodeMethodThrow},
	{ErrDuplicate, CodeDuplicate},
	{ErrSubscriptionTimeout, CodeSubscriptionTimeout},
	{ErrSyncTimeout, CodeSyncTimeout},
	{ErrTransport, CodeTransport},
	{ErrNotConnected, CodeNotConnected},
	{ErrSyncInOwner, CodeSyncInOwner},
	{ErrPromiseRejected, CodePromiseRejected},
	{ErrAlreadyListening, CodeAlreadyListening},
	{ErrServerStopped, CodeServerStopped},
	{ErrRateLimit, CodeRateLimit},
	{ErrMutationUnknown, CodeMutationUnknown},
	{ErrLinkClosed, CodeLinkClosed},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrTimeout, CodeTimeout},
	{ErrNotFound, CodeNotFound},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrLimitReached, CodeLimitReached},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	var rpcErr *RemoteError
	if errors.As(err, &rpcErr) && rpcErr.Code != "" {
		return rpcErr.Code
	}
	return CodeUnknown
}

// RPCCodeOf maps an error onto the JSON-RPC 2.0 numeric error code.
func RPCCodeOf(err error) json2.ErrorCode {
	switch {
	case errors.Is(err, ErrMalformedMessage):
		return json2.E_PARSE
	case errors.Is(err, ErrMissingRequestID):
		return json2.E_INVALID_REQ
	case errors.Is(err, ErrResourceNotFound), errors.Is(err, ErrMethodNotFound):
		return json2.E_NO_METHOD
	case errors.Is(err, ErrInvalidParams):
		return json2.E_BAD_PARAMS
	case errors.Is(err, ErrMethodThrow):
		return json2.E_INTERNAL
	default:
		return json2.E_SERVER
	}
}

// ToWireError converts err into the JSON-RPC error object sent to callers.
// The machine code travels in the data field.
func ToWireError(err error) *json2.Error {
	return &json2.Error{
		Code:    RPCCodeOf(err),
		Message: err.Error(),
		Data:    string(ErrorCodeOf(err)),
	}
}

// RemoteError is an error returned by the remote side of a connection.
// It unwraps to the local sentinel matching its code, so errors.Is works
// across the process boundary.
type RemoteError struct {
	RPCCode json2.ErrorCode
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error {
	for _, c := range errorCodes {
		if c.code == e.Code {
			return c.err
		}
	}
	return nil
}

// FromWireError builds a RemoteError from a decoded wire error.
func FromWireError(w *json2.Error) *RemoteError {
	if w == nil {
		return nil
	}
	re := &RemoteError{RPCCode: w.Code, Message: w.Message}
	if s, ok := w.Data.(string); ok {
		re.Code = ErrorCode(s)
	}
	return re
}
