package acp

import (
	"fmt"

	"github.com/ferry-agent/ferry/pkg/types"
)

// JSON-RPC 2.0 error codes used on the wire.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrorData is the machine-readable payload attached to protocol errors.
type ErrorData struct {
	ErrorType   string   `json:"errorType,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Requested   any      `json:"requested,omitempty"`
	Supported   any      `json:"supported,omitempty"`
	Details     string   `json:"details,omitempty"`
}

// RPCError is a structured protocol error.
type RPCError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewInvalidRequest builds an invalid-request error.
func NewInvalidRequest(message string) *RPCError {
	return &RPCError{Code: CodeInvalidRequest, Message: message}
}

// NewInvalidParams builds an invalid-params error with an errorType tag.
func NewInvalidParams(message, errorType string) *RPCError {
	err := &RPCError{Code: CodeInvalidParams, Message: message}
	if errorType != "" {
		err.Data = &ErrorData{ErrorType: errorType}
	}
	return err
}

// NewMethodNotFound builds a method-not-found error.
func NewMethodNotFound(method string) *RPCError {
	return &RPCError{
		Code:    CodeMethodNotFound,
		Message: fmt.Sprintf("method not found: %s", method),
	}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(err error) *RPCError {
	return &RPCError{
		Code:    CodeInternalError,
		Message: "internal error",
		Data:    &ErrorData{Details: err.Error()},
	}
}

// NewProtocolVersionMismatch reports a hard version negotiation failure,
// carrying the supported list and recovery guidance.
func NewProtocolVersionMismatch(requested types.ProtocolVersion) *RPCError {
	return &RPCError{
		Code:    CodeInvalidParams,
		Message: fmt.Sprintf("protocol version %d is not supported", requested),
		Data: &ErrorData{
			ErrorType: "protocol_version_mismatch",
			Requested: requested,
			Supported: types.SupportedProtocolVersions,
			Suggestions: []string{
				fmt.Sprintf("retry initialize with protocolVersion %d", types.MaxProtocolVersion()),
			},
		},
	}
}
