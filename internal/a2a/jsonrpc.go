package a2a

import (
	"encoding/json"
	"errors"

	"github.com/dusk-indust/relay/internal/errs"
)

// JSONRPCVersion is the JSON-RPC protocol version.
const JSONRPCVersion = "2.0"

// JSONRPCRequest is a JSON-RPC 2.0 request envelope.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response envelope.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	// Task-specific error codes.
	ErrCodeTaskNotFound      = -32001
	ErrCodeTaskNotCancelable = -32002
)

// Method names.
const (
	MethodSendTask   = "tasks/send"
	MethodGetTask    = "tasks/get"
	MethodCancelTask = "tasks/cancel"
	MethodListTasks  = "tasks/list"
)

// ErrInvalidParams marks a handler error caused by the caller's params.
var ErrInvalidParams = errors.New("invalid params")

// toJSONRPCError maps a handler error onto a JSON-RPC error. Not-found and
// conflict errors carry their fields in Data so clients can rebuild them.
func toJSONRPCError(err error) *JSONRPCError {
	var (
		nf *errs.NotFoundError
		ce *errs.ConflictError
	)
	out := &JSONRPCError{Code: ErrCodeInternal, Message: err.Error()}
	switch {
	case errors.As(err, &nf):
		out.Code = ErrCodeTaskNotFound
		out.Data, _ = json.Marshal(notFoundData{Kind: nf.Kind, ID: nf.ID})
	case errors.As(err, &ce):
		out.Code = ErrCodeTaskNotCancelable
		out.Data, _ = json.Marshal(conflictData{TaskID: ce.TaskID, From: ce.From, To: ce.To})
	case errors.Is(err, ErrInvalidParams):
		out.Code = ErrCodeInvalidParams
	}
	return out
}

type notFoundData struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type conflictData struct {
	TaskID string `json:"taskId"`
	From   string `json:"from"`
	To     string `json:"to"`
}
