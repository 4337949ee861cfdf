// Package rpc implements the newline-delimited JSON framing protocol
// between the broker and the in-container Python interpreter: one frame
// per line, read/written by the RPC Multiplexer.
package rpc

import "encoding/json"

// Frame types, matching the in-container bootstrap's message vocabulary
// exactly (spec.md §4.7).
const (
	TypeExecute       = "execute"
	TypeStdout        = "stdout"
	TypeStderr        = "stderr"
	TypeRPCRequest    = "rpc_request"
	TypeRPCResponse   = "rpc_response"
	TypeExecutionDone = "execution_done"
)

// Frame is the generic envelope every line of the wire protocol decodes
// into; callers type-switch on Type and read the fields that apply to it.
type Frame struct {
	Type string `json:"type"`

	// TypeExecute (broker -> container)
	Code string `json:"code,omitempty"`

	// TypeStdout / TypeStderr (container -> broker)
	Data string `json:"data,omitempty"`

	// TypeRPCRequest (container -> broker): the upcall's operation payload.
	// TypeRPCResponse (broker -> container): the upcall's result payload.
	// The two never coexist on one frame, so both share this field,
	// matching spec.md §4.7's wire format naming it `payload` in both
	// directions.
	ID      int             `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// TypeRPCResponse (broker -> container)
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`

	// TypeExecutionDone (container -> broker)
	ExitStatus string `json:"status,omitempty"`
}

// ExecuteFrame builds the frame that submits code for execution.
func ExecuteFrame(code string) Frame {
	return Frame{Type: TypeExecute, Code: code}
}

// ResponseFrame builds a reply to an in-container rpc_request.
func ResponseFrame(id int, success bool, payload json.RawMessage, errMsg string) Frame {
	return Frame{Type: TypeRPCResponse, ID: id, Success: success, Payload: payload, Error: errMsg}
}
