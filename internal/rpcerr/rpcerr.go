// Package rpcerr defines the JSON-RPC error kinds surfaced by the method
// dispatcher (spec §7). Each kind carries the wire error code together with
// the exact message that is allowed to reach the client; any other detail
// must stay in the log.
package rpcerr

import "fmt"

// Code is a JSON-RPC 2.0 error code.
type Code int

// The fixed set of codes the dispatcher ever emits.
const (
	CodeParseError     Code = -32700
	CodeInvalidRequest Code = -32600
	CodeMethodNotFound Code = -32601
	CodeInvalidParams  Code = -32602
	CodeInternalError  Code = -32603
)

// Error is a JSON-RPC error carrying both the internal detail (for logs)
// and the client-facing message (for the wire), mirroring the original's
// JsonRpcException(error_message, code, message_to_client).
type Error struct {
	Code           Code
	Detail         string
	MessageToClient string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Detail)
}

// New builds an Error with an explicit client-facing message.
func New(code Code, detail, clientMsg string) *Error {
	return &Error{Code: code, Detail: detail, MessageToClient: clientMsg}
}

// ParseError wraps a frame that failed to parse as JSON.
func ParseError(detail string) *Error {
	return New(CodeParseError, detail, "Failed to parse the json request")
}

// InvalidRequest wraps a malformed envelope, an unauthenticated call, or a
// quota violation.
func InvalidRequest(detail, clientMsg string) *Error {
	return New(CodeInvalidRequest, detail, clientMsg)
}

// Unauthenticated is the specific InvalidRequest raised by session.CheckAuth.
func Unauthenticated() *Error {
	return InvalidRequest("unauthenticated", "Please authenticate")
}

// MethodNotFound wraps an unregistered method name.
func MethodNotFound(method string) *Error {
	return New(CodeMethodNotFound, fmt.Sprintf("method not found: %s", method), "Method not found")
}

// InvalidParams wraps a shape/type mismatch in params.
func InvalidParams(detail string) *Error {
	return New(CodeInvalidParams, detail, "Invalid params")
}

// InternalError wraps any internal collaborator failure (DB, exchange,
// Lightning node). detail stays in the log only.
func InternalError(detail string) *Error {
	return New(CodeInternalError, detail, "Internal error")
}

// InvalidToken wraps a malformed/bad-signature token (spec §7: TokenError).
func InvalidToken(detail string) *Error {
	return New(CodeInvalidRequest, detail, "Invalid token")
}

// Timeout wraps the invoice generator's pending-wait timeout.
func Timeout(detail string) *Error {
	return New(CodeInternalError, detail, "Waiting timed out")
}

// UnknownFeedType wraps a select_feed call naming a feed_type the feed
// subsystem does not recognize.
func UnknownFeedType(feedType string) *Error {
	return New(CodeInvalidParams, fmt.Sprintf("unknown feed_type %q", feedType), "Unknown feed_type")
}
