// Package wsrpc implements the per-connection JSON-RPC 2.0 runtime (spec
// §4.4, §4.5): a full-duplex websocket connection, a fixed worker pool
// processing inbound requests concurrently, and an explicit method
// registration table dispatching each request to its handler.
package wsrpc

import "encoding/json"

// Request is a JSON-RPC 2.0 request envelope. ID is nil for a
// notification, which receives no Response.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
	ID      *json.RawMessage `json:"id"`
}

// ResponseError is the wire representation of a JSON-RPC error.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Notification is a server-initiated JSON-RPC 2.0 message carrying no id,
// used to multiplex feed events onto the connection (spec §4.9).
type Notification struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

const jsonrpcVersion = "2.0"
