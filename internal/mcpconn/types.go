// Package mcpconn implements one MCP connection: a JSON-RPC 2.0
// session to one running MCP server, over either stdio or http, with the
// initialize/initialized handshake, per-request timeouts, and the
// malformed-input/process-exit failure semantics the pools rely on.
package mcpconn

import "encoding/json"

const jsonrpcVersion = "2.0"

// request is one outbound JSON-RPC 2.0 call.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// notification is a JSON-RPC 2.0 call with no id; the peer never replies.
type notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response is one inbound JSON-RPC 2.0 reply, matched to a pending request
// by ID.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// CallError wraps a verbatim JSON-RPC error returned by the peer server;
// these propagate to the caller without marking the
// session unhealthy.
type CallError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *CallError) Error() string { return e.Message }

// initializeParams is sent as the params of the initial `initialize` call.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      clientInfo     `json:"clientInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      clientInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// ProtocolVersion is the MCP protocol version this client speaks.
const ProtocolVersion = "2024-11-05"

// ToolDescriptor mirrors the wire shape of one entry returned by
// tools/list.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type listToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult is the decoded result of a tools/call invocation.
type CallToolResult struct {
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"isError,omitempty"`
}
