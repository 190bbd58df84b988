// Package mcpparse extracts the MCP method and tool name from JSON-RPC
// request bodies without unmarshalling the full payload. The authorizer
// runs on every proxied request inside a tight deadline, so parsing stays
// allocation-light.
package mcpparse

import "github.com/tidwall/gjson"

// MCP method names the gateway cares about.
const (
	MethodInitialize      = "initialize"
	MethodInitalizedNotif = "notifications/initialized"
	MethodPing            = "ping"
	MethodToolsList       = "tools/list"
	MethodToolsCall       = "tools/call"
)

// safeMethods are authorized for requests whose body could not be parsed:
// an unparseable body can never be treated as a tool call.
var safeMethods = []string{MethodInitialize, MethodPing, MethodToolsList}

// ParsedRequest is the subset of a JSON-RPC request relevant to
// authorization.
type ParsedRequest struct {
	// Method is the JSON-RPC method, empty when the body is not valid
	// JSON-RPC.
	Method string
	// ToolName is params.name for tools/call requests.
	ToolName string
	// IsValid reports whether the body parsed as a JSON-RPC request.
	IsValid bool
}

// IsToolCall reports whether this request invokes a tool.
func (p ParsedRequest) IsToolCall() bool {
	return p.Method == MethodToolsCall
}

// IsNotification reports whether this is a JSON-RPC notification (no id).
func (p ParsedRequest) IsNotification() bool {
	return p.IsValid && p.Method == MethodInitalizedNotif
}

// ParseRequest extracts method and tool name from a JSON-RPC body. Bodies
// that are not JSON objects with a string method come back with
// IsValid=false; the caller then authorizes against SafeMethods only.
func ParseRequest(body []byte) ParsedRequest {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ParsedRequest{}
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return ParsedRequest{}
	}

	method := parsed.Get("method")
	if method.Type != gjson.String || method.Str == "" {
		return ParsedRequest{}
	}

	req := ParsedRequest{
		Method:  method.Str,
		IsValid: true,
	}

	if req.Method == MethodToolsCall {
		if name := parsed.Get("params.name"); name.Type == gjson.String {
			req.ToolName = name.Str
		}
	}

	return req
}

// SafeMethods returns the methods permitted when the body is unparseable.
func SafeMethods() []string {
	return append([]string(nil), safeMethods...)
}
