package mcpparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		want     ParsedRequest
	}{
		{
			name: "tools call with name",
			body: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_stock_aggregates","arguments":{"ticker":"AMZN"}}}`,
			want: ParsedRequest{Method: MethodToolsCall, ToolName: "get_stock_aggregates", IsValid: true},
		},
		{
			name: "tools list",
			body: `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
			want: ParsedRequest{Method: MethodToolsList, IsValid: true},
		},
		{
			name: "initialize",
			body: `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`,
			want: ParsedRequest{Method: MethodInitialize, IsValid: true},
		},
		{
			name: "initialized notification",
			body: `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			want: ParsedRequest{Method: MethodInitalizedNotif, IsValid: true},
		},
		{
			name: "tools call without name",
			body: `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{}}`,
			want: ParsedRequest{Method: MethodToolsCall, IsValid: true},
		},
		{
			name: "empty body",
			body: "",
			want: ParsedRequest{},
		},
		{
			name: "not json",
			body: "GET / HTTP/1.1",
			want: ParsedRequest{},
		},
		{
			name: "json array",
			body: `[{"method":"tools/call"}]`,
			want: ParsedRequest{},
		},
		{
			name: "method not a string",
			body: `{"method":42}`,
			want: ParsedRequest{},
		},
		{
			name: "missing method",
			body: `{"jsonrpc":"2.0","id":1}`,
			want: ParsedRequest{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRequest([]byte(tt.body))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsToolCall(t *testing.T) {
	assert.True(t, ParsedRequest{Method: MethodToolsCall}.IsToolCall())
	assert.False(t, ParsedRequest{Method: MethodToolsList}.IsToolCall())
}

func TestSafeMethodsExcludeToolsCall(t *testing.T) {
	for _, m := range SafeMethods() {
		assert.NotEqual(t, MethodToolsCall, m)
	}
	assert.Contains(t, SafeMethods(), MethodInitialize)
	assert.Contains(t, SafeMethods(), MethodPing)
	assert.Contains(t, SafeMethods(), MethodToolsList)
}
