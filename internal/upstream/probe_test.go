package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpgateway-go/internal/registry"
)

func startFakeMCPServer(t *testing.T) *httptest.Server {
	t.Helper()

	mcpServer := mcpserver.NewMCPServer("fake-time-service", "0.1.0",
		mcpserver.WithToolCapabilities(true),
	)
	tool := mcp.NewTool("current_time_by_timezone",
		mcp.WithDescription("Returns the current time in the given timezone"),
		mcp.WithString("tz_name", mcp.Required(), mcp.Description("IANA timezone name")),
	)
	mcpServer.AddTool(tool, func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("12:00"), nil
	})

	streamable := mcpserver.NewStreamableHTTPServer(mcpServer)
	ts := httptest.NewServer(streamable)
	t.Cleanup(ts.Close)
	return ts
}

func TestProbeHappyPath(t *testing.T) {
	ts := startFakeMCPServer(t)

	prober := NewProber(zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec := &registry.ServiceRecord{
		Path:         "/currenttime",
		ServerName:   "Current Time",
		ProxyPassURL: ts.URL + "/",
		Enabled:      true,
	}

	result, err := prober.Probe(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "fake-time-service", result.ServerName)
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "current_time_by_timezone", result.Tools[0].Name)
	assert.Contains(t, result.Tools[0].Description, "timezone")
	assert.Positive(t, result.Latency)
}

func TestProbeAuthRejection(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()

	prober := NewProber(zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := prober.Probe(ctx, &registry.ServiceRecord{
		Path:         "/locked",
		ServerName:   "Locked",
		ProxyPassURL: ts.URL + "/",
	})
	require.Error(t, err)

	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestProbeUnreachable(t *testing.T) {
	prober := NewProber(zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := prober.Probe(ctx, &registry.ServiceRecord{
		Path:         "/nowhere",
		ServerName:   "Nowhere",
		ProxyPassURL: "http://127.0.0.1:1/",
	})
	require.Error(t, err)

	// Connection refusal must not classify as an auth rejection.
	var authErr *AuthError
	assert.False(t, errors.As(err, &authErr))
}
