// Package upstream opens MCP sessions against registered services. The
// health supervisor drives it: one probe is a full handshake (initialize,
// notifications/initialized) followed by tools/list.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpgateway-go/internal/registry"
)

const (
	clientName = "mcpgateway-health"
	// clientVersion is reported in the MCP handshake.
	clientVersion = "1.0.0"
)

// ProbeResult is the outcome of one successful MCP session.
type ProbeResult struct {
	ServerName      string
	ProtocolVersion string
	Tools           []registry.ToolDescriptor
	Latency         time.Duration
}

// AuthError marks a probe rejected by the backend's own authentication
// (HTTP 401/403). The service is reachable; its credentials are stale.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("backend rejected credentials: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Prober opens MCP sessions for health checks.
type Prober struct {
	logger *zap.Logger
}

// NewProber creates a prober.
func NewProber(logger *zap.Logger) *Prober {
	return &Prober{logger: logger.Named("upstream")}
}

// Probe performs the full MCP handshake and inventory fetch against the
// service. The caller bounds ctx with the probe timeout.
func (p *Prober) Probe(ctx context.Context, rec *registry.ServiceRecord) (*ProbeResult, error) {
	start := time.Now()

	c, err := p.newClient(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client for %s: %w", rec.Path, err)
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return nil, classify(fmt.Errorf("transport start failed: %w", err))
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := c.Initialize(ctx, initRequest)
	if err != nil {
		return nil, classify(fmt.Errorf("initialize failed: %w", err))
	}

	toolsResult, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, classify(fmt.Errorf("tools/list failed: %w", err))
	}

	tools := make([]registry.ToolDescriptor, 0, len(toolsResult.Tools))
	for _, tool := range toolsResult.Tools {
		tools = append(tools, registry.ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaToMap(tool.InputSchema),
		})
	}

	result := &ProbeResult{
		ServerName:      serverInfo.ServerInfo.Name,
		ProtocolVersion: serverInfo.ProtocolVersion,
		Tools:           tools,
		Latency:         time.Since(start),
	}

	p.logger.Debug("probe succeeded",
		zap.String("path", rec.Path),
		zap.Int("tools", len(tools)),
		zap.Duration("latency", result.Latency))
	return result, nil
}

// newClient builds the MCP client for the service's first supported
// transport. Static header injections ride along so authenticated backends
// accept the probe.
func (p *Prober) newClient(rec *registry.ServiceRecord) (*client.Client, error) {
	headers := make(map[string]string, len(rec.Headers))
	for _, h := range rec.Headers {
		headers[h.Name] = h.Value
	}

	switch rec.ProbeTransport() {
	case registry.TransportSSE:
		httpClient := &http.Client{
			Timeout: 180 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 5,
			},
		}
		opts := []transport.ClientOption{client.WithHTTPClient(httpClient)}
		if len(headers) > 0 {
			opts = append(opts, client.WithHeaders(headers))
		}
		return client.NewSSEMCPClient(rec.ProxyPassURL, opts...)
	default:
		opts := []transport.StreamableHTTPCOption{
			transport.WithHTTPTimeout(60 * time.Second),
		}
		if len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		httpTransport, err := transport.NewStreamableHTTP(rec.ProxyPassURL, opts...)
		if err != nil {
			return nil, err
		}
		return client.NewClient(httpTransport), nil
	}
}

// classify wraps HTTP 401/403 rejections in AuthError so the supervisor can
// distinguish stale credentials from an unreachable service.
func classify(err error) error {
	if isAuthError(err) {
		return &AuthError{Err: err}
	}
	return err
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"401", "Unauthorized",
		"403", "Forbidden",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// schemaToMap converts the SDK's input schema to the registry's JSON form.
func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	out := map[string]any{
		"type": schema.Type,
	}
	if len(schema.Properties) > 0 {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}
