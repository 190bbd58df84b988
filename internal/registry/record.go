// Package registry owns the service records: validation, persistence as one
// JSON file per service, the unique-path invariant, and the mutation surface
// the admin API and the gateway's own MCP tools drive.
package registry

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Auth providers a service record may declare.
const (
	AuthProviderNone             = "none"
	AuthProviderCognito          = "cognito"
	AuthProviderKeycloak         = "keycloak"
	AuthProviderBedrockAgentCore = "bedrock-agentcore"
)

// Supported proxy transports.
const (
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// ToolDescriptor is one advertised tool in a service's inventory.
type ToolDescriptor struct {
	Name        string         `json:"name" validate:"required"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
}

// HeaderInjection is a static header the reverse proxy adds to upstream
// requests for this service.
type HeaderInjection struct {
	Name  string `json:"name" validate:"required"`
	Value string `json:"value"`
}

// ServiceRecord describes one registered MCP server. Path is the identity.
type ServiceRecord struct {
	Path         string `json:"path" validate:"required,service_path"`
	ServerName   string `json:"server_name" validate:"required"`
	ProxyPassURL string `json:"proxy_pass_url" validate:"required"`

	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	License     string   `json:"license,omitempty"`
	IsPython    bool     `json:"is_python,omitempty"`
	NumStars    int      `json:"num_stars,omitempty" validate:"gte=0"`
	NumTools    int      `json:"num_tools,omitempty" validate:"gte=0"`

	AuthProvider        string            `json:"auth_provider,omitempty"`
	SupportedTransports []string          `json:"supported_transports,omitempty" validate:"dive,oneof=sse streamable-http"`
	Headers             []HeaderInjection `json:"headers,omitempty" validate:"dive"`

	ToolList []ToolDescriptor `json:"tool_list,omitempty" validate:"dive"`

	Enabled bool `json:"enabled"`
}

// Clone returns a deep copy so callers never share slices with the manager's
// in-memory state.
func (r *ServiceRecord) Clone() *ServiceRecord {
	out := *r
	out.Tags = append([]string(nil), r.Tags...)
	out.SupportedTransports = append([]string(nil), r.SupportedTransports...)
	out.Headers = append([]HeaderInjection(nil), r.Headers...)
	out.ToolList = make([]ToolDescriptor, len(r.ToolList))
	for i, tool := range r.ToolList {
		cloned := tool
		cloned.Tags = append([]string(nil), tool.Tags...)
		if tool.InputSchema != nil {
			schema := make(map[string]any, len(tool.InputSchema))
			for k, v := range tool.InputSchema {
				schema[k] = v
			}
			cloned.InputSchema = schema
		}
		out.ToolList[i] = cloned
	}
	return &out
}

// ToolNames returns the inventory's tool names in declaration order.
func (r *ServiceRecord) ToolNames() []string {
	names := make([]string, 0, len(r.ToolList))
	for _, tool := range r.ToolList {
		names = append(names, tool.Name)
	}
	return names
}

// ProbeTransport returns the transport the health supervisor should use:
// the first supported transport, defaulting to streamable HTTP.
func (r *ServiceRecord) ProbeTransport() string {
	if len(r.SupportedTransports) > 0 {
		return r.SupportedTransports[0]
	}
	return TransportStreamableHTTP
}

// Normalize applies the registration rewrites: the path always begins with
// "/", the upstream URL always carries a trailing "/", and bedrock-agentcore
// services get their path slash-terminated and any trailing /mcp segment
// stripped from the upstream URL.
func (r *ServiceRecord) Normalize() {
	if r.Path != "" && !strings.HasPrefix(r.Path, "/") {
		r.Path = "/" + r.Path
	}
	r.Path = strings.TrimSuffix(r.Path, "/")
	if r.Path == "" {
		r.Path = "/"
	}

	if r.AuthProvider == AuthProviderBedrockAgentCore {
		if !strings.HasSuffix(r.Path, "/") {
			r.Path += "/"
		}
		r.ProxyPassURL = strings.TrimSuffix(r.ProxyPassURL, "/mcp/")
		r.ProxyPassURL = strings.TrimSuffix(r.ProxyPassURL, "/mcp")
	}

	if r.ProxyPassURL != "" && !strings.HasSuffix(r.ProxyPassURL, "/") {
		r.ProxyPassURL += "/"
	}
}

// newValidator builds the validator with the service_path rule registered.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("service_path", func(fl validator.FieldLevel) bool {
		path := fl.Field().String()
		return len(path) >= 2 && strings.HasPrefix(path, "/")
	})
	return v
}

// validateRecord checks field-level rules plus the URL invariants the tag
// language cannot express.
func validateRecord(v *validator.Validate, r *ServiceRecord) error {
	if err := v.Struct(r); err != nil {
		return fmt.Errorf("invalid service record: %w", err)
	}

	u, err := url.Parse(r.ProxyPassURL)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("proxy_pass_url must be an absolute URL: %q", r.ProxyPassURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("proxy_pass_url scheme must be http or https, got %q", u.Scheme)
	}

	seen := make(map[string]struct{}, len(r.ToolList))
	for _, tool := range r.ToolList {
		if _, dup := seen[tool.Name]; dup {
			return fmt.Errorf("duplicate tool name %q in inventory", tool.Name)
		}
		seen[tool.Name] = struct{}{}
	}
	return nil
}

// fileNameForPath maps a service path to its record filename: slashes become
// underscores so the path stays readable on disk.
func fileNameForPath(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		trimmed = "root"
	}
	return strings.ReplaceAll(trimmed, "/", "_") + ".json"
}
