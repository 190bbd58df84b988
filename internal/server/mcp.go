package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"mcpgateway-go/internal/groups"
	"mcpgateway-go/internal/health"
	"mcpgateway-go/internal/index"
	"mcpgateway-go/internal/registry"
)

// adminMCP exposes the gateway's management surface as MCP tools so agents
// can drive registration, health, discovery, and group sync over the same
// protocol they proxy.
type adminMCP struct {
	server   *mcpserver.MCPServer
	registry *registry.Manager
	health   *health.Supervisor
	index    *index.Manager
	groups   *groups.Sync
	topK     int
	topN     int
	logger   *zap.Logger
}

func newAdminMCP(version string, reg *registry.Manager, healthSv *health.Supervisor, idx *index.Manager, sync *groups.Sync, topK, topN int, logger *zap.Logger) *adminMCP {
	a := &adminMCP{
		server: mcpserver.NewMCPServer(
			"mcpgateway",
			version,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithRecovery(),
		),
		registry: reg,
		health:   healthSv,
		index:    idx,
		groups:   sync,
		topK:     topK,
		topN:     topN,
		logger:   logger.Named("mcp"),
	}
	a.registerTools()
	return a
}

// Handler returns the streamable HTTP transport for the admin server.
func (a *adminMCP) Handler() *mcpserver.StreamableHTTPServer {
	return mcpserver.NewStreamableHTTPServer(a.server)
}

func (a *adminMCP) registerTools() {
	a.server.AddTool(mcp.NewTool("register_service",
		mcp.WithDescription("Register a new MCP server with the gateway. The service becomes routable once enabled and passes its first health probe."),
		mcp.WithString("path", mcp.Required(),
			mcp.Description("Unique routing prefix for the service, e.g. '/currenttime'")),
		mcp.WithString("server_name", mcp.Required(),
			mcp.Description("Human-readable service name")),
		mcp.WithString("proxy_pass_url", mcp.Required(),
			mcp.Description("Upstream base URL the proxy forwards to")),
		mcp.WithString("description",
			mcp.Description("What the service does; feeds tool discovery")),
		mcp.WithString("tags",
			mcp.Description("Comma-separated tags for discovery filtering")),
		mcp.WithBoolean("enabled",
			mcp.Description("Whether the service starts enabled (default: true)")),
	), a.handleRegisterService)

	a.server.AddTool(mcp.NewTool("remove_service",
		mcp.WithDescription("Delete a registered service. Its routes are dropped and it is removed from every scope group."),
		mcp.WithString("path", mcp.Required(),
			mcp.Description("The service's routing prefix")),
	), a.handleRemoveService)

	a.server.AddTool(mcp.NewTool("toggle_service",
		mcp.WithDescription("Enable or disable a registered service. Disabled services are not routed, probed, or indexed."),
		mcp.WithString("path", mcp.Required(),
			mcp.Description("The service's routing prefix")),
		mcp.WithBoolean("enabled", mcp.Required(),
			mcp.Description("Desired state")),
	), a.handleToggleService)

	a.server.AddTool(mcp.NewTool("healthcheck",
		mcp.WithDescription("Report the latest probe outcome for every service, or probe one service immediately when 'path' is given."),
		mcp.WithString("path",
			mcp.Description("Probe this service now instead of reading the cached snapshot")),
	), a.handleHealthcheck)

	a.server.AddTool(mcp.NewTool("intelligent_tool_finder",
		mcp.WithDescription("Find the most relevant tools across all healthy services using natural language. Describe the task, get back ranked tool candidates with their schemas."),
		mcp.WithString("query", mcp.Required(),
			mcp.Description("Natural language description of the task, e.g. 'current time in Tokyo'")),
		mcp.WithNumber("top_k_services",
			mcp.Description("Stage-one service candidates to consider")),
		mcp.WithNumber("top_n_tools",
			mcp.Description("Maximum tools to return")),
		mcp.WithString("tags",
			mcp.Description("Comma-separated tags; only services sharing one are searched")),
	), a.handleToolFinder)

	a.server.AddTool(mcp.NewTool("list_groups",
		mcp.WithDescription("List access-control groups across the scope policy and the identity provider, with per-group sync state."),
	), a.handleListGroups)

	a.server.AddTool(mcp.NewTool("create_group",
		mcp.WithDescription("Create an access-control group in the identity provider and the scope policy."),
		mcp.WithString("name", mcp.Required(),
			mcp.Description("Group name, e.g. 'mcp-servers-finance/read'")),
		mcp.WithString("description",
			mcp.Description("Group description stored in the identity provider")),
	), a.handleCreateGroup)

	a.server.AddTool(mcp.NewTool("delete_group",
		mcp.WithDescription("Delete an access-control group from the scope policy and the identity provider. The built-in unrestricted groups are protected."),
		mcp.WithString("name", mcp.Required(),
			mcp.Description("Group name to delete")),
	), a.handleDeleteGroup)

	a.server.AddTool(mcp.NewTool("add_server_to_scopes_groups",
		mcp.WithDescription("Grant a service's full current tool inventory and the standard MCP methods to one or more groups."),
		mcp.WithString("server", mcp.Required(),
			mcp.Description("Service path or registered name")),
		mcp.WithString("groups", mcp.Required(),
			mcp.Description("Comma-separated group names")),
	), a.handleAddServerToGroups)

	a.server.AddTool(mcp.NewTool("remove_server_from_scopes_groups",
		mcp.WithDescription("Revoke a service's permissions from one or more groups."),
		mcp.WithString("server", mcp.Required(),
			mcp.Description("Service path or registered name")),
		mcp.WithString("groups", mcp.Required(),
			mcp.Description("Comma-separated group names")),
	), a.handleRemoveServerFromGroups)

	a.server.AddTool(mcp.NewTool("create_m2m_user",
		mcp.WithDescription("Provision a machine-to-machine service account in the identity provider and assign it to groups. The client secret is returned exactly once."),
		mcp.WithString("name", mcp.Required(),
			mcp.Description("Account name")),
		mcp.WithString("groups", mcp.Required(),
			mcp.Description("Comma-separated group names the account joins")),
		mcp.WithString("description",
			mcp.Description("Account description")),
	), a.handleCreateM2MUser)
}

func (a *adminMCP) handleRegisterService(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'path': %v", err)), nil
	}
	serverName, err := request.RequireString("server_name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'server_name': %v", err)), nil
	}
	proxyPassURL, err := request.RequireString("proxy_pass_url")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'proxy_pass_url': %v", err)), nil
	}

	rec := &registry.ServiceRecord{
		Path:         path,
		ServerName:   serverName,
		ProxyPassURL: proxyPassURL,
		Description:  request.GetString("description", ""),
		Tags:         splitCSV(request.GetString("tags", "")),
		Enabled:      request.GetBool("enabled", true),
	}
	created, err := a.registry.Register(rec)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Registration failed: %v", err)), nil
	}
	return jsonResult(created)
}

func (a *adminMCP) handleRemoveService(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'path': %v", err)), nil
	}
	if err := a.registry.Remove(path); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Removal failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Service %s removed", path)), nil
}

func (a *adminMCP) handleToggleService(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'path': %v", err)), nil
	}
	args := request.GetArguments()
	enabled, ok := args["enabled"].(bool)
	if !ok {
		return mcp.NewToolResultError("Missing required parameter 'enabled'"), nil
	}
	rec, err := a.registry.Toggle(path, enabled)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Toggle failed: %v", err)), nil
	}
	return jsonResult(rec)
}

func (a *adminMCP) handleHealthcheck(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if path := request.GetString("path", ""); path != "" {
		status, err := a.health.CheckNow(ctx, path)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Probe failed: %v", err)), nil
		}
		return jsonResult(map[string]health.Status{path: status})
	}
	return jsonResult(a.health.Snapshot())
}

func (a *adminMCP) handleToolFinder(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'query': %v", err)), nil
	}
	topK := int(request.GetFloat("top_k_services", float64(a.topK)))
	topN := int(request.GetFloat("top_n_tools", float64(a.topN)))
	tags := splitCSV(request.GetString("tags", ""))

	hits, err := a.index.Query(ctx, query, topK, topN, tags)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Search failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"tools": hits})
}

func (a *adminMCP) handleListGroups(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	listed, err := a.groups.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Listing failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"groups": listed})
}

func (a *adminMCP) handleCreateGroup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'name': %v", err)), nil
	}
	if err := a.groups.CreateGroup(ctx, name, request.GetString("description", "")); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Group creation failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Group %s created", name)), nil
}

func (a *adminMCP) handleDeleteGroup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'name': %v", err)), nil
	}
	if err := a.groups.DeleteGroup(ctx, name); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Group deletion failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Group %s deleted", name)), nil
}

func (a *adminMCP) handleAddServerToGroups(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	server, groupNames, errResult := serverAndGroups(request)
	if errResult != nil {
		return errResult, nil
	}
	result, err := a.groups.AddServerToGroups(server, groupNames)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Membership update failed: %v", err)), nil
	}
	return jsonResult(result)
}

func (a *adminMCP) handleRemoveServerFromGroups(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	server, groupNames, errResult := serverAndGroups(request)
	if errResult != nil {
		return errResult, nil
	}
	result, err := a.groups.RemoveServerFromGroups(server, groupNames)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Membership update failed: %v", err)), nil
	}
	return jsonResult(result)
}

func (a *adminMCP) handleCreateM2MUser(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'name': %v", err)), nil
	}
	groupsArg, err := request.RequireString("groups")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'groups': %v", err)), nil
	}
	result, err := a.groups.CreateM2MUser(ctx, name, splitCSV(groupsArg), request.GetString("description", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Account creation failed: %v", err)), nil
	}
	return jsonResult(result)
}

func serverAndGroups(request mcp.CallToolRequest) (string, []string, *mcp.CallToolResult) {
	server, err := request.RequireString("server")
	if err != nil {
		return "", nil, mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'server': %v", err))
	}
	groupsArg, err := request.RequireString("groups")
	if err != nil {
		return "", nil, mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'groups': %v", err))
	}
	groupNames := splitCSV(groupsArg)
	if len(groupNames) == 0 {
		return "", nil, mcp.NewToolResultError("At least one group is required")
	}
	return server, groupNames, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to serialize result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
