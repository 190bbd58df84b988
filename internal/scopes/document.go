// Package scopes owns the scope policy document: the single YAML file
// mapping groups to per-server, per-method, per-tool permissions, plus the
// UI capability roles and the default groups applied to principals whose
// groups match nothing.
package scopes

import (
	"sort"
	"strings"
)

// Well-known policy names that must exist at boot and cannot be deleted.
const (
	GroupUnrestrictedRead    = "mcp-servers-unrestricted/read"
	GroupUnrestrictedExecute = "mcp-servers-unrestricted/execute"

	UIRoleAdmin = "mcp-registry-admin"
	UIRoleUser  = "mcp-registry-user"
)

// UI capabilities referenced by the admin surface.
const (
	CapabilityListService   = "list_service"
	CapabilityRegister      = "register_service"
	CapabilityHealthCheck   = "health_check_service"
	CapabilityToggle        = "toggle_service"
	CapabilityModify        = "modify_service"
	CapabilityObservability = "observability"
)

// Auth kinds used for Default-Scopes lookups.
const (
	AuthKindSession = "session"
	AuthKindIngress = "ingress"
	AuthKindEgress  = "egress"
)

// WildcardAll matches every service or tool in a permission entry.
const WildcardAll = "*"

// uiWildcard marks a UI capability granted for all services.
const uiWildcard = "all"

// ServerPermission grants methods (and tools, for tools/call) on one server.
// Server is matched against the service path, its registered name, or "*".
type ServerPermission struct {
	Server  string   `yaml:"server" json:"server"`
	Methods []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	Tools   []string `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// MatchesService reports whether this entry covers the given service.
func (p ServerPermission) MatchesService(path, name string) bool {
	if p.Server == WildcardAll {
		return true
	}
	if p.Server == path || p.Server == name {
		return true
	}
	// Tolerate a missing leading slash in hand-edited documents.
	return "/"+strings.TrimPrefix(p.Server, "/") == path
}

// AllowsMethod reports whether the MCP method is in the entry's method list.
func (p ServerPermission) AllowsMethod(method string) bool {
	for _, m := range p.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// AllowsTool reports whether the tool is permitted for tools/call. An entry
// with no tools field denies every tool.
func (p ServerPermission) AllowsTool(tool string) bool {
	for _, t := range p.Tools {
		if t == WildcardAll || t == tool {
			return true
		}
	}
	return false
}

func (p ServerPermission) equal(other ServerPermission) bool {
	if p.Server != other.Server {
		return false
	}
	return equalStringSets(p.Methods, other.Methods) && equalStringSets(p.Tools, other.Tools)
}

// UIRole maps a UI capability to the service paths it covers ("all" for every
// service).
type UIRole map[string][]string

// Allows reports whether the role grants the capability for the service.
// An empty servicePath checks for the capability on any service.
func (r UIRole) Allows(capability, servicePath string) bool {
	targets, ok := r[capability]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == uiWildcard {
			return true
		}
		if servicePath == "" || t == servicePath {
			return true
		}
	}
	return false
}

// Document is the full scope policy. Group names live at the top level of
// the YAML document alongside the two reserved regions, matching the
// deployed file format:
//
//	UI-Scopes:
//	  mcp-registry-admin:
//	    list_service: [all]
//	Default-Scopes:
//	  ingress: mcp-servers-unrestricted/read
//	mcp-servers-finance/read:
//	  - server: /fininfo
//	    methods: [initialize, ping, tools/list, tools/call]
//	    tools: [get_stock_aggregates]
type Document struct {
	UIScopes      map[string]UIRole             `yaml:"UI-Scopes,omitempty"`
	DefaultScopes map[string]string             `yaml:"Default-Scopes,omitempty"`
	Groups        map[string][]ServerPermission `yaml:",inline"`
}

// DefaultDocument builds the boot-time policy: both unrestricted groups, the
// UI admin and user roles, and an ingress default pointing at unrestricted
// read.
func DefaultDocument() *Document {
	readMethods := []string{"initialize", "notifications/initialized", "ping", "tools/list"}
	executeMethods := append(append([]string{}, readMethods...), "tools/call")

	return &Document{
		UIScopes: map[string]UIRole{
			UIRoleAdmin: {
				CapabilityListService:   []string{uiWildcard},
				CapabilityRegister:      []string{uiWildcard},
				CapabilityHealthCheck:   []string{uiWildcard},
				CapabilityToggle:        []string{uiWildcard},
				CapabilityModify:        []string{uiWildcard},
				CapabilityObservability: []string{uiWildcard},
			},
			UIRoleUser: {
				CapabilityListService: []string{uiWildcard},
			},
		},
		DefaultScopes: map[string]string{
			AuthKindIngress: GroupUnrestrictedRead,
		},
		Groups: map[string][]ServerPermission{
			GroupUnrestrictedRead: {
				{Server: WildcardAll, Methods: readMethods},
			},
			GroupUnrestrictedExecute: {
				{Server: WildcardAll, Methods: executeMethods, Tools: []string{WildcardAll}},
			},
		},
	}
}

// Clone returns a deep copy. Mutations operate on clones so snapshots held
// by readers stay immutable.
func (d *Document) Clone() *Document {
	out := &Document{
		UIScopes:      make(map[string]UIRole, len(d.UIScopes)),
		DefaultScopes: make(map[string]string, len(d.DefaultScopes)),
		Groups:        make(map[string][]ServerPermission, len(d.Groups)),
	}
	for role, caps := range d.UIScopes {
		cloned := make(UIRole, len(caps))
		for capability, targets := range caps {
			cloned[capability] = append([]string(nil), targets...)
		}
		out.UIScopes[role] = cloned
	}
	for kind, group := range d.DefaultScopes {
		out.DefaultScopes[kind] = group
	}
	for group, perms := range d.Groups {
		clonedPerms := make([]ServerPermission, len(perms))
		for i, p := range perms {
			clonedPerms[i] = ServerPermission{
				Server:  p.Server,
				Methods: append([]string(nil), p.Methods...),
				Tools:   append([]string(nil), p.Tools...),
			}
		}
		out.Groups[group] = clonedPerms
	}
	return out
}

// GroupNames returns the group names in sorted order.
func (d *Document) GroupNames() []string {
	names := make([]string, 0, len(d.Groups))
	for name := range d.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasGroup reports whether the group exists in the policy.
func (d *Document) HasGroup(name string) bool {
	_, ok := d.Groups[name]
	return ok
}

// PermissionsFor returns every permission entry the given groups grant on
// the service identified by path and registered name. Groups absent from the
// policy are ignored.
func (d *Document) PermissionsFor(groups []string, servicePath, serviceName string) []ServerPermission {
	var out []ServerPermission
	for _, g := range groups {
		for _, perm := range d.Groups[g] {
			if perm.MatchesService(servicePath, serviceName) {
				out = append(out, perm)
			}
		}
	}
	return out
}

// DefaultGroup returns the fallback group for an auth kind, if configured.
func (d *Document) DefaultGroup(authKind string) (string, bool) {
	g, ok := d.DefaultScopes[authKind]
	return g, ok && g != ""
}

// UIAllows reports whether any of the principal's groups map to a UI role
// granting the capability. Group names double as UI role names.
func (d *Document) UIAllows(groups []string, capability, servicePath string) bool {
	for _, g := range groups {
		if role, ok := d.UIScopes[g]; ok && role.Allows(capability, servicePath) {
			return true
		}
	}
	return false
}

// protectedGroups cannot be deleted.
func protectedGroup(name string) bool {
	switch name {
	case GroupUnrestrictedRead, GroupUnrestrictedExecute:
		return true
	}
	return false
}

func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
		if seen[s] < 0 {
			return false
		}
	}
	return true
}
