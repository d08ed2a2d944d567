// Package policy provides tool authorization: named profiles supply a
// default allow-set, explicit allow and deny lists override it, and deny
// always wins. Entries may be tool names, group labels ("group:fs"), or
// MCP wildcards ("mcp:<server>:*").
package policy

import "strings"

// Profile is a pre-configured access level.
type Profile string

const (
	// ProfileCoding allows filesystem, shell, and memory tools.
	ProfileCoding Profile = "coding"

	// ProfileFull allows every tool not explicitly denied.
	ProfileFull Profile = "full"

	// ProfileReadonly allows observation tools only.
	ProfileReadonly Profile = "readonly"

	// ProfileMinimal allows only status checks.
	ProfileMinimal Profile = "minimal"
)

// Policy combines a profile with explicit overrides.
type Policy struct {
	Profile Profile  `json:"profile,omitempty"`
	Allow   []string `json:"allow,omitempty"`
	Deny    []string `json:"deny,omitempty"`
}

// Groups are the built-in tool groups.
var Groups = map[string][]string{
	"group:fs":     {"read_file", "write_file", "list_dir"},
	"group:shell":  {"shell"},
	"group:memory": {"memory_search", "memory_save"},
	"group:time":   {"create_reminder"},
	"group:readonly": {
		"read_file", "list_dir", "memory_search", "status",
	},
}

// profileDefaults maps each profile to its default allow-set.
var profileDefaults = map[Profile][]string{
	ProfileCoding:   {"group:fs", "group:shell", "group:memory", "group:time"},
	ProfileReadonly: {"group:readonly"},
	ProfileMinimal:  {"status"},
	ProfileFull:     nil, // everything not denied
}

// Resolver expands groups and MCP wildcards against the registered tool
// universe.
type Resolver struct {
	groups     map[string][]string
	mcpServers map[string][]string
}

// NewResolver creates a resolver with the built-in groups.
func NewResolver() *Resolver {
	groups := make(map[string][]string, len(Groups))
	for name, tools := range Groups {
		groups[name] = append([]string(nil), tools...)
	}
	return &Resolver{
		groups:     groups,
		mcpServers: make(map[string][]string),
	}
}

// AddGroup registers a custom group.
func (r *Resolver) AddGroup(name string, tools []string) {
	r.groups[name] = tools
}

// RegisterMCPServer registers an MCP server's tools so that the
// "mcp:<server>:*" wildcard and "group:mcp" can expand to them. Tool names
// are stored fully qualified as "mcp:<server>:<tool>".
func (r *Resolver) RegisterMCPServer(server string, tools []string) {
	qualified := make([]string, 0, len(tools))
	for _, t := range tools {
		qualified = append(qualified, "mcp:"+server+":"+t)
	}
	r.mcpServers[server] = qualified
	r.groups["group:mcp"] = nil
	for _, ts := range r.mcpServers {
		r.groups["group:mcp"] = append(r.groups["group:mcp"], ts...)
	}
}

// Expand resolves group labels and MCP wildcards into concrete tool names.
func (r *Resolver) Expand(items []string) []string {
	var result []string
	seen := make(map[string]bool)

	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			result = append(result, name)
		}
	}

	for _, item := range items {
		name := normalize(item)

		if tools, ok := r.groups[name]; ok {
			for _, t := range tools {
				add(t)
			}
			continue
		}

		if server, ok := mcpWildcardServer(name); ok {
			if server == "*" {
				for _, ts := range r.mcpServers {
					for _, t := range ts {
						add(t)
					}
				}
			} else {
				for _, t := range r.mcpServers[server] {
					add(t)
				}
			}
			continue
		}

		add(name)
	}
	return result
}

// IsAllowed reports whether the policy permits the tool. Deny entries win
// over everything; the full profile allows any tool not denied.
func (r *Resolver) IsAllowed(p *Policy, toolName string) bool {
	if p == nil {
		return true
	}
	name := normalize(toolName)

	for _, d := range r.Expand(p.Deny) {
		if matches(d, name) {
			return false
		}
	}
	for _, raw := range p.Deny {
		if matches(normalize(raw), name) {
			return false
		}
	}

	if p.Profile == ProfileFull {
		return true
	}

	allowed := r.Expand(profileDefaults[p.Profile])
	allowed = append(allowed, r.Expand(p.Allow)...)
	for _, a := range allowed {
		if matches(a, name) {
			return true
		}
	}
	for _, raw := range p.Allow {
		if matches(normalize(raw), name) {
			return true
		}
	}
	return false
}

// Filter returns the subset of tools the policy allows.
func (r *Resolver) Filter(p *Policy, tools []string) []string {
	var out []string
	for _, t := range tools {
		if r.IsAllowed(p, t) {
			out = append(out, t)
		}
	}
	return out
}

// ForProfile builds a policy from a profile name, falling back to full.
func ForProfile(name string) *Policy {
	switch Profile(name) {
	case ProfileCoding, ProfileReadonly, ProfileMinimal, ProfileFull:
		return &Policy{Profile: Profile(name)}
	default:
		return &Policy{Profile: ProfileFull}
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// matches compares a policy entry with a concrete tool name, honoring the
// "mcp:<server>:*" and "mcp:*" wildcard forms.
func matches(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(name, "mcp:")
	}
	if strings.HasSuffix(pattern, ":*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func mcpWildcardServer(name string) (string, bool) {
	if name == "mcp:*" {
		return "*", true
	}
	if strings.HasPrefix(name, "mcp:") && strings.HasSuffix(name, ":*") {
		server := strings.TrimSuffix(strings.TrimPrefix(name, "mcp:"), ":*")
		if server != "" {
			return server, true
		}
	}
	return "", false
}
