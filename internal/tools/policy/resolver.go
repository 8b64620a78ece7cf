package policy

import (
	"strings"
	"sync/atomic"
)

// Reason explains a policy decision.
type Reason string

const (
	ReasonDenied       Reason = "denied"
	ReasonDisabled     Reason = "disabled"
	ReasonEnabled      Reason = "enabled"
	ReasonDefaultAllow Reason = "default_allow"
	ReasonNotListed    Reason = "not_listed"
	ReasonUnknownAgent Reason = "unknown_agent"
)

// Decision is the result of a policy check.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Rule is the deny or allow entry that matched, if any.
	Rule string
}

// Resolver is an immutable, compiled view of a Config.
type Resolver struct {
	defaultAgent string
	denied       map[string]string
	agents       map[string]compiledAgent
}

type compiledAgent struct {
	direct map[string]bool
	groups map[string]groupSetting
}

type groupSetting struct {
	enabled bool
	rule    string
}

// NewResolver compiles a policy configuration. Group entries are expanded
// once so lookups never touch the original config.
func NewResolver(cfg Config) *Resolver {
	groups := make(map[string][]string, len(cfg.Groups))
	for name, tools := range cfg.Groups {
		groups[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), GroupPrefix))] = NormalizeTools(tools)
	}

	r := &Resolver{
		defaultAgent: strings.TrimSpace(cfg.DefaultAgent),
		denied:       make(map[string]string),
		agents:       make(map[string]compiledAgent, len(cfg.Agents)),
	}

	for _, entry := range cfg.Deny {
		for _, tool := range expand(entry, groups) {
			if _, ok := r.denied[tool]; !ok {
				r.denied[tool] = strings.TrimSpace(entry)
			}
		}
	}

	for agentID, tools := range cfg.Agents {
		compiled := compiledAgent{
			direct: make(map[string]bool),
			groups: make(map[string]groupSetting),
		}
		for entry, setting := range tools {
			trimmed := strings.TrimSpace(entry)
			if isGroup(trimmed) {
				for _, tool := range expand(trimmed, groups) {
					// Disabled group membership wins over enabled membership.
					if prev, ok := compiled.groups[tool]; ok && !prev.enabled {
						continue
					}
					compiled.groups[tool] = groupSetting{enabled: setting.Enabled, rule: trimmed}
				}
				continue
			}
			compiled.direct[NormalizeTool(trimmed)] = setting.Enabled
		}
		r.agents[strings.TrimSpace(agentID)] = compiled
	}
	return r
}

// Decide evaluates the policy for an agent and tool: deny-list first, then
// the agent's allow map, then default-allow for the default agent only.
func (r *Resolver) Decide(agentID, toolName string) Decision {
	tool := NormalizeTool(toolName)
	if r == nil {
		return Decision{Allowed: true, Reason: ReasonDefaultAllow}
	}
	if rule, ok := r.denied[tool]; ok {
		return Decision{Allowed: false, Reason: ReasonDenied, Rule: rule}
	}

	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		agentID = r.defaultAgent
	}
	agent, known := r.agents[agentID]
	if known {
		if enabled, ok := agent.direct[tool]; ok {
			if enabled {
				return Decision{Allowed: true, Reason: ReasonEnabled, Rule: tool}
			}
			return Decision{Allowed: false, Reason: ReasonDisabled, Rule: tool}
		}
		if g, ok := agent.groups[tool]; ok {
			if g.enabled {
				return Decision{Allowed: true, Reason: ReasonEnabled, Rule: g.rule}
			}
			return Decision{Allowed: false, Reason: ReasonDisabled, Rule: g.rule}
		}
	}

	if r.defaultAgent != "" && agentID == r.defaultAgent {
		return Decision{Allowed: true, Reason: ReasonDefaultAllow}
	}
	if !known {
		return Decision{Allowed: false, Reason: ReasonUnknownAgent}
	}
	return Decision{Allowed: false, Reason: ReasonNotListed}
}

// IsAllowed reports whether the agent may activate the tool.
func (r *Resolver) IsAllowed(agentID, toolName string) bool {
	return r.Decide(agentID, toolName).Allowed
}

// IsDenied reports whether the tool is on the global deny-list.
func (r *Resolver) IsDenied(toolName string) bool {
	if r == nil {
		return false
	}
	_, ok := r.denied[NormalizeTool(toolName)]
	return ok
}

// FilterAllowed returns the subset of tools the agent may activate.
func (r *Resolver) FilterAllowed(agentID string, tools []string) []string {
	var result []string
	for _, tool := range tools {
		if r.IsAllowed(agentID, tool) {
			result = append(result, tool)
		}
	}
	return result
}

func isGroup(entry string) bool {
	return strings.HasPrefix(strings.ToLower(entry), GroupPrefix)
}

func expand(entry string, groups map[string][]string) []string {
	entry = strings.TrimSpace(entry)
	if isGroup(entry) {
		return groups[strings.ToLower(entry[len(GroupPrefix):])]
	}
	if tool := NormalizeTool(entry); tool != "" {
		return []string{tool}
	}
	return nil
}

// Store holds the active policy and swaps it atomically on reload.
type Store struct {
	current atomic.Pointer[Resolver]
}

// NewStore creates a store seeded with cfg.
func NewStore(cfg Config) *Store {
	s := &Store{}
	s.Replace(cfg)
	return s
}

// Replace compiles cfg and makes it the active policy.
func (s *Store) Replace(cfg Config) {
	s.current.Store(NewResolver(cfg))
}

// Resolver returns the active compiled policy.
func (s *Store) Resolver() *Resolver {
	if s == nil {
		return nil
	}
	return s.current.Load()
}

// Decide evaluates the active policy.
func (s *Store) Decide(agentID, toolName string) Decision {
	return s.Resolver().Decide(agentID, toolName)
}
