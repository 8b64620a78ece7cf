// Package policy decides whether a tool may be activated for an agent.
// It combines a global deny-list, per-agent allow maps and named tool groups.
// Deny rules always take precedence over allow rules.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// GroupPrefix marks a deny or allow entry that names a tool group.
const GroupPrefix = "group:"

// Config is the activation policy for every agent.
type Config struct {
	// DefaultAgent is the designated default configuration. Only this agent
	// falls back to allowing tools that are absent from its allow map.
	DefaultAgent string `json:"default_agent,omitempty" yaml:"default_agent"`

	// Deny lists tools or groups that are never activated.
	Deny []string `json:"deny,omitempty" yaml:"deny"`

	// Agents maps an agent id to its per-tool settings.
	Agents map[string]AgentTools `json:"agents,omitempty" yaml:"agents"`

	// Groups defines named groups usable as "group:<name>" entries.
	Groups map[string][]string `json:"groups,omitempty" yaml:"groups"`
}

// AgentTools maps a tool name (or group entry) to its setting.
type AgentTools map[string]ToolSetting

// ToolSetting enables or disables a tool for an agent. It decodes from either
// a bare boolean or an object with an "enabled" field.
type ToolSetting struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// UnmarshalJSON accepts `true`, `false` or `{"enabled": bool}`.
func (s *ToolSetting) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		s.Enabled = b
		return nil
	}
	var obj struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("tool setting must be a bool or {enabled: bool}: %w", err)
	}
	s.Enabled = obj.Enabled == nil || *obj.Enabled
	return nil
}

// UnmarshalYAML accepts `true`, `false` or `{enabled: bool}`.
func (s *ToolSetting) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var b bool
		if err := node.Decode(&b); err != nil {
			return fmt.Errorf("tool setting must be a bool or {enabled: bool}: %w", err)
		}
		s.Enabled = b
		return nil
	}
	var obj struct {
		Enabled *bool `yaml:"enabled"`
	}
	if err := node.Decode(&obj); err != nil {
		return fmt.Errorf("tool setting must be a bool or {enabled: bool}: %w", err)
	}
	s.Enabled = obj.Enabled == nil || *obj.Enabled
	return nil
}

// ToolAliases maps alternative names to canonical tool names.
var ToolAliases = map[string]string{
	"finish":        "complete",
	"done":          "complete",
	"ask_user":      "ask",
	"discover":      "expand_tools",
	"load_tools":    "expand_tools",
	"attach_images": "attach_image",
}

// NormalizeTool normalizes a tool name to its canonical form by converting
// to lowercase and resolving known aliases.
func NormalizeTool(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := ToolAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// NormalizeTools normalizes a list of tool names to their canonical forms.
func NormalizeTools(names []string) []string {
	result := make([]string, 0, len(names))
	for _, name := range names {
		normalized := NormalizeTool(name)
		if normalized != "" {
			result = append(result, normalized)
		}
	}
	return result
}
