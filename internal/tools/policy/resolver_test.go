package policy

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func testConfig() Config {
	return Config{
		DefaultAgent: "default",
		Deny:         []string{"shell", "group:dangerous"},
		Groups: map[string][]string{
			"dangerous": {"rm_rf", "format_disk"},
			"web":       {"search", "fetch"},
		},
		Agents: map[string]AgentTools{
			"default": {
				"fetch": {Enabled: false},
			},
			"researcher": {
				"group:web": {Enabled: true},
				"fetch":     {Enabled: false},
				"shell":     {Enabled: true},
			},
		},
	}
}

func TestResolverDecide(t *testing.T) {
	r := NewResolver(testConfig())

	tests := []struct {
		name    string
		agent   string
		tool    string
		allowed bool
		reason  Reason
	}{
		{"deny-list beats agent allow", "researcher", "shell", false, ReasonDenied},
		{"deny-list group", "default", "format_disk", false, ReasonDenied},
		{"group enabled", "researcher", "search", true, ReasonEnabled},
		{"direct entry beats group", "researcher", "fetch", false, ReasonDisabled},
		{"unlisted tool for non-default agent", "researcher", "calendar", false, ReasonNotListed},
		{"default agent falls back to allow", "default", "calendar", true, ReasonDefaultAllow},
		{"default agent explicit disable", "default", "fetch", false, ReasonDisabled},
		{"empty agent uses default", "", "calendar", true, ReasonDefaultAllow},
		{"unknown agent", "ghost", "calendar", false, ReasonUnknownAgent},
		{"alias normalised", "default", "FINISH", true, ReasonDefaultAllow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Decide(tt.agent, tt.tool)
			if d.Allowed != tt.allowed || d.Reason != tt.reason {
				t.Errorf("Decide(%q, %q) = %+v, want allowed=%v reason=%s", tt.agent, tt.tool, d, tt.allowed, tt.reason)
			}
		})
	}
}

func TestResolverNoDefaultAgent(t *testing.T) {
	r := NewResolver(Config{
		Agents: map[string]AgentTools{"a": {"x": {Enabled: true}}},
	})
	if r.IsAllowed("a", "y") {
		t.Error("tools absent from the allow map must not be default-allowed")
	}
	if !r.IsAllowed("a", "x") {
		t.Error("enabled tool should be allowed")
	}
}

func TestResolverNilAllowsEverything(t *testing.T) {
	var r *Resolver
	if !r.IsAllowed("any", "tool") {
		t.Error("nil resolver should allow")
	}
	if r.IsDenied("tool") {
		t.Error("nil resolver should deny nothing")
	}
}

func TestResolverFilterAllowed(t *testing.T) {
	r := NewResolver(testConfig())
	got := r.FilterAllowed("researcher", []string{"search", "fetch", "shell", "calendar"})
	if len(got) != 1 || got[0] != "search" {
		t.Errorf("FilterAllowed = %v", got)
	}
}

func TestToolSettingJSON(t *testing.T) {
	var tools AgentTools
	input := `{"search": true, "fetch": false, "calc": {"enabled": true}, "mail": {"enabled": false}, "bare": {}}`
	if err := json.Unmarshal([]byte(input), &tools); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := map[string]bool{"search": true, "fetch": false, "calc": true, "mail": false, "bare": true}
	for name, enabled := range want {
		if tools[name].Enabled != enabled {
			t.Errorf("%s enabled = %v, want %v", name, tools[name].Enabled, enabled)
		}
	}

	if err := json.Unmarshal([]byte(`{"x": "yes"}`), &tools); err == nil {
		t.Error("expected error for string setting")
	}
}

func TestToolSettingYAML(t *testing.T) {
	input := `
default_agent: main
deny: [shell]
agents:
  main:
    search: true
    fetch:
      enabled: false
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !cfg.Agents["main"]["search"].Enabled {
		t.Error("search should be enabled")
	}
	if cfg.Agents["main"]["fetch"].Enabled {
		t.Error("fetch should be disabled")
	}
}

func TestStoreReplaceSwapsResolver(t *testing.T) {
	store := NewStore(Config{DefaultAgent: "main"})
	if !store.Decide("main", "search").Allowed {
		t.Fatal("expected default allow")
	}
	before := store.Resolver()

	store.Replace(Config{DefaultAgent: "main", Deny: []string{"search"}})

	if store.Decide("main", "search").Allowed {
		t.Error("expected search denied after replace")
	}
	if !before.IsAllowed("main", "search") {
		t.Error("previous snapshot must be unchanged")
	}
}

func TestNormalizeTools(t *testing.T) {
	got := NormalizeTools([]string{" Done ", "", "discover", "Search"})
	want := []string{"complete", "expand_tools", "search"}
	if len(got) != len(want) {
		t.Fatalf("NormalizeTools = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
