package main

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentrun/internal/config"
	"github.com/haasonsaas/agentrun/internal/tools/activation"
	"github.com/haasonsaas/agentrun/internal/tools/deps"
	"github.com/haasonsaas/agentrun/internal/tools/policy"
)

// toolSetup is the configuration-only view used by the tools commands.
type toolSetup struct {
	cfg     *config.Config
	catalog *activation.Catalog
	graph   *deps.Graph
	policy  *policy.Resolver
}

func loadToolSetup(configPath string) (*toolSetup, error) {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	pol := cfg.Tools.Policy
	if cfg.Tools.PolicyFile != "" {
		if pol, err = config.LoadPolicy(cfg.Tools.PolicyFile); err != nil {
			return nil, err
		}
	}
	catalog, err := buildCatalog(nil, nil)
	if err != nil {
		return nil, err
	}
	return &toolSetup{
		cfg:     cfg,
		catalog: catalog,
		graph:   catalog.Graph(cfg.Tools.Dependencies),
		policy:  policy.NewResolver(pol),
	}, nil
}

// runToolsList handles the tools list command.
func runToolsList(cmd *cobra.Command, configPath, agentID string) error {
	setup, err := loadToolSetup(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, name := range setup.catalog.Names() {
		def, _ := setup.catalog.Lookup(name)
		decision := setup.policy.Decide(agentID, name)
		state := "denied"
		if decision.Allowed {
			state = "allowed"
		}
		var flags []string
		if def.Discovery {
			flags = append(flags, "discovery")
		}
		if def.Terminating {
			flags = append(flags, "terminating")
		}
		if requires := setup.graph.Requires(name); len(requires) > 0 {
			flags = append(flags, "requires="+strings.Join(requires, ","))
		}
		fmt.Fprintf(out, "  %-20s %-8s %-14s %s\n", name, state, decision.Reason, strings.Join(flags, " "))
	}
	return nil
}

// runToolsResolve handles the tools resolve command.
func runToolsResolve(cmd *cobra.Command, configPath, agentID string, names []string) error {
	setup, err := loadToolSetup(configPath)
	if err != nil {
		return err
	}
	res := setup.graph.Resolve(names, func(name string) bool {
		return setup.policy.Decide(agentID, name).Allowed
	})

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Load order:")
	for i, name := range res.Order {
		marker := ""
		if slices.Contains(res.AutoAdded, name) {
			marker = " (dependency)"
		}
		fmt.Fprintf(out, "  %d. %s%s\n", i+1, name, marker)
	}
	for _, skipped := range res.Skipped {
		fmt.Fprintf(out, "  skipped %s (required by %s): denied by policy\n", skipped.Name, skipped.RequiredBy)
	}
	if res.HasCycle() {
		fmt.Fprintf(out, "  unresolved (dependency cycle): %s\n", strings.Join(res.Unresolved, ", "))
		return errors.New("dependency cycle")
	}
	return nil
}

// runToolsCheck handles the tools check command.
func runToolsCheck(cmd *cobra.Command, configPath string) error {
	setup, err := loadToolSetup(configPath)
	if err != nil {
		return err
	}

	var problems []string
	known := make(map[string]bool)
	for _, name := range setup.catalog.Names() {
		known[name] = true
	}
	for _, name := range setup.graph.Names() {
		for _, dep := range setup.graph.Requires(name) {
			if !known[dep] {
				problems = append(problems, fmt.Sprintf("%s requires %s, which is not in the catalog", name, dep))
			}
		}
	}
	res := setup.graph.Resolve(setup.graph.Names(), nil)
	if res.HasCycle() {
		problems = append(problems, "dependency cycle through: "+strings.Join(res.Unresolved, ", "))
	}
	for _, name := range setup.cfg.Tools.Preload {
		if !known[strings.ToLower(strings.TrimSpace(name))] {
			problems = append(problems, fmt.Sprintf("preloaded tool %s is not in the catalog", name))
		}
	}
	sort.Strings(problems)

	out := cmd.OutOrStdout()
	if len(problems) == 0 {
		fmt.Fprintf(out, "ok: %d tools, no cycles\n", len(known))
		return nil
	}
	for _, p := range problems {
		fmt.Fprintf(out, "  - %s\n", p)
	}
	return fmt.Errorf("%d tool configuration problems", len(problems))
}

// runConfigSchema handles the config schema command.
func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

// runConfigValidate handles the config validate command.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	path := resolveConfigPath(configPath)
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
	return nil
}
