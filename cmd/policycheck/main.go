package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/af-corp/rudder/internal/policy"
)

// policycheck validates a model catalog and routing ruleset pair before they
// are shipped to the store bucket, and can rewrite them in canonical form.
func main() {
	modelsPath := flag.String("models", "configs/models.json", "path to the model catalog document")
	rulesPath := flag.String("rules", "configs/routing_rules.json", "path to the routing rules document")
	write := flag.Bool("w", false, "rewrite both documents in canonical form")
	flag.Parse()

	catalog, err := parseCatalog(*modelsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", *modelsPath, err)
		os.Exit(1)
	}
	rules, err := parseRules(*rulesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", *rulesPath, err)
		os.Exit(1)
	}

	// Cross-document checks: every rule candidate, backup link, and default
	// must resolve to a catalog entry.
	var problems []string
	for _, rule := range rules.Rules {
		for _, id := range rule.Models {
			if _, ok := catalog.Get(id); !ok {
				problems = append(problems, fmt.Sprintf("rule %q names unknown model %q", rule.ID, id))
			}
		}
	}
	for _, m := range catalog.Models() {
		if m.BackupModelID == "" {
			continue
		}
		backup, ok := catalog.Get(m.BackupModelID)
		if !ok {
			problems = append(problems, fmt.Sprintf("model %q names unknown backup %q", m.ModelID, m.BackupModelID))
			continue
		}
		if backup.Capability != m.Capability {
			problems = append(problems, fmt.Sprintf("model %q backup %q has capability %s, not %s",
				m.ModelID, m.BackupModelID, backup.Capability, m.Capability))
		}
	}
	for _, id := range []string{rules.Defaults.ChatModelID, rules.Defaults.EmbeddingModelID} {
		if id == "" {
			continue
		}
		if _, ok := catalog.Get(id); !ok {
			problems = append(problems, fmt.Sprintf("defaults name unknown model %q", id))
		}
	}

	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintln(os.Stderr, "error:", p)
		}
		os.Exit(1)
	}

	if *write {
		if err := rewrite(*modelsPath, catalog.MarshalDocument); err != nil {
			fmt.Fprintf(os.Stderr, "rewrite %s: %v\n", *modelsPath, err)
			os.Exit(1)
		}
		if err := rewrite(*rulesPath, rules.MarshalDocument); err != nil {
			fmt.Fprintf(os.Stderr, "rewrite %s: %v\n", *rulesPath, err)
			os.Exit(1)
		}
	}

	fmt.Printf("ok: %d models (catalog %s), %d rules (ruleset %s)\n",
		catalog.Len(), catalog.Version, len(rules.Rules), rules.Version)
}

func parseCatalog(path string) (*policy.ModelCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return policy.ParseCatalog(data)
}

func parseRules(path string) (*policy.RoutingRuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return policy.ParseRuleSet(data)
}

func rewrite(path string, marshal func() ([]byte, error)) error {
	data, err := marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
