package commands

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/dyluth/parley/internal/config"
	"github.com/dyluth/parley/internal/routing"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Show routing rules and delivery policies",
	Long: `Show how messages are routed. A message's strategy is chosen by the
first table with a matching entry, in order: priority, type, role. When
nothing matches the strategy is "standard".`,
	Args: cobra.NoArgs,
	RunE: runRulesShow,
}

var rulesSetCmd = &cobra.Command{
	Use:   "set TABLE KEY STRATEGY",
	Short: "Set a routing rule in parley.yml",
	Long: `Map a priority, type or role to a delivery strategy.

Examples:
  parley rules set priority high urgent
  parley rules set type human_to_agent priority
  parley rules set role system broadcast`,
	Args: cobra.ExactArgs(3),
	RunE: runRulesSet,
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete TABLE KEY",
	Short: "Remove a routing rule from parley.yml",
	Args:  cobra.ExactArgs(2),
	RunE:  runRulesDelete,
}

func init() {
	rulesCmd.AddCommand(rulesSetCmd)
	rulesCmd.AddCommand(rulesDeleteCmd)
	rootCmd.AddCommand(rulesCmd)
}

func runRulesShow(cmd *cobra.Command, args []string) error {
	p := printerFor(cmd)
	cfg, err := loadConfig(p)
	if err != nil {
		return err
	}

	snap := cfg.RuleSet().Snapshot()
	w := p.Out()
	writeTable(w, "priority", snap.Priority)
	writeTable(w, "type", snap.Type)
	writeTable(w, "role", snap.Role)

	fmt.Fprintf(w, "Policies (default timeout %s):\n", cfg.Routing.DefaultTimeout.Std())
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  STRATEGY\tTIMEOUT\tRETRIES\tDELAY")
	table := cfg.PolicyTable()
	for _, name := range table.Strategies() {
		pol, _ := table.Lookup(name)
		fmt.Fprintf(tw, "  %s\t%s\t%d\t%s\n", name, pol.Timeout, pol.MaxRetries, pol.RetryDelay)
	}
	return tw.Flush()
}

func writeTable(w io.Writer, name string, rules map[string]string) {
	fmt.Fprintf(w, "%s:\n", name)
	if len(rules) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	keys := make([]string, 0, len(rules))
	for k := range rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-22s → %s\n", k, rules[k])
	}
	fmt.Fprintln(w)
}

func runRulesSet(cmd *cobra.Command, args []string) error {
	p := printerFor(cmd)

	table, err := routing.ParseTable(args[0])
	if err != nil {
		return p.Error("invalid rule table", err.Error(), nil)
	}

	cfg, err := loadConfig(p)
	if err != nil {
		return err
	}

	rules := cfg.RuleSet()
	if err := rules.UpdateRule(table, args[1], args[2]); err != nil {
		return p.Error("invalid rule", err.Error(), nil)
	}
	if _, err := cfg.PolicyTable().Lookup(args[2]); err != nil {
		p.Warning("strategy '%s' has no policy; it will use the default timeout with no retries\n", args[2])
	}

	if err := saveRules(cfg, rules.Snapshot()); err != nil {
		return err
	}
	p.Success("Set %s[%s] = %s\n", table, args[1], args[2])
	return nil
}

func runRulesDelete(cmd *cobra.Command, args []string) error {
	p := printerFor(cmd)

	table, err := routing.ParseTable(args[0])
	if err != nil {
		return p.Error("invalid rule table", err.Error(), nil)
	}

	cfg, err := loadConfig(p)
	if err != nil {
		return err
	}

	rules := cfg.RuleSet()
	if err := rules.DeleteRule(table, args[1]); err != nil {
		return p.Error("invalid rule", err.Error(), nil)
	}
	if err := saveRules(cfg, rules.Snapshot()); err != nil {
		return err
	}
	p.Success("Removed %s[%s]\n", table, args[1])
	return nil
}

// saveRules writes the tables back. Tables are always written, even when
// empty, so a deleted default does not reappear on the next load.
func saveRules(cfg *config.ParleyConfig, snap routing.Snapshot) error {
	cfg.Routing.Priority = snap.Priority
	cfg.Routing.Type = snap.Type
	cfg.Routing.Role = snap.Role
	return cfg.Save(configPath)
}
