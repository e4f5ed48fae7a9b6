package commands

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/dyluth/parley/internal/config"
	"github.com/dyluth/parley/pkg/message"
	"github.com/spf13/cobra"
)

var (
	agentRole        string
	agentDescription string
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage registered recipients",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents and their inbox sizes",
	Args:  cobra.NoArgs,
	RunE:  runAgentsList,
}

var agentsAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register an agent in parley.yml",
	Long: `Add an agent to the configuration file. The agent is registered with
the mailbox backend the next time any parley command runs.

Example:
  parley agents add tester --role agent --description "Runs the test suite"`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentsAdd,
}

func init() {
	agentsAddCmd.Flags().StringVar(&agentRole, "role", "agent", "Role: agent, coordinator, system, human")
	agentsAddCmd.Flags().StringVarP(&agentDescription, "description", "d", "", "Free-text description")

	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsAddCmd)
	rootCmd.AddCommand(agentsCmd)
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	p := printerFor(cmd)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := openRuntime(ctx, p)
	if err != nil {
		return err
	}
	defer rt.close()

	recipients, err := rt.dir.Recipients(ctx)
	if err != nil {
		return fmt.Errorf("failed to list recipients: %w", err)
	}
	if len(recipients) == 0 {
		p.Info("No agents registered.\n\nAdd one with:\n  parley agents add NAME --role agent\n")
		return nil
	}

	var sizes map[string]int64
	if inbox, ok := rt.readable(); ok {
		sizes, err = inbox.InboxSizes(ctx)
		if err != nil {
			return fmt.Errorf("failed to read inbox sizes: %w", err)
		}
	}

	names := make([]string, 0, len(recipients))
	for name := range recipients {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(p.Out(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tROLE\tINBOX\tDESCRIPTION")
	for _, name := range names {
		inbox := "-"
		if sizes != nil {
			inbox = fmt.Sprint(sizes[name])
		}
		desc := rt.cfg.Agents[name].Description
		if desc == "" {
			desc = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, recipients[name], inbox, desc)
	}
	return tw.Flush()
}

func runAgentsAdd(cmd *cobra.Command, args []string) error {
	p := printerFor(cmd)
	name := args[0]

	if _, err := message.ParseRole(agentRole); err != nil {
		return p.Error("invalid role", err.Error(), []string{"Use one of: agent, coordinator, system, human"})
	}

	cfg, err := loadConfig(p)
	if err != nil {
		return err
	}
	if _, exists := cfg.Agents[name]; exists {
		return p.Error(
			fmt.Sprintf("agent '%s' already exists", name),
			fmt.Sprintf("%s already registers an agent with this name.", configPath),
			[]string{"Edit the entry in " + configPath + " directly"},
		)
	}

	agent := config.Agent{Role: agentRole, Description: agentDescription}
	if err := agent.Validate(name); err != nil {
		return p.Error("invalid agent", err.Error(), nil)
	}
	cfg.Agents[name] = agent

	if err := cfg.Save(configPath); err != nil {
		return err
	}
	p.Success("Added agent '%s' (%s) to %s\n", name, agentRole, configPath)
	return nil
}
