package commands

import (
	"fmt"
	"path/filepath"

	"github.com/dyluth/parley/internal/scaffold"
	"github.com/spf13/cobra"
)

var (
	forceInit bool
	initDir   string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new parley project",
	Long: `Initialize a new parley project with a default configuration.

Creates:
  • parley.yml - backend, agents and routing rules
  • messages.example.jsonl - sample input for 'parley bulk'

Use --force to overwrite existing files.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite existing parley.yml and example messages")
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to initialize")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	p := printerFor(cmd)

	if !forceInit {
		if err := scaffold.CheckExisting(initDir); err != nil {
			return p.Error("project already initialized", err.Error(), nil)
		}
	}

	files, err := scaffold.Initialize(initDir, forceInit)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	p.Success("Initialized parley project\n")
	p.Info("\nCreated:\n")
	for _, f := range files {
		p.Info("  ✓ %s\n", filepath.ToSlash(f.Path))
	}
	p.Info("\nNext steps:\n")
	p.Info("  1. Edit parley.yml to list your agents\n")
	p.Info("  2. Send a message:  parley send --from lead --to coder -m \"hello\"\n")
	p.Info("  3. Or load a batch: parley bulk %s\n", scaffold.ExampleMessagesFile)
	return nil
}
