package commands

import (
	"fmt"
	"io"
	"log"

	"github.com/dyluth/parley/internal/config"
	"github.com/dyluth/parley/internal/printer"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath   string
	instanceName string
	verbose      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - message coordination and delivery for agent teams",
	Long: `Parley routes messages between cooperating agents.

Every message is matched against priority, type and sender-role rules to
pick a delivery strategy; the strategy sets the timeout and retry budget
used when placing the message in the recipient's mailbox. Every outcome is
audited, and delivery statistics can be queried at any time.

Mailboxes live in Redis by default, with in-memory and RabbitMQ backends
available through parley.yml.`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Component logs are for the long-running dispatcher; one-shot
		// commands keep stderr for user-facing errors unless asked.
		if !verbose && cmd.Name() != "serve" {
			log.SetOutput(io.Discard)
			return
		}
		log.SetOutput(cmd.ErrOrStderr())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	// Unknown flags are an error
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Called once by main.main().
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	if err != nil && !printer.IsReported(err) {
		printerFor(rootCmd).Error("Error", err.Error(), nil)
	}
	return err
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFile, "Path to parley.yml")
	rootCmd.PersistentFlags().StringVarP(&instanceName, "name", "n", "", "Instance name (overrides parley.yml and PARLEY_INSTANCE_NAME)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show component logs")
}

// printerFor returns a printer bound to the command's output streams.
func printerFor(cmd *cobra.Command) *printer.Printer {
	return printer.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
}
