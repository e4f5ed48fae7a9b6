package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dyluth/parley/internal/ingest"
	"github.com/dyluth/parley/pkg/message"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check a JSONL message file without sending anything",
	Long: `Validate every message in a JSON Lines file (or a JSON array).

Reports malformed lines and messages missing a sender, recipient or
content. Use "-" to read from stdin. Exits non-zero if anything is invalid.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	p := printerFor(cmd)

	batch, err := readBatch(cmd, args[0])
	if err != nil {
		return err
	}

	problems := 0
	for _, lerr := range batch.Errors {
		p.Warning("line %d: %v\n", lerr.Line, lerr.Err)
		problems++
	}
	for i, m := range batch.Messages {
		if res := message.Validate(m); !res.Valid {
			p.Warning("line %d: %s\n", batch.Lines[i], strings.Join(res.Errors, "; "))
			problems++
		}
	}

	total := len(batch.Messages) + len(batch.Errors)
	if problems > 0 {
		return p.Error(
			fmt.Sprintf("%d of %d message(s) invalid", problems, total),
			"",
			[]string{"Required fields: sender (or from), recipient (or to), content (or body)"},
		)
	}
	p.Success("%d message(s) valid\n", total)
	return nil
}

// readBatch reads a JSONL file, or stdin for "-".
func readBatch(cmd *cobra.Command, path string) (*ingest.Batch, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, printerFor(cmd).Error(
				"cannot open message file",
				err.Error(),
				nil,
			)
		}
		defer f.Close()
		r = f
	}

	batch, err := ingest.Read(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return batch, nil
}
