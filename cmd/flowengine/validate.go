package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/trigger"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/validator"
)

func newValidateCmd(_ *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a YAML or JSON workflow document (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return validateDocument(cmd.OutOrStdout(), data, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// validateDocument prints the validation result and returns an error when
// the document is invalid.
func validateDocument(out io.Writer, data []byte, asJSON bool) error {
	v, err := validator.New()
	if err != nil {
		return err
	}
	filters, err := trigger.NewFilter()
	if err != nil {
		return err
	}

	wf, res := v.ParseWorkflow(data)
	if res.Valid {
		if issues := filters.Check(wf); len(issues) > 0 {
			res = &validator.ValidationResult{Valid: false, Errors: issues}
		}
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if res.Valid {
		fmt.Fprintf(out, "ok: %s (%d nodes, %d edges, %d triggers)\n", wf.Name, len(wf.Nodes), len(wf.Edges), len(wf.Triggers))
	} else {
		for _, is := range res.Errors {
			fmt.Fprintf(out, "%s: %s\n", is.Path, is.Message)
		}
	}

	if !res.Valid {
		return fmt.Errorf("workflow invalid: %d issue(s)", len(res.Errors))
	}
	return nil
}
