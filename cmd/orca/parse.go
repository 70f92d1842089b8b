package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orca/internal/protocol"
)

var parseCmd = &cobra.Command{
	Use:   "parse [file]",
	Short: "Parse agent output and list its actions",
	Long: `Parse model output the way a worker loop does and print every
action block found, plus any parse or validation errors.

Reads from stdin when no file is given. Useful for checking prompts and
recorded trajectories.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if len(args) == 1 {
			data, err = os.ReadFile(args[0])
		} else {
			data, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		res := protocol.Parse(string(data))
		printParseResult(cmd.OutOrStdout(), res)
		if len(res.Errors) > 0 {
			return fmt.Errorf("%d block(s) failed to parse", len(res.Errors))
		}
		return nil
	},
}

func printParseResult(w io.Writer, res protocol.Result) {
	if res.NoActionEmitted() {
		fmt.Fprintln(w, "No action blocks found")
		return
	}
	for i, a := range res.Actions {
		fmt.Fprintf(w, "%s %d. %s\n", color.GreenString("✓"), i+1, protocol.Describe(a))
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "%s block %d: %s\n", color.RedString("✗"), e.Index+1, e.Error())
	}
}
