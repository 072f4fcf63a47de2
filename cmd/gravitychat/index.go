package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/suPer8Hu/gravitychat/internal/memory"
)

func newIndexCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "index <path>",
		Short: "Index a project directory and print the context block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := memory.IndexProject(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(idx)
			}
			fmt.Fprintf(out, "%d files indexed under %s\n\n", len(idx.Files), idx.Root)
			fmt.Fprintln(out, idx.Context())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the index as JSON")
	return cmd
}
