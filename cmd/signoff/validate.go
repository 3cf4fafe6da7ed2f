package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rogers-f/signoff/internal/registry"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definitions.yaml>",
		Short: "Check a workflow definitions file without publishing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := registry.LoadFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range defs {
				state := "active"
				if !d.Active {
					state = "inactive"
				}
				fmt.Fprintf(out, "%s v%d (%s, %d stages, %s)\n", d.ID, d.Version, d.Type, len(d.Stages), state)
			}
			fmt.Fprintf(out, "%d workflow(s) valid\n", len(defs))
			return nil
		},
	}
}
