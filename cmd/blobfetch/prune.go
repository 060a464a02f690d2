package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPruneCmd(configPath *string) *cobra.Command {
	var target int64

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove least recently used blobs from the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context(), cmd, *configPath)
			if err != nil {
				return err
			}
			defer e.close()

			freed, remaining, err := e.repo.Prune(target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "freed %d bytes, %d bytes remaining\n", freed, remaining)
			return nil
		},
	}
	cmd.Flags().Int64Var(&target, "target", 0, "keep at most this many bytes")
	return cmd
}
