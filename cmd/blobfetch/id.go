package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meigma/blobcache/ref"
)

func newIDCmd(configPath *string) *cobra.Command {
	var store bool

	cmd := &cobra.Command{
		Use:   "id FILE...",
		Short: "Print the blob identifier of files",
		Long: `id prints the identifier of each file. With --store the files are also
added to the repository.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var e *env
			if store {
				var err error
				e, err = openEnv(cmd.Context(), cmd, *configPath)
				if err != nil {
					return err
				}
				defer e.close()
			}

			for _, path := range args {
				data, err := os.ReadFile(path) //nolint:gosec // user supplied path is the point
				if err != nil {
					return err
				}
				id := ref.FromContent(data)
				if e != nil {
					if err := e.repo.Store(cmd.Context(), id, data); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&store, "store", false, "store the files in the repository")
	return cmd
}
