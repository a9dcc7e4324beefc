package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/supporttools/dbsavr/pkg/artifact"
	"github.com/supporttools/dbsavr/pkg/database"
)

func newCheckCmd(a *app) *cobra.Command {
	var skipStorage bool

	cmd := &cobra.Command{
		Use:   "check <database>",
		Short: "Verify that a database and its bucket are reachable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			id := args[0]

			target, err := a.cfg.Target(id)
			if err != nil {
				return err
			}
			if err := database.Probe(ctx, target); err != nil {
				fmt.Fprintf(out, "%s: database unreachable: %v\n", id, err)
				return err
			}
			fmt.Fprintf(out, "%s: database ok (%s %s:%d)\n", id, target.Engine, target.Host, target.Port)

			if skipStorage {
				return nil
			}
			dest, err := a.cfg.Destination(id)
			if err != nil {
				return err
			}
			m, release := a.manager()
			defer release()
			store, err := m.Store(ctx, dest.Bucket)
			if err == nil {
				for _, listErr := range store.List(ctx, artifact.ScopePrefix(dest.Prefix, id, "")) {
					err = listErr
					break
				}
			}
			if err != nil {
				fmt.Fprintf(out, "%s: storage unreachable: %v\n", id, err)
				return err
			}
			fmt.Fprintf(out, "%s: storage ok (%s)\n", id, dest.URL(artifact.ScopePrefix(dest.Prefix, id, "")))
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipStorage, "skip-storage", false, "Only probe the database")

	return cmd
}
