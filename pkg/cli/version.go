package cli

import (
	"github.com/spf13/cobra"

	"github.com/supporttools/dbsavr/pkg/version"
)

func newVersionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Get()
			if short {
				cmd.Println(info.Version)
				return
			}
			cmd.Println(info.String())
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Show only the version number")

	return cmd
}
