package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rzbill/jot/internal/journal"
)

func newRotateCmd(ctx *Context) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Archive the active journal file and start a new one",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := ctx.openOptions()
			if err != nil {
				return err
			}
			opts.Writable = true
			opts.Create = true

			f, err := journal.OpenReliably(ctx.activePath(), opts)
			if err != nil {
				return err
			}

			rotated, err := journal.Rotate(f, opts)
			if err != nil {
				f.Close()
				return err
			}
			defer rotated.Close()

			// Bring the catalog up to date with the rename.
			cat, err := ctx.openCatalog()
			if err != nil {
				return err
			}
			cat.Close()

			fmt.Fprintln(cmd.OutOrStdout(), "rotated")
			return nil
		},
	}
}
