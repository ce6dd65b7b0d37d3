package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newLsCmd(ctx *Context) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List journal files in the directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := ctx.openCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()

			entries, err := cat.List()
			if err != nil {
				return err
			}
			sort.Slice(entries, func(i, j int) bool {
				return entries[i].HeadRealtime < entries[j].HeadRealtime
			})

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENTRIES\tSIZE\tFROM\tTO\tSTATE")
			for _, e := range entries {
				state := "active"
				if e.Archived {
					state = "archived"
				}
				from, to := "-", "-"
				if e.HeadRealtime > 0 {
					from = time.UnixMicro(int64(e.HeadRealtime)).Format(time.RFC3339)
				}
				if e.TailRealtime > 0 {
					to = time.UnixMicro(int64(e.TailRealtime)).Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n", e.Name, e.Entries, e.Size, from, to, state)
			}
			return w.Flush()
		},
	}
}
