package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rzbill/jot/internal/journal"
)

func newStatCmd(ctx *Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stat [FILE]",
		Short: "Show header counters of a journal file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ctx.activePath()
			if len(args) == 1 {
				path = args[0]
			}

			f, err := journal.Open(path, journal.Options{Logger: ctx.Log})
			if err != nil {
				return err
			}
			defer f.Close()

			info := f.Stat()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "File:          %s\n", info.Path)
			fmt.Fprintf(w, "File ID:       %s\n", info.FileID)
			fmt.Fprintf(w, "Seqnum ID:     %s\n", info.SeqnumID)
			fmt.Fprintf(w, "State:         %s\n", stateName(info.State))
			fmt.Fprintf(w, "Header size:   %d\n", info.HeaderSize)
			fmt.Fprintf(w, "Arena size:    %d\n", info.ArenaSize)
			fmt.Fprintf(w, "Objects:       %d\n", info.NObjects)
			fmt.Fprintf(w, "Entries:       %d\n", info.NEntries)
			fmt.Fprintf(w, "Data objects:  %d\n", info.NData)
			fmt.Fprintf(w, "Fields:        %d\n", info.NFields)
			fmt.Fprintf(w, "Entry arrays:  %d\n", info.NEntryArrays)
			fmt.Fprintf(w, "Tags:          %d\n", info.NTags)
			fmt.Fprintf(w, "Seqnum range:  %d .. %d\n", info.HeadSeqnum, info.TailSeqnum)
			if !info.HeadRealtime.IsZero() {
				fmt.Fprintf(w, "Time range:    %s .. %s\n",
					info.HeadRealtime.Format(time.RFC3339),
					info.TailRealtime.Format(time.RFC3339))
			}
			return nil
		},
	}
	return cmd
}

func stateName(s uint8) string {
	switch s {
	case journal.StateOffline:
		return "offline"
	case journal.StateOnline:
		return "online"
	case journal.StateArchived:
		return "archived"
	default:
		return "unknown"
	}
}
