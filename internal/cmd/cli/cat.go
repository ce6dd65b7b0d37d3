package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/rzbill/jot/internal/filter"
	"github.com/rzbill/jot/internal/journal"
)

func newCatCmd(ctx *Context) *cobra.Command {
	var (
		match      string
		filterExpr string
		since      string
		until      string
		reverse    bool
		lines      uint64
		output     string
		file       string
	)

	cmd := &cobra.Command{
		Use:   "cat",
		Short: "Print journal entries",
		Long: "Prints entries from the journal directory, oldest first. Time bounds " +
			"use bisection, --match narrows to entries carrying an exact FIELD=VALUE, " +
			"and --filter applies a CEL expression to what remains.",
		RunE: func(cmd *cobra.Command, args []string) error {
			flt, err := filter.New(filterExpr)
			if err != nil {
				return errors.Wrap(err, "compiling filter")
			}

			var sinceUS, untilUS uint64
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return errors.Wrap(err, "parsing --since")
				}
				sinceUS = uint64(t.UnixMicro())
			}
			if until != "" {
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return errors.Wrap(err, "parsing --until")
				}
				untilUS = uint64(t.UnixMicro())
			}

			paths, err := ctx.catPaths(file)
			if err != nil {
				return err
			}
			if reverse {
				for i, j := 0, len(paths)-1; i < j; i, j = i+1, j-1 {
					paths[i], paths[j] = paths[j], paths[i]
				}
			}

			direction := journal.DirectionDown
			if reverse {
				direction = journal.DirectionUp
			}

			var printed uint64
			for _, path := range paths {
				if lines > 0 && printed >= lines {
					break
				}
				n, err := catFile(cmd, ctx, path, match, flt, sinceUS, untilUS, direction, lines, printed, output)
				if err != nil {
					return err
				}
				printed += n
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&match, "match", "m", "", "only entries carrying this exact FIELD=VALUE")
	cmd.Flags().StringVar(&filterExpr, "filter", "", "CEL expression over fields, seq, realtime_us, monotonic_us, boot_id")
	cmd.Flags().StringVar(&since, "since", "", "oldest timestamp to print (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "newest timestamp to print (RFC3339)")
	cmd.Flags().BoolVarP(&reverse, "reverse", "r", false, "newest first")
	cmd.Flags().Uint64VarP(&lines, "lines", "n", 0, "stop after this many entries")
	cmd.Flags().StringVarP(&output, "output", "o", "short", "output format (short|json)")
	cmd.Flags().StringVar(&file, "file", "", "read this file only")
	return cmd
}

// catPaths picks the files to read, ordered oldest range first.
func (c *Context) catPaths(only string) ([]string, error) {
	if only != "" {
		return []string{only}, nil
	}

	cat, err := c.openCatalog()
	if err != nil {
		return nil, err
	}
	defer cat.Close()

	entries, err := cat.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].HeadRealtime < entries[j].HeadRealtime
	})

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	return paths, nil
}

func catFile(cmd *cobra.Command, ctx *Context, path, match string, flt filter.Filter, sinceUS, untilUS uint64, direction journal.Direction, limit, already uint64, output string) (uint64, error) {
	f, err := journal.Open(path, journal.Options{Logger: ctx.Log})
	if err != nil {
		ctx.Log.WithError(err).WithField("path", path).Warn("skipping unreadable file")
		return 0, nil
	}
	defer f.Close()

	next := func(e *journal.Entry) (*journal.Entry, error) {
		var p uint64
		if e != nil {
			p = e.Offset
		}
		if match != "" {
			return f.NextForData([]byte(match), p, direction)
		}
		return f.Next(p, direction)
	}

	// Seek to the time bound with bisection instead of scanning to it.
	// With a match, the seek runs over the match chain so the result is
	// already aligned on it.
	var e *journal.Entry
	switch {
	case direction == journal.DirectionDown && sinceUS > 0:
		if match != "" {
			e, err = f.SeekRealtimeForData([]byte(match), sinceUS, journal.DirectionDown)
		} else {
			e, err = f.SeekRealtime(sinceUS, journal.DirectionDown)
		}
	case direction == journal.DirectionUp && untilUS > 0:
		if match != "" {
			e, err = f.SeekRealtimeForData([]byte(match), untilUS, journal.DirectionUp)
		} else {
			e, err = f.SeekRealtime(untilUS, journal.DirectionUp)
		}
	default:
		e, err = next(nil)
	}
	if errors.Is(err, journal.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var printed uint64
	for e != nil {
		if limit > 0 && already+printed >= limit {
			break
		}
		if untilUS > 0 && direction == journal.DirectionDown && e.Realtime > untilUS {
			break
		}
		if sinceUS > 0 && direction == journal.DirectionUp && e.Realtime < sinceUS {
			break
		}

		if flt.Eval(e) {
			if err := printEntry(cmd, e, output); err != nil {
				return printed, err
			}
			printed++
		}

		e, err = next(e)
		if errors.Is(err, journal.ErrNotFound) {
			break
		}
		if err != nil {
			return printed, err
		}
	}
	return printed, nil
}

func printEntry(cmd *cobra.Command, e *journal.Entry, output string) error {
	w := cmd.OutOrStdout()

	if output == "json" {
		fields := make(map[string]string, len(e.Items))
		for _, item := range e.Items {
			if i := strings.IndexByte(string(item), '='); i > 0 {
				fields[string(item[:i])] = string(item[i+1:])
			}
		}
		out := map[string]any{
			"seq":         e.Seqnum,
			"realtime_us": e.Realtime,
			"boot_id":     e.BootID.String(),
			"fields":      fields,
		}
		b, err := json.Marshal(out)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(b))
		return nil
	}

	msg := ""
	for _, item := range e.Items {
		if strings.HasPrefix(string(item), "MESSAGE=") {
			msg = string(item[len("MESSAGE="):])
			break
		}
	}
	fmt.Fprintf(w, "%s [%d] %s\n", e.Time().Format(time.RFC3339), e.Seqnum, msg)
	return nil
}
