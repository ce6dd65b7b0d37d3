package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/rzbill/jot/internal/journal"
)

func newAppendCmd(ctx *Context) *cobra.Command {
	var (
		stdin bool
		extra []string
	)

	cmd := &cobra.Command{
		Use:   "append [FIELD=VALUE...]",
		Short: "Append an entry to the active journal file",
		Long: "Appends one entry made of the given FIELD=VALUE items. With --stdin, " +
			"each input line becomes an entry carrying the line as MESSAGE plus any " +
			"--field items.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(ctx.Config.Dir, 0o750); err != nil {
				return errors.Wrap(err, "creating journal directory")
			}

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
			defer func() { f.Close() }()

			if f.RotateSuggested(ctx.Config.Rotate.MaxFileAge) {
				rotated, err := journal.Rotate(f, opts)
				if err != nil {
					return err
				}
				f = rotated
			}

			if !stdin {
				if len(args) == 0 {
					return errors.New("no items given; pass FIELD=VALUE arguments or --stdin")
				}
				items := make([][]byte, len(args))
				for i, a := range args {
					if !strings.Contains(a, "=") {
						return errors.Errorf("item %q is not of the form FIELD=VALUE", a)
					}
					items[i] = []byte(a)
				}
				seq, _, err := f.Append(items)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), seq)
				return nil
			}

			base := make([][]byte, 0, len(extra))
			for _, a := range extra {
				if !strings.Contains(a, "=") {
					return errors.Errorf("field %q is not of the form FIELD=VALUE", a)
				}
				base = append(base, []byte(a))
			}

			var n int
			sc := bufio.NewScanner(cmd.InOrStdin())
			sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
			for sc.Scan() {
				items := append([][]byte{[]byte("MESSAGE=" + sc.Text())}, base...)
				if _, _, err := f.Append(items); err != nil {
					return err
				}
				n++
			}
			if err := sc.Err(); err != nil {
				return errors.Wrap(err, "reading stdin")
			}

			ctx.Log.WithField("entries", n).Info("appended from stdin")
			return nil
		},
	}

	cmd.Flags().BoolVar(&stdin, "stdin", false, "read entries line by line from stdin")
	cmd.Flags().StringArrayVar(&extra, "field", nil, "extra FIELD=VALUE attached to every stdin entry")
	return cmd
}
