package cli

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rzbill/jot/internal/journal"
)

func newVerifyCmd(ctx *Context) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [FILE...]",
		Short: "Verify journal file integrity",
		Long: "Walks every object of each file and checks structure, payload hashes, " +
			"entry ordering and header counters. With a seal key configured, the " +
			"authentication tags are checked too. Files verify in parallel.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				var err error
				paths, err = ctx.catPaths("")
				if err != nil {
					return err
				}
			}

			sealer, err := ctx.sealer()
			if err != nil {
				return err
			}

			var (
				mu     sync.Mutex
				failed int
			)

			g, _ := errgroup.WithContext(cmd.Context())
			g.SetLimit(runtime.NumCPU())
			for _, path := range paths {
				path := path
				g.Go(func() error {
					f, err := journal.Open(path, journal.Options{Logger: ctx.Log})
					if err == nil {
						_, err = f.Verify(sealer)
						f.Close()
					}

					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						failed++
						fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "PASS %s\n", path)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed verification", failed, len(paths))
			}
			return nil
		},
	}
}
