package cli

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/rzbill/jot/internal/catalog"
	"github.com/rzbill/jot/internal/config"
	"github.com/rzbill/jot/internal/journal"
	"github.com/rzbill/jot/internal/journal/seal"
	"github.com/rzbill/jot/pkg/log"
)

// activeFileName is the journal file appends go to; rotation renames it
// into an archive name alongside it.
const activeFileName = "jot.journal"

// Context carries everything the subcommands share.
type Context struct {
	Config *config.Config
	Log    log.Logger
}

// NewRoot builds the jot command tree.
func NewRoot() *cobra.Command {
	var (
		cfgPath   string
		dir       string
		logLevel  string
		logFormat string
	)

	ctx := &Context{}

	root := &cobra.Command{
		Use:           "jot",
		Short:         "Append-only structured log storage",
		Long:          "jot stores structured log entries in append-only, memory-mapped journal files and answers time, sequence and field queries over them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if dir != "" {
				cfg.Dir = dir
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if logFormat != "" {
				cfg.Log.Format = logFormat
			}
			ctx.Config = cfg
			ctx.Log = log.New(log.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file")
	root.PersistentFlags().StringVarP(&dir, "dir", "D", "", "journal directory (overrides config)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug|info|warn|error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text|json)")

	root.AddCommand(
		newAppendCmd(ctx),
		newCatCmd(ctx),
		newStatCmd(ctx),
		newLsCmd(ctx),
		newVerifyCmd(ctx),
		newRotateCmd(ctx),
	)
	return root
}

// activePath returns the path of the active journal file.
func (c *Context) activePath() string {
	return filepath.Join(c.Config.Dir, activeFileName)
}

// openOptions translates the configuration into journal open options.
func (c *Context) openOptions() (journal.Options, error) {
	opts := journal.Options{
		Compress:          c.Config.Journal.Compress,
		CompressThreshold: c.Config.Journal.CompressThreshold,
		Metrics: journal.Metrics{
			MaxUse:   c.Config.Journal.MaxUse,
			MaxSize:  c.Config.Journal.MaxSize,
			MinSize:  c.Config.Journal.MinSize,
			KeepFree: c.Config.Journal.KeepFree,
			MaxFiles: c.Config.Journal.MaxFiles,
		},
		Logger: c.Log,
	}

	sealer, err := c.sealer()
	if err != nil {
		return journal.Options{}, err
	}
	opts.Sealer = sealer
	return opts, nil
}

// sealer returns the configured sealer, or nil when sealing is off.
func (c *Context) sealer() (seal.Sealer, error) {
	path := c.Config.Journal.SealKeyFile
	if path == "" {
		return nil, nil
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading seal key")
	}
	return seal.NewKeyed(key), nil
}

// openCatalog opens the directory catalog and refreshes it from disk.
func (c *Context) openCatalog() (*catalog.Catalog, error) {
	cat, err := catalog.Open(filepath.Join(c.Config.Dir, ".catalog"), c.Log)
	if err != nil {
		return nil, err
	}
	if err := cat.Rescan(c.Config.Dir); err != nil {
		cat.Close()
		return nil, err
	}
	return cat, nil
}
