package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logger handed to jot components. It is a thin
// alias over a logrus entry so call sites get field chaining for free.
type Logger = *logrus.Entry

// Options configures a root logger.
type Options struct {
	// Level is one of debug|info|warn|error. Empty means info.
	Level string
	// Format is text or json. Empty means text.
	Format string
	// Output defaults to stderr.
	Output io.Writer
}

// New builds a root logger from options.
func New(opts Options) Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if opts.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if opts.Output != nil {
		l.SetOutput(opts.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	return logrus.NewEntry(l)
}

// WithComponent tags a logger with the component emitting the messages.
func WithComponent(l Logger, component string) Logger {
	return l.WithField("component", component)
}

// Discard returns a logger that drops everything. Useful as the default in
// library code when the caller did not supply one.
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
