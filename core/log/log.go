// Package log wraps charmbracelet/log with the process-wide logger used by
// every subsystem in this module. Subsystems obtain a prefixed child logger
// rather than constructing their own.
package log

import (
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	once sync.Once
	base *log.Logger
)

// Options configures the process-wide logger. A zero value gives sane
// defaults (text output to stderr at info level).
type Options struct {
	Level  log.Level
	Output io.Writer
}

// Init configures the process-wide logger. Safe to call once at
// startup; subsequent calls are ignored so subsystems that already took a
// child logger via New keep a stable parent.
func Init(opts Options) {
	once.Do(func() {
		out := opts.Output
		if out == nil {
			out = os.Stderr
		}
		base = log.NewWithOptions(out, log.Options{
			ReportTimestamp: true,
			Level:           opts.Level,
		})
	})
}

// New returns a child logger prefixed with name, e.g. "transport",
// "congestion", "_FEC_". Initializes the process-wide logger with defaults
// if Init was never called.
func New(name string) *log.Logger {
	Init(Options{Level: log.InfoLevel})
	return base.WithPrefix(name)
}
