// Package shakeutil collects the small ambient helpers every other package
// in this module leans on: logging setup and the process-level signal
// plumbing a long-running supervisor binary needs. It plays the role the
// teacher's own internal `utils` package plays for its collector binary,
// generalized to this module's process shape; none of the teacher's utils
// source made it into the retrieval pack, so the shape here follows the
// log4go/nimo4go call patterns already used throughout the rest of this
// module (LOG.Info/Warn/Error/Critical, nimo.GoRoutine) rather than copying
// a file that was never available to copy.
package shakeutil

import (
	"fmt"

	LOG "github.com/vinllen/log4go"
)

// LogConfig describes where and how verbosely to log (spec.md §9 run-time
// options: log file path, verbosity level).
type LogConfig struct {
	File    string // empty means stderr only
	Level   string // "debug", "info", "warn", "error"
	Verbose bool
}

var levelByName = map[string]LOG.Level{
	"debug": LOG.DEBUG,
	"info":  LOG.INFO,
	"warn":  LOG.WARNING,
	"error": LOG.ERROR,
}

// SetupLogging wires log4go's global logger the same way the teacher wires
// its own process-wide logger at startup: a console filter always present,
// plus a rotating file filter when File is set.
func SetupLogging(cfg LogConfig) error {
	level, ok := levelByName[cfg.Level]
	if !ok {
		level = LOG.INFO
	}
	if cfg.Verbose {
		level = LOG.DEBUG
	}

	LOG.Global = make(map[string]*LOG.Filter)
	LOG.AddFilter("stdout", level, LOG.NewConsoleLogWriter())

	if cfg.File != "" {
		w := LOG.NewFileLogWriter(cfg.File, true)
		if w == nil {
			return fmt.Errorf("shakeutil: open log file %s failed", cfg.File)
		}
		w.SetRotateSize(0)
		w.SetRotateLines(0)
		w.SetRotateDaily(true)
		LOG.AddFilter("file", level, w)
	}
	return nil
}
