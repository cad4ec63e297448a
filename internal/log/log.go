// Package log is Robin's thin logging facade.
//
// It wraps blitiri.com.ar/go/log (the leveled, systemd-friendly logger used
// throughout the teacher's codebase) and adds Configure, which applies the
// log4j-style "log configuration" contract: a level and an output target,
// both supplied by the external config loader rather than by
// command-line flags.
package log

import (
	blog "blitiri.com.ar/go/log"
)

// Re-exported levels, so callers don't need to import blitiri.com.ar/go/log
// directly.
const (
	Fatal = blog.Fatal
	Error = blog.Error
	Info  = blog.Info
	Debug = blog.Debug
)

// Config is the log configuration contract consumed from
// internal/config's "properties" document, the shape a Log4j-style
// configuration collaborator hands us.
type Config struct {
	// Level is one of "debug", "info", "error".
	Level string

	// Path is a file to log to, "<syslog>" to log to syslog, or "" for
	// stderr. Mirrors the teacher's config.MailLogPath convention.
	Path string

	// Tag is used when Path == "<syslog>".
	Tag string
}

// Configure replaces the default logger per cfg. It never returns an error
// for an empty Config; callers get stderr logging at Info level, matching
// the teacher's own zero-value Default logger.
func Configure(cfg Config) error {
	lvl := blog.Info
	switch cfg.Level {
	case "debug":
		lvl = blog.Debug
	case "error":
		lvl = blog.Error
	}

	switch cfg.Path {
	case "", "-":
		blog.Default.Level = lvl
		return nil
	case "<syslog>":
		l, err := blog.NewSyslog(6 /* LOG_INFO */, cfg.Tag)
		if err != nil {
			return err
		}
		l.Level = lvl
		blog.Default = l
		return nil
	default:
		l, err := blog.NewFile(cfg.Path)
		if err != nil {
			return err
		}
		l.Level = lvl
		blog.Default = l
		return nil
	}
}

// Debugf logs at debug level.
func Debugf(format string, a ...interface{}) { blog.Debugf(format, a...) }

// Infof logs at info level.
func Infof(format string, a ...interface{}) { blog.Infof(format, a...) }

// Errorf logs at error level and returns the formatted error, matching the
// teacher's convention of using the return value at call sites like
// `return 554, tr.Errorf(...)`.
func Errorf(format string, a ...interface{}) error { return blog.Errorf(format, a...) }

// Fatalf logs at fatal level and exits the process. Reserved for
// unrecoverable startup failures: bind errors, config parse failures.
func Fatalf(format string, a ...interface{}) { blog.Fatalf(format, a...) }
