// Package logging builds the per-component loggers used across digisync.
//
// Every component gets a stdlib *log.Logger with a "[component] " prefix.
// Output goes to stderr and, when a file is configured, to a size-rotated
// log file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures log output.
type Options struct {
	// File enables rotation into this path (empty = stderr only)
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Compress gzips rotated files
	Compress bool
	// Verbose enables debug loggers
	Verbose bool
	// Stderr overrides the console writer (nil = os.Stderr)
	Stderr io.Writer
	// Quiet drops console output; the file still receives everything
	Quiet bool
}

// Logs hands out component loggers sharing one output.
type Logs struct {
	out     io.Writer
	rotator *lumberjack.Logger
	verbose bool
}

// New creates the shared output. Close it to flush the log file.
func New(opts Options) (*Logs, error) {
	console := opts.Stderr
	if console == nil {
		console = os.Stderr
	}
	var writers []io.Writer
	if !opts.Quiet {
		writers = append(writers, console)
	}

	l := &Logs{verbose: opts.Verbose}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, err
		}
		l.rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		writers = append(writers, l.rotator)
	}

	switch len(writers) {
	case 0:
		l.out = io.Discard
	case 1:
		l.out = writers[0]
	default:
		l.out = io.MultiWriter(writers...)
	}
	return l, nil
}

// Discard returns Logs that write nowhere.
func Discard() *Logs {
	return &Logs{out: io.Discard}
}

// Logger returns a logger prefixed with "[component] ".
func (l *Logs) Logger(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", log.LstdFlags)
}

// Debug returns a logger for verbose output; it discards unless verbose.
func (l *Logs) Debug(component string) *log.Logger {
	if !l.verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(l.out, "["+component+"] debug: ", log.LstdFlags|log.Lmicroseconds)
}

// Verbose reports whether debug loggers are enabled.
func (l *Logs) Verbose() bool {
	return l.verbose
}

// Rotate closes the current log file and starts a new one.
func (l *Logs) Rotate() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Rotate()
}

// Close closes the log file, if any.
func (l *Logs) Close() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Close()
}
