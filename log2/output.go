package log2

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

type OutputOptions struct {
	Level Level
	// empty = stderr
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewOutput opens stderr or a size-rotated log file.
// Interactive terminal gets timestamps, otherwise journald adds its own.
func NewOutput(opt OutputOptions) (*Log, io.Closer) {
	if opt.File == "" {
		l := NewStderr(opt.Level)
		l.SetFlags(StderrFlags())
		return l, nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   opt.File,
		MaxSize:    opt.MaxSizeMB,
		MaxBackups: opt.MaxBackups,
		MaxAge:     opt.MaxAgeDays,
		LocalTime:  true,
	}
	l := NewWriter(lj, opt.Level)
	l.SetFlags(LInteractiveFlags)
	return l, lj
}

func StderrFlags() int {
	fd := os.Stderr.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return LInteractiveFlags
	}
	return LServiceFlags
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
