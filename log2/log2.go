// Package log2 is a small leveled logger shared by every relay component.
// Level may be changed concurrently while other goroutines log.
// Nil *Log is valid and discards everything, so components may be
// constructed without a logger in tests.
package log2

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

const (
	// type specified here helped against accidentally passing flags as level
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
	LAll = math.MaxInt32
)

func (l Level) String() string {
	switch l {
	case LError:
		return "error"
	case LInfo:
		return "info"
	case LDebug:
		return "debug"
	case LAll:
		return "all"
	}
	return fmt.Sprintf("level(%d)", int32(l))
}

// ParseLevel accepts names used in config files: error, info, debug, all.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error", "err":
		return LError, nil
	case "", "info":
		return LInfo, nil
	case "debug":
		return LDebug, nil
	case "all", "trace":
		return LAll, nil
	}
	return LInfo, fmt.Errorf("unknown log level=%s", s)
}

type FmtFunc func(format string, args ...interface{})
type ErrorFunc func(error)

type Log struct {
	l      *log.Logger
	level  Level
	w      io.Writer
	fatalf FmtFunc

	errmu   sync.Mutex
	errfunc ErrorFunc
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }
func NewWriter(w io.Writer, level Level) *Log {
	if w == ioutil.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

type funcWriter struct{ f FmtFunc }

func (fw funcWriter) Write(b []byte) (int, error) {
	fw.f("%s", strings.TrimSuffix(string(b), "\n"))
	return len(b), nil
}

func NewFunc(f FmtFunc, level Level) *Log { return NewWriter(funcWriter{f}, level) }

// NewTest routes output into t.Logf, visible with `go test -v` or on failure.
func NewTest(t testing.TB, level Level) *Log {
	l := NewFunc(t.Logf, level)
	l.SetFlags(LTestFlags)
	l.fatalf = t.Fatalf
	return l
}

// Clone shares output writer and flags, level is independent.
func (self *Log) Clone(level Level) *Log {
	if self == nil {
		return nil
	}
	l := NewWriter(self.w, level)
	l.SetFlags(self.l.Flags())
	l.SetPrefix(self.l.Prefix())
	l.fatalf = self.fatalf
	return l
}

// Component returns clone with prefix "name: " and same level.
func (self *Log) Component(name string) *Log {
	if self == nil {
		return nil
	}
	l := self.Clone(Level(atomic.LoadInt32((*int32)(&self.level))))
	l.SetPrefix(self.l.Prefix() + name + ": ")
	l.errfunc = self.getErrorFunc()
	return l
}

func (self *Log) Writer() io.Writer {
	if self == nil {
		return ioutil.Discard
	}
	return self.w
}

func (self *Log) SetLevel(l Level) {
	if self == nil {
		return
	}
	atomic.StoreInt32((*int32)(&self.level), int32(l))
}

func (self *Log) SetFlags(f int) {
	if self == nil {
		return
	}
	self.l.SetFlags(f)
}

func (self *Log) SetPrefix(prefix string) {
	if self == nil {
		return
	}
	self.l.SetPrefix(prefix)
}

// SetErrorFunc registers hook called for every Error/Errorf regardless of level.
func (self *Log) SetErrorFunc(f ErrorFunc) {
	if self == nil {
		return
	}
	self.errmu.Lock()
	self.errfunc = f
	self.errmu.Unlock()
}

func (self *Log) getErrorFunc() ErrorFunc {
	self.errmu.Lock()
	defer self.errmu.Unlock()
	return self.errfunc
}

func (self *Log) Enabled(level Level) bool {
	if self == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&self.level)) >= int32(level)
}

func (self *Log) Log(level Level, s string) {
	if self.Enabled(level) {
		_ = self.l.Output(3, s)
	}
}
func (self *Log) Logf(level Level, format string, args ...interface{}) {
	if self.Enabled(level) {
		_ = self.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (self *Log) Error(args ...interface{}) {
	if self == nil {
		return
	}
	self.Log(LError, "error: "+fmt.Sprint(args...))
	if f := self.getErrorFunc(); f != nil {
		if len(args) == 1 {
			if e, ok := args[0].(error); ok {
				f(e)
				return
			}
		}
		f(fmt.Errorf("%s", fmt.Sprint(args...)))
	}
}
func (self *Log) Errorf(format string, args ...interface{}) {
	if self == nil {
		return
	}
	self.Logf(LError, "error: "+format, args...)
	if f := self.getErrorFunc(); f != nil {
		f(fmt.Errorf(format, args...))
	}
}
func (self *Log) Info(args ...interface{}) {
	self.Log(LInfo, fmt.Sprint(args...))
}
func (self *Log) Infof(format string, args ...interface{}) {
	self.Logf(LInfo, format, args...)
}
func (self *Log) Debug(args ...interface{}) {
	self.Log(LDebug, "debug: "+fmt.Sprint(args...))
}
func (self *Log) Debugf(format string, args ...interface{}) {
	self.Logf(LDebug, "debug: "+format, args...)
}

// Printf and Println log at LInfo, for libraries expecting stdlib style logger.
func (self *Log) Printf(format string, args ...interface{}) {
	self.Logf(LInfo, format, args...)
}
func (self *Log) Println(args ...interface{}) {
	self.Log(LInfo, strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

func (self *Log) Fatalf(format string, args ...interface{}) {
	if self != nil && self.fatalf != nil {
		self.fatalf(format, args...)
		return
	}
	self.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}
func (self *Log) Fatal(args ...interface{}) {
	s := fmt.Sprint(args...)
	if self != nil && self.fatalf != nil {
		self.fatalf("%s", s)
		return
	}
	self.Logf(LError, "fatal: %s", s)
	os.Exit(1)
}
