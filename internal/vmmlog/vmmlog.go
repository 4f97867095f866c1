// Package vmmlog provides the leveled logging used across the core. It
// wraps the stdlib log.Logger the way gokvm calls log.Printf directly for
// diagnostics and fmt.Printf for user-facing console text: no structured
// logging library is pulled in, because none appears anywhere in the
// teacher repo or the rest of the retrieval pack.
package vmmlog

import (
	"log"
	"os"
)

// Level is a logging severity, ordered least to most severe.
type Level int

const (
	LevelDebug Level = iota
	LevelVerbose
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelVerbose:
		return "VERBOSE"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Logger is a minimal leveled logger over *log.Logger. The zero value is
// not usable; use New.
type Logger struct {
	min Level
	l   *log.Logger
}

// New returns a Logger that discards messages below min and writes
// everything else to *log.Logger with its level prefixed.
func New(min Level) *Logger {
	return &Logger{min: min, l: log.New(os.Stderr, "", log.LstdFlags)}
}

func (lg *Logger) log(lvl Level, format string, args ...interface{}) {
	if lg == nil || lvl < lg.min {
		return
	}

	lg.l.Printf("["+lvl.String()+"] "+format, args...)
}

func (lg *Logger) Debugf(format string, args ...interface{})   { lg.log(LevelDebug, format, args...) }
func (lg *Logger) Verbosef(format string, args ...interface{}) { lg.log(LevelVerbose, format, args...) }
func (lg *Logger) Infof(format string, args ...interface{})    { lg.log(LevelInfo, format, args...) }
func (lg *Logger) Warnf(format string, args ...interface{})    { lg.log(LevelWarn, format, args...) }
func (lg *Logger) Errorf(format string, args ...interface{})   { lg.log(LevelError, format, args...) }

// Fatalf logs at LevelFatal and calls os.Exit(1). The core has no
// graceful-restart path once a fatal error is raised (spec: fatal errors
// invoke an abort primitive).
func (lg *Logger) Fatalf(format string, args ...interface{}) {
	lg.log(LevelFatal, format, args...)
	os.Exit(1)
}

// Default is a process-wide logger at LevelInfo, used by packages that do
// not carry their own injected Logger (mirrors gokvm's bare log.Printf
// calls scattered through machine.go).
var Default = New(LevelInfo)
