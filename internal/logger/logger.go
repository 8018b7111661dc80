// Package logger is the three-level logger shared by the sender and
// receiver control loops.
package logger

import (
	"io"
	"log"
	"os"
)

const (
	LevelSilent = iota
	LevelError
	LevelInfo
	LevelDebug
)

// Logger gates Debug/Info/Error output behind a single level, matching the
// verbosity the -d flag selects on the CLI.
type Logger struct {
	debug *log.Logger
	info  *log.Logger
	err   *log.Logger
}

// New builds a Logger writing to stderr, each line prefixed with its level
// and then prepend (cmd/sender and cmd/receiver pass "").
func New(level int, prepend string) *Logger {
	output := os.Stderr

	logErr, logInfo, logDebug := func() (io.Writer, io.Writer, io.Writer) {
		if level >= LevelDebug {
			return output, output, output
		}
		if level >= LevelInfo {
			return output, output, io.Discard
		}
		if level >= LevelError {
			return output, io.Discard, io.Discard
		}
		return io.Discard, io.Discard, io.Discard
	}()

	return &Logger{
		debug: log.New(logDebug, "DEBUG: "+prepend, log.Ldate|log.Ltime),
		info:  log.New(logInfo, "INFO: "+prepend, log.Ldate|log.Ltime),
		err:   log.New(logErr, "ERROR: "+prepend, log.Ldate|log.Ltime),
	}
}

func (l *Logger) Debugf(f string, v ...interface{}) { l.debug.Printf(f, v...) }
func (l *Logger) Infof(f string, v ...interface{})  { l.info.Printf(f, v...) }
func (l *Logger) Errorf(f string, v ...interface{}) { l.err.Printf(f, v...) }
