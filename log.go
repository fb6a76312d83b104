// log.go - leveled, colorized status/fault logging (§7 expansion)
//
// The teacher has no structured logger of its own; main.go prints straight
// to stdout/stderr with fmt, and boilerPlate() reaches for raw ANSI escapes
// to color its banner. This generalizes that into a small leveled wrapper
// around the standard log package, using fatih/color for the level tag
// instead of hand-rolled escape codes, matching color's presence in the
// rest of the retrieval pack (go-probe).

package ducky

import (
	"log"
	"os"

	"github.com/fatih/color"
)

var (
	infoTag  = color.New(color.FgCyan).SprintFunc()
	warnTag  = color.New(color.FgYellow).SprintFunc()
	errTag   = color.New(color.FgRed, color.Bold).SprintFunc()
	debugTag = color.New(color.FgHiBlack).SprintFunc()
)

// Logger is the machine-wide sink for status and fault messages. debug
// controls whether Debugf lines are emitted at all, mirroring the CLI's
// --debug flag.
type Logger struct {
	out   *log.Logger
	debug bool
}

// NewLogger builds a logger writing to stderr, so guest terminal output on
// stdout stays clean.
func NewLogger(debug bool) *Logger {
	return &Logger{out: log.New(os.Stderr, "", log.LstdFlags), debug: debug}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.out.Printf(infoTag("INFO")+" "+format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.out.Printf(warnTag("WARN")+" "+format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.out.Printf(errTag("ERROR")+" "+format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.out.Printf(debugTag("DEBUG")+" "+format, args...)
}
