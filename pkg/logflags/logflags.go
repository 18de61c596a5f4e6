// Package logflags controls which layers of the unwinder produce log
// output and where that output goes.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var unwinder = false
var elfParser = false
var mapsParser = false
var memoryLayer = false
var dwarfLayer = false

var logOut io.WriteCloser

var textFormatterInstance = &textFormatter{}

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Unwinder returns true if the unwind loop should log every step.
func Unwinder() bool {
	return unwinder
}

// UnwinderLogger returns a logger for the unwind package.
func UnwinderLogger() Logger {
	return makeFlaggableLogger(unwinder, Fields{"layer": "unwinder"})
}

// Elf returns true if the image parser should log.
func Elf() bool {
	return elfParser
}

// ElfLogger returns a logger for the image package.
func ElfLogger() Logger {
	return makeFlaggableLogger(elfParser, Fields{"layer": "elf"})
}

// Maps returns true if the maps parser should log.
func Maps() bool {
	return mapsParser
}

// MapsLogger returns a logger for the maps package.
func MapsLogger() Logger {
	return makeFlaggableLogger(mapsParser, Fields{"layer": "maps"})
}

// Memory returns true if memory reads should be logged.
func Memory() bool {
	return memoryLayer
}

// MemoryLogger returns a logger for the memory package.
func MemoryLogger() Logger {
	return makeFlaggableLogger(memoryLayer, Fields{"layer": "memory"})
}

// Dwarf returns true if the CFI interpreters should log.
func Dwarf() bool {
	return dwarfLayer
}

// DwarfLogger returns a logger for the frame and armexidx packages.
func DwarfLogger() Logger {
	return makeFlaggableLogger(dwarfLayer, Fields{"layer": "dwarf"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets unwinder flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "unwind-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "unwinder"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "unwinder":
			unwinder = true
		case "elf":
			elfParser = true
		case "maps":
			mapsParser = true
		case "memory":
			memoryLayer = true
		case "dwarf":
			dwarfLayer = true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	b.WriteString(entry.Time.Format("2006-01-02T15:04:05Z07:00"))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	b.WriteByte(' ')
	for k, v := range entry.Data {
		fmt.Fprintf(&b, "%s=%v ", k, v)
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}
