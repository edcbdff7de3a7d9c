package utils

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Log is the process logger. It only writes to stderr until SetLogger is called.
var Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// SetLogger points Log to stderr and to the append-only log file.
// The returned closer releases the log file, it is never nil.
// Not being able to open the log file is not fatal, we just keep logging to stderr.
func SetLogger(logFile string, debug bool) io.Closer {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	var closer io.Closer = io.NopCloser(nil)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err == nil {
			writers = append(writers, f)
			closer = f
		}
	}

	Log = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	if logFile != "" && len(writers) == 1 {
		Log.Warn().Str("file", logFile).Msg("Cannot open log file, logging to stderr only")
	}
	return closer
}
