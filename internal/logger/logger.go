package logger

import (
  "io"
  "os"
  "strings"
  "time"

  "github.com/rs/zerolog"
  "gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
  Level  string
  Pretty bool
  File   string
}

// New builds the process logger. With a File set, output is teed into a
// rotating log file next to stdout.
func New(opts Options) zerolog.Logger {
  zerolog.TimeFieldFormat = time.RFC3339

  var out io.Writer = os.Stdout
  if opts.Pretty {
    out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}
  }
  if strings.TrimSpace(opts.File) != "" {
    out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
      Filename:   opts.File,
      MaxSize:    50,
      MaxAge:     14,
      MaxBackups: 5,
    })
  }

  return zerolog.New(out).Level(ParseLevel(opts.Level)).With().Timestamp().Logger()
}

func ParseLevel(level string) zerolog.Level {
  switch strings.ToLower(strings.TrimSpace(level)) {
  case "trace":
    return zerolog.TraceLevel
  case "debug":
    return zerolog.DebugLevel
  case "warn", "warning":
    return zerolog.WarnLevel
  case "error":
    return zerolog.ErrorLevel
  case "fatal":
    return zerolog.FatalLevel
  default:
    return zerolog.InfoLevel
  }
}
