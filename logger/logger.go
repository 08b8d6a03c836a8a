// Package logger provides the cache's structured logging, adapted from the
// teacher's own logger package: a package-global *logrus.Logger with a
// terse custom formatter and a caller-skip that hides the logging and
// logrus frames themselves.
package logger

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is the package-wide logger every cache component writes through.
var Log = newDefault()

// Config controls the log level and whether output also goes to a file,
// mirroring the teacher's LogConfig.
type Config struct {
	Level    string // "debug", "info", "warn", "error"
	FilePath string // optional; empty means stderr only
}

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&CustomFormatter{})
	return l
}

// Configure applies cfg to the package logger. Called once at startup by a
// driver; the cache itself never parses configuration (spec.md scopes
// config parsing out of the core).
func Configure(cfg Config) error {
	if cfg.Level != "" {
		lvl, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		Log.SetLevel(lvl)
	}
	if cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		Log.SetOutput(f)
	}
	return nil
}

// CustomFormatter renders "[time] [LEVEL] (caller) message", the same
// shape the teacher's formatter produces.
type CustomFormatter struct{}

func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format("15:04:05 2006/01/02")
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	msg := fmt.Sprintf("[%s] [%s] (%s) %s\n", timestamp, level, caller(), entry.Message)
	return []byte(msg), nil
}

func caller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/logrus/") || strings.Contains(file, "logger.go") {
			continue
		}
		fn := runtime.FuncForPC(pc)
		name := "?"
		if fn != nil {
			parts := strings.Split(fn.Name(), "/")
			name = parts[len(parts)-1]
		}
		return fmt.Sprintf("%s:%d %s", shortFile(file), line, name)
	}
	return "?"
}

func shortFile(file string) string {
	idx := strings.LastIndex(file, "/")
	if idx < 0 {
		return file
	}
	return file[idx+1:]
}
