// Package logger builds the structured loggers used across the engine.
//
// Unlike the usual package-level singleton, nothing here is global: callers
// get a *logrus.Logger (or entry) back from New and thread it through their
// own constructors. That keeps every component's log output attributable to
// the concrete instance that produced it, and lets tests swap in a
// discarding logger without touching package state.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls where and how verbosely a logger writes.
type Config struct {
	Component string // short tag, e.g. "bufferpool", "wal" — becomes a field on every entry
	FilePath  string // optional; when set, output is duplicated to this file
	Level     string // debug|info|warn|error|fatal|panic, default info
}

// textFormatter renders "[time] [LEVL] (file:func:line) message key=value...",
// with the component among the trailing fields.
type textFormatter struct{}

func (textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format("15:04:05.000")
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	caller := callerSite()

	var fields strings.Builder
	for k, v := range entry.Data {
		fmt.Fprintf(&fields, " %s=%v", k, v)
	}

	return []byte(fmt.Sprintf("[%s] [%s] (%s) %s%s\n", timestamp, level, caller, entry.Message, fields.String())), nil
}

func callerSite() string {
	for i := 2; i < 24; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/logrus/") || strings.Contains(file, "sirupsen") || strings.Contains(file, "logger/logger.go") {
			continue
		}
		fn := runtime.FuncForPC(pc)
		name := "unknown"
		if fn != nil {
			parts := strings.Split(fn.Name(), "/")
			name = parts[len(parts)-1]
		}
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), name, line)
	}
	return "unknown:unknown:0"
}

func parseLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// New constructs a logger for a single component, honoring cfg.FilePath by
// writing to both stderr and the file (the file is never the sole sink, so
// a misconfigured path never silences a component).
func New(cfg Config) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(textFormatter{})
	l.SetLevel(parseLevel(cfg.Level))
	l.SetOutput(os.Stderr)

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err == nil {
			if f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				l.SetOutput(io.MultiWriter(os.Stderr, f))
			}
		}
	}

	entry := logrus.NewEntry(l)
	if cfg.Component != "" {
		entry = entry.WithField("component", cfg.Component)
	}
	return entry
}

// Discard returns a logger that drops everything, for tests that don't care.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
