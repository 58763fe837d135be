// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for metget-server components.
//
// Logs default to stderr in human-readable text; set JSON to emit
// machine-parseable output suitable for log aggregation. Every component
// (API, downloader, worker) opens its own Logger at startup tagged with
// its own Service name so entries can be filtered by component.
package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config configures Logger construction. The zero value logs Debug+ to
// stderr as text, since LevelDebug is the zero Level.
type Config struct {
	// Level filters messages below it.
	Level Level

	// LogDir enables file logging, writing "{Service}_{YYYY-MM-DD}.log"
	// in JSON. Supports "~" expansion. Directory is created (0750) if
	// missing.
	LogDir string

	// Service is attached to every entry as the "service" attribute.
	Service string

	// JSON switches the stderr handler to JSON. File logs are always JSON.
	JSON bool

	// Quiet disables the stderr handler (file-only logging).
	Quiet bool
}

// Logger wraps slog.Logger with optional dual stderr+file output and a
// Close for flushing the file handle on shutdown.
type Logger struct {
	slog   *slog.Logger
	config Config
	file   *os.File
	mu     sync.Mutex
}

// New builds a Logger from config, opening a log file if LogDir is set.
// File-open failures downgrade to stderr-only rather than failing
// startup, since a missing log directory shouldn't prevent the service
// from running.
func New(config Config) *Logger {
	var handlers []slog.Handler
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}

	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	l := &Logger{config: config}

	if config.LogDir != "" {
		if dir, err := expandHome(config.LogDir); err == nil {
			if err := os.MkdirAll(dir, 0750); err == nil {
				name := fileName(config.Service)
				if f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600); err == nil {
					l.file = f
					handlers = append(handlers, slog.NewJSONHandler(f, opts))
				}
			}
		}
	}

	base := slog.New(fanout(handlers))
	if config.Service != "" {
		base = base.With("service", config.Service)
	}
	l.slog = base
	return l
}

// Default returns an Info-level, text-to-stderr Logger tagged with service.
func Default(service string) *Logger {
	return New(Config{Level: LevelInfo, Service: service})
}

func fileName(service string) string {
	if service == "" {
		service = "metget"
	}
	return service + "_" + time.Now().Format("2006-01-02") + ".log"
}

func expandHome(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, dir[1:]), nil
}

// With returns a child Logger that attaches args to every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), config: l.config, file: l.file}
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// Slog exposes the underlying *slog.Logger for packages (gin middleware,
// goroutine pools) that want to pass it down as a context value.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// Close flushes and closes the log file, if one is open. Safe to call on
// a Logger with no file configured.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// fanoutHandler writes every record to each wrapped handler in turn.
type fanoutHandler []slog.Handler

func fanout(handlers []slog.Handler) slog.Handler {
	if len(handlers) == 0 {
		return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})
	}
	if len(handlers) == 1 {
		return handlers[0]
	}
	return fanoutHandler(handlers)
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanoutHandler, len(f))
	for i, h := range f {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	next := make(fanoutHandler, len(f))
	for i, h := range f {
		next[i] = h.WithGroup(name)
	}
	return next
}
