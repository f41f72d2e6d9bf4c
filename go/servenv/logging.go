// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package servenv holds the process environment shared by the nativepool
// commands: logging setup and signal driven shutdown.
package servenv

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/multigres/nativepool/go/mterrors"
	"github.com/multigres/nativepool/go/tools/event"
)

const (
	logLevelKey  = "log-level"
	logFormatKey = "log-format"
	logOutputKey = "log-output"
)

// Logger builds the process logger from the log-level, log-format and
// log-output settings of a viper instance.
type Logger struct {
	v *viper.Viper

	// stdout and stderr are the writers behind the "stdout" and "stderr"
	// outputs.
	stdout io.Writer
	stderr io.Writer

	once   sync.Once
	mu     sync.Mutex
	logger *slog.Logger
	file   *os.File
	err    error

	setupHooks event.Listeners[*slog.Logger]
}

// NewLogger returns a Logger reading its settings from v.
func NewLogger(v *viper.Viper) *Logger {
	v.SetDefault(logLevelKey, "info")
	v.SetDefault(logFormatKey, "json")
	v.SetDefault(logOutputKey, "stderr")
	return &Logger{v: v, stdout: os.Stdout, stderr: os.Stderr}
}

// RegisterFlags registers logging-related command line flags.
func (lg *Logger) RegisterFlags(fs *pflag.FlagSet) {
	fs.String(logLevelKey, lg.v.GetString(logLevelKey), "Log level (debug, info, warn, error)")
	fs.String(logFormatKey, lg.v.GetString(logFormatKey), "Log format (json, text)")
	fs.String(logOutputKey, lg.v.GetString(logOutputKey), "Log output (stdout, stderr, or file path)")
	for _, name := range []string{logLevelKey, logFormatKey, logOutputKey} {
		_ = lg.v.BindPFlag(name, fs.Lookup(name))
	}
}

// OnLoggingSetup registers a callback run once the logger is created.
func (lg *Logger) OnLoggingSetup(f func(*slog.Logger)) (remove func()) {
	return lg.setupHooks.Add(f)
}

// ParseLevel maps a level name to a slog level. Unknown names are an error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, mterrors.InvalidParameter(logLevelKey, "unknown level "+s)
}

// NewHandler returns a json or text handler writing to w.
func NewHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	}
	return nil, mterrors.InvalidParameter(logFormatKey, "unknown format "+format)
}

// SetupLogging creates the logger and installs it as the slog default. It
// must be called after flags and config files are loaded. Later calls
// return the result of the first one.
func (lg *Logger) SetupLogging() error {
	lg.once.Do(func() {
		lg.err = lg.setup()
	})
	return lg.err
}

func (lg *Logger) setup() error {
	levelStr := lg.v.GetString(logLevelKey)
	level, err := ParseLevel(levelStr)
	if err != nil {
		return err
	}

	var output io.Writer
	var file *os.File
	outputStr := lg.v.GetString(logOutputKey)
	switch strings.ToLower(outputStr) {
	case "", "stderr":
		output = lg.stderr
	case "stdout":
		output = lg.stdout
	default:
		file, err = os.OpenFile(outputStr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return mterrors.Wrap(err, "opening log output")
		}
		output = file
	}

	formatStr := lg.v.GetString(logFormatKey)
	handler, err := NewHandler(output, formatStr, level)
	if err != nil {
		if file != nil {
			_ = file.Close()
		}
		return err
	}

	newLogger := slog.New(handler)
	slog.SetDefault(newLogger)

	lg.mu.Lock()
	lg.logger = newLogger
	lg.file = file
	lg.mu.Unlock()

	lg.setupHooks.Fire(newLogger)

	newLogger.Debug("logging initialized",
		"level", levelStr,
		"format", formatStr,
		"output", outputStr,
	)
	return nil
}

// GetLogger returns the configured logger, or the slog default before
// SetupLogging succeeded.
func (lg *Logger) GetLogger() *slog.Logger {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.logger == nil {
		return slog.Default()
	}
	return lg.logger
}

// Close closes the log file, if any.
func (lg *Logger) Close() error {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.file == nil {
		return nil
	}
	err := lg.file.Close()
	lg.file = nil
	return err
}
