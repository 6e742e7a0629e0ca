// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the process-wide structured logger for authrim.
//
// New code should inject *slog.Logger directly; use [Get] to obtain the
// underlying logger for injection.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/spf13/viper"
)

// singleton is the package-level logger created by Initialize.
// Accessed atomically to be safe for concurrent use across goroutines.
var singleton atomic.Pointer[slog.Logger]

func init() {
	// Set a default logger so callers that skip Initialize() don't panic.
	singleton.Store(newLogger(false, slog.LevelInfo))
}

func get() *slog.Logger {
	return singleton.Load()
}

// Get returns the underlying *slog.Logger for injection into structs.
func Get() *slog.Logger {
	return get()
}

// Set replaces the singleton logger. This is intended for tests that need to
// capture log output; production code should use [Initialize] instead.
func Set(l *slog.Logger) {
	singleton.Store(l)
}

// Initialize creates the process logger. Text output is used when
// UNSTRUCTURED_LOGS is truthy (the local development default); JSON otherwise.
// The debug flag and the DEBUG environment variable both lower the level.
func Initialize() {
	level := slog.LevelInfo
	if viper.GetBool("debug") || isTruthy(os.Getenv("DEBUG")) {
		level = slog.LevelDebug
	}
	singleton.Store(newLogger(isTruthy(os.Getenv("UNSTRUCTURED_LOGS")), level))
}

func newLogger(unstructured bool, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if unstructured {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func isTruthy(value string) bool {
	b, err := strconv.ParseBool(value)
	return err == nil && b
}

// Debug logs a message at debug level using the singleton logger.
func Debug(msg string, args ...any) {
	get().Debug(msg, args...)
}

// Info logs a message at info level using the singleton logger.
func Info(msg string, args ...any) {
	get().Info(msg, args...)
}

// Warn logs a message at warn level using the singleton logger.
func Warn(msg string, args ...any) {
	get().Warn(msg, args...)
}

// Error logs a message at error level using the singleton logger.
func Error(msg string, args ...any) {
	get().Error(msg, args...)
}

// Errorf logs a formatted message at error level using the singleton logger.
func Errorf(format string, args ...any) {
	get().Error(fmt.Sprintf(format, args...))
}
