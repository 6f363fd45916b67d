// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the logging capability for gatekey.
//
// It is a thin shim over log/slog that keeps a process-wide singleton for
// call sites that predate dependency injection. New code should inject
// *slog.Logger directly; use [Get] to obtain the underlying logger.
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
	singleton.Store(newLogger(slog.LevelInfo, false))
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

// Debug logs a message at debug level using the singleton logger.
func Debug(msg string) {
	get().Debug(msg)
}

// Debugf logs a formatted message at debug level using the singleton logger.
func Debugf(msg string, args ...any) {
	get().Debug(fmt.Sprintf(msg, args...))
}

// Debugw logs a message at debug level with additional key-value pairs.
func Debugw(msg string, keysAndValues ...any) {
	get().Debug(msg, keysAndValues...)
}

// Info logs a message at info level using the singleton logger.
func Info(msg string) {
	get().Info(msg)
}

// Infof logs a formatted message at info level using the singleton logger.
func Infof(msg string, args ...any) {
	get().Info(fmt.Sprintf(msg, args...))
}

// Infow logs a message at info level with additional key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	get().Info(msg, keysAndValues...)
}

// Warn logs a message at warning level using the singleton logger.
func Warn(msg string) {
	get().Warn(msg)
}

// Warnf logs a formatted message at warning level using the singleton logger.
func Warnf(msg string, args ...any) {
	get().Warn(fmt.Sprintf(msg, args...))
}

// Warnw logs a message at warning level with additional key-value pairs.
func Warnw(msg string, keysAndValues ...any) {
	get().Warn(msg, keysAndValues...)
}

// Error logs a message at error level using the singleton logger.
func Error(msg string) {
	get().Error(msg)
}

// Errorf logs a formatted message at error level using the singleton logger.
func Errorf(msg string, args ...any) {
	get().Error(fmt.Sprintf(msg, args...))
}

// Errorw logs a message at error level with additional key-value pairs.
func Errorw(msg string, keysAndValues ...any) {
	get().Error(msg, keysAndValues...)
}

// Fatalw logs a message at error level with additional key-value pairs and
// exits the program.
func Fatalw(msg string, keysAndValues ...any) {
	get().Error(msg, keysAndValues...)
	os.Exit(1)
}

// Initialize creates and configures the appropriate logger.
// If the UNSTRUCTURED_LOGS env var is set to true, it will output plain text.
// Otherwise it will create a standard structured JSON logger.
func Initialize() {
	level := slog.LevelInfo
	if viper.GetBool("debug") {
		level = slog.LevelDebug
	}
	singleton.Store(newLogger(level, unstructuredLogs()))
}

func newLogger(level slog.Level, unstructured bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if unstructured {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func unstructuredLogs() bool {
	unstructured, err := strconv.ParseBool(os.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		// Env var unset or empty: default to human-readable output.
		return true
	}
	return unstructured
}
