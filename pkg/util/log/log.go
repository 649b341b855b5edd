// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package log implements the logging used by every gridmimic component. It
// wraps seelog behind package-level functions so callers never hold a logger
// instance, and it buffers records emitted before the logger is configured.
package log

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *swapLogger

	// This buffer holds log lines sent to the logger before its
	// initialization. Configuration loading and node-id generation both run
	// before SetupLogger, so the buffer should be very short lived.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
	defaultStackDepth    = 3
)

// swapLogger wraps a seelog instance so it can be swapped at runtime while
// log calls are in flight.
type swapLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

// SetupLogger installs l as the process-wide logger and replays any records
// buffered before initialization.
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger = &swapLogger{
		inner: l,
		level: lvl,
	}

	// The exported functions put a constant number of frames between the
	// caller and seelog; skip them so %RelFile:%Line points at the original
	// call site.
	logger.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	bufferLogsBeforeInit = false
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()

	logsBuffer = append(logsBuffer, logHandle)
}

func (sw *swapLogger) shouldLog(level seelog.LogLevel) bool {
	sw.l.RLock()
	defer sw.l.RUnlock()
	return level >= sw.level
}

func buildLogEntry(v ...interface{}) string {
	var fmtBuffer bytes.Buffer
	for i := 0; i < len(v)-1; i++ {
		fmtBuffer.WriteString("%v ")
	}
	fmtBuffer.WriteString("%v")
	return fmt.Sprintf(fmtBuffer.String(), v...)
}

func formatError(v ...interface{}) error {
	return fmt.Errorf("%s", buildLogEntry(v...))
}

func formatErrorf(format string, params ...interface{}) error {
	return fmt.Errorf(format, params...)
}

func logMsg(level seelog.LogLevel, bufferFunc func(), logFunc func(string), v ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(level) {
		logger.l.Lock()
		defer logger.l.Unlock()
		logFunc(buildLogEntry(v...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
}

func logMsgWithError(level seelog.LogLevel, bufferFunc func(), logFunc func(string), fallbackStderr bool, v ...interface{}) error {
	err := formatError(v...)
	if logger != nil && logger.inner != nil && logger.shouldLog(level) {
		logger.l.Lock()
		defer logger.l.Unlock()
		logFunc(buildLogEntry(v...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	} else if fallbackStderr {
		fmt.Fprintf(os.Stderr, "%s: %s\n", level.String(), err.Error())
	}
	return err
}

func logFormat(level seelog.LogLevel, bufferFunc func(), logFunc func(string, ...interface{}), format string, params ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(level) {
		logger.l.Lock()
		defer logger.l.Unlock()
		logFunc(format, params...)
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
}

func logFormatWithError(level seelog.LogLevel, bufferFunc func(), logFunc func(string, ...interface{}), fallbackStderr bool, format string, params ...interface{}) error {
	err := formatErrorf(format, params...)
	if logger != nil && logger.inner != nil && logger.shouldLog(level) {
		logger.l.Lock()
		defer logger.l.Unlock()
		logFunc(format, params...)
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	} else if fallbackStderr {
		fmt.Fprintf(os.Stderr, "%s: %s\n", level.String(), err.Error())
	}
	return err
}

// Trace logs at the trace level.
func Trace(v ...interface{}) {
	logMsg(seelog.TraceLvl, func() { Trace(v...) }, func(s string) { logger.inner.Trace(s) }, v...)
}

// Tracef logs with format at the trace level.
func Tracef(format string, params ...interface{}) {
	logFormat(seelog.TraceLvl, func() { Tracef(format, params...) }, func(f string, p ...interface{}) { logger.inner.Tracef(f, p...) }, format, params...)
}

// Debug logs at the debug level.
func Debug(v ...interface{}) {
	logMsg(seelog.DebugLvl, func() { Debug(v...) }, func(s string) { logger.inner.Debug(s) }, v...)
}

// Debugf logs with format at the debug level.
func Debugf(format string, params ...interface{}) {
	logFormat(seelog.DebugLvl, func() { Debugf(format, params...) }, func(f string, p ...interface{}) { logger.inner.Debugf(f, p...) }, format, params...)
}

// Info logs at the info level.
func Info(v ...interface{}) {
	logMsg(seelog.InfoLvl, func() { Info(v...) }, func(s string) { logger.inner.Info(s) }, v...)
}

// Infof logs with format at the info level.
func Infof(format string, params ...interface{}) {
	logFormat(seelog.InfoLvl, func() { Infof(format, params...) }, func(f string, p ...interface{}) { logger.inner.Infof(f, p...) }, format, params...)
}

// Warn logs at the warn level and returns an error containing the formated log message.
func Warn(v ...interface{}) error {
	return logMsgWithError(seelog.WarnLvl, func() { Warn(v...) }, func(s string) { logger.inner.Warn(s) }, false, v...) //nolint:errcheck
}

// Warnf logs with format at the warn level and returns an error containing the formated log message.
func Warnf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.WarnLvl, func() { Warnf(format, params...) }, func(f string, p ...interface{}) { logger.inner.Warnf(f, p...) }, false, format, params...) //nolint:errcheck
}

// Error logs at the error level and returns an error containing the formated log message.
func Error(v ...interface{}) error {
	return logMsgWithError(seelog.ErrorLvl, func() { Error(v...) }, func(s string) { logger.inner.Error(s) }, true, v...) //nolint:errcheck
}

// Errorf logs with format at the error level and returns an error containing the formated log message.
func Errorf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.ErrorLvl, func() { Errorf(format, params...) }, func(f string, p ...interface{}) { logger.inner.Errorf(f, p...) }, true, format, params...) //nolint:errcheck
}

// Critical logs at the critical level and returns an error containing the formated log message.
func Critical(v ...interface{}) error {
	return logMsgWithError(seelog.CriticalLvl, func() { Critical(v...) }, func(s string) { logger.inner.Critical(s) }, true, v...) //nolint:errcheck
}

// Criticalf logs with format at the critical level and returns an error containing the formated log message.
func Criticalf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.CriticalLvl, func() { Criticalf(format, params...) }, func(f string, p ...interface{}) { logger.inner.Criticalf(f, p...) }, true, format, params...) //nolint:errcheck
}

// Flush flushes the underlying inner log.
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}
