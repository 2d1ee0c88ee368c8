// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

// Package clog centralizes the logging backend used across the gocbcore
// runtime so that every component logs through the same sink and the
// application can swap or silence it without touching call sites.
package clog

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var current atomic.Value

func init() {
	current.Store(zap.NewNop().Sugar())
}

// SetLogger installs the logger used by the rest of the package tree.
// Passing nil restores the no-op logger.
func SetLogger(l *zap.SugaredLogger) {
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	current.Store(l)
}

func logger() *zap.SugaredLogger {
	return current.Load().(*zap.SugaredLogger)
}

// Debugf logs protocol-level chatter: HELLO negotiation, opaque
// allocation, SASL mechanism selection.
func Debugf(format string, args ...interface{}) {
	logger().Debugf(format, args...)
}

// Infof logs lifecycle events: connections opening/closing, configs
// applied, caches invalidated.
func Infof(format string, args ...interface{}) {
	logger().Infof(format, args...)
}

// Warnf logs retried failures.
func Warnf(format string, args ...interface{}) {
	logger().Warnf(format, args...)
}

// Errorf logs terminal failures.
func Errorf(format string, args ...interface{}) {
	logger().Errorf(format, args...)
}
