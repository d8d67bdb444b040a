// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mlog wires up the process-wide logging backend and hands out one
// subsystem logger per package, the way dcrd's log.go does.
package mlog

import (
	"fmt"
	"io"
	"os"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// Subsystem tags, used as the short prefix in every log line.
const (
	SubsystemTransport = "TRSP"
	SubsystemCodec     = "WIRE"
	SubsystemRate      = "RATE"
	SubsystemAddrMgr   = "AMGR"
	SubsystemConnMgr   = "CMGR"
	SubsystemPeer      = "PEER"
	SubsystemSync      = "SYNC"
	SubsystemBootstrap = "BOOT"
	SubsystemSubnet    = "SNET"
	SubsystemCooldown  = "CLDN"
	SubsystemServer    = "SRVR"
)

var (
	backendLog = slog.NewBackend(logWriter{})
	logRotator *rotator.Rotator
)

// logWriter implements io.Writer so stdout always gets unbuffered output,
// mirroring dcrd's use of slog.Backend over a tee of stdout and the rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// InitLogRotator initializes the log rotation for the log file at logFile,
// rotating at 10 MiB and retaining at most 3 rolled files, matching dcrd's
// default rotation policy.
func InitLogRotator(logFile string) error {
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("mlog: failed to create log rotator: %w", err)
	}
	logRotator = r
	return nil
}

// NewLogger returns a subsystem logger at the default Info level.
func NewLogger(subsystem string) slog.Logger {
	l := backendLog.Logger(subsystem)
	l.SetLevel(slog.LevelInfo)
	return l
}

// SetLevels applies lvl to every logger in loggers.
func SetLevels(lvl slog.Level, loggers ...slog.Logger) {
	for _, l := range loggers {
		l.SetLevel(lvl)
	}
}

var _ io.Writer = logWriter{}
