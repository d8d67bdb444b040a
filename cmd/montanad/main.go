// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// montanad is the network-core daemon: it parses configuration, sets up
// logging, runs the Bootstrap Gate and then serves P2P connections until
// told to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/decred/slog"

	"github.com/montana-network/montanad/internal/config"
	"github.com/montana-network/montanad/internal/mlog"
	"github.com/montana-network/montanad/internal/node"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logFile := filepath.Join(cfg.DataDir, "montanad.log")
	if err := mlog.InitLogRotator(logFile); err != nil {
		return fmt.Errorf("initializing log rotator: %w", err)
	}

	loggers := []slog.Logger{
		mlog.NewLogger(mlog.SubsystemTransport),
		mlog.NewLogger(mlog.SubsystemCodec),
		mlog.NewLogger(mlog.SubsystemRate),
		mlog.NewLogger(mlog.SubsystemAddrMgr),
		mlog.NewLogger(mlog.SubsystemConnMgr),
		mlog.NewLogger(mlog.SubsystemPeer),
		mlog.NewLogger(mlog.SubsystemSync),
		mlog.NewLogger(mlog.SubsystemBootstrap),
		mlog.NewLogger(mlog.SubsystemSubnet),
		mlog.NewLogger(mlog.SubsystemCooldown),
		mlog.NewLogger(mlog.SubsystemServer),
	}
	mlog.SetLevels(slog.LevelInfo, loggers...)

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("initializing node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return n.Run(ctx)
}
