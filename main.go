// kernelchat - A terminal interface for the kernel agent platform.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/morganforge/kernelchat/internal/api"
	"github.com/morganforge/kernelchat/internal/config"
	"github.com/morganforge/kernelchat/internal/realtime"
	"github.com/morganforge/kernelchat/internal/store"
	"github.com/morganforge/kernelchat/internal/stream"
	"github.com/morganforge/kernelchat/internal/ui"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "version" || os.Args[1] == "--version") {
		fmt.Printf("kernelchat %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Server.Token == "" {
		fmt.Fprintf(os.Stderr, "No API token configured.\n")
		fmt.Fprintf(os.Stderr, "Set KERNELCHAT_TOKEN or add it to %s\n", mustConfigPath())
		os.Exit(1)
	}

	logger, closeLog := newLogger()
	defer closeLog()
	logger.Info("starting kernelchat",
		slog.String("version", Version),
		slog.String("server", cfg.Server.BaseURL))

	// =========================================================================
	// COLLABORATORS
	// =========================================================================

	client := api.NewClient(cfg.Server.BaseURL, cfg.Server.Token, cfg.Server.UserID).
		WithLogger(logger)

	assembler := stream.NewAssembler(cfg.Server.BaseURL, cfg.Server.Token).
		WithLogger(logger)

	manager := realtime.NewManager(realtime.Config{
		URL:                  cfg.Server.WebsocketURL,
		Token:                cfg.Server.Token,
		UserID:               cfg.Server.UserID,
		ConnectTimeout:       time.Duration(cfg.Realtime.ConnectTimeoutSecs) * time.Second,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		PingInterval:         time.Duration(cfg.Realtime.PingIntervalSecs) * time.Second,
	}).WithLogger(logger)

	st := store.New(client, store.NewStreamer(assembler), manager, cfg.Server.UserID).
		WithLogger(logger)

	// =========================================================================
	// PROGRAM WIRING
	// =========================================================================

	m := ui.New(st, cfg.UI)
	p := tea.NewProgram(m, tea.WithAltScreen())

	st.OnChange(func() {
		p.Send(ui.StateChangedMsg{})
	})
	st.OnNotice(func(n store.Notice) {
		p.Send(ui.NoticeMsg{Notice: n})
	})
	manager.Subscribe(realtime.EventStateChange, func(ev realtime.Event) {
		p.Send(ui.ConnStatusMsg{Status: ev.Status})
	})

	// Hot-reload is limited to UI preferences; server settings need a restart.
	stopWatch := watchConfig(logger, func(next *config.Config) {
		cfg.UI = next.UI
		p.Send(ui.StateChangedMsg{})
	})
	defer stopWatch()

	// Initial data loads run in the background so the interface appears
	// immediately even when the backend is slow.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := manager.Connect(ctx); err != nil {
			logger.Warn("realtime connect failed", slog.Any("error", err))
		} else {
			manager.SetStatus("online")
		}
		if err := st.LoadConversations(ctx); err != nil {
			p.Send(ui.NoticeMsg{Notice: store.Notice{
				Kind: store.NoticeError,
				Text: fmt.Sprintf("Could not load conversations: %v", err),
			}})
		}
		if err := st.RefreshBalance(ctx); err != nil {
			logger.Warn("balance refresh failed", slog.Any("error", err))
		}
		p.Send(ui.StateChangedMsg{})
	}()

	_, runErr := p.Run()

	st.Close()
	manager.Disconnect()

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error running kernelchat: %v\n", runErr)
		os.Exit(1)
	}
}

// newLogger opens the log file under the config directory. The TUI owns the
// terminal, so logs never go to stdout or stderr while it runs.
func newLogger() (*slog.Logger, func()) {
	dir, err := config.ConfigDir()
	if err != nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}
	}
	if err := config.EnsureConfigDir(); err != nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}
	}
	f, err := os.OpenFile(filepath.Join(dir, "kernelchat.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}
	}
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, func() { _ = f.Close() }
}

// watchConfig starts the config file watcher, returning a no-op stopper when
// watching is unavailable.
func watchConfig(logger *slog.Logger, onReload func(*config.Config)) func() {
	path, err := config.ConfigPath()
	if err != nil {
		return func() {}
	}
	stop, err := config.Watch(path, onReload)
	if err != nil {
		logger.Warn("config watch unavailable", slog.Any("error", err))
		return func() {}
	}
	return stop
}

func mustConfigPath() string {
	path, err := config.ConfigPath()
	if err != nil {
		return "~/.kernelchat/config.toml"
	}
	return path
}
