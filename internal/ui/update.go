// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui provides the terminal user interface for kernelchat.
package ui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/morganforge/kernelchat/internal/store"
)

// bannerTimeout is how long a transient banner stays visible.
const bannerTimeout = 5 * time.Second

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		m.rebuildRenderer()
		m.refreshViewport()
		m.ready = true

	case tea.KeyMsg:
		model, cmd := m.handleKey(msg)
		return model, cmd

	case StateChangedMsg:
		m.clampSelection()
		m.refreshViewport()
		m.viewport.GotoBottom()

	case ConnStatusMsg:
		m.connStatus = msg.Status

	case NoticeMsg:
		m.banner = msg.Notice.Text
		m.bannerKind = msg.Notice.Kind
		m.bannerSeq++
		seq := m.bannerSeq
		cmds = append(cmds, tea.Tick(bannerTimeout, func(time.Time) tea.Msg {
			return clearBannerMsg{seq: seq}
		}))

	case clearBannerMsg:
		if msg.seq == m.bannerSeq {
			m.banner = ""
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// =============================================================================
// KEY HANDLING
// =============================================================================

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keyMap.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keyMap.Dismiss):
		m.banner = ""
		if m.mode == modeRename {
			m.exitRenameMode()
		}
		return m, nil

	case key.Matches(msg, m.keyMap.SwitchFocus):
		if m.focus == focusInput {
			m.focus = focusList
			m.input.Blur()
		} else {
			m.focus = focusInput
			m.input.Focus()
		}
		return m, nil

	case key.Matches(msg, m.keyMap.NewConv):
		return m, m.createConversationCmd()

	case key.Matches(msg, m.keyMap.DeleteConv):
		if current := m.store.Current(); current != nil {
			return m, m.deleteConversationCmd(current.ID)
		}
		return m, nil

	case key.Matches(msg, m.keyMap.RenameConv):
		m.enterRenameMode()
		return m, nil

	case key.Matches(msg, m.keyMap.Reload):
		return m, m.reloadCmd()

	case key.Matches(msg, m.keyMap.CancelStream):
		m.store.CancelStream("")
		return m, nil
	}

	if m.focus == focusList {
		return m.handleListKey(msg)
	}
	return m.handleInputKey(msg)
}

func (m *Model) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	convs := m.store.Conversations()
	switch {
	case key.Matches(msg, m.keyMap.Up):
		if m.selectedIdx > 0 {
			m.selectedIdx--
		}
	case key.Matches(msg, m.keyMap.Down):
		if m.selectedIdx < len(convs)-1 {
			m.selectedIdx++
		}
	case key.Matches(msg, m.keyMap.Select):
		if m.selectedIdx < len(convs) {
			return m, m.selectConversationCmd(convs[m.selectedIdx].ID)
		}
	default:
		// pgup/pgdn and friends scroll the message history.
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) handleInputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keyMap.Send) {
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		if m.mode == modeRename {
			m.exitRenameMode()
			if current := m.store.Current(); current != nil {
				return m, m.renameConversationCmd(current.ID, text)
			}
			return m, nil
		}
		return m, m.sendCmd(text)
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if m.mode == modeCompose && m.input.Value() != before {
		return m, tea.Batch(cmd, m.typingCmd())
	}
	return m, cmd
}

// typingCmd publishes a typing indicator off the update loop. The realtime
// layer rate-limits the actual sends.
func (m *Model) typingCmd() tea.Cmd {
	return func() tea.Msg {
		m.store.SendTyping(true)
		return nil
	}
}

// =============================================================================
// MODES AND LAYOUT
// =============================================================================

func (m *Model) enterRenameMode() {
	current := m.store.Current()
	if current == nil {
		return
	}
	m.mode = modeRename
	m.focus = focusInput
	m.input.Focus()
	m.input.Placeholder = "New title..."
	m.input.SetValue(current.GetTitle())
}

func (m *Model) exitRenameMode() {
	m.mode = modeCompose
	m.input.Placeholder = "Ask the agent anything..."
	m.input.Reset()
}

// layout recomputes component dimensions from the window size.
func (m *Model) layout() {
	contentWidth := m.width - sidebarWidth - 4
	if contentWidth < 20 {
		contentWidth = 20
	}
	// Viewport height: window minus input, status bar, and banner row.
	contentHeight := m.height - m.input.Height() - 3
	if contentHeight < 3 {
		contentHeight = 3
	}

	if m.viewport.Width == 0 {
		m.viewport = viewport.New(contentWidth, contentHeight)
	} else {
		m.viewport.Width = contentWidth
		m.viewport.Height = contentHeight
	}
	m.input.SetWidth(contentWidth)
}

// clampSelection keeps the list cursor inside the conversation list.
func (m *Model) clampSelection() {
	n := len(m.store.Conversations())
	if m.selectedIdx >= n {
		m.selectedIdx = n - 1
	}
	if m.selectedIdx < 0 {
		m.selectedIdx = 0
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func (m *Model) sendCmd(content string) tea.Cmd {
	return func() tea.Msg {
		m.store.SendTyping(false)
		if err := m.store.SendMessage(context.Background(), content); err != nil {
			return NoticeMsg{Notice: store.Notice{Kind: store.NoticeError, Text: err.Error()}}
		}
		return StateChangedMsg{}
	}
}

func (m *Model) createConversationCmd() tea.Cmd {
	return func() tea.Msg {
		if _, err := m.store.CreateConversation(context.Background(), ""); err != nil {
			return NoticeMsg{Notice: store.Notice{Kind: store.NoticeError, Text: err.Error()}}
		}
		return StateChangedMsg{}
	}
}

func (m *Model) deleteConversationCmd(id string) tea.Cmd {
	return func() tea.Msg {
		if err := m.store.DeleteConversation(context.Background(), id); err != nil {
			return NoticeMsg{Notice: store.Notice{Kind: store.NoticeError, Text: err.Error()}}
		}
		return StateChangedMsg{}
	}
}

func (m *Model) renameConversationCmd(id, title string) tea.Cmd {
	return func() tea.Msg {
		if err := m.store.RenameConversation(context.Background(), id, title); err != nil {
			return NoticeMsg{Notice: store.Notice{Kind: store.NoticeError, Text: err.Error()}}
		}
		return StateChangedMsg{}
	}
}

func (m *Model) selectConversationCmd(id string) tea.Cmd {
	return func() tea.Msg {
		if err := m.store.SelectConversation(context.Background(), id); err != nil {
			return NoticeMsg{Notice: store.Notice{Kind: store.NoticeError, Text: err.Error()}}
		}
		return StateChangedMsg{}
	}
}

func (m *Model) reloadCmd() tea.Cmd {
	return func() tea.Msg {
		if err := m.store.LoadConversations(context.Background()); err != nil {
			return NoticeMsg{Notice: store.Notice{Kind: store.NoticeError, Text: err.Error()}}
		}
		if err := m.store.RefreshBalance(context.Background()); err != nil {
			return NoticeMsg{Notice: store.Notice{Kind: store.NoticeError, Text: err.Error()}}
		}
		return StateChangedMsg{}
	}
}
