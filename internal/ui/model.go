// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui provides the terminal user interface for kernelchat.
package ui

import (
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/morganforge/kernelchat/internal/config"
	"github.com/morganforge/kernelchat/internal/model"
	"github.com/morganforge/kernelchat/internal/store"
)

// =============================================================================
// EXTERNAL MESSAGES
// =============================================================================

// StateChangedMsg signals that the store mutated and the view should
// re-render from a fresh snapshot.
type StateChangedMsg struct{}

// NoticeMsg carries a transient store notice into the program.
type NoticeMsg struct {
	Notice store.Notice
}

// ConnStatusMsg carries a realtime connection state change.
type ConnStatusMsg struct {
	Status model.ConnStatus
}

// clearBannerMsg dismisses the transient banner after its timeout.
type clearBannerMsg struct {
	seq int
}

// =============================================================================
// FOCUS AND MODES
// =============================================================================

type focusArea int

const (
	focusInput focusArea = iota
	focusList
)

type inputMode int

const (
	modeCompose inputMode = iota
	modeRename
)

// =============================================================================
// KEY BINDINGS
// =============================================================================

// KeyMap defines the keyboard shortcuts for the chat view.
type KeyMap struct {
	Send         key.Binding
	SwitchFocus  key.Binding
	NewConv      key.Binding
	DeleteConv   key.Binding
	RenameConv   key.Binding
	Reload       key.Binding
	CancelStream key.Binding
	Dismiss      key.Binding
	Quit         key.Binding
	Up           key.Binding
	Down         key.Binding
	Select       key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Send:         key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "send")),
		SwitchFocus:  key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "switch focus")),
		NewConv:      key.NewBinding(key.WithKeys("ctrl+n"), key.WithHelp("ctrl+n", "new conversation")),
		DeleteConv:   key.NewBinding(key.WithKeys("ctrl+x"), key.WithHelp("ctrl+x", "delete conversation")),
		RenameConv:   key.NewBinding(key.WithKeys("ctrl+t"), key.WithHelp("ctrl+t", "rename conversation")),
		Reload:       key.NewBinding(key.WithKeys("ctrl+l"), key.WithHelp("ctrl+l", "reload")),
		CancelStream: key.NewBinding(key.WithKeys("ctrl+k"), key.WithHelp("ctrl+k", "cancel stream")),
		Dismiss:      key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "dismiss")),
		Quit:         key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
		Up:           key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:         key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Select:       key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "open")),
	}
}

// =============================================================================
// MODEL
// =============================================================================

const sidebarWidth = 28

// Model is the Bubble Tea model for the chat interface.
type Model struct {
	store  *store.Store
	uiCfg  config.UIConfig
	keyMap KeyMap

	// Dimensions
	width  int
	height int
	ready  bool

	// Components
	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	// Navigation
	focus       focusArea
	mode        inputMode
	selectedIdx int

	// Connection state for the status bar
	connStatus model.ConnStatus

	// Transient banner
	banner     string
	bannerKind store.NoticeKind
	bannerSeq  int
}

// New creates the chat model over the given store.
func New(s *store.Store, uiCfg config.UIConfig) *Model {
	input := textarea.New()
	input.Placeholder = "Ask the agent anything..."
	input.Prompt = "┃ "
	input.CharLimit = 8192
	input.SetHeight(3)
	input.ShowLineNumbers = false
	input.Focus()
	// Enter submits; newlines come from alt+enter.
	input.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("alt+enter"))

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))

	return &Model{
		store:   s,
		uiCfg:   uiCfg,
		keyMap:  DefaultKeyMap(),
		input:   input,
		spinner: sp,
		focus:   focusInput,
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick)
}

// currentStreaming reports whether the selected conversation is streaming.
func (m *Model) currentStreaming() bool {
	current := m.store.Current()
	return current != nil && m.store.Streaming(current.ID)
}

// rebuildRenderer recreates the markdown renderer for the current width.
func (m *Model) rebuildRenderer() {
	wrap := m.width - sidebarWidth - 6
	if wrap < 20 {
		wrap = 20
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrap),
	)
	if err == nil {
		m.renderer = renderer
	}
}
