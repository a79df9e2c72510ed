// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui provides the terminal user interface for kernelchat.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/morganforge/kernelchat/internal/model"
	"github.com/morganforge/kernelchat/internal/store"
	"github.com/morganforge/kernelchat/internal/util"
)

// View implements tea.Model.
func (m *Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	sidebar := m.renderSidebar()
	content := lipgloss.JoinVertical(
		lipgloss.Left,
		m.viewport.View(),
		m.input.View(),
	)
	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, content)

	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n")
	b.WriteString(m.renderBanner())
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	return b.String()
}

// =============================================================================
// SIDEBAR
// =============================================================================

func (m *Model) renderSidebar() string {
	convs := m.store.Conversations()
	current := m.store.Current()

	var lines []string
	lines = append(lines, sidebarActiveStyle.Render("Conversations"))
	lines = append(lines, "")

	if len(convs) == 0 {
		lines = append(lines, sidebarPendingStyle.Render("(none yet)"))
	}

	for i, conv := range convs {
		title := util.TruncateWidth(conv.GetTitle(), sidebarWidth-6)
		prefix := "  "
		style := sidebarItemStyle
		if current != nil && conv.ID == current.ID {
			prefix = "> "
			style = sidebarActiveStyle
		}
		if m.focus == focusList && i == m.selectedIdx {
			prefix = "▸ "
		}
		if model.IsLocalID(conv.ID) {
			style = sidebarPendingStyle
		}
		line := prefix + style.Render(title)
		if m.store.Streaming(conv.ID) {
			line += " " + m.spinner.View()
		}
		lines = append(lines, line)
	}

	body := strings.Join(lines, "\n")
	return sidebarStyle.
		Width(sidebarWidth).
		Height(m.viewport.Height + m.input.Height()).
		Render(body)
}

// =============================================================================
// MESSAGES
// =============================================================================

// refreshViewport rebuilds the viewport content from the current snapshot.
func (m *Model) refreshViewport() {
	current := m.store.Current()
	if current == nil {
		m.viewport.SetContent(helpStyle.Render("No conversation selected. Press ctrl+n to start one."))
		return
	}

	var b strings.Builder
	for i, msg := range current.Messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.renderMessage(msg))
	}
	if b.Len() == 0 {
		b.WriteString(helpStyle.Render("Send a message to begin."))
	}
	m.viewport.SetContent(b.String())
}

func (m *Model) renderMessage(msg *model.Message) string {
	var b strings.Builder

	label := assistantLabelStyle.Render("Agent")
	if msg.Role == model.RoleUser {
		label = userLabelStyle.Render("You")
	}
	b.WriteString(label)
	if msg.Pending && !msg.IsStreaming {
		b.WriteString(" " + pendingMarkStyle.Render("(sending)"))
	}
	if msg.IsStreaming {
		b.WriteString(" " + m.spinner.View())
	}
	b.WriteString("\n")

	content := msg.DisplayContent()

	// Streaming text renders plain; markdown passes through glamour once
	// the message is final.
	if msg.Role == model.RoleAssistant && !msg.IsStreaming && m.renderer != nil {
		if rendered, err := m.renderer.Render(content); err == nil {
			content = strings.TrimRight(rendered, "\n")
		}
	}
	b.WriteString(content)
	b.WriteString("\n")

	if !msg.Usage.IsZero() && !msg.IsStreaming {
		b.WriteString(m.renderUsage(msg.Usage))
	}
	return b.String()
}

func (m *Model) renderUsage(u model.Usage) string {
	var parts []string
	if m.uiCfg.ShowTokens && u.TokensUsed > 0 {
		parts = append(parts, fmt.Sprintf("%d tokens", u.TokensUsed))
	}
	if m.uiCfg.ShowCost && u.CostUSD > 0 {
		parts = append(parts, fmt.Sprintf("$%.4f", u.CostUSD))
	}
	if len(parts) == 0 {
		return ""
	}
	return usageStyle.Render(strings.Join(parts, " · ")) + "\n"
}

// =============================================================================
// CHROME
// =============================================================================

func (m *Model) renderBanner() string {
	if m.banner == "" {
		return helpStyle.Render("enter send · tab focus · ctrl+n new · ctrl+t rename · ctrl+x delete · ctrl+k cancel · ctrl+c quit")
	}
	style := noticeBannerStyle
	if m.bannerKind == store.NoticeError {
		style = errorBannerStyle
	}
	return style.Render(util.TruncateWidth(m.banner, m.width-2))
}

func (m *Model) renderStatusBar() string {
	conn := m.renderConnState()

	var balance string
	if bal := m.store.Balance(); bal != (model.Balance{}) {
		balance = fmt.Sprintf("  credits: %.2f", bal.CreditsRemaining)
		if bal.PlanName != "" {
			balance += " (" + bal.PlanName + ")"
		}
	}

	var streaming string
	if m.currentStreaming() {
		streaming = "  " + m.spinner.View() + " streaming"
	}

	left := conn + balance + streaming
	pad := m.width - lipgloss.Width(left) - 2
	if pad < 0 {
		pad = 0
	}
	return statusBarStyle.Width(m.width).Render(left + strings.Repeat(" ", pad))
}

func (m *Model) renderConnState() string {
	switch m.connStatus.State {
	case model.Connected:
		return statusConnectedStyle.Render("● connected")
	case model.Connecting:
		return statusDegradedStyle.Render("◌ connecting")
	case model.Reconnecting:
		return statusDegradedStyle.Render(fmt.Sprintf("◌ reconnecting (%d)", m.connStatus.Attempts))
	default:
		return statusDownStyle.Render("○ offline")
	}
}
