package ui

import (
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"

	"blechat/link"
	"blechat/models"
)

// layout sizes the transcript viewport and composer for the window.
func (m *Model) layout() {
	paneHeight := max(m.height-3, 3)
	m.viewport.Width = max(m.width-m.peerPaneWidth()-2, 1)
	m.viewport.Height = max(paneHeight-3, 1)
	m.composer.Width = max(m.width-len(m.composer.Prompt)-1, 1)
	m.renderTranscript()
	m.viewport.GotoBottom()
}

func (m Model) peerPaneWidth() int {
	return min(max(m.width/3, minPeerPaneWidth), maxPeerPaneWidth)
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "Starting..."
	}

	paneHeight := max(m.height-3, 3)
	peers := m.paneStyle(FocusPeers).
		Width(m.peerPaneWidth() - 2).
		Height(paneHeight - 2).
		Render(m.renderPeers())
	chat := m.paneStyle(FocusComposer).
		Width(m.viewport.Width).
		Height(paneHeight - 2).
		Render(m.theme.PaneTitle.Render("Chat") + "\n" + m.viewport.View())

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		lipgloss.JoinHorizontal(lipgloss.Top, peers, chat),
		m.composer.View(),
		m.renderStatus(),
	)
}

func (m Model) paneStyle(region FocusRegion) lipgloss.Style {
	if region == m.focus {
		return m.theme.FocusedPane
	}
	return m.theme.Pane
}

func (m Model) renderHeader() string {
	left := m.theme.Header.Render(m.title)
	right := m.theme.Muted.Render(
		"acceptor: " + string(m.snapshot.Acceptor) + "  session: " + sessionSummary(m.snapshot),
	)
	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right), 1)
	return left + strings.Repeat(" ", gap) + right
}

func sessionSummary(snapshot link.Snapshot) string {
	state := string(snapshot.SessionState)
	if state == "" {
		state = string(link.SessionIdle)
	}
	if snapshot.SendPending {
		state += " (sending)"
	}
	return state
}

func (m Model) renderPeers() string {
	width := m.peerPaneWidth() - 2
	lines := []string{m.theme.PaneTitle.Render("Devices")}

	if len(m.snapshot.Peers) == 0 {
		lines = append(lines, m.theme.Muted.Render("Scanning..."))
		return strings.Join(lines, "\n")
	}

	for index, peer := range m.snapshot.Peers {
		marker := "  "
		if peer.ID == m.snapshot.ActivePeer && m.snapshotActive() {
			marker = m.theme.ActiveMarker.Render("● ")
		}
		label := truncate(peer.Label(), width-2)
		if index == m.cursor {
			lines = append(lines, marker+m.theme.SelectedPeer.Render(label))
			continue
		}
		lines = append(lines, marker+m.theme.Peer.Render(label))
	}
	return strings.Join(lines, "\n")
}

func (m Model) snapshotActive() bool {
	switch m.snapshot.SessionState {
	case link.SessionConnecting, link.SessionNegotiating, link.SessionReady:
		return true
	default:
		return false
	}
}

// renderTranscript writes sent entries right-aligned and received entries
// left-aligned into the viewport.
func (m *Model) renderTranscript() {
	width := m.viewport.Width
	if width <= 0 {
		return
	}
	if len(m.transcript) == 0 {
		m.viewport.SetContent(m.theme.Muted.Render("No messages yet"))
		return
	}

	bubbleWidth := max(width*3/4, 1)
	blocks := make([]string, 0, len(m.transcript))
	for _, entry := range m.transcript {
		blocks = append(blocks, m.renderEntry(entry, width, bubbleWidth))
	}
	m.viewport.SetContent(strings.Join(blocks, "\n"))
}

func (m Model) renderEntry(entry models.ChatMessage, width, bubbleWidth int) string {
	style := m.theme.ReceivedBubble
	align := lipgloss.Left
	if entry.IsSender {
		style = m.theme.SentBubble
		align = lipgloss.Right
	}
	if lipgloss.Width(entry.Text)+style.GetHorizontalFrameSize() > bubbleWidth {
		style = style.Width(bubbleWidth)
	}

	block := lipgloss.JoinVertical(align,
		style.Render(entry.Text),
		m.theme.Timestamp.Render(entry.Date.Format("15:04")),
	)
	return lipgloss.PlaceHorizontal(width, align, block)
}

func (m Model) renderStatus() string {
	if m.logLine != "" {
		return m.levelStyle(m.logLevel).Render(truncate(m.logLine, m.width))
	}
	if m.notice != "" {
		return m.levelStyle(m.noticeLevel).Render(truncate(m.notice, m.width))
	}
	return m.theme.Help.Render(truncate(m.helpLine(), m.width))
}

func (m Model) levelStyle(level slog.Level) lipgloss.Style {
	switch {
	case level >= slog.LevelError:
		return m.theme.StatusError
	case level >= slog.LevelWarn:
		return m.theme.StatusWarn
	default:
		return m.theme.Status
	}
}

func (m Model) helpLine() string {
	bindings := []key.Binding{m.keys.FocusToggle}
	if m.focus == FocusPeers {
		bindings = append(bindings, m.keys.Toggle, m.keys.Rescan, m.keys.Quit)
	} else {
		bindings = append(bindings, m.keys.Send, m.keys.PageUp, m.keys.ForceQuit)
	}

	parts := make([]string, 0, len(bindings))
	for _, binding := range bindings {
		help := binding.Help()
		parts = append(parts, help.Key+" "+help.Desc)
	}
	return strings.Join(parts, " · ")
}

// truncate cuts text to width cells, marking the cut with an ellipsis.
func truncate(text string, width int) string {
	if width <= 0 || lipgloss.Width(text) <= width {
		return text
	}
	runes := []rune(text)
	for len(runes) > 0 && lipgloss.Width(string(runes))+1 > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "…"
}
