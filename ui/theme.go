package ui

import "github.com/charmbracelet/lipgloss"

// Catppuccin Mocha palette.
var (
	ctpCrust    = lipgloss.Color("#11111b")
	ctpBase     = lipgloss.Color("#1e1e2e")
	ctpSurface0 = lipgloss.Color("#313244")
	ctpSurface1 = lipgloss.Color("#45475a")
	ctpOverlay0 = lipgloss.Color("#6c7086")
	ctpSubtext0 = lipgloss.Color("#a6adc8")
	ctpText     = lipgloss.Color("#cdd6f4")
	ctpBlue     = lipgloss.Color("#89b4fa")
	ctpGreen    = lipgloss.Color("#a6e3a1")
	ctpRed      = lipgloss.Color("#f38ba8")
	ctpYellow   = lipgloss.Color("#f9e2af")
	ctpPeach    = lipgloss.Color("#fab387")
	ctpMauve    = lipgloss.Color("#cba6f7")
)

// Theme holds the rendered styles of every pane.
type Theme struct {
	Header       lipgloss.Style
	Pane         lipgloss.Style
	FocusedPane  lipgloss.Style
	PaneTitle    lipgloss.Style
	Peer         lipgloss.Style
	SelectedPeer lipgloss.Style
	ActiveMarker lipgloss.Style
	Muted        lipgloss.Style

	SentBubble     lipgloss.Style
	ReceivedBubble lipgloss.Style
	Timestamp      lipgloss.Style

	Status      lipgloss.Style
	StatusWarn  lipgloss.Style
	StatusError lipgloss.Style
	Help        lipgloss.Style
}

// DefaultTheme is the dark theme used by NewModel.
var DefaultTheme = Theme{
	Header:       lipgloss.NewStyle().Bold(true).Foreground(ctpCrust).Background(ctpMauve).Padding(0, 1),
	Pane:         lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ctpSurface1),
	FocusedPane:  lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ctpBlue),
	PaneTitle:    lipgloss.NewStyle().Bold(true).Foreground(ctpSubtext0),
	Peer:         lipgloss.NewStyle().Foreground(ctpText),
	SelectedPeer: lipgloss.NewStyle().Bold(true).Foreground(ctpBase).Background(ctpBlue),
	ActiveMarker: lipgloss.NewStyle().Foreground(ctpGreen),
	Muted:        lipgloss.NewStyle().Foreground(ctpOverlay0),

	SentBubble:     lipgloss.NewStyle().Foreground(ctpBase).Background(ctpBlue).Padding(0, 1),
	ReceivedBubble: lipgloss.NewStyle().Foreground(ctpText).Background(ctpSurface0).Padding(0, 1),
	Timestamp:      lipgloss.NewStyle().Foreground(ctpOverlay0),

	Status:      lipgloss.NewStyle().Foreground(ctpText),
	StatusWarn:  lipgloss.NewStyle().Foreground(ctpYellow),
	StatusError: lipgloss.NewStyle().Bold(true).Foreground(ctpRed),
	Help:        lipgloss.NewStyle().Foreground(ctpPeach),
}
