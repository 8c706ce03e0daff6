package ui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the chat TUI key bindings.
type KeyMap struct {
	// Peer list.
	Up     key.Binding
	Down   key.Binding
	Toggle key.Binding // Connect to or disconnect from the selected peer.
	Rescan key.Binding

	// Transcript.
	PageUp   key.Binding
	PageDown key.Binding

	// Composer.
	Send key.Binding

	FocusToggle key.Binding
	Quit        key.Binding // Peer list only, so "q" can be typed.
	ForceQuit   key.Binding
}

// DefaultKeyMap is the built-in binding set.
var DefaultKeyMap = KeyMap{
	Up: key.NewBinding(
		key.WithKeys("k", "up"),
		key.WithHelp("k/↑", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("j", "down"),
		key.WithHelp("j/↓", "down"),
	),
	Toggle: key.NewBinding(
		key.WithKeys("enter", " "),
		key.WithHelp("enter", "connect/disconnect"),
	),
	Rescan: key.NewBinding(
		key.WithKeys("r", "ctrl+r"),
		key.WithHelp("r", "rescan"),
	),
	PageUp: key.NewBinding(
		key.WithKeys("pgup"),
		key.WithHelp("pgup", "scroll up"),
	),
	PageDown: key.NewBinding(
		key.WithKeys("pgdown"),
		key.WithHelp("pgdn", "scroll down"),
	),
	Send: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "send"),
	),
	FocusToggle: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "switch pane"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q"),
		key.WithHelp("q", "quit"),
	),
	ForceQuit: key.NewBinding(
		key.WithKeys("ctrl+c"),
		key.WithHelp("C-c", "quit"),
	),
}
