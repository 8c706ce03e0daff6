// Package ui is the terminal front end of blechat: a peer list with a
// connect toggle, the chat transcript and a composer that is enabled only
// while the link is ready.
package ui

import (
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"blechat/link"
	"blechat/models"
)

// Commander is the part of link.Manager the UI drives.
type Commander interface {
	StartDiscovery() error
	ToggleConnection(peerID string) error
	Send(text string) error
	Snapshot() link.Snapshot
}

// Options configures a Model.
type Options struct {
	// Title is shown in the header, usually the local device name.
	Title string
	// History seeds the transcript, oldest first.
	History []models.ChatMessage
	// Record persists each new transcript entry. Optional.
	Record func(models.ChatMessage) error
}

// FocusRegion identifies the pane that receives keyboard input.
type FocusRegion int

const (
	FocusPeers FocusRegion = iota
	FocusComposer
)

// linkEventMsg wraps a link.Event for the bubbletea loop.
type linkEventMsg struct {
	event link.Event
}

const (
	minPeerPaneWidth = 20
	maxPeerPaneWidth = 36
)

// Model is the bubbletea model of the chat screen.
type Model struct {
	commander Commander
	events    <-chan link.Event
	record    func(models.ChatMessage) error
	title     string

	keys  KeyMap
	theme Theme

	width  int
	height int
	ready  bool

	snapshot link.Snapshot
	cursor   int
	focus    FocusRegion

	transcript []models.ChatMessage
	viewport   viewport.Model
	composer   textinput.Model

	notice      string
	noticeLevel slog.Level

	logLine  string
	logLevel slog.Level
	logAt    time.Time
}

// NewModel returns a Model over commander. events is normally
// link.Manager.Events, possibly relayed.
func NewModel(commander Commander, events <-chan link.Event, opts Options) Model {
	composer := textinput.New()
	composer.Prompt = "> "
	composer.CharLimit = 512

	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = "blechat"
	}

	m := Model{
		commander:  commander,
		events:     events,
		record:     opts.Record,
		title:      title,
		keys:       DefaultKeyMap,
		theme:      DefaultTheme,
		transcript: append([]models.ChatMessage(nil), opts.History...),
		viewport:   viewport.New(0, 0),
		composer:   composer,
	}
	m.refresh()
	return m
}

// TranscriptEntry converts a successful send or receive event into a
// transcript entry.
func TranscriptEntry(event link.Event) (models.ChatMessage, bool) {
	if !event.Outcome.OK {
		return models.ChatMessage{}, false
	}
	switch event.Type {
	case link.EventSendOutcome:
		return models.NewChatMessage(event.PeerID, event.Outcome.Text, true), true
	case link.EventMessageReceived:
		return models.NewChatMessage(event.PeerID, event.Outcome.Text, false), true
	default:
		return models.ChatMessage{}, false
	}
}

func listenForLinkEvent(events <-chan link.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return nil
		}
		return linkEventMsg{event: event}
	}
}

// Init starts listening for link events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(listenForLinkEvent(m.events), textinput.Blink)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.layout()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case linkEventMsg:
		m.handleLinkEvent(msg.event)
		return m, listenForLinkEvent(m.events)

	case logRecordMsg:
		m.logLine = msg.Summary
		m.logLevel = msg.Level
		m.logAt = msg.At
		at := msg.At
		return m, tea.Tick(logRecordFadeDelay, func(time.Time) tea.Msg {
			return logRecordFadeMsg{At: at}
		})

	case logRecordFadeMsg:
		if msg.At.Equal(m.logAt) {
			m.logLine = ""
		}
		return m, nil
	}

	if m.focus == FocusComposer {
		var cmd tea.Cmd
		m.composer, cmd = m.composer.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.ForceQuit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.FocusToggle):
		m.setFocus(m.nextFocus())
		return m, nil
	case key.Matches(msg, m.keys.PageUp):
		m.viewport.HalfViewUp()
		return m, nil
	case key.Matches(msg, m.keys.PageDown):
		m.viewport.HalfViewDown()
		return m, nil
	}

	if m.focus == FocusComposer {
		if key.Matches(msg, m.keys.Send) {
			m.submit()
			return m, nil
		}
		var cmd tea.Cmd
		m.composer, cmd = m.composer.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.snapshot.Peers)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Toggle):
		m.toggleSelected()
	case key.Matches(msg, m.keys.Rescan):
		if err := m.commander.StartDiscovery(); err != nil {
			m.setNotice(slog.LevelError, "Scan failed: "+err.Error())
		} else {
			m.setNotice(slog.LevelInfo, "Scanning for devices")
		}
		m.refresh()
	}
	return m, nil
}

func (m *Model) toggleSelected() {
	peer, ok := m.selectedPeer()
	if !ok {
		return
	}
	if err := m.commander.ToggleConnection(peer.ID); err != nil {
		m.setNotice(slog.LevelError, "Connection failed: "+err.Error())
	}
	m.refresh()
}

// submit sends the trimmed composer text. Empty input is ignored and the
// composer keeps its text when the send is refused.
func (m *Model) submit() {
	text := strings.TrimSpace(m.composer.Value())
	if text == "" {
		return
	}
	if !m.snapshot.Ready {
		m.setNotice(slog.LevelWarn, "Not connected to a ready peer")
		return
	}
	if err := m.commander.Send(text); err != nil {
		m.setNotice(slog.LevelError, "Send failed: "+err.Error())
		m.refresh()
		return
	}
	m.composer.Reset()
	m.refresh()
}

func (m *Model) handleLinkEvent(event link.Event) {
	switch event.Type {
	case link.EventPeersCleared:
		m.cursor = 0
	case link.EventSessionChanged:
		m.noteSession(event)
	case link.EventReadyChanged:
		if event.Ready {
			m.setNotice(slog.LevelInfo, "Ready to chat with "+m.peerLabel(event.PeerID))
		}
	case link.EventSendOutcome, link.EventMessageReceived:
		if entry, ok := TranscriptEntry(event); ok {
			m.appendEntry(entry)
		} else if event.Type == link.EventSendOutcome {
			m.setNotice(slog.LevelError, "Send failed: "+event.Outcome.Reason)
		} else {
			m.setNotice(slog.LevelWarn, "Dropped message: "+event.Outcome.Reason)
		}
	}
	m.refresh()
}

func (m *Model) noteSession(event link.Event) {
	label := m.peerLabel(event.PeerID)
	switch event.SessionState {
	case link.SessionConnecting:
		m.setNotice(slog.LevelInfo, "Connecting to "+label)
	case link.SessionNegotiating:
		m.setNotice(slog.LevelInfo, "Negotiating with "+label)
	case link.SessionClosed, link.SessionIdle:
		m.setNotice(slog.LevelInfo, "Disconnected")
	}
}

func (m *Model) appendEntry(entry models.ChatMessage) {
	m.transcript = append(m.transcript, entry)
	if m.record != nil {
		if err := m.record(entry); err != nil {
			m.setNotice(slog.LevelWarn, "History not saved: "+err.Error())
		}
	}
	m.renderTranscript()
	m.viewport.GotoBottom()
}

// refresh re-reads the core snapshot and reconciles the cursor and the
// composer with it.
func (m *Model) refresh() {
	m.snapshot = m.commander.Snapshot()
	if m.cursor >= len(m.snapshot.Peers) {
		m.cursor = max(len(m.snapshot.Peers)-1, 0)
	}

	if m.snapshot.Ready {
		m.composer.Placeholder = "Type a message"
		if m.focus == FocusComposer {
			m.composer.Focus()
		}
	} else {
		m.composer.Placeholder = "Connect to a peer to chat"
		m.composer.Blur()
	}
}

func (m *Model) setFocus(focus FocusRegion) {
	m.focus = focus
	if focus == FocusComposer && m.snapshot.Ready {
		m.composer.Focus()
		return
	}
	m.composer.Blur()
}

func (m Model) nextFocus() FocusRegion {
	if m.focus == FocusPeers {
		return FocusComposer
	}
	return FocusPeers
}

func (m *Model) setNotice(level slog.Level, notice string) {
	m.notice = notice
	m.noticeLevel = level
}

func (m Model) selectedPeer() (link.PeerRecord, bool) {
	if m.cursor < 0 || m.cursor >= len(m.snapshot.Peers) {
		return link.PeerRecord{}, false
	}
	return m.snapshot.Peers[m.cursor], true
}

func (m Model) peerLabel(peerID string) string {
	for _, peer := range m.snapshot.Peers {
		if peer.ID == peerID {
			return peer.Label()
		}
	}
	if peerID == "" {
		return "peer"
	}
	return link.PeerRecord{ID: peerID}.Label()
}

// Focus returns the pane receiving keyboard input.
func (m Model) Focus() FocusRegion {
	return m.focus
}

// Transcript returns the entries shown in the chat pane.
func (m Model) Transcript() []models.ChatMessage {
	return append([]models.ChatMessage(nil), m.transcript...)
}

// Notice returns the current status line text.
func (m Model) Notice() string {
	return m.notice
}

// ComposerEnabled reports whether typed text reaches the composer.
func (m Model) ComposerEnabled() bool {
	return m.composer.Focused()
}
