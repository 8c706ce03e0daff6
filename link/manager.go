// Package link is the connection-and-handshake core of the chat: peer
// discovery, the single initiator-role session, the acceptor role, the
// READY handshake and the single-slot message exchange.
//
// The package starts no goroutines. Radio events enter through
// Manager.HandleEvent and UI commands through the exported Manager methods;
// both are serialized by one mutex. UI-facing results leave through the
// bounded Events channel.
package link

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"blechat/radio"
)

const defaultEventBuffer = 64

// Options configures a Manager.
type Options struct {
	Radio       radio.Radio
	Logger      *slog.Logger
	Label       string
	EventBuffer int

	// NewWriteID overrides WriteID generation in tests.
	NewWriteID func() string
}

func (o Options) withDefaults() Options {
	out := o
	if out.Logger == nil {
		out.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if strings.TrimSpace(out.Label) == "" {
		out.Label = radio.DefaultLabel
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = defaultEventBuffer
	}
	return out
}

// Snapshot is the observable state of the core at one instant.
type Snapshot struct {
	Peers        []PeerRecord
	ActivePeer   string
	SessionState SessionState
	Ready        bool
	SendPending  bool
	Acceptor     AcceptorState
	Subscriber   string
}

// observed is the subset of state whose changes are published as events.
type observed struct {
	peerID   string
	session  SessionState
	ready    bool
	acceptor AcceptorState
}

// Manager composes the core components behind one mutex.
type Manager struct {
	mu     sync.Mutex
	logger *slog.Logger

	registry  *PeerRegistry
	sessions  *SessionController
	acceptor  *AcceptorService
	handshake *HandshakeCoordinator
	exchange  *MessageExchange

	radio  radio.Radio
	events chan Event
}

// NewManager builds a Manager over the given radio.
func NewManager(opts Options) (*Manager, error) {
	if opts.Radio == nil {
		return nil, errors.New("radio is required")
	}
	cfg := opts.withDefaults()
	logger := cfg.Logger.With("component", "link")

	return &Manager{
		logger:    logger,
		registry:  NewPeerRegistry(),
		sessions:  newSessionController(cfg.Radio, logger.With("module", "session")),
		acceptor:  newAcceptorService(cfg.Radio, logger.With("module", "acceptor"), cfg.Label),
		handshake: newHandshakeCoordinator(cfg.Radio, logger.With("module", "handshake")),
		exchange:  newMessageExchange(cfg.Radio, logger.With("module", "exchange"), cfg.NewWriteID),
		radio:     cfg.Radio,
		events:    make(chan Event, cfg.EventBuffer),
	}, nil
}

// Events returns the UI-facing event stream.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Snapshot returns the current observable state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		Peers:        m.registry.Peers(),
		ActivePeer:   m.sessions.PeerID(),
		SessionState: m.sessions.State(),
		Ready:        m.readyLocked(),
		SendPending:  m.exchange.Pending() != nil,
		Acceptor:     m.acceptor.State(),
		Subscriber:   m.acceptor.Subscriber(),
	}
}

// IsReadyToSend reports whether a Send would be submitted to the radio.
func (m *Manager) IsReadyToSend() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyLocked()
}

// StartDiscovery clears the peer registry and starts scanning.
func (m *Manager) StartDiscovery() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startDiscoveryLocked()
}

// ToggleConnection connects to peerID when it is not the active session,
// otherwise disconnects it.
func (m *Manager) ToggleConnection(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.observeLocked()
	defer m.publishChangesLocked(before)

	if m.sessions.owns(peerID) {
		m.disconnectLocked()
		return nil
	}
	m.resetLinkLocked()
	return m.sessions.Connect(peerID)
}

// Disconnect closes the active session immediately.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.observeLocked()
	defer m.publishChangesLocked(before)

	if m.disconnectLocked() == "" {
		return ErrNoSession
	}
	return nil
}

// Send trims text and writes it to the active session. Empty text is
// rejected with ErrEmptyMessage and produces no outcome event. Every other
// rejection also publishes a failed EventSendOutcome.
func (m *Manager) Send(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmptyMessage
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var handle radio.ChannelHandle
	if session := m.sessions.Current(); session != nil {
		handle = session.Handle
	}
	if err := m.exchange.Send(handle, m.readyLocked(), trimmed); err != nil {
		m.emitEvent(Event{Type: EventSendOutcome, PeerID: m.sessions.PeerID(), Outcome: Failure(err.Error())})
		return err
	}
	return nil
}

// HandleEvent applies one radio event. Backends call it from their single
// dispatch goroutine.
func (m *Manager) HandleEvent(event radio.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.observeLocked()
	defer m.publishChangesLocked(before)

	switch ev := event.(type) {
	case radio.PoweredOn:
		m.logger.Info("radio powered on", "role", ev.Role)
		switch ev.Role {
		case radio.RoleInitiator:
			if err := m.startDiscoveryLocked(); err != nil {
				m.logger.Warn("automatic discovery failed", "error", err)
			}
		case radio.RoleAcceptor:
			m.acceptor.OnPoweredOn()
		}

	case radio.PoweredOff:
		m.logger.Info("radio powered off", "role", ev.Role)
		switch ev.Role {
		case radio.RoleInitiator:
			if m.sessions.Drop() {
				m.resetLinkLocked()
			}
		case radio.RoleAcceptor:
			m.acceptor.OnPoweredOff()
		}

	case radio.PeerDiscovered:
		peer := PeerRecord{ID: ev.PeerID, DisplayName: ev.DisplayName}
		if m.registry.Add(peer) {
			m.logger.Debug("peer discovered", "peer_id", peer.ID, "name", peer.DisplayName)
			m.emitEvent(Event{Type: EventPeerDiscovered, Peer: peer, PeerID: peer.ID})
		}

	case radio.Connected:
		if !m.sessions.OnConnected(ev.PeerID) {
			m.logger.Debug("ignored connected event", "peer_id", ev.PeerID)
		}

	case radio.Disconnected:
		if !m.sessions.OnDisconnected(ev.PeerID) {
			m.logger.Debug("ignored disconnected event", "peer_id", ev.PeerID)
			return
		}
		if ev.Err != nil {
			m.logger.Warn("link lost", "peer_id", ev.PeerID, "error", ev.Err)
		}
		m.resetLinkLocked()

	case radio.ChannelsDiscovered:
		m.sessions.OnChannelsDiscovered(ev)

	case radio.SubchannelsDiscovered:
		m.sessions.OnSubchannelsDiscovered(ev)

	case radio.WriteCompleted:
		session := m.sessions.Current()
		if session == nil || (ev.Handle.PeerID != "" && ev.Handle.PeerID != session.PeerID) {
			m.logger.Debug("ignored write completion", "write_id", ev.WriteID)
			return
		}
		if outcome, ok := m.exchange.OnWriteCompleted(ev, session.Handle); ok {
			m.emitEvent(Event{Type: EventSendOutcome, PeerID: session.PeerID, Outcome: outcome})
		}

	case radio.NotificationReceived:
		session := m.sessions.Current()
		if session == nil || session.State != SessionReady || ev.Handle.PeerID != session.PeerID {
			m.logger.Debug("dropped notification outside active session", "peer_id", ev.Handle.PeerID)
			return
		}
		if ev.Handle.Ref != "" && ev.Handle.Ref != session.Handle.Ref {
			m.logger.Debug("dropped notification for other channel", "ref", ev.Handle.Ref)
			return
		}
		m.handshake.Observe(ev.Value)

	case radio.ChannelExposed:
		m.acceptor.OnChannelExposed(ev.Err)

	case radio.SubscriptionChanged:
		if m.acceptor.OnSubscriptionChanged(ev.SubscriberID, ev.Subscribed) {
			m.handshake.Announce(ev.SubscriberID)
		}

	case radio.IncomingWrite:
		for _, received := range m.exchange.HandleIncoming(ev.Requests) {
			m.emitEvent(Event{Type: EventMessageReceived, PeerID: received.From, Outcome: received.Outcome})
		}

	default:
		m.logger.Debug("ignored radio event", "type", fmt.Sprintf("%T", event))
	}
}

func (m *Manager) startDiscoveryLocked() error {
	m.registry.Reset()
	m.emitEvent(Event{Type: EventPeersCleared})
	if err := m.radio.StartDiscovery(); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	m.logger.Info("discovery started")
	return nil
}

func (m *Manager) disconnectLocked() string {
	peerID := m.sessions.Disconnect()
	if peerID != "" {
		m.resetLinkLocked()
	}
	return peerID
}

// resetLinkLocked clears the per-session send and handshake state.
func (m *Manager) resetLinkLocked() {
	m.exchange.Discard()
	m.handshake.Reset()
}

func (m *Manager) readyLocked() bool {
	return readyToSend(m.sessions.Current(), m.handshake.Observed())
}

func (m *Manager) observeLocked() observed {
	return observed{
		peerID:   m.sessions.PeerID(),
		session:  m.sessions.State(),
		ready:    m.readyLocked(),
		acceptor: m.acceptor.State(),
	}
}

func (m *Manager) publishChangesLocked(before observed) {
	after := m.observeLocked()
	if before.peerID != after.peerID || before.session != after.session {
		m.emitEvent(Event{Type: EventSessionChanged, PeerID: after.peerID, SessionState: after.session})
	}
	if before.ready != after.ready {
		m.emitEvent(Event{Type: EventReadyChanged, PeerID: after.peerID, Ready: after.ready})
	}
	if before.acceptor != after.acceptor {
		m.emitEvent(Event{Type: EventAcceptorChanged, Acceptor: after.acceptor})
	}
}

func (m *Manager) emitEvent(event Event) {
	select {
	case m.events <- event:
	default:
		m.logger.Warn("event buffer full, dropping event", "type", event.Type)
	}
}
