package link

import (
	"fmt"
	"log/slog"

	"blechat/radio"
)

// SessionState is the initiator-role connection lifecycle.
type SessionState string

const (
	SessionIdle        SessionState = "idle"
	SessionConnecting  SessionState = "connecting"
	SessionNegotiating SessionState = "negotiating"
	SessionReady       SessionState = "ready"
	SessionClosed      SessionState = "closed"
)

type sessionTrigger string

const (
	triggerConnect        sessionTrigger = "connect"
	triggerConnected      sessionTrigger = "connected"
	triggerChannelMatched sessionTrigger = "channel_matched"
	triggerDisconnect     sessionTrigger = "disconnect"
	triggerLinkLost       sessionTrigger = "link_lost"
	triggerReset          sessionTrigger = "reset"
)

// nextSessionState returns the state reached by applying trigger to state,
// and false when the trigger is not valid in that state.
func nextSessionState(state SessionState, trigger sessionTrigger) (SessionState, bool) {
	switch trigger {
	case triggerConnect:
		if state == SessionIdle {
			return SessionConnecting, true
		}
	case triggerConnected:
		if state == SessionConnecting {
			return SessionNegotiating, true
		}
	case triggerChannelMatched:
		if state == SessionNegotiating {
			return SessionReady, true
		}
	case triggerDisconnect, triggerLinkLost:
		switch state {
		case SessionConnecting, SessionNegotiating, SessionReady:
			return SessionClosed, true
		}
	case triggerReset:
		if state == SessionClosed {
			return SessionIdle, true
		}
	}
	return state, false
}

// Session is the single active initiator-role link.
type Session struct {
	PeerID string
	Handle radio.ChannelHandle
	State  SessionState
}

// SessionController owns the active Session. It is not safe for concurrent
// use; Manager serializes access.
type SessionController struct {
	radio   radio.Radio
	logger  *slog.Logger
	session *Session

	// released counts Disconnected confirmations still owed by the radio
	// for sessions this controller closed itself, keyed by peer.
	released map[string]int
}

func newSessionController(r radio.Radio, logger *slog.Logger) *SessionController {
	return &SessionController{radio: r, logger: logger, released: make(map[string]int)}
}

// Current returns a copy of the active session, or nil.
func (c *SessionController) Current() *Session {
	if c.session == nil {
		return nil
	}
	copied := *c.session
	return &copied
}

// State returns the active session state, SessionIdle when none exists.
func (c *SessionController) State() SessionState {
	if c.session == nil {
		return SessionIdle
	}
	return c.session.State
}

// PeerID returns the active session peer, empty when none exists.
func (c *SessionController) PeerID() string {
	if c.session == nil {
		return ""
	}
	return c.session.PeerID
}

// owns reports whether peerID belongs to the active session.
func (c *SessionController) owns(peerID string) bool {
	return c.session != nil && c.session.PeerID == peerID
}

// Connect stops discovery, tears down a session to another peer and requests
// a connection to peerID. Connecting to the current peer is a no-op.
func (c *SessionController) Connect(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("connect: peer id is required")
	}
	if c.owns(peerID) {
		return nil
	}
	if err := c.radio.StopDiscovery(); err != nil {
		c.logger.Warn("stop discovery before connect failed", "error", err)
	}
	if c.session != nil {
		c.Disconnect()
	}

	next, _ := nextSessionState(SessionIdle, triggerConnect)
	c.session = &Session{PeerID: peerID, State: next}
	if err := c.radio.Connect(peerID); err != nil {
		c.session = nil
		return fmt.Errorf("connect %q: %w", peerID, err)
	}
	c.logger.Info("connecting", "peer_id", peerID)
	return nil
}

// Disconnect requests a disconnect and resets immediately. It returns the
// peer that was disconnected, empty when no session existed.
func (c *SessionController) Disconnect() string {
	if c.session == nil {
		return ""
	}
	peerID := c.session.PeerID
	if err := c.radio.Disconnect(peerID); err != nil {
		c.logger.Warn("disconnect request failed", "peer_id", peerID, "error", err)
	} else {
		c.released[peerID]++
	}
	c.close(triggerDisconnect)
	return peerID
}

// OnConnected advances a matching Connecting session to Negotiating and
// requests channel discovery.
func (c *SessionController) OnConnected(peerID string) bool {
	if !c.advance(peerID, triggerConnected) {
		return false
	}
	if err := c.radio.DiscoverChannels(peerID); err != nil {
		c.logger.Warn("channel discovery request failed", "peer_id", peerID, "error", err)
	}
	return true
}

// OnChannelsDiscovered requests sub-channel discovery for every channel.
func (c *SessionController) OnChannelsDiscovered(event radio.ChannelsDiscovered) bool {
	if !c.owns(event.PeerID) || c.session.State != SessionNegotiating {
		return false
	}
	if event.Err != nil {
		c.logger.Warn("channel discovery failed", "peer_id", event.PeerID, "error", event.Err)
		return false
	}
	for _, channel := range event.Channels {
		if err := c.radio.DiscoverSubchannels(event.PeerID, channel); err != nil {
			c.logger.Warn("sub-channel discovery request failed", "peer_id", event.PeerID, "channel", channel.UUID, "error", err)
		}
	}
	return true
}

// OnSubchannelsDiscovered subscribes to the write/notify sub-channel when it
// is present and marks the session Ready.
func (c *SessionController) OnSubchannelsDiscovered(event radio.SubchannelsDiscovered) bool {
	if !c.owns(event.PeerID) || c.session.State != SessionNegotiating {
		return false
	}
	if event.Err != nil {
		c.logger.Warn("sub-channel discovery failed", "peer_id", event.PeerID, "error", event.Err)
		return false
	}
	for _, sub := range event.Subchannels {
		if sub.UUID != radio.MessageCharacteristicID {
			continue
		}
		handle := radio.ChannelHandle{PeerID: event.PeerID, UUID: sub.UUID, Ref: sub.Ref}
		if err := c.radio.Subscribe(handle); err != nil {
			c.logger.Warn("subscribe request failed", "peer_id", event.PeerID, "error", err)
		}
		c.session.Handle = handle
		c.advance(event.PeerID, triggerChannelMatched)
		c.logger.Info("write channel matched", "peer_id", event.PeerID, "ref", sub.Ref)
		return true
	}
	return false
}

// OnDisconnected resets a session whose link was lost. The first
// Disconnected after a local Disconnect confirms the closed session and never
// touches a newer session to the same peer.
func (c *SessionController) OnDisconnected(peerID string) bool {
	if owed := c.released[peerID]; owed > 0 {
		if owed == 1 {
			delete(c.released, peerID)
		} else {
			c.released[peerID] = owed - 1
		}
		c.logger.Debug("disconnect confirmed", "peer_id", peerID)
		return false
	}
	if !c.owns(peerID) {
		return false
	}
	c.close(triggerLinkLost)
	return true
}

// Drop resets the session without sending a disconnect request.
func (c *SessionController) Drop() bool {
	if c.session == nil {
		return false
	}
	c.close(triggerLinkLost)
	return true
}

func (c *SessionController) advance(peerID string, trigger sessionTrigger) bool {
	if !c.owns(peerID) {
		return false
	}
	next, ok := nextSessionState(c.session.State, trigger)
	if !ok {
		c.logger.Debug("ignored session trigger", "peer_id", peerID, "state", c.session.State, "trigger", trigger)
		return false
	}
	c.session.State = next
	return true
}

// close moves the session through Closed back to Idle, which drops it.
func (c *SessionController) close(trigger sessionTrigger) {
	if closed, ok := nextSessionState(c.session.State, trigger); ok {
		c.session.State = closed
	}
	c.logger.Info("session closed", "peer_id", c.session.PeerID, "trigger", trigger)
	c.session = nil
}
