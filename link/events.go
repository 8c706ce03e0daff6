package link

// EventType identifies UI-facing notifications published by Manager.
type EventType string

const (
	EventPeersCleared    EventType = "peers_cleared"
	EventPeerDiscovered  EventType = "peer_discovered"
	EventSessionChanged  EventType = "session_changed"
	EventReadyChanged    EventType = "ready_changed"
	EventAcceptorChanged EventType = "acceptor_changed"
	EventSendOutcome     EventType = "send_outcome"
	EventMessageReceived EventType = "message_received"
)

// Outcome is the tagged result of a send or a receive.
type Outcome struct {
	OK     bool
	Text   string
	Reason string
}

// Success wraps delivered or received text.
func Success(text string) Outcome {
	return Outcome{OK: true, Text: text}
}

// Failure wraps a human-readable failure reason.
func Failure(reason string) Outcome {
	return Outcome{Reason: reason}
}

// String renders the outcome for logs and status lines.
func (o Outcome) String() string {
	if o.OK {
		return "success: " + o.Text
	}
	return "failure: " + o.Reason
}

// Event is one UI-facing notification. Only the fields relevant to Type are set.
type Event struct {
	Type EventType

	Peer         PeerRecord
	PeerID       string
	SessionState SessionState
	Ready        bool
	Acceptor     AcceptorState
	Outcome      Outcome
}
