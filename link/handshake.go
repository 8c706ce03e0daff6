package link

import (
	"bytes"
	"log/slog"

	"blechat/radio"
)

var readyPayload = []byte(radio.ReadyPayload)

// HandshakeCoordinator tracks the two halves of the READY exchange: sending
// it to each new subscriber of the local channel, and observing it on the
// remote channel of the active session.
type HandshakeCoordinator struct {
	radio    radio.Radio
	logger   *slog.Logger
	observed bool
}

func newHandshakeCoordinator(r radio.Radio, logger *slog.Logger) *HandshakeCoordinator {
	return &HandshakeCoordinator{radio: r, logger: logger}
}

// Announce notifies the current subscriber that this side can receive.
func (h *HandshakeCoordinator) Announce(subscriberID string) {
	if err := h.radio.Notify(readyPayload); err != nil {
		h.logger.Warn("ready notification failed", "subscriber_id", subscriberID, "error", err)
		return
	}
	h.logger.Debug("ready sent", "subscriber_id", subscriberID)
}

// Observe records value when it is exactly the READY payload. It reports
// whether the value was the handshake.
func (h *HandshakeCoordinator) Observe(value []byte) bool {
	if !bytes.Equal(value, readyPayload) {
		h.logger.Debug("dropped notification", "bytes", len(value))
		return false
	}
	h.observed = true
	return true
}

// Observed reports whether READY arrived on the active session.
func (h *HandshakeCoordinator) Observed() bool {
	return h.observed
}

// Reset forgets the observed handshake.
func (h *HandshakeCoordinator) Reset() {
	h.observed = false
}

// readyToSend is true only for a Ready session with a negotiated handle on
// which READY has been observed.
func readyToSend(session *Session, observed bool) bool {
	return session != nil &&
		session.State == SessionReady &&
		!session.Handle.IsZero() &&
		observed
}
