package link

import (
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"

	"blechat/radio"
)

var (
	// ErrNotReady is returned by Send before the session is matched and READY
	// has been observed.
	ErrNotReady = errors.New("device not ready")
	// ErrSendInProgress is returned by Send while an earlier write is
	// unacknowledged.
	ErrSendInProgress = errors.New("send already in progress")
	// ErrEmptyMessage is returned by Send for text that is empty after
	// trimming.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoSession is returned by Disconnect when no session is active.
	ErrNoSession = errors.New("no active session")
)

// PendingSend is the single outstanding unacknowledged write.
type PendingSend struct {
	WriteID string
	Payload string
}

// MessageExchange owns the single-slot send on the initiator side and answers
// incoming writes on the acceptor side.
type MessageExchange struct {
	radio   radio.Radio
	logger  *slog.Logger
	newID   func() string
	pending *PendingSend
}

func newMessageExchange(r radio.Radio, logger *slog.Logger, newID func() string) *MessageExchange {
	if newID == nil {
		newID = uuid.NewString
	}
	return &MessageExchange{radio: r, logger: logger, newID: newID}
}

// Pending returns a copy of the outstanding write, or nil.
func (x *MessageExchange) Pending() *PendingSend {
	if x.pending == nil {
		return nil
	}
	copied := *x.pending
	return &copied
}

// Send submits text on handle when ready. A nil error means the write is in
// flight and its outcome arrives with the matching WriteCompleted.
func (x *MessageExchange) Send(handle radio.ChannelHandle, ready bool, text string) error {
	if !ready {
		return ErrNotReady
	}
	if x.pending != nil {
		return ErrSendInProgress
	}

	pending := &PendingSend{WriteID: x.newID(), Payload: text}
	x.pending = pending
	if err := x.radio.WriteWithAck(handle, pending.WriteID, []byte(text)); err != nil {
		x.pending = nil
		return fmt.Errorf("submit write: %w", err)
	}
	x.logger.Debug("write submitted", "write_id", pending.WriteID, "bytes", len(text))
	return nil
}

// OnWriteCompleted resolves the pending write. It reports false when the
// completion does not belong to the pending write on handle.
func (x *MessageExchange) OnWriteCompleted(event radio.WriteCompleted, handle radio.ChannelHandle) (Outcome, bool) {
	if x.pending == nil {
		x.logger.Debug("ignored write completion without pending send", "write_id", event.WriteID)
		return Outcome{}, false
	}
	if event.WriteID != "" && event.WriteID != x.pending.WriteID {
		x.logger.Debug("ignored stale write completion", "write_id", event.WriteID, "pending_id", x.pending.WriteID)
		return Outcome{}, false
	}
	if event.Handle.Ref != "" && event.Handle.Ref != handle.Ref {
		x.logger.Debug("ignored write completion for other channel", "ref", event.Handle.Ref)
		return Outcome{}, false
	}

	pending := x.pending
	x.pending = nil
	if event.Err != nil {
		return Failure(event.Err.Error()), true
	}
	return Success(pending.Payload), true
}

// Discard drops the pending write without producing an outcome.
func (x *MessageExchange) Discard() {
	if x.pending != nil {
		x.logger.Debug("discarded pending send", "write_id", x.pending.WriteID)
	}
	x.pending = nil
}

// Received is one decoded incoming write.
type Received struct {
	From    string
	Outcome Outcome
}

// HandleIncoming decodes each request and answers every one of them with
// Accept. Requests that are not valid UTF-8 produce no outcome.
func (x *MessageExchange) HandleIncoming(requests []radio.WriteRequest) []Received {
	received := make([]Received, 0, len(requests))
	for _, request := range requests {
		if utf8.Valid(request.Value) {
			received = append(received, Received{From: request.From, Outcome: Success(string(request.Value))})
		} else {
			x.logger.Debug("dropped undecodable write", "request_id", request.ID, "bytes", len(request.Value))
		}
		if err := x.radio.RespondToWrite(request.ID, radio.WriteAccept); err != nil {
			x.logger.Warn("respond to write failed", "request_id", request.ID, "error", err)
		}
	}
	return received
}
