package storage

import (
	"errors"
	"fmt"
	"time"

	"blechat/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Peer is the SQLite representation of a remote device seen while scanning.
type Peer struct {
	PeerID             string
	DisplayName        string
	FirstSeenTimestamp int64
	LastSeenTimestamp  int64
}

// Message is the SQLite representation of one transcript entry.
type Message struct {
	MessageID string
	PeerID    string
	Content   string
	Direction string
	Timestamp int64
}

// MessageFromChat converts a transcript entry for persistence.
func MessageFromChat(message models.ChatMessage) Message {
	direction := DirectionReceived
	if message.IsSender {
		direction = DirectionSent
	}
	return Message{
		MessageID: message.ID,
		PeerID:    message.PeerID,
		Content:   message.Text,
		Direction: direction,
		Timestamp: message.Date.UnixMilli(),
	}
}

// ChatMessage converts a stored row back into a transcript entry.
func (m Message) ChatMessage() models.ChatMessage {
	return models.ChatMessage{
		ID:       m.MessageID,
		PeerID:   m.PeerID,
		Text:     m.Content,
		Date:     time.UnixMilli(m.Timestamp),
		IsSender: m.Direction == DirectionSent,
	}
}

// Model converts a stored peer into its shared model.
func (p Peer) Model() models.Peer {
	return models.Peer{
		PeerID:             p.PeerID,
		DisplayName:        p.DisplayName,
		FirstSeenTimestamp: p.FirstSeenTimestamp,
		LastSeenTimestamp:  p.LastSeenTimestamp,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionSent, DirectionReceived:
		return nil
	default:
		return fmt.Errorf("invalid message direction %q", direction)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
