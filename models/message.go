package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessage is one transcript entry shown in the chat view.
type ChatMessage struct {
	ID       string    `json:"id"`
	PeerID   string    `json:"peer_id"`
	Text     string    `json:"text"`
	Date     time.Time `json:"date"`
	IsSender bool      `json:"is_sender"`
}

// NewChatMessage stamps text with a fresh ID and the current time.
func NewChatMessage(peerID, text string, isSender bool) ChatMessage {
	return ChatMessage{
		ID:       uuid.NewString(),
		PeerID:   peerID,
		Text:     text,
		Date:     time.Now(),
		IsSender: isSender,
	}
}
