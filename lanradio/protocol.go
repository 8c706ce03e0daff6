package lanradio

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (64 KiB).
	MaxFrameSize = 64 * 1024
	// DefaultDialTimeout bounds TCP connect and hello exchange.
	DefaultDialTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 5 * time.Second
)

const (
	TypeHello            = "hello"
	TypeDiscoverServices = "discover_services"
	TypeServices         = "services"
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeNotification     = "notification"
	TypeWriteRequest     = "write_request"
	TypeWriteResponse    = "write_response"
)

const (
	WriteStatusAccepted = "accepted"
	WriteStatusRejected = "rejected"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("lanradio: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("lanradio: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("lanradio: invalid message type")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HelloMessage opens every connection and names the connecting device.
type HelloMessage struct {
	Type            string `json:"type"`
	DeviceID        string `json:"device_id"`
	ProtocolVersion int    `json:"protocol_version"`
}

// DiscoverServicesMessage asks the acceptor for its exposed services.
type DiscoverServicesMessage struct {
	Type string `json:"type"`
}

// CharacteristicInfo describes one exposed characteristic.
type CharacteristicInfo struct {
	UUID  uuid.UUID `json:"uuid"`
	Flags []string  `json:"flags"`
}

// ServiceInfo describes one exposed service.
type ServiceInfo struct {
	UUID            uuid.UUID            `json:"uuid"`
	Characteristics []CharacteristicInfo `json:"characteristics"`
}

// ServicesMessage answers DiscoverServicesMessage.
type ServicesMessage struct {
	Type     string        `json:"type"`
	Services []ServiceInfo `json:"services"`
}

// SubscriptionMessage toggles notifications on one characteristic.
type SubscriptionMessage struct {
	Type string    `json:"type"`
	UUID uuid.UUID `json:"uuid"`
}

// NotificationMessage carries a characteristic value pushed by the acceptor.
type NotificationMessage struct {
	Type  string    `json:"type"`
	UUID  uuid.UUID `json:"uuid"`
	Value []byte    `json:"value"`
}

// WriteRequestMessage is a write-with-response against a characteristic.
type WriteRequestMessage struct {
	Type  string    `json:"type"`
	ID    string    `json:"id"`
	UUID  uuid.UUID `json:"uuid"`
	Value []byte    `json:"value"`
}

// WriteResponseMessage acknowledges one WriteRequestMessage.
type WriteResponseMessage struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Status string `json:"status"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}
