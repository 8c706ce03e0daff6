// Package radio defines the capability surface of a short-range radio stack
// as consumed by the chat core: the command interface, the inbound event
// types and the identifiers both peers must agree on.
//
// Commands are fire-and-forget. A nil error means the request was accepted
// by the stack; its result arrives later as an Event delivered through the
// Handler. Implementations deliver events one at a time and must never call
// the Handler from inside a command method.
package radio

import (
	"encoding/binary"
	"strings"

	"github.com/google/uuid"
)

// Role identifies one of the two independent radio roles.
type Role string

const (
	// RoleInitiator scans for and connects to peers.
	RoleInitiator Role = "initiator"
	// RoleAcceptor advertises a service and accepts connections.
	RoleAcceptor Role = "acceptor"
)

// WriteResult is the acceptor's answer to one incoming write request.
type WriteResult string

const (
	WriteAccept WriteResult = "accept"
	WriteReject WriteResult = "reject"
)

// Property flags of an exposed or discovered channel.
const (
	PropertyRead   = "read"
	PropertyWrite  = "write"
	PropertyNotify = "notify"
)

var (
	// ServiceID is the well-known top-level channel identifier (0xFFE0).
	ServiceID = ShortUUID(0xFFE0)
	// MessageCharacteristicID is the write/notify sub-channel identifier
	// (0xFFE1). The initiator's write channel and the acceptor's exposed
	// characteristic use the same value.
	MessageCharacteristicID = ShortUUID(0xFFE1)
)

const (
	// DefaultLabel is the human-readable name advertised by the acceptor.
	DefaultLabel = "BLE-Receiver"
	// ReadyPayload is the handshake notification sent once per new subscription.
	ReadyPayload = "READY"
)

// bluetoothBase is the Bluetooth SIG base UUID 0000xxxx-0000-1000-8000-00805f9b34fb.
var bluetoothBase = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// ShortUUID expands a 16-bit assigned number into its 128-bit form.
func ShortUUID(short uint16) uuid.UUID {
	out := bluetoothBase
	binary.BigEndian.PutUint16(out[2:4], short)
	return out
}

// ParseUUID accepts either a 16-bit short form ("FFE1") or a full UUID string.
func ParseUUID(raw string) (uuid.UUID, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(trimmed) == 4 {
		short, err := uuid.Parse("0000" + trimmed + "-0000-1000-8000-00805f9b34fb")
		if err != nil {
			return uuid.Nil, err
		}
		return short, nil
	}
	return uuid.Parse(trimmed)
}

// ChannelHandle references a negotiated remote characteristic. Ref is opaque
// to the core and only meaningful to the Radio that produced it.
type ChannelHandle struct {
	PeerID string
	UUID   uuid.UUID
	Ref    string
}

// IsZero reports whether the handle has not been negotiated.
func (h ChannelHandle) IsZero() bool {
	return h.Ref == "" && h.PeerID == "" && h.UUID == uuid.Nil
}

// ChannelSpec describes the service the acceptor exposes.
type ChannelSpec struct {
	ServiceID        uuid.UUID
	CharacteristicID uuid.UUID
	Properties       []string
}

// DefaultChannelSpec is the write+notify message channel under ServiceID.
func DefaultChannelSpec() ChannelSpec {
	return ChannelSpec{
		ServiceID:        ServiceID,
		CharacteristicID: MessageCharacteristicID,
		Properties:       []string{PropertyWrite, PropertyNotify},
	}
}

// Handler receives inbound radio events.
type Handler func(Event)

// Radio is the command half of the adapter boundary.
type Radio interface {
	// Initiator role.
	StartDiscovery() error
	StopDiscovery() error
	Connect(peerID string) error
	// Disconnect closes or cancels the link to peerID. Every accepted Connect
	// produces exactly one Disconnected, whether the link fails, is lost or
	// is closed here, and never after a Connected of a later attempt.
	Disconnect(peerID string) error
	DiscoverChannels(peerID string) error
	DiscoverSubchannels(peerID string, channel Channel) error
	Subscribe(handle ChannelHandle) error
	WriteWithAck(handle ChannelHandle, writeID string, payload []byte) error

	// Acceptor role.
	ExposeChannel(spec ChannelSpec) error
	Advertise(label string, serviceID uuid.UUID) error
	Notify(payload []byte) error
	RespondToWrite(requestID string, result WriteResult) error
}
