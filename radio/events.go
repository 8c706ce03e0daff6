package radio

import (
	"github.com/google/uuid"
)

// Event is one inbound notification from the radio stack.
type Event interface {
	radioEvent()
}

// PoweredOn reports that a role became usable.
type PoweredOn struct {
	Role Role
}

// PoweredOff reports that a role stopped being usable.
type PoweredOff struct {
	Role Role
}

// PeerDiscovered is emitted for every advertisement seen while scanning.
// Duplicates are expected.
type PeerDiscovered struct {
	PeerID      string
	DisplayName string
}

// Connected reports an established initiator-role connection.
type Connected struct {
	PeerID string
}

// Disconnected reports a closed or failed initiator-role connection.
// Err is set when the connection attempt itself failed.
type Disconnected struct {
	PeerID string
	Err    error
}

// Channel is one remote service discovered on a peer.
type Channel struct {
	UUID uuid.UUID
	Ref  string
}

// ChannelsDiscovered lists the services exposed by a connected peer.
type ChannelsDiscovered struct {
	PeerID   string
	Channels []Channel
	Err      error
}

// Subchannel is one characteristic of a remote service.
type Subchannel struct {
	UUID       uuid.UUID
	Ref        string
	Properties []string
}

// SubchannelsDiscovered lists the characteristics of one remote service.
type SubchannelsDiscovered struct {
	PeerID      string
	Channel     Channel
	Subchannels []Subchannel
	Err         error
}

// WriteCompleted acknowledges a WriteWithAck request. WriteID echoes the
// identifier passed to WriteWithAck when the stack supports it.
type WriteCompleted struct {
	Handle  ChannelHandle
	WriteID string
	Err     error
}

// NotificationReceived carries a value pushed by the remote acceptor.
type NotificationReceived struct {
	Handle ChannelHandle
	Value  []byte
}

// ChannelExposed reports the outcome of ExposeChannel.
type ChannelExposed struct {
	Err error
}

// SubscriptionChanged reports a remote peer (un)subscribing to notifications
// on the exposed channel.
type SubscriptionChanged struct {
	SubscriberID string
	Subscribed   bool
}

// WriteRequest is one remote write against the exposed channel.
type WriteRequest struct {
	ID    string
	From  string
	Value []byte
}

// IncomingWrite batches write requests delivered together by the stack.
type IncomingWrite struct {
	Requests []WriteRequest
}

func (PoweredOn) radioEvent()             {}
func (PoweredOff) radioEvent()            {}
func (PeerDiscovered) radioEvent()        {}
func (Connected) radioEvent()             {}
func (Disconnected) radioEvent()          {}
func (ChannelsDiscovered) radioEvent()    {}
func (SubchannelsDiscovered) radioEvent() {}
func (WriteCompleted) radioEvent()        {}
func (NotificationReceived) radioEvent()  {}
func (ChannelExposed) radioEvent()        {}
func (SubscriptionChanged) radioEvent()   {}
func (IncomingWrite) radioEvent()         {}
