package link

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"blechat/radio"
)

type fakeCall struct {
	Method    string
	PeerID    string
	Channel   radio.Channel
	Handle    radio.ChannelHandle
	WriteID   string
	Payload   []byte
	Spec      radio.ChannelSpec
	Label     string
	ServiceID uuid.UUID
	RequestID string
	Result    radio.WriteResult
}

// fakeRadio records every command and returns configured errors.
type fakeRadio struct {
	calls []fakeCall
	errs  map[string]error
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{errs: make(map[string]error)}
}

func (r *fakeRadio) record(call fakeCall) error {
	r.calls = append(r.calls, call)
	return r.errs[call.Method]
}

func (r *fakeRadio) count(method string) int {
	n := 0
	for _, call := range r.calls {
		if call.Method == method {
			n++
		}
	}
	return n
}

func (r *fakeRadio) last(method string) (fakeCall, bool) {
	for i := len(r.calls) - 1; i >= 0; i-- {
		if r.calls[i].Method == method {
			return r.calls[i], true
		}
	}
	return fakeCall{}, false
}

func (r *fakeRadio) StartDiscovery() error { return r.record(fakeCall{Method: "StartDiscovery"}) }
func (r *fakeRadio) StopDiscovery() error  { return r.record(fakeCall{Method: "StopDiscovery"}) }
func (r *fakeRadio) Connect(peerID string) error {
	return r.record(fakeCall{Method: "Connect", PeerID: peerID})
}
func (r *fakeRadio) Disconnect(peerID string) error {
	return r.record(fakeCall{Method: "Disconnect", PeerID: peerID})
}
func (r *fakeRadio) DiscoverChannels(peerID string) error {
	return r.record(fakeCall{Method: "DiscoverChannels", PeerID: peerID})
}
func (r *fakeRadio) DiscoverSubchannels(peerID string, channel radio.Channel) error {
	return r.record(fakeCall{Method: "DiscoverSubchannels", PeerID: peerID, Channel: channel})
}
func (r *fakeRadio) Subscribe(handle radio.ChannelHandle) error {
	return r.record(fakeCall{Method: "Subscribe", Handle: handle})
}
func (r *fakeRadio) WriteWithAck(handle radio.ChannelHandle, writeID string, payload []byte) error {
	return r.record(fakeCall{Method: "WriteWithAck", Handle: handle, WriteID: writeID, Payload: payload})
}
func (r *fakeRadio) ExposeChannel(spec radio.ChannelSpec) error {
	return r.record(fakeCall{Method: "ExposeChannel", Spec: spec})
}
func (r *fakeRadio) Advertise(label string, serviceID uuid.UUID) error {
	return r.record(fakeCall{Method: "Advertise", Label: label, ServiceID: serviceID})
}
func (r *fakeRadio) Notify(payload []byte) error {
	return r.record(fakeCall{Method: "Notify", Payload: payload})
}
func (r *fakeRadio) RespondToWrite(requestID string, result radio.WriteResult) error {
	return r.record(fakeCall{Method: "RespondToWrite", RequestID: requestID, Result: result})
}

func sequenceIDs(prefix string) func() string {
	next := 0
	return func() string {
		next++
		return fmt.Sprintf("%s-%d", prefix, next)
	}
}

func newTestManager(t *testing.T, r radio.Radio) *Manager {
	t.Helper()
	manager, err := NewManager(Options{Radio: r, NewWriteID: sequenceIDs("w")})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return manager
}

var testHandleRef = "char-ffe1"

// driveToReady walks a fake-radio manager through a full initiator-side
// negotiation and the READY handshake for peerID.
func driveToReady(t *testing.T, m *Manager, peerID string) radio.ChannelHandle {
	t.Helper()
	if err := m.ToggleConnection(peerID); err != nil {
		t.Fatalf("ToggleConnection failed: %v", err)
	}
	m.HandleEvent(radio.Connected{PeerID: peerID})
	service := radio.Channel{UUID: radio.ServiceID, Ref: "svc-ffe0"}
	m.HandleEvent(radio.ChannelsDiscovered{PeerID: peerID, Channels: []radio.Channel{service}})
	m.HandleEvent(radio.SubchannelsDiscovered{
		PeerID:  peerID,
		Channel: service,
		Subchannels: []radio.Subchannel{
			{UUID: radio.MessageCharacteristicID, Ref: testHandleRef, Properties: []string{radio.PropertyWrite, radio.PropertyNotify}},
		},
	})
	handle := radio.ChannelHandle{PeerID: peerID, UUID: radio.MessageCharacteristicID, Ref: testHandleRef}
	m.HandleEvent(radio.NotificationReceived{Handle: handle, Value: []byte(radio.ReadyPayload)})
	if !m.IsReadyToSend() {
		t.Fatalf("expected manager to be ready to send to %s", peerID)
	}
	return handle
}

func drainEvents(m *Manager) []Event {
	var out []Event
	for {
		select {
		case event := <-m.Events():
			out = append(out, event)
		default:
			return out
		}
	}
}

func eventsOfType(events []Event, eventType EventType) []Event {
	var out []Event
	for _, event := range events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// air is a deterministic in-memory radio medium connecting test devices.
// Commands only queue events; drain delivers them one at a time.
type air struct {
	t        *testing.T
	nodes    map[string]*airNode
	queue    []delivery
	requests map[string]pendingAck
	seq      int
}

type delivery struct {
	to    *airNode
	event radio.Event
}

type pendingAck struct {
	from    *airNode
	writeID string
	handle  radio.ChannelHandle
}

type airNode struct {
	id          string
	air         *air
	manager     *Manager
	label       string
	scanning    bool
	advertising bool
	exposed     bool
	subscribers map[string]bool
	responses   []string
}

func newAir(t *testing.T) *air {
	return &air{t: t, nodes: make(map[string]*airNode), requests: make(map[string]pendingAck)}
}

func (a *air) join(id string) *airNode {
	a.t.Helper()
	node := &airNode{id: id, air: a, subscribers: make(map[string]bool)}
	manager, err := NewManager(Options{Radio: node, NewWriteID: sequenceIDs(id)})
	if err != nil {
		a.t.Fatalf("NewManager failed: %v", err)
	}
	node.manager = manager
	a.nodes[id] = node
	return node
}

func (a *air) enqueue(to *airNode, event radio.Event) {
	a.queue = append(a.queue, delivery{to: to, event: event})
}

func (a *air) drain() {
	a.t.Helper()
	for steps := 0; len(a.queue) > 0; steps++ {
		if steps > 1000 {
			a.t.Fatalf("air did not settle")
		}
		next := a.queue[0]
		a.queue = a.queue[1:]
		next.to.manager.HandleEvent(next.event)
	}
}

func (n *airNode) peer(id string) (*airNode, error) {
	other, ok := n.air.nodes[id]
	if !ok {
		return nil, errors.New("unknown peer")
	}
	return other, nil
}

func (n *airNode) handleFor(peerID string) radio.ChannelHandle {
	return radio.ChannelHandle{PeerID: peerID, UUID: radio.MessageCharacteristicID, Ref: "char:" + peerID}
}

func (n *airNode) StartDiscovery() error {
	n.scanning = true
	for _, other := range n.air.nodes {
		if other != n && other.advertising {
			n.air.enqueue(n, radio.PeerDiscovered{PeerID: other.id, DisplayName: other.label})
		}
	}
	return nil
}

func (n *airNode) StopDiscovery() error {
	n.scanning = false
	return nil
}

func (n *airNode) Connect(peerID string) error {
	if _, err := n.peer(peerID); err != nil {
		n.air.enqueue(n, radio.Disconnected{PeerID: peerID, Err: err})
		return nil
	}
	n.air.enqueue(n, radio.Connected{PeerID: peerID})
	return nil
}

func (n *airNode) Disconnect(peerID string) error {
	other, err := n.peer(peerID)
	if err != nil {
		return err
	}
	if other.subscribers[n.id] {
		delete(other.subscribers, n.id)
		n.air.enqueue(other, radio.SubscriptionChanged{SubscriberID: n.id, Subscribed: false})
	}
	n.air.enqueue(n, radio.Disconnected{PeerID: peerID})
	return nil
}

func (n *airNode) DiscoverChannels(peerID string) error {
	other, err := n.peer(peerID)
	if err != nil {
		return err
	}
	var channels []radio.Channel
	if other.exposed {
		channels = append(channels, radio.Channel{UUID: radio.ServiceID, Ref: "svc:" + peerID})
	}
	n.air.enqueue(n, radio.ChannelsDiscovered{PeerID: peerID, Channels: channels})
	return nil
}

func (n *airNode) DiscoverSubchannels(peerID string, channel radio.Channel) error {
	handle := n.handleFor(peerID)
	n.air.enqueue(n, radio.SubchannelsDiscovered{
		PeerID:  peerID,
		Channel: channel,
		Subchannels: []radio.Subchannel{
			{UUID: handle.UUID, Ref: handle.Ref, Properties: []string{radio.PropertyWrite, radio.PropertyNotify}},
		},
	})
	return nil
}

func (n *airNode) Subscribe(handle radio.ChannelHandle) error {
	other, err := n.peer(handle.PeerID)
	if err != nil {
		return err
	}
	other.subscribers[n.id] = true
	n.air.enqueue(other, radio.SubscriptionChanged{SubscriberID: n.id, Subscribed: true})
	return nil
}

func (n *airNode) WriteWithAck(handle radio.ChannelHandle, writeID string, payload []byte) error {
	other, err := n.peer(handle.PeerID)
	if err != nil {
		return err
	}
	n.air.seq++
	requestID := fmt.Sprintf("req-%d", n.air.seq)
	n.air.requests[requestID] = pendingAck{from: n, writeID: writeID, handle: handle}
	value := append([]byte(nil), payload...)
	n.air.enqueue(other, radio.IncomingWrite{Requests: []radio.WriteRequest{{ID: requestID, From: n.id, Value: value}}})
	return nil
}

func (n *airNode) ExposeChannel(radio.ChannelSpec) error {
	n.exposed = true
	n.air.enqueue(n, radio.ChannelExposed{})
	return nil
}

func (n *airNode) Advertise(label string, _ uuid.UUID) error {
	n.advertising = true
	n.label = label
	for _, other := range n.air.nodes {
		if other != n && other.scanning {
			n.air.enqueue(other, radio.PeerDiscovered{PeerID: n.id, DisplayName: label})
		}
	}
	return nil
}

func (n *airNode) Notify(payload []byte) error {
	for subscriberID := range n.subscribers {
		subscriber := n.air.nodes[subscriberID]
		value := append([]byte(nil), payload...)
		n.air.enqueue(subscriber, radio.NotificationReceived{Handle: subscriber.handleFor(n.id), Value: value})
	}
	return nil
}

func (n *airNode) RespondToWrite(requestID string, result radio.WriteResult) error {
	n.responses = append(n.responses, requestID)
	ack, ok := n.air.requests[requestID]
	if !ok {
		return errors.New("unknown request")
	}
	delete(n.air.requests, requestID)
	var err error
	if result == radio.WriteReject {
		err = errors.New("write rejected")
	}
	n.air.enqueue(ack.from, radio.WriteCompleted{Handle: ack.handle, WriteID: ack.writeID, Err: err})
	return nil
}

func (a *air) powerOn(node *airNode, roles ...radio.Role) {
	for _, role := range roles {
		a.enqueue(node, radio.PoweredOn{Role: role})
	}
}
