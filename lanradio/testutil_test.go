package lanradio

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"blechat/link"
	"blechat/radio"
)

func testServiceEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: "host-" + deviceID + ".local",
		Port:     port,
		Text: []string{
			"device_id=" + deviceID,
			"service_uuid=" + radio.ServiceID.String(),
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

// fakeMDNS is an in-process stand-in for the multicast network. Every
// registration resolves to the loopback address.
type fakeMDNS struct {
	mu      sync.Mutex
	entries map[string]*zeroconf.ServiceEntry
}

func newFakeMDNS() *fakeMDNS {
	return &fakeMDNS{entries: make(map[string]*zeroconf.ServiceEntry)}
}

func (f *fakeMDNS) register(instance, service, domain string, port int, text []string, _ []net.Interface) (*zeroconf.Server, error) {
	deviceID := txtToMap(text)["device_id"]
	entry := testServiceEntry(deviceID, instance, port, "127.0.0.1")
	entry.Text = append([]string(nil), text...)

	f.mu.Lock()
	f.entries[deviceID] = entry
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeMDNS) browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	f.mu.Lock()
	snapshot := make([]*zeroconf.ServiceEntry, 0, len(f.entries))
	for _, entry := range f.entries {
		snapshot = append(snapshot, entry)
	}
	f.mu.Unlock()

	for _, entry := range snapshot {
		select {
		case entries <- entry:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// eventLog records every link event published by a Manager.
type eventLog struct {
	mu     sync.Mutex
	events []link.Event
}

func (l *eventLog) has(match func(link.Event) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, event := range l.events {
		if match(event) {
			return true
		}
	}
	return false
}

func (l *eventLog) count(match func(link.Event) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, event := range l.events {
		if match(event) {
			n++
		}
	}
	return n
}

type testDevice struct {
	id      string
	radio   *Radio
	manager *link.Manager
	log     *eventLog
}

func startTestDevice(t *testing.T, mdns *fakeMDNS, deviceID string) *testDevice {
	t.Helper()

	r, err := New(Config{
		DeviceID:      deviceID,
		ListenAddress: "127.0.0.1:0",
		ScanInterval:  20 * time.Millisecond,
		ScanTimeout:   20 * time.Millisecond,
		DialTimeout:   2 * time.Second,
		registerFn:    mdns.register,
		browseFn:      mdns.browse,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	manager, err := link.NewManager(link.Options{Radio: r})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := &eventLog{}
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-manager.Events():
				log.mu.Lock()
				log.events = append(log.events, event)
				log.mu.Unlock()
			}
		}
	}()

	if err := r.Start(ctx, manager.HandleEvent); err != nil {
		cancel()
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		_ = r.Close()
		cancel()
		<-pumpDone
	})

	return &testDevice{id: deviceID, radio: r, manager: manager, log: log}
}

func (d *testDevice) knows(peerID string) bool {
	for _, peer := range d.manager.Snapshot().Peers {
		if peer.ID == peerID {
			return true
		}
	}
	return false
}

func (d *testDevice) acceptor() link.AcceptorState {
	return d.manager.Snapshot().Acceptor
}

func messageFrom(peerID, text string) func(link.Event) bool {
	return func(event link.Event) bool {
		return event.Type == link.EventMessageReceived && event.PeerID == peerID && event.Outcome.OK && event.Outcome.Text == text
	}
}

func sendSucceeded(text string) func(link.Event) bool {
	return func(event link.Event) bool {
		return event.Type == link.EventSendOutcome && event.Outcome.OK && event.Outcome.Text == text
	}
}
