package lanradio

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"blechat/radio"
)

func TestStartAdvertiserBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		DeviceID: "device-123",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}.withDefaults()

	adv, err := startAdvertiser(cfg, radio.DefaultLabel, radio.ServiceID, 9999)
	if err != nil {
		t.Fatalf("startAdvertiser failed: %v", err)
	}
	adv.Stop()

	if gotInstance != radio.DefaultLabel {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService || gotDomain != DefaultDomain {
		t.Fatalf("unexpected service/domain: %q %q", gotService, gotDomain)
	}
	if gotPort != 9999 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	txt := txtToMap(gotTXT)
	if txt["device_id"] != "device-123" {
		t.Fatalf("unexpected device_id TXT: %q", txt["device_id"])
	}
	if txt["service_uuid"] != radio.ServiceID.String() {
		t.Fatalf("unexpected service_uuid TXT: %q", txt["service_uuid"])
	}
	if txt["version"] != "1" {
		t.Fatalf("unexpected version TXT: %q", txt["version"])
	}
}

func TestStartAdvertiserRejectsInvalidInput(t *testing.T) {
	cfg := Config{
		DeviceID: "device-123",
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, errors.New("unexpected register")
		},
	}.withDefaults()

	if _, err := startAdvertiser(cfg, "  ", radio.ServiceID, 9999); err == nil {
		t.Fatalf("expected error for empty label")
	}
	if _, err := startAdvertiser(cfg, radio.DefaultLabel, radio.ServiceID, 0); err == nil {
		t.Fatalf("expected error for missing port")
	}
	if _, err := startAdvertiser(cfg, radio.DefaultLabel, radio.ServiceID, 9999); err == nil {
		t.Fatalf("expected register error to propagate")
	}
}

func TestParseEntryFiltersSelfAndIncompleteEntries(t *testing.T) {
	if _, ok := parseEntry(testServiceEntry("self", "Self", 9000, "127.0.0.1"), "self"); ok {
		t.Fatalf("expected self entry to be filtered")
	}

	noPort := testServiceEntry("peer-1", "Peer", 0, "127.0.0.1")
	if _, ok := parseEntry(noPort, "self"); ok {
		t.Fatalf("expected entry without port to be filtered")
	}

	noAddress := testServiceEntry("peer-1", "Peer", 9000, "127.0.0.1")
	noAddress.AddrIPv4 = nil
	if _, ok := parseEntry(noAddress, "self"); ok {
		t.Fatalf("expected entry without addresses to be filtered")
	}

	entry := testServiceEntry("peer-1", " Peer One ", 9000, "192.168.1.20")
	entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP("192.168.1.20"), net.ParseIP("10.0.0.5"))
	ep, ok := parseEntry(entry, "self")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if ep.DeviceID != "peer-1" || ep.Label != "Peer One" || ep.Port != 9000 {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}
	if ep.ServiceID != radio.ServiceID {
		t.Fatalf("unexpected service id: %s", ep.ServiceID)
	}
	if len(ep.Addresses) != 2 || ep.Addresses[0] != "10.0.0.5" || ep.Addresses[1] != "192.168.1.20" {
		t.Fatalf("expected sorted unique addresses, got %v", ep.Addresses)
	}
}

func TestScannerReportsEverySighting(t *testing.T) {
	var browses atomic.Int32
	cfg := Config{
		DeviceID:     "self",
		ScanInterval: 10 * time.Millisecond,
		ScanTimeout:  10 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			browses.Add(1)
			entries <- testServiceEntry("self", "Self", 9000, "127.0.0.1")
			entries <- testServiceEntry("peer-1", "Peer", 9000, "127.0.0.1")
			return nil
		},
	}.withDefaults()

	var sightings atomic.Int32
	s := startScanner(context.Background(), cfg, cfg.Logger, func(ep endpoint) {
		if ep.DeviceID != "peer-1" {
			t.Errorf("unexpected endpoint %q", ep.DeviceID)
		}
		sightings.Add(1)
	})
	waitForCondition(t, 2*time.Second, func() bool {
		return sightings.Load() >= 2
	})
	s.stop()

	after := browses.Load()
	time.Sleep(50 * time.Millisecond)
	if browses.Load() != after {
		t.Fatalf("expected no browse after stop")
	}
}

func TestScannerSurvivesBrowseErrors(t *testing.T) {
	var browses atomic.Int32
	cfg := Config{
		DeviceID:     "self",
		ScanInterval: 5 * time.Millisecond,
		ScanTimeout:  5 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			browses.Add(1)
			return errors.New("multicast unavailable")
		},
	}.withDefaults()

	s := startScanner(context.Background(), cfg, cfg.Logger, func(endpoint) {})
	defer s.stop()

	waitForCondition(t, 2*time.Second, func() bool {
		return browses.Load() >= 3
	})
}
