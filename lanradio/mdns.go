package lanradio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_blechat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultScanInterval is the pause between browse windows while scanning.
	DefaultScanInterval = 2 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 1500 * time.Millisecond
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// browseOnce runs one browse on a fresh resolver; a zeroconf resolver shuts
// its client down when the browse context ends.
func browseOnce(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// endpoint is one acceptor found on the network.
type endpoint struct {
	DeviceID  string
	Label     string
	ServiceID uuid.UUID
	Addresses []string
	Port      int
}

// advertiser publishes the acceptor over mDNS.
type advertiser struct {
	server *zeroconf.Server
}

func startAdvertiser(cfg Config, label string, serviceID uuid.UUID, port int) (*advertiser, error) {
	if strings.TrimSpace(label) == "" {
		return nil, errors.New("advertised label is required")
	}
	if port <= 0 {
		return nil, errors.New("listening port must be > 0")
	}

	txt := []string{
		"device_id=" + cfg.DeviceID,
		"service_uuid=" + serviceID.String(),
		"version=" + strconv.Itoa(ProtocolVersion),
	}

	srv, err := cfg.registerFn(label, cfg.Service, cfg.Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &advertiser{server: srv}, nil
}

// Stop withdraws the advertisement.
func (a *advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// scanner repeatedly browses for acceptors until stopped. Every sighting is
// reported, duplicates included.
type scanner struct {
	cfg    Config
	logger *slog.Logger
	found  func(endpoint)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func startScanner(parent context.Context, cfg Config, logger *slog.Logger, found func(endpoint)) *scanner {
	ctx, cancel := context.WithCancel(parent)
	s := &scanner{cfg: cfg, logger: logger, found: found, ctx: ctx, cancel: cancel}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *scanner) stop() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func (s *scanner) loop() {
	defer s.wg.Done()

	for {
		if err := s.runScan(); err != nil {
			s.logger.Warn("mDNS browse failed", "error", err)
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.cfg.ScanInterval):
		}
	}
}

func (s *scanner) runScan() error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				if ep, ok := parseEntry(entry, s.cfg.DeviceID); ok {
					s.found(ep)
				}
			}
		}
	}()

	if err := s.cfg.browseFn(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return err
	}

	<-scanCtx.Done()
	<-collectorDone
	return nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (endpoint, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return endpoint{}, false
	}
	if entry.Port <= 0 {
		return endpoint{}, false
	}

	serviceID, _ := uuid.Parse(txt["service_uuid"])

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	if len(addresses) == 0 {
		return endpoint{}, false
	}
	sort.Strings(addresses)

	return endpoint{
		DeviceID:  deviceID,
		Label:     strings.TrimSpace(entry.Instance),
		ServiceID: serviceID,
		Addresses: addresses,
		Port:      entry.Port,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
