// Package lanradio implements radio.Radio over the local network. Acceptors
// are advertised with mDNS and sessions run over length-prefixed JSON frames
// on TCP, mirroring the GATT operations the chat core relies on.
package lanradio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"blechat/radio"
)

var (
	// ErrNotStarted is returned by commands issued before Start.
	ErrNotStarted = errors.New("lanradio: radio not started")
	// ErrNotConnected is returned for initiator commands without a live link.
	ErrNotConnected = errors.New("lanradio: peer not connected")
	// ErrWriteRejected is reported when the acceptor refuses a write.
	ErrWriteRejected = errors.New("lanradio: write rejected by peer")
)

// Config configures a Radio.
type Config struct {
	DeviceID      string
	ListenAddress string
	Port          int

	Service      string
	Domain       string
	ScanInterval time.Duration
	ScanTimeout  time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	out.DeviceID = strings.TrimSpace(out.DeviceID)
	if out.ListenAddress == "" {
		out.ListenAddress = ":" + strconv.Itoa(max(out.Port, 0))
	}
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ScanInterval <= 0 {
		out.ScanInterval = DefaultScanInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.browseFn == nil {
		out.browseFn = browseOnce
	}
	return out
}

// centralLink is one initiator-role connection to a remote acceptor.
type centralLink struct {
	peerID     string
	conn       *frameConn
	services   map[uuid.UUID]ServiceInfo
	writes     map[string]radio.ChannelHandle
	localClose bool
}

// pendingWrite is an inbound write awaiting RespondToWrite.
type pendingWrite struct {
	conn    *frameConn
	frameID string
}

// Radio is a radio.Radio backed by mDNS discovery and TCP sessions.
type Radio struct {
	cfg    Config
	logger *slog.Logger

	dispatcher *radio.Dispatcher
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	server     *server

	mu        sync.Mutex
	started   bool
	closing   bool
	endpoints map[string]endpoint
	scan      *scanner
	dialing   map[string]*dialAttempt
	links     map[string]*centralLink

	spec        *radio.ChannelSpec
	adv         *advertiser
	inbound     map[*frameConn]struct{}
	subscribers map[string]*frameConn
	writes      map[string]pendingWrite
	seq         uint64
}

// New validates cfg and returns an unstarted Radio.
func New(cfg Config) (*Radio, error) {
	resolved := cfg.withDefaults()
	if resolved.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	return &Radio{
		cfg:         resolved,
		logger:      resolved.Logger.With("component", "lanradio"),
		endpoints:   make(map[string]endpoint),
		dialing:     make(map[string]*dialAttempt),
		links:       make(map[string]*centralLink),
		inbound:     make(map[*frameConn]struct{}),
		subscribers: make(map[string]*frameConn),
		writes:      make(map[string]pendingWrite),
	}, nil
}

// Start binds the listener, begins event delivery to handler and reports
// both roles powered on.
func (r *Radio) Start(ctx context.Context, handler radio.Handler) error {
	if handler == nil {
		return errors.New("event handler is required")
	}

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("lanradio: already started")
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.dispatcher = radio.NewDispatcher(handler)
	r.mu.Unlock()

	srv, err := listen(r.cfg.ListenAddress, r.cfg.DeviceID, r.cfg.DialTimeout, r.cfg.WriteTimeout, r.logger, r.serveConn)
	if err != nil {
		r.cancel()
		return err
	}

	r.mu.Lock()
	r.server = srv
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.dispatcher.Run(r.ctx)
	}()

	r.logger.Info("lan radio started", "device_id", r.cfg.DeviceID, "port", srv.Port())
	r.dispatcher.Post(radio.PoweredOn{Role: radio.RoleInitiator})
	r.dispatcher.Post(radio.PoweredOn{Role: radio.RoleAcceptor})
	return nil
}

// Port returns the bound TCP port, or 0 before Start.
func (r *Radio) Port() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.server == nil {
		return 0
	}
	return r.server.Port()
}

// Close stops scanning and advertising, closes every connection and waits
// for background goroutines.
func (r *Radio) Close() error {
	r.mu.Lock()
	if r.closing || !r.started {
		r.closing = true
		r.mu.Unlock()
		return nil
	}
	r.closing = true

	scan := r.scan
	r.scan = nil
	adv := r.adv
	r.adv = nil
	for peerID, attempt := range r.dialing {
		attempt.cancel()
		delete(r.dialing, peerID)
	}
	conns := make([]*frameConn, 0, len(r.links)+len(r.inbound))
	for peerID, link := range r.links {
		link.localClose = true
		conns = append(conns, link.conn)
		delete(r.links, peerID)
	}
	for conn := range r.inbound {
		conns = append(conns, conn)
	}
	srv := r.server
	r.mu.Unlock()

	if scan != nil {
		scan.stop()
	}
	adv.Stop()
	for _, conn := range conns {
		_ = conn.Close()
	}

	var closeErr error
	if srv != nil {
		closeErr = srv.Close()
	}
	r.cancel()
	r.wg.Wait()
	return closeErr
}

func (r *Radio) post(event radio.Event) {
	r.dispatcher.Post(event)
}

// StartDiscovery begins periodic mDNS browsing.
func (r *Radio) StartDiscovery() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started || r.closing {
		return ErrNotStarted
	}
	if r.scan != nil {
		return nil
	}
	r.scan = startScanner(r.ctx, r.cfg, r.logger, r.onEndpoint)
	return nil
}

// StopDiscovery stops browsing. Known endpoints stay dialable.
func (r *Radio) StopDiscovery() error {
	r.mu.Lock()
	scan := r.scan
	r.scan = nil
	r.mu.Unlock()

	if scan != nil {
		scan.stop()
	}
	return nil
}

func (r *Radio) onEndpoint(ep endpoint) {
	if ep.ServiceID != uuid.Nil && ep.ServiceID != radio.ServiceID {
		return
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return
	}
	r.endpoints[ep.DeviceID] = ep
	r.mu.Unlock()

	r.post(radio.PeerDiscovered{PeerID: ep.DeviceID, DisplayName: ep.Label})
}

// Connect dials a discovered acceptor. Connected or Disconnected follows.
func (r *Radio) Connect(peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started || r.closing {
		return ErrNotStarted
	}
	ep, ok := r.endpoints[peerID]
	if !ok {
		return fmt.Errorf("unknown peer %q", peerID)
	}
	if _, busy := r.dialing[peerID]; busy {
		return nil
	}
	if _, linked := r.links[peerID]; linked {
		return nil
	}

	ctx, cancel := context.WithCancel(r.ctx)
	attempt := &dialAttempt{cancel: cancel}
	r.dialing[peerID] = attempt
	r.wg.Add(1)
	go r.dial(ctx, attempt, ep)
	return nil
}

// dialAttempt is one in-flight Connect. A Disconnect followed by a new
// Connect replaces the entry, so dial compares identity before reporting.
type dialAttempt struct {
	cancel context.CancelFunc
}

func (r *Radio) dial(ctx context.Context, attempt *dialAttempt, ep endpoint) {
	defer r.wg.Done()
	defer attempt.cancel()

	conn, err := r.dialEndpoint(ctx, ep)

	r.mu.Lock()
	stillDialing := r.dialing[ep.DeviceID] == attempt
	if stillDialing {
		delete(r.dialing, ep.DeviceID)
	}
	if !stillDialing || r.closing {
		r.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("connect failed", "peer_id", ep.DeviceID, "error", err)
		r.post(radio.Disconnected{PeerID: ep.DeviceID, Err: err})
		return
	}
	link := &centralLink{
		peerID:   ep.DeviceID,
		conn:     conn,
		services: make(map[uuid.UUID]ServiceInfo),
		writes:   make(map[string]radio.ChannelHandle),
	}
	r.links[ep.DeviceID] = link
	r.mu.Unlock()

	r.logger.Info("connected", "peer_id", ep.DeviceID)
	r.post(radio.Connected{PeerID: ep.DeviceID})

	readErr := conn.readLoop(func(messageType string, payload []byte) {
		r.handleCentralFrame(link, messageType, payload)
	})

	r.mu.Lock()
	if r.links[ep.DeviceID] == link {
		delete(r.links, ep.DeviceID)
	}
	local := link.localClose
	r.mu.Unlock()

	if !local {
		r.logger.Info("link lost", "peer_id", ep.DeviceID, "error", readErr)
		r.post(radio.Disconnected{PeerID: ep.DeviceID, Err: readErr})
	}
}

func (r *Radio) dialEndpoint(ctx context.Context, ep endpoint) (*frameConn, error) {
	dialer := net.Dialer{Timeout: r.cfg.DialTimeout}
	port := strconv.Itoa(ep.Port)

	var lastErr error
	for _, address := range ep.Addresses {
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, port))
		if err != nil {
			lastErr = err
			continue
		}
		hello, err := exchangeHello(conn, r.cfg.DeviceID, r.cfg.DialTimeout)
		if err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}
		if hello.DeviceID != ep.DeviceID {
			_ = conn.Close()
			lastErr = fmt.Errorf("expected device %q, got %q", ep.DeviceID, hello.DeviceID)
			continue
		}
		return newFrameConn(conn, hello.DeviceID, r.cfg.WriteTimeout), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no addresses")
	}
	return nil, fmt.Errorf("dial %s: %w", ep.DeviceID, lastErr)
}

// Disconnect cancels a pending dial or closes the link. Disconnected is
// posted in both cases.
func (r *Radio) Disconnect(peerID string) error {
	r.mu.Lock()
	if attempt, ok := r.dialing[peerID]; ok {
		delete(r.dialing, peerID)
		r.mu.Unlock()
		attempt.cancel()
		r.post(radio.Disconnected{PeerID: peerID})
		return nil
	}
	link := r.links[peerID]
	if link == nil {
		r.mu.Unlock()
		return nil
	}
	link.localClose = true
	delete(r.links, peerID)
	r.mu.Unlock()

	_ = link.conn.Close()
	r.post(radio.Disconnected{PeerID: peerID})
	return nil
}

func (r *Radio) linkFor(peerID string) (*centralLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	link := r.links[peerID]
	if link == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	return link, nil
}

// DiscoverChannels asks the acceptor for its services.
func (r *Radio) DiscoverChannels(peerID string) error {
	link, err := r.linkFor(peerID)
	if err != nil {
		return err
	}
	return link.conn.Send(DiscoverServicesMessage{Type: TypeDiscoverServices})
}

// DiscoverSubchannels answers from the services cached by DiscoverChannels.
func (r *Radio) DiscoverSubchannels(peerID string, channel radio.Channel) error {
	r.mu.Lock()
	link := r.links[peerID]
	if link == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	service, ok := link.services[channel.UUID]
	r.mu.Unlock()

	event := radio.SubchannelsDiscovered{PeerID: peerID, Channel: channel}
	if !ok {
		event.Err = fmt.Errorf("service %s not discovered", channel.UUID)
	} else {
		for _, characteristic := range service.Characteristics {
			event.Subchannels = append(event.Subchannels, radio.Subchannel{
				UUID:       characteristic.UUID,
				Ref:        characteristic.UUID.String(),
				Properties: append([]string(nil), characteristic.Flags...),
			})
		}
	}
	r.post(event)
	return nil
}

// Subscribe enables notifications on handle.
func (r *Radio) Subscribe(handle radio.ChannelHandle) error {
	link, err := r.linkFor(handle.PeerID)
	if err != nil {
		return err
	}
	return link.conn.Send(SubscriptionMessage{Type: TypeSubscribe, UUID: handle.UUID})
}

// WriteWithAck sends payload; WriteCompleted follows the acceptor's answer.
func (r *Radio) WriteWithAck(handle radio.ChannelHandle, writeID string, payload []byte) error {
	if writeID == "" {
		return errors.New("write id is required")
	}

	r.mu.Lock()
	link := r.links[handle.PeerID]
	if link == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, handle.PeerID)
	}
	link.writes[writeID] = handle
	r.mu.Unlock()

	err := link.conn.Send(WriteRequestMessage{
		Type:  TypeWriteRequest,
		ID:    writeID,
		UUID:  handle.UUID,
		Value: payload,
	})
	if err != nil {
		r.mu.Lock()
		delete(link.writes, writeID)
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Radio) handleCentralFrame(link *centralLink, messageType string, payload []byte) {
	switch messageType {
	case TypeServices:
		var msg ServicesMessage
		if err := decodeInto(payload, &msg); err != nil {
			r.post(radio.ChannelsDiscovered{PeerID: link.peerID, Err: err})
			return
		}
		channels := make([]radio.Channel, 0, len(msg.Services))
		r.mu.Lock()
		for _, service := range msg.Services {
			link.services[service.UUID] = service
			channels = append(channels, radio.Channel{UUID: service.UUID, Ref: service.UUID.String()})
		}
		r.mu.Unlock()
		r.post(radio.ChannelsDiscovered{PeerID: link.peerID, Channels: channels})

	case TypeNotification:
		var msg NotificationMessage
		if err := decodeInto(payload, &msg); err != nil {
			r.logger.Debug("dropped malformed notification", "peer_id", link.peerID, "error", err)
			return
		}
		r.post(radio.NotificationReceived{
			Handle: radio.ChannelHandle{PeerID: link.peerID, UUID: msg.UUID, Ref: msg.UUID.String()},
			Value:  msg.Value,
		})

	case TypeWriteResponse:
		var msg WriteResponseMessage
		if err := decodeInto(payload, &msg); err != nil {
			r.logger.Debug("dropped malformed write response", "peer_id", link.peerID, "error", err)
			return
		}
		r.mu.Lock()
		handle, ok := link.writes[msg.ID]
		delete(link.writes, msg.ID)
		r.mu.Unlock()
		if !ok {
			r.logger.Debug("write response for unknown write", "peer_id", link.peerID, "write_id", msg.ID)
			return
		}
		var writeErr error
		if msg.Status != WriteStatusAccepted {
			writeErr = ErrWriteRejected
		}
		r.post(radio.WriteCompleted{Handle: handle, WriteID: msg.ID, Err: writeErr})

	default:
		r.logger.Debug("ignored frame", "peer_id", link.peerID, "type", messageType)
	}
}

// serveConn runs one inbound connection for the acceptor role.
func (r *Radio) serveConn(conn *frameConn) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.inbound[conn] = struct{}{}
	r.mu.Unlock()

	if err := conn.readLoop(func(messageType string, payload []byte) {
		r.handlePeripheralFrame(conn, messageType, payload)
	}); err != nil {
		r.logger.Debug("inbound connection ended", "remote_id", conn.remoteID, "error", err)
	}

	r.mu.Lock()
	delete(r.inbound, conn)
	unsubscribed := r.subscribers[conn.remoteID] == conn
	if unsubscribed {
		delete(r.subscribers, conn.remoteID)
	}
	for id, write := range r.writes {
		if write.conn == conn {
			delete(r.writes, id)
		}
	}
	r.mu.Unlock()

	if unsubscribed {
		r.post(radio.SubscriptionChanged{SubscriberID: conn.remoteID, Subscribed: false})
	}
}

func (r *Radio) handlePeripheralFrame(conn *frameConn, messageType string, payload []byte) {
	switch messageType {
	case TypeDiscoverServices:
		r.mu.Lock()
		reply := ServicesMessage{Type: TypeServices, Services: []ServiceInfo{}}
		if r.spec != nil {
			reply.Services = append(reply.Services, ServiceInfo{
				UUID: r.spec.ServiceID,
				Characteristics: []CharacteristicInfo{{
					UUID:  r.spec.CharacteristicID,
					Flags: append([]string(nil), r.spec.Properties...),
				}},
			})
		}
		r.mu.Unlock()
		if err := conn.Send(reply); err != nil {
			r.logger.Warn("send services failed", "remote_id", conn.remoteID, "error", err)
		}

	case TypeSubscribe, TypeUnsubscribe:
		var msg SubscriptionMessage
		if err := decodeInto(payload, &msg); err != nil {
			r.logger.Debug("dropped malformed subscription", "remote_id", conn.remoteID, "error", err)
			return
		}
		subscribe := messageType == TypeSubscribe

		r.mu.Lock()
		if r.spec == nil || msg.UUID != r.spec.CharacteristicID {
			r.mu.Unlock()
			r.logger.Debug("subscription for unknown characteristic", "remote_id", conn.remoteID, "uuid", msg.UUID)
			return
		}
		changed := false
		if subscribe {
			changed = r.subscribers[conn.remoteID] != conn
			r.subscribers[conn.remoteID] = conn
		} else if r.subscribers[conn.remoteID] == conn {
			delete(r.subscribers, conn.remoteID)
			changed = true
		}
		r.mu.Unlock()

		if changed {
			r.post(radio.SubscriptionChanged{SubscriberID: conn.remoteID, Subscribed: subscribe})
		}

	case TypeWriteRequest:
		var msg WriteRequestMessage
		if err := decodeInto(payload, &msg); err != nil {
			r.logger.Debug("dropped malformed write request", "remote_id", conn.remoteID, "error", err)
			return
		}

		r.mu.Lock()
		if r.spec == nil || msg.UUID != r.spec.CharacteristicID {
			r.mu.Unlock()
			_ = conn.Send(WriteResponseMessage{Type: TypeWriteResponse, ID: msg.ID, Status: WriteStatusRejected})
			return
		}
		r.seq++
		requestID := conn.remoteID + "#" + strconv.FormatUint(r.seq, 10)
		r.writes[requestID] = pendingWrite{conn: conn, frameID: msg.ID}
		r.mu.Unlock()

		r.post(radio.IncomingWrite{Requests: []radio.WriteRequest{{
			ID:    requestID,
			From:  conn.remoteID,
			Value: msg.Value,
		}}})

	default:
		r.logger.Debug("ignored frame", "remote_id", conn.remoteID, "type", messageType)
	}
}

// ExposeChannel publishes spec to connecting initiators.
func (r *Radio) ExposeChannel(spec radio.ChannelSpec) error {
	r.mu.Lock()
	if !r.started || r.closing {
		r.mu.Unlock()
		return ErrNotStarted
	}
	exposed := spec
	exposed.Properties = append([]string(nil), spec.Properties...)
	r.spec = &exposed
	r.mu.Unlock()

	r.post(radio.ChannelExposed{})
	return nil
}

// Advertise registers the acceptor over mDNS, replacing a previous
// advertisement.
func (r *Radio) Advertise(label string, serviceID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started || r.closing {
		return ErrNotStarted
	}
	if r.spec == nil {
		return errors.New("no exposed channel")
	}

	adv, err := startAdvertiser(r.cfg, label, serviceID, r.server.Port())
	if err != nil {
		return err
	}
	r.adv.Stop()
	r.adv = adv
	r.logger.Info("advertising", "label", label, "service_id", serviceID)
	return nil
}

// Notify pushes payload to every subscriber of the exposed channel.
func (r *Radio) Notify(payload []byte) error {
	r.mu.Lock()
	if r.spec == nil {
		r.mu.Unlock()
		return errors.New("no exposed channel")
	}
	characteristic := r.spec.CharacteristicID
	targets := make([]*frameConn, 0, len(r.subscribers))
	for _, conn := range r.subscribers {
		targets = append(targets, conn)
	}
	r.mu.Unlock()

	var errs []error
	for _, conn := range targets {
		err := conn.Send(NotificationMessage{Type: TypeNotification, UUID: characteristic, Value: payload})
		if err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", conn.remoteID, err))
		}
	}
	return errors.Join(errs...)
}

// RespondToWrite answers one IncomingWrite request.
func (r *Radio) RespondToWrite(requestID string, result radio.WriteResult) error {
	r.mu.Lock()
	write, ok := r.writes[requestID]
	delete(r.writes, requestID)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown write request %q", requestID)
	}
	status := WriteStatusRejected
	if result == radio.WriteAccept {
		status = WriteStatusAccepted
	}
	return write.conn.Send(WriteResponseMessage{Type: TypeWriteResponse, ID: write.frameID, Status: status})
}

var _ radio.Radio = (*Radio)(nil)
