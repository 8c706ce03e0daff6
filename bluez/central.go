package bluez

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"blechat/radio"
)

// StartDiscovery filters the adapter to LE devices advertising the chat
// service and starts scanning. Devices already known to bluetoothd are
// reported immediately.
func (r *Radio) StartDiscovery() error {
	conn, err := r.bus()
	if err != nil {
		return err
	}
	adapter := conn.Object(bluezBus, r.adapterPath)

	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"UUIDs":         dbus.MakeVariant([]string{radio.ServiceID.String()}),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if call := adapter.Call(bluezAdapter1+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("set discovery filter: %w", call.Err)
	}
	if call := adapter.Call(bluezAdapter1+".StartDiscovery", 0); call.Err != nil {
		return fmt.Errorf("start discovery: %w", call.Err)
	}

	r.mu.Lock()
	r.discovering = true
	r.mu.Unlock()

	objects, err := r.managedObjects(conn)
	if err != nil {
		r.logger.Warn("list known devices failed", "error", err)
		return nil
	}
	for _, path := range sortedPaths(objects) {
		if props, ok := objects[path][bluezDevice1]; ok {
			r.onDeviceSeen(path, props)
		}
	}
	return nil
}

// StopDiscovery stops scanning.
func (r *Radio) StopDiscovery() error {
	conn, err := r.bus()
	if err != nil {
		return err
	}

	r.mu.Lock()
	wasDiscovering := r.discovering
	r.discovering = false
	r.mu.Unlock()
	if !wasDiscovering {
		return nil
	}

	if call := conn.Object(bluezBus, r.adapterPath).Call(bluezAdapter1+".StopDiscovery", 0); call.Err != nil {
		return fmt.Errorf("stop discovery: %w", call.Err)
	}
	return nil
}

func (r *Radio) onDeviceSeen(path dbus.ObjectPath, props map[string]dbus.Variant) {
	r.mu.Lock()
	discovering := r.discovering
	r.mu.Unlock()
	if !discovering {
		return
	}
	if event, ok := discoveredPeer(r.adapterPath, path, props); ok {
		r.post(event)
	}
}

func (r *Radio) onDeviceChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	if _, ok := changed["RSSI"]; ok {
		r.reportSighting(path)
	}

	connected, ok := variantValue[bool](changed, "Connected")
	if !ok || connected {
		return
	}

	r.mu.Lock()
	wasConnected := r.connected[path]
	delete(r.connected, path)
	for charPath, handle := range r.notifying {
		if handle.PeerID == string(path) {
			delete(r.notifying, charPath)
		}
	}
	r.mu.Unlock()

	if wasConnected {
		r.logger.Info("device disconnected", "peer_id", path)
		r.post(radio.Disconnected{PeerID: string(path)})
	}
}

// reportSighting re-reads a device whose RSSI changed so duplicate
// advertisements surface as repeated PeerDiscovered events.
func (r *Radio) reportSighting(path dbus.ObjectPath) {
	r.mu.Lock()
	discovering := r.discovering
	conn := r.conn
	r.mu.Unlock()
	if !discovering || conn == nil {
		return
	}

	var props map[string]dbus.Variant
	call := conn.Object(bluezBus, path).Call(dbusProperties+".GetAll", 0, bluezDevice1)
	if call.Err != nil {
		return
	}
	if err := call.Store(&props); err != nil {
		return
	}
	if event, ok := discoveredPeer(r.adapterPath, path, props); ok {
		r.post(event)
	}
}

// Connect asks bluetoothd to connect to the device at peerID. Connected or
// Disconnected follows.
func (r *Radio) Connect(peerID string) error {
	conn, err := r.bus()
	if err != nil {
		return err
	}
	path := dbus.ObjectPath(peerID)
	if !path.IsValid() || !strings.HasPrefix(peerID, string(r.adapterPath)+"/") {
		return fmt.Errorf("invalid peer id %q", peerID)
	}

	r.mu.Lock()
	if _, busy := r.connecting[path]; busy || r.connected[path] {
		r.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ConnectTimeout)
	attempt := &connectAttempt{cancel: cancel}
	r.connecting[path] = attempt
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer cancel()

		call := conn.Object(bluezBus, path).CallWithContext(ctx, bluezDevice1+".Connect", 0)

		r.mu.Lock()
		stillConnecting := r.connecting[path] == attempt
		if stillConnecting {
			delete(r.connecting, path)
		}
		if stillConnecting && call.Err == nil {
			r.connected[path] = true
		}
		_, superseded := r.connecting[path]
		superseded = superseded || r.connected[path]
		r.mu.Unlock()

		switch {
		case !stillConnecting:
			if call.Err == nil && !superseded {
				conn.Object(bluezBus, path).Call(bluezDevice1+".Disconnect", 0)
			}
		case call.Err != nil:
			r.logger.Warn("connect failed", "peer_id", peerID, "error", call.Err)
			r.post(radio.Disconnected{PeerID: peerID, Err: fmt.Errorf("connect: %w", call.Err)})
		default:
			r.logger.Info("device connected", "peer_id", peerID)
			r.post(radio.Connected{PeerID: peerID})
		}
	}()
	return nil
}

// connectAttempt is one in-flight Device1.Connect call.
type connectAttempt struct {
	cancel context.CancelFunc
}

// Disconnect cancels a pending connect or disconnects the device, then
// reports Disconnected.
func (r *Radio) Disconnect(peerID string) error {
	conn, err := r.bus()
	if err != nil {
		return err
	}
	path := dbus.ObjectPath(peerID)

	r.mu.Lock()
	attempt, pending := r.connecting[path]
	delete(r.connecting, path)
	wasConnected := r.connected[path]
	delete(r.connected, path)
	for charPath, handle := range r.notifying {
		if handle.PeerID == peerID {
			delete(r.notifying, charPath)
		}
	}
	r.mu.Unlock()

	if pending {
		attempt.cancel()
	}
	if !pending && !wasConnected {
		return nil
	}
	if wasConnected {
		if call := conn.Object(bluezBus, path).Call(bluezDevice1+".Disconnect", 0); call.Err != nil {
			r.logger.Warn("disconnect failed", "peer_id", peerID, "error", call.Err)
		}
	}
	r.post(radio.Disconnected{PeerID: peerID})
	return nil
}

// DiscoverChannels waits for bluetoothd to resolve the device's services
// and reports them.
func (r *Radio) DiscoverChannels(peerID string) error {
	conn, err := r.bus()
	if err != nil {
		return err
	}
	path := dbus.ObjectPath(peerID)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		event := radio.ChannelsDiscovered{PeerID: peerID}
		if err := r.waitServicesResolved(conn, path); err != nil {
			event.Err = err
			r.post(event)
			return
		}
		objects, err := r.managedObjects(conn)
		if err != nil {
			event.Err = err
		} else {
			event.Channels = servicesOf(objects, path)
		}
		r.post(event)
	}()
	return nil
}

func (r *Radio) waitServicesResolved(conn *dbus.Conn, path dbus.ObjectPath) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ResolveTimeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		resolved, err := getProperty[bool](conn, path, bluezDevice1, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("service discovery timed out after %s", r.cfg.ResolveTimeout)
		case <-ticker.C:
		}
	}
}

// DiscoverSubchannels lists the characteristics of channel.
func (r *Radio) DiscoverSubchannels(peerID string, channel radio.Channel) error {
	conn, err := r.bus()
	if err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		event := radio.SubchannelsDiscovered{PeerID: peerID, Channel: channel}
		objects, err := r.managedObjects(conn)
		if err != nil {
			event.Err = err
		} else {
			event.Subchannels = characteristicsOf(objects, dbus.ObjectPath(channel.Ref))
		}
		r.post(event)
	}()
	return nil
}

// Subscribe enables notifications on the characteristic at handle.Ref.
func (r *Radio) Subscribe(handle radio.ChannelHandle) error {
	conn, err := r.bus()
	if err != nil {
		return err
	}
	path := dbus.ObjectPath(handle.Ref)

	r.mu.Lock()
	r.notifying[path] = handle
	r.mu.Unlock()

	if call := conn.Object(bluezBus, path).Call(bluezGattChar+".StartNotify", 0); call.Err != nil {
		r.mu.Lock()
		delete(r.notifying, path)
		r.mu.Unlock()
		return fmt.Errorf("StartNotify failed: %w", call.Err)
	}
	return nil
}

func (r *Radio) onCharacteristicChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	value, ok := variantValue[[]byte](changed, "Value")
	if !ok {
		return
	}

	r.mu.Lock()
	handle, subscribed := r.notifying[path]
	r.mu.Unlock()
	if !subscribed {
		return
	}
	r.post(radio.NotificationReceived{Handle: handle, Value: value})
}

// WriteWithAck issues a write-with-response. WriteCompleted follows once
// bluetoothd returns the peer's answer.
func (r *Radio) WriteWithAck(handle radio.ChannelHandle, writeID string, payload []byte) error {
	conn, err := r.bus()
	if err != nil {
		return err
	}

	options := map[string]dbus.Variant{
		"type": dbus.MakeVariant("request"),
	}
	done := make(chan *dbus.Call, 1)
	call := conn.Object(bluezBus, dbus.ObjectPath(handle.Ref)).Go(bluezGattChar+".WriteValue", 0, done, payload, options)
	if call.Err != nil {
		return fmt.Errorf("WriteValue failed: %w", call.Err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		select {
		case <-r.ctx.Done():
			return
		case completed := <-done:
			var writeErr error
			if completed.Err != nil {
				writeErr = fmt.Errorf("write: %w", completed.Err)
			}
			r.post(radio.WriteCompleted{Handle: handle, WriteID: writeID, Err: writeErr})
		}
	}()
	return nil
}

// discoveredPeer turns a Device1 property set into a discovery event when
// the device is under adapterPath and advertises the chat service.
func discoveredPeer(adapterPath, path dbus.ObjectPath, props map[string]dbus.Variant) (radio.PeerDiscovered, bool) {
	if !strings.HasPrefix(string(path), string(adapterPath)+"/") {
		return radio.PeerDiscovered{}, false
	}
	uuids, ok := variantValue[[]string](props, "UUIDs")
	if !ok || !containsUUID(uuids, radio.ServiceID) {
		return radio.PeerDiscovered{}, false
	}
	name, _ := variantValue[string](props, "Name")
	return radio.PeerDiscovered{PeerID: string(path), DisplayName: strings.TrimSpace(name)}, true
}

// servicesOf lists the GATT services resolved under device.
func servicesOf(objects managedObjects, device dbus.ObjectPath) []radio.Channel {
	var channels []radio.Channel
	for _, path := range sortedPaths(objects) {
		props, ok := objects[path][bluezGattService]
		if !ok {
			continue
		}
		owner, ok := variantValue[dbus.ObjectPath](props, "Device")
		if !ok || owner != device {
			continue
		}
		raw, _ := variantValue[string](props, "UUID")
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		channels = append(channels, radio.Channel{UUID: id, Ref: string(path)})
	}
	return channels
}

// characteristicsOf lists the GATT characteristics of service.
func characteristicsOf(objects managedObjects, service dbus.ObjectPath) []radio.Subchannel {
	var subchannels []radio.Subchannel
	for _, path := range sortedPaths(objects) {
		props, ok := objects[path][bluezGattChar]
		if !ok {
			continue
		}
		owner, ok := variantValue[dbus.ObjectPath](props, "Service")
		if !ok || owner != service {
			continue
		}
		raw, _ := variantValue[string](props, "UUID")
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		flags, _ := variantValue[[]string](props, "Flags")
		subchannels = append(subchannels, radio.Subchannel{UUID: id, Ref: string(path), Properties: flags})
	}
	return subchannels
}

func containsUUID(raw []string, want uuid.UUID) bool {
	for _, candidate := range raw {
		id, err := uuid.Parse(candidate)
		if err == nil && id == want {
			return true
		}
	}
	return false
}

func sortedPaths(objects managedObjects) []dbus.ObjectPath {
	paths := make([]dbus.ObjectPath, 0, len(objects))
	for path := range objects {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}
