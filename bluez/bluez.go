// Package bluez implements radio.Radio on Linux through the BlueZ D-Bus API.
// The initiator role drives org.bluez.Adapter1, Device1 and
// GattCharacteristic1 objects owned by bluetoothd. The acceptor role exports
// a GATT application and an LE advertisement on the bus and registers them
// with the adapter.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"blechat/radio"
)

const (
	bluezBus            = "org.bluez"
	bluezAdapter1       = "org.bluez.Adapter1"
	bluezDevice1        = "org.bluez.Device1"
	bluezGattService    = "org.bluez.GattService1"
	bluezGattChar       = "org.bluez.GattCharacteristic1"
	bluezGattManager    = "org.bluez.GattManager1"
	bluezAdvertisement  = "org.bluez.LEAdvertisement1"
	bluezAdvertisingMgr = "org.bluez.LEAdvertisingManager1"
	dbusProperties      = "org.freedesktop.DBus.Properties"
	dbusObjectManager   = "org.freedesktop.DBus.ObjectManager"

	// DefaultAdapter is the adapter used when Config.Adapter is empty.
	DefaultAdapter = "hci0"
	// DefaultConnectTimeout bounds Device1.Connect.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultResolveTimeout bounds the wait for ServicesResolved.
	DefaultResolveTimeout = 15 * time.Second
	// DefaultResponseTimeout bounds how long an incoming write waits for
	// RespondToWrite before it is rejected.
	DefaultResponseTimeout = 5 * time.Second

	appRootPath = dbus.ObjectPath("/org/blechat")
)

var (
	// ErrNotStarted is returned by commands issued before Start.
	ErrNotStarted = errors.New("bluez: radio not started")
	// ErrNoExposedChannel is returned by acceptor commands before ExposeChannel.
	ErrNoExposedChannel = errors.New("bluez: no exposed channel")
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Config configures a Radio.
type Config struct {
	Adapter         string
	ConnectTimeout  time.Duration
	ResolveTimeout  time.Duration
	ResponseTimeout time.Duration
	Logger          *slog.Logger
}

func (c Config) withDefaults() Config {
	out := c
	out.Adapter = strings.TrimSpace(out.Adapter)
	if out.Adapter == "" {
		out.Adapter = DefaultAdapter
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.ResolveTimeout <= 0 {
		out.ResolveTimeout = DefaultResolveTimeout
	}
	if out.ResponseTimeout <= 0 {
		out.ResponseTimeout = DefaultResponseTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return out
}

// Radio is a radio.Radio backed by bluetoothd.
type Radio struct {
	cfg         Config
	logger      *slog.Logger
	adapterPath dbus.ObjectPath

	conn       *dbus.Conn
	dispatcher *radio.Dispatcher
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	signals    chan *dbus.Signal

	mu          sync.Mutex
	started     bool
	powered     bool
	discovering bool
	connecting  map[dbus.ObjectPath]*connectAttempt
	connected   map[dbus.ObjectPath]bool
	notifying   map[dbus.ObjectPath]radio.ChannelHandle

	app *gattApplication
	adv *advertisement
}

// New returns an unstarted Radio for cfg.Adapter.
func New(cfg Config) *Radio {
	resolved := cfg.withDefaults()
	return &Radio{
		cfg:         resolved,
		logger:      resolved.Logger.With("component", "bluez", "adapter", resolved.Adapter),
		adapterPath: dbus.ObjectPath("/org/bluez/" + resolved.Adapter),
		connecting:  make(map[dbus.ObjectPath]*connectAttempt),
		connected:   make(map[dbus.ObjectPath]bool),
		notifying:   make(map[dbus.ObjectPath]radio.ChannelHandle),
	}
}

// Start connects to the system bus, subscribes to BlueZ signals and reports
// the adapter power state for both roles.
func (r *Radio) Start(ctx context.Context, handler radio.Handler) error {
	if handler == nil {
		return errors.New("event handler is required")
	}

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("bluez: already started")
	}
	r.started = true
	r.mu.Unlock()

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}

	for _, rule := range []string{
		fmt.Sprintf("type='signal',sender='%s',interface='%s',member='PropertiesChanged'", bluezBus, dbusProperties),
		fmt.Sprintf("type='signal',sender='%s',interface='%s',member='InterfacesAdded'", bluezBus, dbusObjectManager),
	} {
		if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
			_ = conn.Close()
			return fmt.Errorf("add signal match: %w", call.Err)
		}
	}

	r.mu.Lock()
	r.conn = conn
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.dispatcher = radio.NewDispatcher(handler)
	r.signals = make(chan *dbus.Signal, 64)
	r.mu.Unlock()

	conn.Signal(r.signals)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.dispatcher.Run(r.ctx)
	}()
	go r.signalLoop()

	powered, err := getProperty[bool](conn, r.adapterPath, bluezAdapter1, "Powered")
	if err != nil {
		r.logger.Warn("read adapter power state failed", "error", err)
	}
	r.setPowered(powered)
	return nil
}

// Close unregisters the acceptor objects, stops discovery and closes the
// bus connection.
func (r *Radio) Close() error {
	r.mu.Lock()
	if !r.started || r.conn == nil {
		r.mu.Unlock()
		return nil
	}
	conn := r.conn
	r.conn = nil
	app := r.app
	r.app = nil
	adv := r.adv
	r.adv = nil
	discovering := r.discovering
	r.discovering = false
	for path, attempt := range r.connecting {
		attempt.cancel()
		delete(r.connecting, path)
	}
	r.mu.Unlock()

	if adv != nil {
		adv.unregister(conn, r.adapterPath)
	}
	if app != nil {
		app.unregister(conn, r.adapterPath)
	}
	if discovering {
		conn.Object(bluezBus, r.adapterPath).Call(bluezAdapter1+".StopDiscovery", 0)
	}

	conn.RemoveSignal(r.signals)
	r.cancel()
	err := conn.Close()
	r.wg.Wait()
	return err
}

func (r *Radio) post(event radio.Event) {
	r.dispatcher.Post(event)
}

func (r *Radio) bus() (*dbus.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil, ErrNotStarted
	}
	return r.conn, nil
}

func (r *Radio) setPowered(powered bool) {
	r.mu.Lock()
	changed := r.powered != powered
	r.powered = powered
	r.mu.Unlock()

	if !changed {
		return
	}
	if powered {
		r.logger.Info("adapter powered on")
		r.post(radio.PoweredOn{Role: radio.RoleInitiator})
		r.post(radio.PoweredOn{Role: radio.RoleAcceptor})
		return
	}
	r.logger.Info("adapter powered off")
	r.post(radio.PoweredOff{Role: radio.RoleInitiator})
	r.post(radio.PoweredOff{Role: radio.RoleAcceptor})
}

func (r *Radio) signalLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case sig, ok := <-r.signals:
			if !ok {
				return
			}
			r.handleSignal(sig)
		}
	}
}

func (r *Radio) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case dbusObjectManager + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		if props, ok := ifaces[bluezDevice1]; ok {
			r.onDeviceSeen(path, props)
		}

	case dbusProperties + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, ok := sig.Body[0].(string)
		if !ok {
			return
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		switch iface {
		case bluezAdapter1:
			if sig.Path != r.adapterPath {
				return
			}
			if powered, ok := variantValue[bool](changed, "Powered"); ok {
				r.setPowered(powered)
			}
		case bluezDevice1:
			r.onDeviceChanged(sig.Path, changed)
		case bluezGattChar:
			r.onCharacteristicChanged(sig.Path, changed)
		}
	}
}

func (r *Radio) managedObjects(conn *dbus.Conn) (managedObjects, error) {
	var objects managedObjects
	call := conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects failed: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("parse managed objects: %w", err)
	}
	return objects, nil
}

// getProperty reads one property from a BlueZ object.
func getProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	variant, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	value, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return value, nil
}

func variantValue[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	variant, ok := props[key]
	if !ok {
		return zero, false
	}
	value, ok := variant.Value().(T)
	if !ok {
		return zero, false
	}
	return value, true
}

var _ radio.Radio = (*Radio)(nil)
