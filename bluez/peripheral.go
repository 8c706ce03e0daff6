package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/google/uuid"

	"blechat/radio"
)

const (
	errNotPermitted = "org.bluez.Error.NotPermitted"
	errFailed       = "org.bluez.Error.Failed"
)

// gattCharacteristic is the exported org.bluez.GattCharacteristic1 object.
// BlueZ holds each WriteValue call open until the write is answered through
// respond or the response timeout expires.
type gattCharacteristic struct {
	path    dbus.ObjectPath
	timeout time.Duration
	post    func(radio.Event)
	logger  *slog.Logger

	mu         sync.Mutex
	props      *prop.Properties
	seq        uint64
	sessions   uint64
	subscriber string
	pending    map[string]chan radio.WriteResult
}

func newGattCharacteristic(path dbus.ObjectPath, timeout time.Duration, post func(radio.Event), logger *slog.Logger) *gattCharacteristic {
	return &gattCharacteristic{
		path:    path,
		timeout: timeout,
		post:    post,
		logger:  logger,
		pending: make(map[string]chan radio.WriteResult),
	}
}

// ReadValue is not supported; the channel is write and notify only.
func (c *gattCharacteristic) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	return nil, dbus.NewError(errNotPermitted, []interface{}{"read not permitted"})
}

// WriteValue reports the write to the core and waits for its answer.
func (c *gattCharacteristic) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	from := "unknown"
	if device, ok := variantValue[dbus.ObjectPath](options, "device"); ok {
		from = string(device)
	}

	c.mu.Lock()
	c.seq++
	requestID := "write-" + strconv.FormatUint(c.seq, 10)
	reply := make(chan radio.WriteResult, 1)
	c.pending[requestID] = reply
	c.mu.Unlock()

	c.post(radio.IncomingWrite{Requests: []radio.WriteRequest{{
		ID:    requestID,
		From:  from,
		Value: append([]byte(nil), value...),
	}}})

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case result := <-reply:
		if result == radio.WriteAccept {
			return nil
		}
		return dbus.NewError(errNotPermitted, []interface{}{"write rejected"})
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		c.logger.Warn("write response timed out", "request_id", requestID, "from", from)
		return dbus.NewError(errFailed, []interface{}{"no response"})
	}
}

// StartNotify opens a notification session for the connected client.
func (c *gattCharacteristic) StartNotify() *dbus.Error {
	c.mu.Lock()
	if c.subscriber != "" {
		c.mu.Unlock()
		return nil
	}
	c.sessions++
	subscriber := "notify-session-" + strconv.FormatUint(c.sessions, 10)
	c.subscriber = subscriber
	props := c.props
	c.mu.Unlock()

	if props != nil {
		props.SetMust(bluezGattChar, "Notifying", true)
	}
	c.post(radio.SubscriptionChanged{SubscriberID: subscriber, Subscribed: true})
	return nil
}

// StopNotify ends the current notification session.
func (c *gattCharacteristic) StopNotify() *dbus.Error {
	c.mu.Lock()
	subscriber := c.subscriber
	c.subscriber = ""
	props := c.props
	c.mu.Unlock()

	if subscriber == "" {
		return nil
	}
	if props != nil {
		props.SetMust(bluezGattChar, "Notifying", false)
	}
	c.post(radio.SubscriptionChanged{SubscriberID: subscriber, Subscribed: false})
	return nil
}

func (c *gattCharacteristic) respond(requestID string, result radio.WriteResult) error {
	c.mu.Lock()
	reply, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown write request %q", requestID)
	}
	reply <- result
	return nil
}

func (c *gattCharacteristic) notify(payload []byte) error {
	c.mu.Lock()
	subscribed := c.subscriber != ""
	props := c.props
	c.mu.Unlock()

	if !subscribed {
		return nil
	}
	if props == nil {
		return errors.New("characteristic not exported")
	}
	if err := props.Set(bluezGattChar, "Value", dbus.MakeVariant(append([]byte(nil), payload...))); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// gattApplication is the object manager BlueZ queries on RegisterApplication.
type gattApplication struct {
	servicePath  dbus.ObjectPath
	spec         radio.ChannelSpec
	char         *gattCharacteristic
	serviceProps *prop.Properties
}

// GetManagedObjects lists the exported service and characteristic.
func (a *gattApplication) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	serviceProps, err := a.serviceProps.GetAll(bluezGattService)
	if err != nil {
		return nil, err
	}
	charProps, err := a.char.props.GetAll(bluezGattChar)
	if err != nil {
		return nil, err
	}
	return map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		a.servicePath: {bluezGattService: serviceProps},
		a.char.path:   {bluezGattChar: charProps},
	}, nil
}

func serviceProperties(spec radio.ChannelSpec, charPath dbus.ObjectPath) prop.Map {
	return prop.Map{
		bluezGattService: {
			"UUID":            {Value: spec.ServiceID.String(), Emit: prop.EmitConst},
			"Primary":         {Value: true, Emit: prop.EmitConst},
			"Characteristics": {Value: []dbus.ObjectPath{charPath}, Emit: prop.EmitConst},
		},
	}
}

func characteristicProperties(spec radio.ChannelSpec, servicePath dbus.ObjectPath) prop.Map {
	return prop.Map{
		bluezGattChar: {
			"UUID":      {Value: spec.CharacteristicID.String(), Emit: prop.EmitConst},
			"Service":   {Value: servicePath, Emit: prop.EmitConst},
			"Flags":     {Value: append([]string(nil), spec.Properties...), Emit: prop.EmitConst},
			"Value":     {Value: []byte{}, Emit: prop.EmitTrue},
			"Notifying": {Value: false, Emit: prop.EmitTrue},
		},
	}
}

func exportIntrospection(conn *dbus.Conn, path dbus.ObjectPath, ifaces ...introspect.Interface) error {
	node := &introspect.Node{
		Name:       string(path),
		Interfaces: append([]introspect.Interface{introspect.IntrospectData, prop.IntrospectData}, ifaces...),
	}
	return conn.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable")
}

func exportApplication(conn *dbus.Conn, spec radio.ChannelSpec, timeout time.Duration, post func(radio.Event), logger *slog.Logger) (*gattApplication, error) {
	servicePath := appRootPath + "/service0"
	charPath := servicePath + "/char0"

	char := newGattCharacteristic(charPath, timeout, post, logger)
	app := &gattApplication{servicePath: servicePath, spec: spec, char: char}

	if err := conn.Export(app, appRootPath, dbusObjectManager); err != nil {
		return nil, fmt.Errorf("export object manager: %w", err)
	}

	serviceProps, err := prop.Export(conn, servicePath, serviceProperties(spec, charPath))
	if err != nil {
		return nil, fmt.Errorf("export service properties: %w", err)
	}
	app.serviceProps = serviceProps

	charProps, err := prop.Export(conn, charPath, characteristicProperties(spec, servicePath))
	if err != nil {
		return nil, fmt.Errorf("export characteristic properties: %w", err)
	}
	char.props = charProps

	if err := conn.Export(char, charPath, bluezGattChar); err != nil {
		return nil, fmt.Errorf("export characteristic: %w", err)
	}

	if err := exportIntrospection(conn, appRootPath, introspect.Interface{
		Name:    dbusObjectManager,
		Methods: introspect.Methods(app),
	}); err != nil {
		return nil, err
	}
	if err := exportIntrospection(conn, servicePath, introspect.Interface{
		Name:       bluezGattService,
		Properties: serviceProps.Introspection(bluezGattService),
	}); err != nil {
		return nil, err
	}
	if err := exportIntrospection(conn, charPath, introspect.Interface{
		Name:       bluezGattChar,
		Methods:    introspect.Methods(char),
		Properties: charProps.Introspection(bluezGattChar),
	}); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *gattApplication) register(ctx context.Context, conn *dbus.Conn, adapterPath dbus.ObjectPath) error {
	call := conn.Object(bluezBus, adapterPath).CallWithContext(ctx, bluezGattManager+".RegisterApplication", 0, appRootPath, map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("RegisterApplication failed: %w", call.Err)
	}
	return nil
}

func (a *gattApplication) unregister(conn *dbus.Conn, adapterPath dbus.ObjectPath) {
	conn.Object(bluezBus, adapterPath).Call(bluezGattManager+".UnregisterApplication", 0, appRootPath)
	_ = conn.Export(nil, a.char.path, bluezGattChar)
	_ = conn.Export(nil, appRootPath, dbusObjectManager)
}

// advertisement is the exported org.bluez.LEAdvertisement1 object.
type advertisement struct {
	path dbus.ObjectPath
}

// Release is called by BlueZ when it drops the advertisement.
func (a *advertisement) Release() *dbus.Error {
	return nil
}

func advertisementProperties(label string, serviceID uuid.UUID) prop.Map {
	return prop.Map{
		bluezAdvertisement: {
			"Type":         {Value: "peripheral", Emit: prop.EmitConst},
			"ServiceUUIDs": {Value: []string{serviceID.String()}, Emit: prop.EmitConst},
			"LocalName":    {Value: label, Emit: prop.EmitConst},
			"Includes":     {Value: []string{"tx-power"}, Emit: prop.EmitConst},
		},
	}
}

func exportAdvertisement(conn *dbus.Conn, label string, serviceID uuid.UUID) (*advertisement, error) {
	adv := &advertisement{path: appRootPath + "/advertisement0"}

	props, err := prop.Export(conn, adv.path, advertisementProperties(label, serviceID))
	if err != nil {
		return nil, fmt.Errorf("export advertisement properties: %w", err)
	}
	if err := conn.Export(adv, adv.path, bluezAdvertisement); err != nil {
		return nil, fmt.Errorf("export advertisement: %w", err)
	}
	if err := exportIntrospection(conn, adv.path, introspect.Interface{
		Name:       bluezAdvertisement,
		Methods:    introspect.Methods(adv),
		Properties: props.Introspection(bluezAdvertisement),
	}); err != nil {
		return nil, err
	}
	return adv, nil
}

func (a *advertisement) register(ctx context.Context, conn *dbus.Conn, adapterPath dbus.ObjectPath) error {
	call := conn.Object(bluezBus, adapterPath).CallWithContext(ctx, bluezAdvertisingMgr+".RegisterAdvertisement", 0, a.path, map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("RegisterAdvertisement failed: %w", call.Err)
	}
	return nil
}

func (a *advertisement) unregister(conn *dbus.Conn, adapterPath dbus.ObjectPath) {
	conn.Object(bluezBus, adapterPath).Call(bluezAdvertisingMgr+".UnregisterAdvertisement", 0, a.path)
	_ = conn.Export(nil, a.path, bluezAdvertisement)
}

// ExposeChannel exports the GATT application and registers it with the
// adapter. ChannelExposed reports the registration result.
func (r *Radio) ExposeChannel(spec radio.ChannelSpec) error {
	conn, err := r.bus()
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.app != nil {
		r.mu.Unlock()
		r.post(radio.ChannelExposed{})
		return nil
	}
	app, err := exportApplication(conn, spec, r.cfg.ResponseTimeout, r.post, r.logger.With("role", "acceptor"))
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.app = app
	ctx := r.ctx
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		registerCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
		defer cancel()
		err := app.register(registerCtx, conn, r.adapterPath)
		if err != nil {
			r.mu.Lock()
			if r.app == app {
				r.app = nil
			}
			r.mu.Unlock()
			app.unregister(conn, r.adapterPath)
		}
		r.post(radio.ChannelExposed{Err: err})
	}()
	return nil
}

// Advertise registers an LE advertisement carrying label and serviceID,
// replacing any previous one.
func (r *Radio) Advertise(label string, serviceID uuid.UUID) error {
	conn, err := r.bus()
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.app == nil {
		r.mu.Unlock()
		return ErrNoExposedChannel
	}
	previous := r.adv
	r.adv = nil
	ctx := r.ctx
	r.mu.Unlock()

	if previous != nil {
		previous.unregister(conn, r.adapterPath)
	}

	adv, err := exportAdvertisement(conn, label, serviceID)
	if err != nil {
		return err
	}
	registerCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	if err := adv.register(registerCtx, conn, r.adapterPath); err != nil {
		_ = conn.Export(nil, adv.path, bluezAdvertisement)
		return err
	}

	r.mu.Lock()
	r.adv = adv
	r.mu.Unlock()
	r.logger.Info("advertising", "label", label, "service_id", serviceID)
	return nil
}

// Notify pushes payload to the current subscriber.
func (r *Radio) Notify(payload []byte) error {
	r.mu.Lock()
	app := r.app
	r.mu.Unlock()

	if app == nil {
		return ErrNoExposedChannel
	}
	return app.char.notify(payload)
}

// RespondToWrite answers an IncomingWrite request held open by WriteValue.
func (r *Radio) RespondToWrite(requestID string, result radio.WriteResult) error {
	r.mu.Lock()
	app := r.app
	r.mu.Unlock()

	if app == nil {
		return ErrNoExposedChannel
	}
	return app.char.respond(requestID, result)
}
