package lanradio

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// frameHandler processes one decoded inbound frame.
type frameHandler func(messageType string, payload []byte)

// frameConn is a framed TCP session with a known remote device.
type frameConn struct {
	conn         net.Conn
	remoteID     string
	writeTimeout time.Duration

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newFrameConn(conn net.Conn, remoteID string, writeTimeout time.Duration) *frameConn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &frameConn{
		conn:         conn,
		remoteID:     remoteID,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// Send encodes and writes one message.
func (c *frameConn) Send(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := WriteFrame(c.conn, payload); err != nil {
		c.closeWithError(err)
		return err
	}
	return nil
}

// readLoop dispatches frames until the connection ends. It returns nil when
// the connection was closed locally or by a clean remote shutdown.
func (c *frameConn) readLoop(handle frameHandler) error {
	for {
		payload, err := ReadFrame(c.conn)
		if err != nil {
			if c.isClosed() || errors.Is(err, io.EOF) {
				c.closeWithError(nil)
				return c.Err()
			}
			c.closeWithError(err)
			return err
		}

		messageType, err := DecodeMessageType(payload)
		if err != nil {
			c.closeWithError(err)
			return err
		}
		handle(messageType, payload)
	}
}

// Close closes the connection.
func (c *frameConn) Close() error {
	c.closeWithError(nil)
	return nil
}

// Done is closed once the connection is closed.
func (c *frameConn) Done() <-chan struct{} {
	return c.closed
}

// Err returns the terminal connection error, if any.
func (c *frameConn) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

func (c *frameConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *frameConn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()
		close(c.closed)
		_ = c.conn.Close()
	})
}

// exchangeHello sends our hello and waits for the remote one within timeout.
func exchangeHello(conn net.Conn, selfID string, timeout time.Duration) (HelloMessage, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return HelloMessage{}, fmt.Errorf("set hello deadline: %w", err)
	}
	defer func() {
		_ = conn.SetDeadline(time.Time{})
	}()

	payload, err := EncodeJSON(HelloMessage{Type: TypeHello, DeviceID: selfID, ProtocolVersion: ProtocolVersion})
	if err != nil {
		return HelloMessage{}, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return HelloMessage{}, fmt.Errorf("write hello: %w", err)
	}

	raw, err := ReadFrame(conn)
	if err != nil {
		return HelloMessage{}, fmt.Errorf("read hello: %w", err)
	}
	var hello HelloMessage
	if err := decodeInto(raw, &hello); err != nil {
		return HelloMessage{}, err
	}
	if hello.Type != TypeHello {
		return HelloMessage{}, fmt.Errorf("expected hello, got %q: %w", hello.Type, ErrInvalidMessageType)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		return HelloMessage{}, ErrUnsupportedVersion
	}
	if hello.DeviceID == "" {
		return HelloMessage{}, errors.New("hello without device id")
	}
	return hello, nil
}

func decodeInto(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode protocol message: %w", err)
	}
	return nil
}
