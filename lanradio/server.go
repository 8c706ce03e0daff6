package lanradio

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// server accepts inbound initiator connections for the acceptor role.
type server struct {
	listener     net.Listener
	selfID       string
	timeout      time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	serve        func(*frameConn)

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func listen(address, selfID string, timeout, writeTimeout time.Duration, logger *slog.Logger, serve func(*frameConn)) (*server, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	srv := &server{
		listener:     listener,
		selfID:       selfID,
		timeout:      timeout,
		writeTimeout: writeTimeout,
		logger:       logger,
		serve:        serve,
		closed:       make(chan struct{}),
	}

	srv.wg.Add(1)
	go srv.acceptLoop()
	return srv, nil
}

// Port returns the bound TCP port.
func (s *server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Close stops accepting and waits for connection handlers to return.
// Callers close live connections first.
func (s *server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
	})
	return closeErr
}

func (s *server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.logger.Warn("accept connection failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	hello, err := exchangeHello(conn, s.selfID, s.timeout)
	if err != nil {
		s.logger.Warn("inbound hello failed", "remote", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}

	select {
	case <-s.closed:
		_ = conn.Close()
		return
	default:
	}

	s.serve(newFrameConn(conn, hello.DeviceID, s.writeTimeout))
}
