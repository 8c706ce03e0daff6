package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"blechat/config"
	"blechat/link"
	"blechat/models"
	"blechat/storage"
)

type fakeLink struct {
	snapshot link.Snapshot
	events   chan link.Event
	sent     []string
	toggled  []string
	scans    int
}

func (f *fakeLink) StartDiscovery() error {
	f.scans++
	return nil
}

func (f *fakeLink) ToggleConnection(peerID string) error {
	f.toggled = append(f.toggled, peerID)
	return nil
}

func (f *fakeLink) Send(text string) error {
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeLink) Snapshot() link.Snapshot   { return f.snapshot }
func (f *fakeLink) Events() <-chan link.Event { return f.events }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseFlagsOverridesConfig(t *testing.T) {
	opts, err := parseFlags([]string{"--radio", "lan", "-p", "7000", "--name", "Desk", "--no-history", "--log-level", "debug"})
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}

	cfg := &config.DeviceConfig{RadioBackend: config.BackendBlueZ, LANPort: 0, AdvertisedName: config.DefaultAdvertisedName}
	opts.apply(cfg)
	if cfg.RadioBackend != config.BackendLAN || cfg.LANPort != 7000 || cfg.AdvertisedName != "Desk" {
		t.Fatalf("unexpected config after overrides: %+v", cfg)
	}
	if cfg.History() {
		t.Fatalf("expected history disabled")
	}
	if cfg.Level() != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", cfg.Level())
	}
}

func TestParseFlagsKeepsConfigWithoutFlags(t *testing.T) {
	opts, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	cfg := &config.DeviceConfig{RadioBackend: config.BackendBlueZ, LANPort: 9000}
	opts.apply(cfg)
	if cfg.RadioBackend != config.BackendBlueZ || cfg.LANPort != 9000 || !cfg.History() {
		t.Fatalf("expected config untouched, got %+v", cfg)
	}
}

func TestParseFlagsRejectsBadInput(t *testing.T) {
	if _, err := parseFlags([]string{"extra"}); err == nil {
		t.Fatalf("expected positional arguments to be rejected")
	}
	if _, err := parseFlags([]string{"--help"}); !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
}

func TestOpenBackendSelectsImplementation(t *testing.T) {
	cfg := &config.DeviceConfig{DeviceID: "self", RadioBackend: config.BackendLAN}
	r, err := openBackend(cfg, discardLogger())
	if err != nil {
		t.Fatalf("open lan backend: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close unstarted lan backend: %v", err)
	}

	cfg.RadioBackend = config.BackendBlueZ
	if _, err := openBackend(cfg, discardLogger()); err != nil {
		t.Fatalf("open bluez backend: %v", err)
	}

	cfg.RadioBackend = "carrier-pigeon"
	if _, err := openBackend(cfg, discardLogger()); err == nil {
		t.Fatalf("expected unknown backend to fail")
	}
}

func TestFanoutHandlerRespectsLevels(t *testing.T) {
	var info, warn bytes.Buffer
	logger := slog.New(fanoutHandler{
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}).With("component", "test")

	logger.Debug("hidden")
	logger.Info("connected")
	logger.Warn("link lost")

	if strings.Contains(info.String(), "hidden") || !strings.Contains(info.String(), "connected") {
		t.Fatalf("unexpected info output: %q", info.String())
	}
	if strings.Contains(warn.String(), "connected") || !strings.Contains(warn.String(), "link lost") {
		t.Fatalf("unexpected warn output: %q", warn.String())
	}
	if !strings.Contains(warn.String(), "component=test") {
		t.Fatalf("expected derived attrs in every handler: %q", warn.String())
	}
}

func TestOpenLogFileRequiresPath(t *testing.T) {
	if _, _, err := openLogFile(" ", slog.LevelInfo); err == nil {
		t.Fatalf("expected empty path to fail")
	}

	handler, closeLog, err := openLogFile(filepath.Join(t.TempDir(), "blechat.log"), slog.LevelInfo)
	if err != nil {
		t.Fatalf("openLogFile failed: %v", err)
	}
	defer closeLog()
	if !handler.Enabled(context.Background(), slog.LevelInfo) || handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("unexpected handler level")
	}
}

func TestRunCommand(t *testing.T) {
	lk := &fakeLink{snapshot: link.Snapshot{Peers: []link.PeerRecord{{ID: "a"}, {ID: "b", DisplayName: "Phone"}}}}
	logger := discardLogger()
	rec := &recorder{logger: logger}

	for _, line := range []string{"  hello  ", "", "/scan", "/peers", "/toggle 2"} {
		if quit, err := runCommand(lk, rec, line, logger); quit || err != nil {
			t.Fatalf("runCommand(%q) = %v, %v", line, quit, err)
		}
	}
	if len(lk.sent) != 1 || lk.sent[0] != "hello" {
		t.Fatalf("unexpected sends: %v", lk.sent)
	}
	if lk.scans != 1 || len(lk.toggled) != 1 || lk.toggled[0] != "b" {
		t.Fatalf("unexpected commands: scans=%d toggled=%v", lk.scans, lk.toggled)
	}

	for _, line := range []string{"/toggle", "/toggle x", "/toggle 3", "/bogus", "/known", "/history 1"} {
		if _, err := runCommand(lk, rec, line, logger); err == nil {
			t.Fatalf("expected %q to fail", line)
		}
	}
	if quit, _ := runCommand(lk, rec, "/quit", logger); !quit {
		t.Fatalf("expected /quit to stop")
	}
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestHeadlessRecordsPeersAndMessages(t *testing.T) {
	store := newTestStore(t)
	rec := &recorder{store: store, logger: discardLogger()}
	lk := &fakeLink{events: make(chan link.Event, 4)}

	lk.events <- link.Event{Type: link.EventPeerDiscovered, Peer: link.PeerRecord{ID: "peer-a", DisplayName: "Phone"}, PeerID: "peer-a"}
	lk.events <- link.Event{Type: link.EventSendOutcome, PeerID: "peer-a", Outcome: link.Success("hi")}
	lk.events <- link.Event{Type: link.EventMessageReceived, PeerID: "peer-a", Outcome: link.Success("hello")}
	lk.events <- link.Event{Type: link.EventMessageReceived, PeerID: "peer-a", Outcome: link.Failure("bad payload")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runHeadless(ctx, lk, rec, strings.NewReader("ping\n/quit\n"), discardLogger())
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatalf("headless loop did not stop on /quit")
	}

	deadline := time.Now().Add(2 * time.Second)
	var history []storage.Message
	for time.Now().Before(deadline) {
		rows, err := store.GetRecentMessages(10)
		if err != nil {
			t.Fatalf("GetRecentMessages failed: %v", err)
		}
		if len(rows) == 2 {
			history = rows
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	if len(history) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(history))
	}
	peer, err := store.GetPeer("peer-a")
	if err != nil {
		t.Fatalf("expected peer to be recorded: %v", err)
	}
	if peer.DisplayName != "Phone" {
		t.Fatalf("unexpected peer: %+v", peer)
	}
	if len(lk.sent) != 1 || lk.sent[0] != "ping" {
		t.Fatalf("expected stdin line to be sent, got %v", lk.sent)
	}

	loaded := rec.history(10)
	if len(loaded) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(loaded))
	}
}

func TestHistoryCommands(t *testing.T) {
	store := newTestStore(t)
	rec := &recorder{store: store, logger: discardLogger()}
	lk := &fakeLink{snapshot: link.Snapshot{Peers: []link.PeerRecord{{ID: "peer-a", DisplayName: "Phone"}}}}

	rec.observe(link.Event{Type: link.EventPeerDiscovered, Peer: lk.snapshot.Peers[0], PeerID: "peer-a"})
	if err := rec.save(models.NewChatMessage("peer-a", "hi", true)); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	known, err := rec.knownPeers()
	if err != nil || len(known) != 1 || known[0].DisplayName != "Phone" {
		t.Fatalf("unexpected known peers: %+v, %v", known, err)
	}
	conversation, err := rec.conversation("peer-a", 10)
	if err != nil || len(conversation) != 1 || conversation[0].Text != "hi" || !conversation[0].IsSender {
		t.Fatalf("unexpected conversation: %+v, %v", conversation, err)
	}

	for _, line := range []string{"/known", "/history 1", "/forget 1"} {
		if _, err := runCommand(lk, rec, line, discardLogger()); err != nil {
			t.Fatalf("runCommand(%q) failed: %v", line, err)
		}
	}
	if _, err := runCommand(lk, rec, "/forget 1", discardLogger()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected second forget to report ErrNotFound, got %v", err)
	}
}

func TestRecorderWithoutStoreIsNoop(t *testing.T) {
	rec := &recorder{logger: discardLogger()}
	rec.observe(link.Event{Type: link.EventPeerDiscovered, Peer: link.PeerRecord{ID: "x"}})
	if err := rec.save(models.NewChatMessage("x", "y", true)); err != nil {
		t.Fatalf("save without store failed: %v", err)
	}
	if rec.history(5) != nil {
		t.Fatalf("expected no history without store")
	}
}
