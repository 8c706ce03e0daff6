package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"blechat/link"
	"blechat/ui"
)

const historyPageSize = 20

type headlessLink interface {
	ui.Commander
	Events() <-chan link.Event
}

// runHeadless logs link events and treats each stdin line as a command or a
// message until ctx ends or "/quit" is read.
func runHeadless(ctx context.Context, lk headlessLink, rec *recorder, input io.Reader, logger *slog.Logger) {
	go relayEvents(ctx, lk.Events(), rec, func(event link.Event) {
		logEvent(logger, event)
		if entry, ok := ui.TranscriptEntry(event); ok {
			if err := rec.save(entry); err != nil {
				logger.Warn("record message failed", "error", err)
			}
		}
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			quit, err := runCommand(lk, rec, line, logger)
			if err != nil {
				logger.Warn("command failed", "input", line, "error", err)
			}
			if quit {
				return
			}
		}
	}
}

func runCommand(lk ui.Commander, rec *recorder, line string, logger *slog.Logger) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, lk.Send(line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/scan":
		return false, lk.StartDiscovery()
	case "/peers":
		snapshot := lk.Snapshot()
		for index, peer := range snapshot.Peers {
			logger.Info("peer", "index", index+1, "name", peer.Label(), "peer_id", peer.ID,
				"active", peer.ID == snapshot.ActivePeer)
		}
		return false, nil
	case "/toggle":
		peer, err := peerArgument(lk, fields)
		if err != nil {
			return false, err
		}
		return false, lk.ToggleConnection(peer.ID)
	case "/known":
		peers, err := rec.knownPeers()
		if err != nil {
			return false, err
		}
		for _, peer := range peers {
			logger.Info("known peer", "peer_id", peer.PeerID, "name", peer.DisplayName,
				"last_seen", time.UnixMilli(peer.LastSeenTimestamp).Format(time.RFC3339))
		}
		return false, nil
	case "/history":
		peer, err := peerArgument(lk, fields)
		if err != nil {
			return false, err
		}
		messages, err := rec.conversation(peer.ID, historyPageSize)
		if err != nil {
			return false, err
		}
		for _, message := range messages {
			logger.Info("history", "peer", peer.Label(), "sent", message.IsSender, "text", message.Text,
				"date", message.Date.Format(time.RFC3339))
		}
		return false, nil
	case "/forget":
		peer, err := peerArgument(lk, fields)
		if err != nil {
			return false, err
		}
		return false, rec.forget(peer.ID)
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
}

// peerArgument resolves "<command> <index>" against the current peer list,
// counting from 1.
func peerArgument(lk ui.Commander, fields []string) (link.PeerRecord, error) {
	if len(fields) != 2 {
		return link.PeerRecord{}, fmt.Errorf("usage: %s <index>", fields[0])
	}
	index, err := strconv.Atoi(fields[1])
	if err != nil {
		return link.PeerRecord{}, fmt.Errorf("parse peer index: %w", err)
	}
	peers := lk.Snapshot().Peers
	if index < 1 || index > len(peers) {
		return link.PeerRecord{}, fmt.Errorf("peer index %d out of range 1..%d", index, len(peers))
	}
	return peers[index-1], nil
}

func logEvent(logger *slog.Logger, event link.Event) {
	switch event.Type {
	case link.EventPeerDiscovered:
		logger.Info("peer discovered", "peer_id", event.Peer.ID, "name", event.Peer.Label())
	case link.EventSessionChanged:
		logger.Info("session changed", "peer_id", event.PeerID, "state", event.SessionState)
	case link.EventReadyChanged:
		logger.Info("ready changed", "peer_id", event.PeerID, "ready", event.Ready)
	case link.EventAcceptorChanged:
		logger.Info("acceptor changed", "state", event.Acceptor)
	case link.EventSendOutcome:
		logger.Info("send outcome", "peer_id", event.PeerID, "outcome", event.Outcome.String())
	case link.EventMessageReceived:
		logger.Info("message received", "peer_id", event.PeerID, "outcome", event.Outcome.String())
	default:
		logger.Debug("link event", "type", event.Type)
	}
}
