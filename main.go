package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"blechat/bluez"
	"blechat/config"
	"blechat/lanradio"
	"blechat/link"
	"blechat/models"
	"blechat/radio"
	"blechat/storage"
	"blechat/ui"
)

const historyLimit = 200

var errHistoryDisabled = errors.New("history is disabled")

// backend is a radio.Radio with a lifecycle.
type backend interface {
	radio.Radio
	Start(ctx context.Context, handler radio.Handler) error
	Close() error
}

type options struct {
	radioBackend string
	adapter      string
	name         string
	port         int
	logFile      string
	logLevel     string
	headless     bool
	noHistory    bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("startup failed while parsing flags: %v", err)
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("startup failed while validating config %q: %v", cfgPath, err)
	}

	fileHandler, closeLog, err := openLogFile(cfg.LogFile, cfg.Level())
	if err != nil {
		log.Fatalf("startup failed while opening log file: %v", err)
	}
	defer closeLog()

	var tuiHandler *ui.LogHandler
	var logger *slog.Logger
	if opts.headless {
		logger = slog.New(fanoutHandler{
			slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}),
			fileHandler,
		})
	} else {
		tuiHandler = ui.NewLogHandler(slog.LevelWarn)
		logger = slog.New(fanoutHandler{tuiHandler, fileHandler})
	}
	logger.Info("starting",
		"device_id", cfg.DeviceID,
		"device_name", cfg.DeviceName,
		"radio", cfg.RadioBackend,
		"config", cfgPath,
	)

	var store *storage.Store
	if cfg.History() {
		store, err = storage.OpenPath(cfg.HistoryPath)
		if err != nil {
			log.Fatalf("startup failed while opening history database: %v", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("history close failed", "error", err)
			}
		}()
		store.SetRetention(time.Duration(cfg.HistoryRetentionDays) * 24 * time.Hour)
		if pruned, err := store.Maintain(time.Now()); err != nil {
			logger.Warn("history maintenance failed", "error", err)
		} else if pruned > 0 {
			logger.Info("pruned history", "messages", pruned)
		}
	}
	rec := &recorder{store: store, logger: logger.With("component", "history")}

	r, err := openBackend(cfg, logger)
	if err != nil {
		log.Fatalf("startup failed while creating %s radio: %v", cfg.RadioBackend, err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Warn("radio close failed", "error", err)
		}
	}()

	manager, err := link.NewManager(link.Options{
		Radio:       r,
		Logger:      logger,
		Label:       cfg.AdvertisedName,
		EventBuffer: cfg.EventBuffer,
	})
	if err != nil {
		log.Fatalf("startup failed while creating link manager: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := r.Start(ctx, manager.HandleEvent); err != nil {
		log.Fatalf("startup failed while starting %s radio: %v", cfg.RadioBackend, err)
	}

	if opts.headless {
		runHeadless(ctx, manager, rec, os.Stdin, logger)
		return
	}

	uiEvents := make(chan link.Event, cfg.EventBuffer)
	go relayEvents(ctx, manager.Events(), rec, func(event link.Event) {
		select {
		case uiEvents <- event:
		case <-ctx.Done():
		}
	})

	model := ui.NewModel(manager, uiEvents, ui.Options{
		Title:   cfg.DeviceName,
		History: rec.history(historyLimit),
		Record:  rec.save,
	})
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	tuiHandler.SetProgram(program)

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		logger.Error("terminal ui failed", "error", err)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("blechat", pflag.ContinueOnError)
	flags.StringVar(&opts.radioBackend, "radio", "", "radio backend: bluez or lan")
	flags.StringVar(&opts.adapter, "adapter", "", "BlueZ adapter name, e.g. hci0")
	flags.StringVar(&opts.name, "name", "", "name advertised to scanning peers")
	flags.IntVarP(&opts.port, "port", "p", -1, "TCP port for the lan backend (0 picks one)")
	flags.StringVar(&opts.logFile, "log-file", "", "path of the rotated JSON log file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.BoolVar(&opts.headless, "headless", false, "run without the terminal UI, reading messages from stdin")
	flags.BoolVar(&opts.noHistory, "no-history", false, "do not load or save the chat transcript")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	if flags.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", flags.Args())
	}
	return opts, nil
}

// apply overrides cfg for this run. Nothing is written back to config.json.
func (o options) apply(cfg *config.DeviceConfig) {
	if o.radioBackend != "" {
		cfg.RadioBackend = o.radioBackend
	}
	if o.adapter != "" {
		cfg.BlueZAdapter = o.adapter
	}
	if o.name != "" {
		cfg.AdvertisedName = o.name
	}
	if o.port >= 0 {
		cfg.LANPort = o.port
	}
	if o.logFile != "" {
		cfg.LogFile = o.logFile
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.noHistory {
		disabled := false
		cfg.HistoryEnabled = &disabled
	}
}

func openBackend(cfg *config.DeviceConfig, logger *slog.Logger) (backend, error) {
	switch cfg.RadioBackend {
	case config.BackendBlueZ:
		return bluez.New(bluez.Config{
			Adapter: cfg.BlueZAdapter,
			Logger:  logger,
		}), nil
	case config.BackendLAN:
		r, err := lanradio.New(lanradio.Config{
			DeviceID: cfg.DeviceID,
			Port:     cfg.LANPort,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported radio backend %q", cfg.RadioBackend)
	}
}

// recorder persists peers and transcript entries when history is enabled.
type recorder struct {
	store  *storage.Store
	logger *slog.Logger
}

func (r *recorder) observe(event link.Event) {
	if r.store == nil || event.Type != link.EventPeerDiscovered {
		return
	}
	if err := r.store.UpsertPeer(event.Peer.ID, event.Peer.DisplayName, 0); err != nil {
		r.logger.Warn("record peer failed", "peer_id", event.Peer.ID, "error", err)
	}
}

func (r *recorder) save(message models.ChatMessage) error {
	if r.store == nil {
		return nil
	}
	return r.store.SaveMessage(storage.MessageFromChat(message))
}

func (r *recorder) history(limit int) []models.ChatMessage {
	if r.store == nil {
		return nil
	}
	rows, err := r.store.GetRecentMessages(limit)
	if err != nil {
		r.logger.Warn("load history failed", "error", err)
		return nil
	}
	out := make([]models.ChatMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ChatMessage())
	}
	return out
}

func (r *recorder) knownPeers() ([]models.Peer, error) {
	if r.store == nil {
		return nil, errHistoryDisabled
	}
	rows, err := r.store.ListPeers()
	if err != nil {
		return nil, err
	}
	out := make([]models.Peer, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Model())
	}
	return out, nil
}

func (r *recorder) conversation(peerID string, limit int) ([]models.ChatMessage, error) {
	if r.store == nil {
		return nil, errHistoryDisabled
	}
	rows, err := r.store.GetMessages(peerID, limit, 0)
	if err != nil {
		return nil, err
	}
	out := make([]models.ChatMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ChatMessage())
	}
	return out, nil
}

// forget removes a peer record. Its messages stay in the transcript.
func (r *recorder) forget(peerID string) error {
	if r.store == nil {
		return errHistoryDisabled
	}
	return r.store.RemovePeer(peerID)
}

// relayEvents records each link event and hands it to forward until events
// closes or ctx ends.
func relayEvents(ctx context.Context, events <-chan link.Event, rec *recorder, forward func(link.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			rec.observe(event)
			forward(event)
		}
	}
}
