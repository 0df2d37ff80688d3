// Package app builds the process-wide application context: configuration,
// logger, event sinks, history store and the lazily created orchestrator.
package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ByteRelay/config"
	"github.com/jaywantadh/ByteRelay/internal/checksum"
	"github.com/jaywantadh/ByteRelay/internal/engine"
	"github.com/jaywantadh/ByteRelay/internal/events"
	"github.com/jaywantadh/ByteRelay/internal/history"
	"github.com/jaywantadh/ByteRelay/internal/protocol/besteffort"
	"github.com/jaywantadh/ByteRelay/internal/retry"
	"github.com/jaywantadh/ByteRelay/pkg/httpserver"
	"github.com/jaywantadh/ByteRelay/pkg/logging"
)

// App is created once at startup and passed to every entry point.
type App struct {
	Config  *config.AppConfig
	Log     *logrus.Logger
	History *history.Store

	options engine.Options

	once   sync.Once
	orch   *engine.Orchestrator
	status *httpserver.Server
}

// New initialises logging, opens the history store (unless HistoryPath is empty)
// and prepares the engine options. Events are rendered on console when it is not
// nil.
func New(cfg *config.AppConfig, console io.Writer) (*App, error) {
	log := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	opts, err := EngineOptions(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Log: log}
	var sinks events.Multi
	if console != nil {
		sinks = append(sinks, events.NewConsole(console, logging.Component("console")))
	}
	if cfg.HistoryPath != "" {
		store, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return nil, err
		}
		a.History = store
		sinks = append(sinks, history.NewRecorder(store))
	}
	opts.Sink = sinks
	a.options = opts
	return a, nil
}

// EngineOptions translates the application configuration into orchestrator
// options.
func EngineOptions(cfg *config.AppConfig) (engine.Options, error) {
	opts := engine.DefaultOptions()

	sender, err := retry.ProfileByName(cfg.RetryProfile)
	if err != nil {
		return opts, fmt.Errorf("retry_profile: %w", err)
	}
	receiver, err := retry.ProfileByName(cfg.ReceiverRetryProfile)
	if err != nil {
		return opts, fmt.Errorf("receiver_retry_profile: %w", err)
	}
	algo, err := checksum.ParseAlgorithm(cfg.ChecksumAlgorithm)
	if err != nil {
		return opts, err
	}
	calc, err := checksum.New(algo)
	if err != nil {
		return opts, err
	}

	opts.ChunkSize = cfg.ChunkSize
	opts.UDPChunkSize = cfg.UDPChunkSize
	opts.Timeout = cfg.Timeout
	opts.OutputDir = cfg.OutputDir
	opts.SenderRetry = sender
	opts.ReceiverRetry = receiver
	opts.Checksum = calc
	opts.StrictIntegrity = cfg.StrictIntegrity
	opts.CleanupInterval = cfg.CleanupInterval
	opts.Retention = cfg.Retention
	opts.ProgressQueueSize = cfg.ProgressQueueSize

	udp := besteffort.DefaultTimings()
	if cfg.UDP.SettleDelay > 0 {
		udp.SettleDelay = cfg.UDP.SettleDelay
	}
	if cfg.UDP.InterChunkDelay > 0 {
		udp.InterChunkDelay = cfg.UDP.InterChunkDelay
	}
	if cfg.UDP.HandshakeTimeout > 0 {
		udp.HandshakeTimeout = cfg.UDP.HandshakeTimeout
	}
	if cfg.UDP.PacketTimeout > 0 {
		udp.PacketTimeout = cfg.UDP.PacketTimeout
	}
	if cfg.UDP.EndMarkerRepeats > 0 {
		udp.EndMarkerRepeats = cfg.UDP.EndMarkerRepeats
	}
	opts.UDP = udp
	return opts, nil
}

// Orchestrator returns the process orchestrator, creating it on first use.
func (a *App) Orchestrator() *engine.Orchestrator {
	a.once.Do(func() {
		a.orch = engine.New(a.options)
	})
	return a.orch
}

// ServeStatus starts the HTTP status API on Config.StatusAddr and returns the
// bound address. It does nothing when StatusAddr is empty.
func (a *App) ServeStatus() (string, error) {
	if a.Config.StatusAddr == "" || a.status != nil {
		return "", nil
	}
	srv := httpserver.New(a.Orchestrator())
	addr, err := srv.Start(a.Config.StatusAddr)
	if err != nil {
		return "", err
	}
	a.status = srv
	return addr, nil
}

// Close stops the status server, the orchestrator (if it was ever created) and
// the history store.
func (a *App) Close() error {
	if a.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.status.Shutdown(ctx); err != nil {
			a.Log.WithError(err).Warn("status server shutdown")
		}
		cancel()
	}
	a.once.Do(func() {})
	if a.orch != nil {
		a.orch.Close()
	}
	if a.History != nil {
		return a.History.Close()
	}
	return nil
}
