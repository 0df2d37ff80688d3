package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ByteRelay/internal/checksum"
	"github.com/jaywantadh/ByteRelay/internal/events"
	"github.com/jaywantadh/ByteRelay/internal/protocol/besteffort"
	"github.com/jaywantadh/ByteRelay/internal/protocol/reliable"
	"github.com/jaywantadh/ByteRelay/internal/retry"
	"github.com/jaywantadh/ByteRelay/internal/transfer"
	"github.com/jaywantadh/ByteRelay/pkg/logging"
)

// Options configure an Orchestrator.
type Options struct {
	ChunkSize    int
	UDPChunkSize int
	Timeout      time.Duration
	OutputDir    string

	SenderRetry   retry.Policy
	ReceiverRetry retry.Policy

	Checksum *checksum.Calculator
	// StrictIntegrity turns a checksum mismatch on a received file into an Error.
	StrictIntegrity bool

	CleanupInterval   time.Duration
	Retention         time.Duration
	ProgressQueueSize int
	BroadcastBuffer   int

	UDP besteffort.Timings

	// Sink receives every event in addition to subscribers.
	Sink events.Sink
}

// DefaultOptions returns the standard engine settings.
func DefaultOptions() Options {
	return Options{
		ChunkSize:         transfer.DefaultChunkSize,
		UDPChunkSize:      transfer.DefaultUDPChunkSize,
		Timeout:           transfer.DefaultTimeout,
		OutputDir:         ".",
		SenderRetry:       retry.Network,
		ReceiverRetry:     retry.NoRetry,
		Checksum:          checksum.Default(),
		StrictIntegrity:   true,
		CleanupInterval:   5 * time.Minute,
		Retention:         time.Hour,
		ProgressQueueSize: 1024,
		BroadcastBuffer:   256,
		UDP:               besteffort.DefaultTimings(),
	}
}

func (o *Options) fill() {
	d := DefaultOptions()
	if o.ChunkSize == 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.UDPChunkSize == 0 {
		o.UDPChunkSize = d.UDPChunkSize
	}
	if o.Timeout == 0 {
		o.Timeout = d.Timeout
	}
	if o.OutputDir == "" {
		o.OutputDir = d.OutputDir
	}
	if o.SenderRetry.MaxAttempts == 0 {
		o.SenderRetry = d.SenderRetry
	}
	if o.ReceiverRetry.MaxAttempts == 0 {
		o.ReceiverRetry = d.ReceiverRetry
	}
	if o.Checksum == nil {
		o.Checksum = d.Checksum
	}
	if o.CleanupInterval == 0 {
		o.CleanupInterval = d.CleanupInterval
	}
	if o.Retention == 0 {
		o.Retention = d.Retention
	}
	if o.ProgressQueueSize == 0 {
		o.ProgressQueueSize = d.ProgressQueueSize
	}
	if o.BroadcastBuffer == 0 {
		o.BroadcastBuffer = d.BroadcastBuffer
	}
}

// Orchestrator creates sessions, runs protocol engines for them under retry and
// publishes their events. It owns the session table and the event broadcaster.
type Orchestrator struct {
	opts        Options
	sessions    *SessionManager
	metrics     *MetricsCollector
	tracker     *ProgressTracker
	broadcaster *events.Broadcaster
	emitter     events.Emitter
	log         *logrus.Entry

	ctx         context.Context
	cancel      context.CancelFunc
	stopTracker context.CancelFunc
	runs        sync.WaitGroup
	background  sync.WaitGroup

	mu     sync.Mutex
	done   map[string]chan struct{}
	closed bool
}

// New starts an orchestrator with its progress tracker and cleanup loop.
func New(opts Options) *Orchestrator {
	opts.fill()
	ctx, cancel := context.WithCancel(context.Background())
	trackerCtx, stopTracker := context.WithCancel(context.Background())

	b := events.NewBroadcaster(opts.BroadcastBuffer)
	sink := events.Multi{b, opts.Sink}
	sessions := NewSessionManager()
	metrics := NewMetricsCollector()

	o := &Orchestrator{
		opts:        opts,
		sessions:    sessions,
		metrics:     metrics,
		tracker:     NewProgressTracker(sessions, sink, metrics, opts.ProgressQueueSize),
		broadcaster: b,
		emitter:     events.Emitter{Sink: sink},
		log:         logging.Component("orchestrator"),
		ctx:         ctx,
		cancel:      cancel,
		stopTracker: stopTracker,
		done:        make(map[string]chan struct{}),
	}

	o.background.Add(2)
	go func() {
		defer o.background.Done()
		o.tracker.Run(trackerCtx)
	}()
	go func() {
		defer o.background.Done()
		sessions.RunCleanup(ctx, opts.CleanupInterval, opts.Retention, o.forget)
	}()
	return o
}

// CreateSession validates cfg and registers an Idle session.
func (o *Orchestrator) CreateSession(cfg transfer.Config) (string, error) {
	return o.sessions.Create(o.ctx, cfg)
}

// register reserves the run slot of a session.
func (o *Orchestrator) register(id string) (chan struct{}, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, transfer.NewInvalidState("orchestrator closed")
	}
	if _, ok := o.done[id]; ok {
		return nil, transfer.NewInvalidState(fmt.Sprintf("session %s already started", id))
	}
	done := make(chan struct{})
	o.done[id] = done
	o.runs.Add(1)
	return done, nil
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	delete(o.done, id)
	o.mu.Unlock()
	o.runs.Done()
}

func (o *Orchestrator) forget(ids []string) {
	o.metrics.Remove(ids...)
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		delete(o.done, id)
	}
}

func idleSession(s transfer.Session, mode transfer.Mode) error {
	if s.Config.Mode != mode {
		return transfer.NewInvalidState(fmt.Sprintf("session %s is a %s session", s.ID, s.Config.Mode))
	}
	if s.Status != transfer.StatusIdle {
		return transfer.NewInvalidState(fmt.Sprintf("session %s is %s, not idle", s.ID, s.Status))
	}
	return nil
}

// resolve turns a host:port endpoint into an IP:port endpoint.
func resolve(ctx context.Context, endpoint string) (string, error) {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", transfer.NewConfigError("target_ip", err.Error())
	}
	if net.ParseIP(host) != nil {
		return endpoint, nil
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", transfer.NewConfigError("target_ip", fmt.Sprintf("unknown host %q", host))
		}
		return "", transfer.NewNetworkError("cannot resolve "+host, endpoint, err)
	}
	if len(addrs) == 0 {
		return "", transfer.NewConfigError("target_ip", fmt.Sprintf("no addresses for %q", host))
	}
	return net.JoinHostPort(addrs[0], port), nil
}

// StartTransfer sends filePath to target (the session's target when empty) in the
// background. The session must be an Idle transmitter session.
func (o *Orchestrator) StartTransfer(id, filePath, target string) error {
	s, err := o.sessions.Get(id)
	if err != nil {
		return err
	}
	if err := idleSession(s, transfer.ModeTransmitter); err != nil {
		return err
	}
	endpoint, err := s.Config.Endpoint(target)
	if err != nil {
		return err
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return transfer.FromIO(err, filePath)
	}
	if info.IsDir() {
		return transfer.NewFileError("is a directory", filePath, false, nil)
	}

	done, err := o.register(id)
	if err != nil {
		return err
	}
	snap, err := o.sessions.MarkConnecting(id, filePath, endpoint, "")
	if err != nil {
		o.unregister(id)
		return err
	}

	name := s.Config.Filename
	if name == "" {
		name = filepath.Base(filePath)
	}
	o.emitter.Started(id, name, uint64(info.Size()), endpoint, s.Config.Protocol, s.Config.Mode)
	o.log.WithFields(logrus.Fields{
		"transfer_id": id,
		"file":        filePath,
		"target":      endpoint,
		"protocol":    s.Config.Protocol,
	}).Info("starting transfer")

	reporter := o.tracker.Reporter()
	var op func(ctx context.Context) (*transfer.Result, error)
	switch s.Config.Protocol {
	case transfer.ProtocolReliable:
		op = func(ctx context.Context) (*transfer.Result, error) {
			addr, err := resolve(ctx, endpoint)
			if err != nil {
				return nil, err
			}
			return reliable.Send(ctx, reliable.SenderOptions{
				TransferID: id,
				Address:    addr,
				FilePath:   filePath,
				Filename:   name,
				ChunkSize:  s.Config.ChunkSize,
				Timeout:    s.Config.Timeout,
				Checksum:   o.opts.Checksum,
				Reporter:   reporter,
				Cancel:     snap.Cancel,
			})
		}
	default:
		op = func(ctx context.Context) (*transfer.Result, error) {
			addr, err := resolve(ctx, endpoint)
			if err != nil {
				return nil, err
			}
			return besteffort.Send(ctx, besteffort.SenderOptions{
				TransferID: id,
				Address:    addr,
				FilePath:   filePath,
				Filename:   name,
				ChunkSize:  s.Config.ChunkSize,
				Timings:    o.opts.UDP,
				Checksum:   o.opts.Checksum,
				Reporter:   reporter,
				Cancel:     snap.Cancel,
			})
		}
	}
	o.launch(snap, done, o.opts.SenderRetry, op, nil)
	return nil
}

// StartReceiver binds port (the session's port when zero) and waits in the
// background for one inbound transfer written to outputDir.
func (o *Orchestrator) StartReceiver(id string, port int, protocol transfer.Protocol, outputDir string) error {
	s, err := o.sessions.Get(id)
	if err != nil {
		return err
	}
	if err := idleSession(s, transfer.ModeReceiver); err != nil {
		return err
	}
	if port == 0 {
		port = s.Config.Port
	}
	if protocol == "" {
		protocol = s.Config.Protocol
	}
	if outputDir == "" {
		outputDir = o.opts.OutputDir
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return transfer.FromIO(err, outputDir)
	}

	bindAddr := net.JoinHostPort("", strconv.Itoa(port))
	reporter := o.tracker.Reporter()
	var (
		op     func(ctx context.Context) (*transfer.Result, error)
		local  string
		closer func()
	)
	switch protocol {
	case transfer.ProtocolReliable:
		ln, err := reliable.Listen(bindAddr)
		if err != nil {
			o.emitter.Connection(transfer.ConnectionEvent{TransferID: id, Type: "bind", Address: bindAddr, Protocol: protocol, Err: err})
			return err
		}
		local = ln.Addr().String()
		closer = func() { ln.Close() }
		op = func(ctx context.Context) (*transfer.Result, error) {
			return reliable.Receive(ctx, ln, reliable.ReceiverOptions{
				TransferID: id,
				OutputDir:  outputDir,
				Timeout:    s.Config.Timeout,
				Checksum:   o.opts.Checksum,
				Reporter:   reporter,
				Cancel:     s.Cancel,
			})
		}
	case transfer.ProtocolBestEffort:
		conn, err := besteffort.Listen(bindAddr)
		if err != nil {
			o.emitter.Connection(transfer.ConnectionEvent{TransferID: id, Type: "bind", Address: bindAddr, Protocol: protocol, Err: err})
			return err
		}
		local = conn.LocalAddr().String()
		closer = func() { conn.Close() }
		op = func(ctx context.Context) (*transfer.Result, error) {
			return besteffort.Receive(ctx, conn, besteffort.ReceiverOptions{
				TransferID: id,
				OutputDir:  outputDir,
				Timings:    o.opts.UDP,
				Checksum:   o.opts.Checksum,
				Reporter:   reporter,
				Cancel:     s.Cancel,
			})
		}
	default:
		return transfer.NewConfigError("protocol", fmt.Sprintf("unknown protocol %q", protocol))
	}
	o.emitter.Connection(transfer.ConnectionEvent{TransferID: id, Type: "bind", Address: local, Protocol: protocol, Success: true})

	done, err := o.register(id)
	if err != nil {
		closer()
		return err
	}
	if err := o.sessions.SetOutputDir(id, outputDir); err != nil {
		closer()
		o.unregister(id)
		return err
	}
	snap, err := o.sessions.MarkConnecting(id, "", "", local)
	if err != nil {
		closer()
		o.unregister(id)
		return err
	}

	o.emitter.Started(id, "", 0, local, protocol, transfer.ModeReceiver)
	o.log.WithFields(logrus.Fields{
		"transfer_id": id,
		"listen":      local,
		"protocol":    protocol,
		"output_dir":  outputDir,
	}).Info("waiting for transfer")

	o.launch(snap, done, o.opts.ReceiverRetry, op, closer)
	return nil
}

// launch runs op under policy on its own goroutine and records the outcome once
// every progress update it produced has been applied.
func (o *Orchestrator) launch(s transfer.Session, done chan struct{}, policy retry.Policy, op func(ctx context.Context) (*transfer.Result, error), cleanup func()) {
	go func() {
		defer o.runs.Done()
		if cleanup != nil {
			defer cleanup()
		}
		res, err := retry.DoValue(s.Cancel.Context(), policy, op, func(int, error, time.Duration) {
			o.metrics.RecordRetry(s.ID)
		})
		o.tracker.After(func() {
			o.finish(s, res, err)
			close(done)
		})
	}()
}

func (o *Orchestrator) finish(s transfer.Session, res *transfer.Result, err error) {
	id := s.ID
	switch {
	case err != nil && (transfer.KindOf(err) == transfer.KindCancelled || s.Cancel.Cancelled()):
		reason := s.Cancel.Reason()
		if reason == "" {
			reason = err.Error()
		}
		snap, changed, _ := o.sessions.Cancel(id, reason)
		if changed {
			o.emitter.Cancelled(id, reason, snap.BytesTransferred)
		}
	case err != nil:
		o.fail(id, err)
	case res.ExpectedChecksum != "" && !res.Verified && o.opts.StrictIntegrity:
		o.fail(id, transfer.NewFileError(res.Error, res.Path, false, nil))
	default:
		if _, cerr := o.sessions.Complete(id, res); cerr != nil {
			o.log.WithError(cerr).WithField("transfer_id", id).Debug("result discarded")
			return
		}
		o.emitter.Completed(res, s.Config.Protocol)
	}
}

func (o *Orchestrator) fail(id string, cause error) {
	o.metrics.RecordError(id)
	if _, err := o.sessions.Fail(id, cause); err != nil {
		o.log.WithError(err).WithField("transfer_id", id).Debug("failure discarded")
		return
	}
	o.log.WithError(cause).WithField("transfer_id", id).Error("transfer failed")
	o.emitter.Error(id, cause)
}

// CancelTransfer cancels a session. Cancelling a finished session does nothing.
func (o *Orchestrator) CancelTransfer(id, reason string) error {
	if reason == "" {
		reason = "cancelled by user"
	}
	snap, changed, err := o.sessions.Cancel(id, reason)
	if err != nil {
		return err
	}
	if changed {
		o.log.WithFields(logrus.Fields{"transfer_id": id, "reason": reason}).Info("transfer cancelled")
		o.emitter.Cancelled(id, reason, snap.BytesTransferred)
	}
	return nil
}

func (o *Orchestrator) GetProgress(id string) (transfer.Progress, error) {
	s, err := o.sessions.Get(id)
	if err != nil {
		return transfer.Progress{}, err
	}
	return s.Progress, nil
}

func (o *Orchestrator) GetSession(id string) (transfer.Session, error) {
	return o.sessions.Get(id)
}

func (o *Orchestrator) GetActiveTransfers() []transfer.Session {
	return o.sessions.Active()
}

func (o *Orchestrator) GetTransferHistory() []transfer.Session {
	return o.sessions.History()
}

// CleanupCompletedTransfers removes every terminal session and returns how many
// were removed.
func (o *Orchestrator) CleanupCompletedTransfers() int {
	ids := o.sessions.Cleanup(0)
	o.forget(ids)
	return len(ids)
}

// Wait blocks until the engine run of a started session has finished and returns
// the final snapshot.
func (o *Orchestrator) Wait(ctx context.Context, id string) (transfer.Session, error) {
	o.mu.Lock()
	done, ok := o.done[id]
	o.mu.Unlock()
	if !ok {
		s, err := o.sessions.Get(id)
		if err != nil {
			return s, err
		}
		if s.Status.IsTerminal() {
			return s, nil
		}
		return s, transfer.NewInvalidState(fmt.Sprintf("session %s has not been started", id))
	}
	select {
	case <-done:
	case <-ctx.Done():
		return transfer.Session{}, ctx.Err()
	}
	return o.sessions.Get(id)
}

// Metrics returns the statistics collected for a session.
func (o *Orchestrator) Metrics(id string) (Metrics, error) {
	if _, err := o.sessions.Get(id); err != nil {
		return Metrics{}, err
	}
	m, ok := o.metrics.Get(id)
	if !ok {
		m.TransferID = id
	}
	return m, nil
}

// Subscribe returns a live event stream and the function that ends it.
func (o *Orchestrator) Subscribe() (<-chan events.Event, func()) {
	return o.broadcaster.Subscribe()
}

// RecentEvents returns the latest events kept by the broadcaster.
func (o *Orchestrator) RecentEvents() []events.Event {
	return o.broadcaster.Recent()
}

// Close cancels every running transfer, waits for the engines to stop and shuts
// down the background loops.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.runs.Wait()
	o.stopTracker()
	o.background.Wait()
	o.broadcaster.Close()
}

// StartFileTransfer creates a session for cfg and starts sending filePath.
func (o *Orchestrator) StartFileTransfer(cfg transfer.Config, filePath, target string) (string, error) {
	id, err := o.CreateSession(cfg)
	if err != nil {
		return "", err
	}
	if err := o.StartTransfer(id, filePath, target); err != nil {
		return id, err
	}
	return id, nil
}

// StartFileReceiver creates a receiver session with the default chunk size and
// timeout and starts listening on port.
func (o *Orchestrator) StartFileReceiver(port int, protocol transfer.Protocol, outputDir string) (string, error) {
	chunk := o.opts.ChunkSize
	if protocol == transfer.ProtocolBestEffort {
		chunk = o.opts.UDPChunkSize
	}
	cfg, err := transfer.NewConfig(transfer.ModeReceiver, protocol, "", port, "", chunk, o.opts.Timeout)
	if err != nil {
		return "", err
	}
	id, err := o.CreateSession(cfg)
	if err != nil {
		return "", err
	}
	if err := o.StartReceiver(id, port, protocol, outputDir); err != nil {
		return id, err
	}
	return id, nil
}
