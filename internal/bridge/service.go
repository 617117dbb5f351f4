// Package bridge owns the engine process, its control session and the
// polling loop, and exposes the lifecycle operations the API drives.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/simbridge/internal/command"
	"github.com/zulandar/simbridge/internal/config"
	"github.com/zulandar/simbridge/internal/db"
	"github.com/zulandar/simbridge/internal/engine"
	"github.com/zulandar/simbridge/internal/fault"
	"github.com/zulandar/simbridge/internal/models"
	"github.com/zulandar/simbridge/internal/notify"
	"github.com/zulandar/simbridge/internal/poller"
	"github.com/zulandar/simbridge/internal/snapshot"
	"github.com/zulandar/simbridge/internal/traci"
)

// alertTimeout bounds one alert delivery.
const alertTimeout = 15 * time.Second

// Opts configures a Service.
type Opts struct {
	Config   *config.Config
	Logger   logrus.FieldLogger
	Ledger   *db.Ledger      // nil disables the run ledger
	Notifier notify.Notifier // nil disables alerts
}

// StartOpts selects the scenario for Start. An empty ConfigPath uses the
// configured one.
type StartOpts struct {
	ConfigPath string
	GUI        bool
}

// Service is the single bridge instance: at most one engine process and one
// control session at a time.
type Service struct {
	cfg      *config.Config
	log      logrus.FieldLogger
	sup      *engine.Supervisor
	cache    *snapshot.Cache
	loop     *poller.Loop
	disp     *command.Dispatcher
	ledger   *db.Ledger
	notifier notify.Notifier

	// mu guards the lifecycle: start, stop, connect and disconnect never
	// interleave.
	mu      sync.Mutex
	proc    *engine.Process
	runID   string
	sess    *traci.Session
	sampler *poller.Sampler
	hs      traci.Handshake

	// cur mirrors the fields above for readers that must not wait on mu.
	// It is replaced under mu after every lifecycle change.
	cur atomic.Pointer[view]

	alerts sync.WaitGroup
}

// view is the lifecycle state as published to lock-free readers.
type view struct {
	sess  *traci.Session
	hs    traci.Handshake
	proc  *engine.Process
	runID string
}

// publishLocked makes the current lifecycle state visible to readers. s.mu
// must be held.
func (s *Service) publishLocked() {
	s.cur.Store(&view{sess: s.sess, hs: s.hs, proc: s.proc, runID: s.runID})
}

// published returns the last published lifecycle state.
func (s *Service) published() *view {
	if v := s.cur.Load(); v != nil {
		return v
	}
	return &view{}
}

// New creates an idle service.
func New(opts Opts) (*Service, error) {
	if opts.Config == nil {
		return nil, errors.New("bridge: config is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	n := opts.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	cfg := opts.Config

	s := &Service{
		cfg:      cfg,
		log:      log.WithField("component", "bridge"),
		cache:    snapshot.NewCache(),
		ledger:   opts.Ledger,
		notifier: n,
	}
	s.sup = engine.NewSupervisor(engine.Options{
		Binary:         cfg.Engine.Binary,
		SumoHome:       cfg.Engine.SumoHome,
		StepLength:     cfg.Engine.StepLength,
		Begin:          cfg.Engine.Begin,
		End:            cfg.Engine.End,
		MaxDepartDelay: cfg.Engine.MaxDepartDelay,
		TimeToTeleport: cfg.Engine.TimeToTeleport,
		ExtraArgs:      cfg.Engine.ExtraArgs,
		StartupGrace:   cfg.Engine.StartupGrace,
		StopTimeout:    cfg.Engine.StopTimeout,
		Logger:         log,
		OnExit:         func(p *engine.Process, err error) { go s.engineExited(p, err) },
	})
	s.loop = poller.New(s.cache, poller.Options{
		Interval:       cfg.Poll.TickInterval,
		StallThreshold: cfg.Poll.StallThreshold,
		ProgressEvery:  cfg.Poll.ProgressEvery,
		Logger:         log,
		// The loop goroutine must not wait on the lifecycle lock: Stop holds
		// it while waiting for the loop to exit.
		OnFatal: func(err error) { go s.sessionLost(err) },
		OnStall: s.stalled,
	})
	s.disp = command.New(command.Options{
		Cache:       s.cache,
		Exec:        s.loop,
		MaxOverride: cfg.API.MaxOverride,
		Auditor:     s.ledger,
		Logger:      log,
	})
	return s, nil
}

// Config returns the service configuration.
func (s *Service) Config() *config.Config { return s.cfg }

// Cache returns the snapshot cache the API reads from.
func (s *Service) Cache() *snapshot.Cache { return s.cache }

// Ledger returns the run ledger; it may be nil.
func (s *Service) Ledger() *db.Ledger { return s.ledger }

// Start launches the engine on a scenario, connects to it and begins
// polling. A running engine or session is torn down first.
func (s *Service) Start(ctx context.Context, opts StartOpts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(ctx); err != nil {
		s.log.WithError(err).Warn("stopping previous engine")
	}

	path := opts.ConfigPath
	if path == "" {
		path = s.cfg.Engine.ConfigPath
	}
	proc, err := s.sup.Start(ctx, engine.LaunchOpts{
		ConfigPath: path,
		WorkDir:    s.cfg.Engine.WorkDir,
		GUI:        opts.GUI,
		RemotePort: s.cfg.Control.Port,
	})
	if err != nil {
		s.recordFailedStart(path, opts.GUI, err)
		s.alert(notify.Alert{
			Severity: notify.SeverityError,
			Title:    "Engine failed to start",
			Body:     err.Error(),
			Fields:   []notify.Field{{Name: "config", Value: path}},
		})
		return err
	}

	run := &models.EngineRun{
		ConfigPath: proc.ConfigPath,
		Binary:     proc.Binary,
		GUI:        proc.GUI,
		PID:        proc.PID,
		RemotePort: proc.RemotePort,
		StartedAt:  proc.StartedAt,
	}
	if err := s.ledger.StartRun(run); err != nil {
		s.log.WithError(err).Warn("ledger: start run")
	}
	s.proc, s.runID = proc, run.ID
	s.publishLocked()

	if err := s.connectLocked(ctx); err != nil {
		s.stopLocked(context.Background())
		return err
	}
	return nil
}

func (s *Service) recordFailedStart(path string, gui bool, err error) {
	now := time.Now()
	run := &models.EngineRun{
		ConfigPath: path,
		Binary:     s.sup.ResolveBinary(gui),
		GUI:        gui,
		RemotePort: s.cfg.Control.Port,
		Status:     models.RunFailed,
		StartedAt:  now,
		StoppedAt:  &now,
		ExitError:  err.Error(),
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		run.OutputTail = fe.Output
	}
	if lerr := s.ledger.StartRun(run); lerr != nil {
		s.log.WithError(lerr).Warn("ledger: record failed start")
	}
}

// Connect opens a control session to the configured host and port and
// starts polling. Connecting while connected is a no-op.
func (s *Service) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Service) connectLocked(ctx context.Context) error {
	if s.sess.State() == traci.Connected && s.loop.Running() {
		return nil
	}
	s.disconnectLocked("reconnect")

	c := s.cfg.Control
	sess, err := traci.Dial(ctx, traci.DialOpts{
		Host:           c.Host,
		Port:           c.Port,
		Retries:        c.ConnectRetries,
		BackoffInitial: c.BackoffInitial,
		BackoffMax:     c.BackoffMax,
		IOTimeout:      c.IOTimeout,
		Logger:         s.log,
	})
	if err != nil {
		s.record(models.EventLost, "", err)
		return err
	}
	hs, err := sess.Handshake()
	if err != nil {
		sess.Close()
		s.record(models.EventLost, sess.Label, err)
		return err
	}

	sampler := poller.NewSampler(sess, hs, poller.SamplerOptions{
		LaneSampleLimit: s.cfg.Poll.LaneSampleLimit,
		RoadSampleLimit: s.cfg.Poll.RoadSampleLimit,
		Logger:          s.log,
	})
	if err := s.warmUp(sampler); err != nil {
		sess.Close()
		s.record(models.EventLost, sess.Label, err)
		return err
	}

	// The loop owns the sampler once started.
	loaded := sampler.Loaded()
	now, err := sess.SimTime()
	if err != nil {
		sess.Close()
		s.record(models.EventLost, sess.Label, err)
		return err
	}

	s.sess, s.sampler, s.hs = sess, sampler, hs
	s.publishLocked()
	s.cache.Reset()
	s.disp.Attach(sess, sampler)
	s.loop.StartFrom(sampler, now)

	s.log.WithFields(logrus.Fields{
		"session":     sess.Label,
		"api_version": hs.APIVersion,
		"engine":      hs.EngineVersion,
		"time":        now,
		"loaded":      loaded,
	}).Info("control session established")
	s.record(models.EventConnected, sess.Label, nil)
	return nil
}

// warmUp advances a few steps when no vehicles are loaded yet. An empty
// scenario is not an error.
func (s *Service) warmUp(sampler *poller.Sampler) error {
	for i := 0; i < s.cfg.Control.WarmupSteps && sampler.Loaded() == 0; i++ {
		if err := sampler.Step(); err != nil {
			return err
		}
	}
	if sampler.Loaded() == 0 {
		s.log.Info("no vehicles loaded after warm-up")
	}
	return nil
}

// Disconnect stops polling and closes the control session. The engine
// process keeps running. Disconnecting while idle is a no-op.
func (s *Service) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked("requested")
}

func (s *Service) disconnectLocked(reason string) {
	s.loop.Stop()
	s.disp.Detach()
	if s.sess == nil {
		return
	}
	label := s.sess.Label
	if err := s.sess.Close(); err != nil {
		s.log.WithError(err).Debug("closing control session")
	}
	s.sess, s.sampler = nil, nil
	s.publishLocked()
	s.log.WithFields(logrus.Fields{"session": label, "reason": reason}).Info("control session closed")
	s.record(models.EventDisconnected, label, nil)
}

// Stop disconnects and terminates the engine. Stopping an idle service is a
// no-op.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Service) stopLocked(ctx context.Context) error {
	s.disconnectLocked("stop")
	proc := s.proc
	if proc == nil {
		return nil
	}
	s.proc = nil
	s.publishLocked()

	err := s.sup.Stop(ctx, proc)
	status := models.RunStopped
	if proc.State() == engine.StateFailed {
		status = models.RunFailed
	}
	var exitErr string
	if e := proc.ExitErr(); e != nil && status == models.RunFailed {
		exitErr = e.Error()
	}
	if lerr := s.ledger.FinishRun(s.runID, status, exitErr, proc.Output()); lerr != nil {
		s.log.WithError(lerr).Warn("ledger: finish run")
	}
	s.runID = ""
	s.publishLocked()
	return err
}

// Close stops everything and waits for pending alerts.
func (s *Service) Close() error {
	stopTimeout := s.cfg.Engine.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = engine.DefaultStopTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout+time.Second)
	defer cancel()
	err := s.Stop(ctx)
	s.alerts.Wait()
	return err
}

// Pause stops advancing the simulation; the last snapshot stays readable.
func (s *Service) Pause() error {
	if !s.loop.Running() {
		return fault.Disconnected("bridge: pause")
	}
	s.loop.Pause()
	s.record(models.EventPaused, s.sessionLabel(), nil)
	return nil
}

// Resume continues advancing after Pause.
func (s *Service) Resume() error {
	if !s.loop.Running() {
		return fault.Disconnected("bridge: resume")
	}
	s.loop.Resume()
	s.record(models.EventResumed, s.sessionLabel(), nil)
	return nil
}

// Step advances n steps manually and returns the resulting snapshot.
func (s *Service) Step(n int) (*snapshot.Snapshot, error) {
	if err := s.loop.StepN(n); err != nil {
		return nil, err
	}
	return s.cache.Read(), nil
}

// Override applies a traffic light override.
func (s *Service) Override(ctx context.Context, o command.Override) error {
	return s.disp.ApplyOverride(ctx, o)
}

// ClearOverride returns an intersection to its signal program.
func (s *Service) ClearOverride(ctx context.Context, id string) error {
	return s.disp.ClearOverride(ctx, id)
}

// EngineVersion probes the engine binary for its version.
func (s *Service) EngineVersion(ctx context.Context) (string, error) {
	return s.sup.Version(ctx, s.cfg.Engine.GUI)
}

// RecentRuns lists the newest ledger runs.
func (s *Service) RecentRuns(limit int) ([]models.EngineRun, error) {
	return s.ledger.RecentRuns(limit)
}

func (s *Service) sessionLabel() string {
	if sess := s.published().sess; sess != nil {
		return sess.Label
	}
	return ""
}

// sessionLost cleans up after the loop halted on a connection failure.
func (s *Service) sessionLost(cause error) {
	s.mu.Lock()
	sess := s.sess
	if sess == nil || sess.State() != traci.Disconnected {
		// Already torn down, or replaced by a newer session.
		s.mu.Unlock()
		return
	}
	s.disp.Detach()
	sess.Close()
	s.sess, s.sampler = nil, nil
	s.publishLocked()
	s.mu.Unlock()

	s.log.WithError(cause).WithField("session", sess.Label).Error("control session lost")
	s.record(models.EventLost, sess.Label, cause)
	s.alert(notify.Alert{
		Severity: notify.SeverityError,
		Title:    "Simulation connection lost",
		Body:     cause.Error(),
		Fields:   []notify.Field{{Name: "session", Value: sess.Label, Short: true}},
	})
}

// engineExited records an engine exit nobody asked for.
func (s *Service) engineExited(p *engine.Process, exitErr error) {
	s.mu.Lock()
	if s.proc != p {
		s.mu.Unlock()
		return
	}
	runID := s.runID
	s.runID = ""
	s.publishLocked()
	s.mu.Unlock()

	status, msg := models.RunStopped, "engine finished"
	if exitErr != nil {
		status, msg = models.RunFailed, exitErr.Error()
	}
	if err := s.ledger.FinishRun(runID, status, msg, p.Output()); err != nil {
		s.log.WithError(err).Warn("ledger: finish run")
	}
	s.record(models.EventEngineExit, "", exitErr)
	sev := notify.SeverityWarning
	if exitErr != nil {
		sev = notify.SeverityError
	}
	s.alert(notify.Alert{
		Severity: sev,
		Title:    "Simulation engine exited",
		Body:     msg,
		Fields: []notify.Field{
			{Name: "pid", Value: fmt.Sprint(p.PID), Short: true},
			{Name: "config", Value: p.ConfigPath, Short: true},
		},
	})
}

// stalled runs on the loop goroutine when a stall becomes persistent.
func (s *Service) stalled(ev poller.StallEvent) {
	err := fault.New(fault.KindStall, "bridge: poll", "%s", ev)
	if lerr := s.ledger.RecordEvent(models.SessionEvent{
		Event:   models.EventStalled,
		Kind:    string(fault.KindStall),
		Message: err.Error(),
	}); lerr != nil {
		s.log.WithError(lerr).Warn("ledger: record stall")
	}
	s.alert(notify.Alert{
		Severity: notify.SeverityWarning,
		Title:    "Simulation stalled",
		Body:     ev.String(),
		Fields:   []notify.Field{{Name: "stalls", Value: fmt.Sprint(ev.Total), Short: true}},
	})
}

func (s *Service) record(event, session string, cause error) {
	ev := models.SessionEvent{Session: session, Event: event}
	if cause != nil {
		ev.Kind = string(fault.KindOf(cause))
		ev.Message = cause.Error()
	}
	if err := s.ledger.RecordEvent(ev); err != nil {
		s.log.WithError(err).Warn("ledger: record event")
	}
}

// alert delivers asynchronously; a slow chat API never blocks the bridge.
func (s *Service) alert(a notify.Alert) {
	s.alerts.Add(1)
	go func() {
		defer s.alerts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, a); err != nil {
			s.log.WithError(err).WithField("alert", a.Title).Warn("alert delivery failed")
		}
	}()
}
