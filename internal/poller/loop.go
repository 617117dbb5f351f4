// Package poller drives the engine forward on a fixed cadence and publishes
// a fresh snapshot after every step.
package poller

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/simbridge/internal/fault"
	"github.com/zulandar/simbridge/internal/snapshot"
)

// Default loop settings.
const (
	DefaultInterval      = 100 * time.Millisecond
	DefaultProgressEvery = 10
)

// Source is the engine side of the loop: Step advances the simulation by one
// step and Collect samples the resulting state.
type Source interface {
	Step() error
	Collect() (*snapshot.Snapshot, error)
}

// Options configures a Loop.
type Options struct {
	Interval       time.Duration
	StallThreshold int
	ProgressEvery  int
	Logger         logrus.FieldLogger

	// OnFatal is called from the loop goroutine after a connection failure
	// has halted the loop.
	OnFatal func(err error)
	// OnStall is called when a stall becomes persistent.
	OnStall func(ev StallEvent)
}

// Loop is the polling worker. Ticks and Exclusive calls are serialized, so
// at most one goroutine talks to the engine at a time.
type Loop struct {
	opts  Options
	cache *snapshot.Cache
	log   logrus.FieldLogger

	// io serializes engine access: ticks, manual steps and Exclusive.
	io    sync.Mutex
	src   Source
	stall *StallTracker
	tick  uint64

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	paused    atomic.Bool
	streak    atomic.Int64
	stalls    atomic.Int64
	lastError atomic.Pointer[error]
}

// New creates an idle loop publishing into cache.
func New(cache *snapshot.Cache, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = DefaultStallThreshold
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loop{
		opts:  opts,
		cache: cache,
		log:   log.WithField("component", "poller"),
		stall: NewStallTracker(opts.StallThreshold),
	}
}

// Start begins ticking against src. Starting a running loop is a no-op. The
// loop starts unpaused. The first tick only sets the stall baseline.
func (l *Loop) Start(src Source) {
	l.start(src, nil)
}

// StartFrom is Start with the stall baseline set to simTime, the simulation
// time src has already reached. A frozen engine then counts as stalled from
// the first tick.
func (l *Loop) StartFrom(src Source, simTime float64) {
	l.start(src, &simTime)
}

func (l *Loop) start(src Source, baseline *float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}

	l.io.Lock()
	l.src = src
	l.tick = 0
	l.stall.Reset()
	if baseline != nil {
		l.stall.Prime(*baseline)
	}
	l.io.Unlock()

	l.paused.Store(false)
	l.streak.Store(0)
	l.lastError.Store(nil)
	l.running = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.run(l.stop, l.done)
	l.log.WithField("interval", l.opts.Interval).Info("polling started")
}

// Stop halts the loop and waits for the in-flight tick to finish. It is
// idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		l.detach()
		return
	}
	l.running = false
	stop, done := l.stop, l.done
	l.mu.Unlock()

	close(stop)
	<-done
	l.detach()
	l.log.Info("polling stopped")
}

// detach drops the source so no further engine I/O can happen.
func (l *Loop) detach() {
	l.io.Lock()
	l.src = nil
	l.io.Unlock()
}

// Running reports whether the loop goroutine is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Pause stops advancing the simulation. The last snapshot stays published.
func (l *Loop) Pause() { l.paused.Store(true) }

// Resume continues advancing after Pause.
func (l *Loop) Resume() { l.paused.Store(false) }

// Paused reports whether advancement is paused.
func (l *Loop) Paused() bool { return l.paused.Load() }

// StallStreak returns the current number of consecutive stalled ticks.
func (l *Loop) StallStreak() int { return int(l.streak.Load()) }

// Stalls returns the number of persistent stalls this loop has reported.
func (l *Loop) Stalls() int { return int(l.stalls.Load()) }

// LastError returns the error of the most recent failed tick, if any.
func (l *Loop) LastError() error {
	if p := l.lastError.Load(); p != nil {
		return *p
	}
	return nil
}

// Exclusive runs fn with engine access held, so it never interleaves with a
// tick. It fails with DisconnectedError when the loop has no source.
func (l *Loop) Exclusive(fn func() error) error {
	l.io.Lock()
	defer l.io.Unlock()
	if l.src == nil {
		return fault.Disconnected("poller: exclusive")
	}
	return fn()
}

// StepN advances the simulation n steps, publishing a snapshot after each.
// It is meant for use while paused. Stepping a loop with no source fails
// with DisconnectedError and leaves the loop as it was.
func (l *Loop) StepN(n int) error {
	if n <= 0 {
		return fault.Command(fault.ReasonInvalidParameters, "poller: step", "step count must be positive, got %d", n)
	}
	for range n {
		attached, err := func() (bool, error) {
			l.io.Lock()
			defer l.io.Unlock()
			if l.src == nil {
				return false, fault.Disconnected("poller: step")
			}
			return true, l.tickLocked()
		}()
		if err != nil {
			if attached && halts(err) {
				l.halt(err)
			}
			return err
		}
	}
	return nil
}

func (l *Loop) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		select {
		case <-stop:
			return
		default:
		}
		if l.paused.Load() {
			continue
		}

		l.io.Lock()
		var err error
		if l.src != nil {
			err = l.tickLocked()
		}
		l.io.Unlock()

		if err != nil && halts(err) {
			l.halt(err)
			return
		}
	}
}

// tickLocked runs one step-sample-publish cycle. l.io must be held.
func (l *Loop) tickLocked() error {
	if err := l.src.Step(); err != nil {
		return l.fail("step", err)
	}
	snap, err := l.src.Collect()
	if err != nil {
		return l.fail("collect", err)
	}

	l.tick++
	if ev, persistent := l.stall.Observe(snap.Stats.CurrentTime); persistent {
		l.stalls.Store(int64(l.stall.Total()))
		stallErr := fault.New(fault.KindStall, "poller: tick", "%s", ev)
		l.log.WithError(stallErr).WithField("total", ev.Total).Error("simulation stalled")
		if l.opts.OnStall != nil {
			l.opts.OnStall(ev)
		}
	} else if l.stall.Streak() > 0 {
		l.log.WithFields(logrus.Fields{
			"time":   snap.Stats.CurrentTime,
			"streak": l.stall.Streak(),
		}).Warn("simulation time did not advance")
	}
	l.streak.Store(int64(l.stall.Streak()))

	snap.Seq = l.tick
	snap.CapturedAt = time.Now()
	snap.Stats.Tick = l.tick
	snap.Stats.StallStreak = l.stall.Streak()
	snap.Stats.Stalls = l.stall.Total()
	l.cache.Publish(snap)
	l.lastError.Store(nil)

	if l.tick%uint64(l.opts.ProgressEvery) == 0 {
		l.log.WithFields(logrus.Fields{
			"tick":     l.tick,
			"time":     snap.Stats.CurrentTime,
			"active":   snap.Stats.Active,
			"loaded":   snap.Stats.Loaded,
			"departed": snap.Stats.Departed,
			"arrived":  snap.Stats.Arrived,
		}).Info("poll progress")
	}
	return nil
}

func (l *Loop) fail(stage string, err error) error {
	l.lastError.Store(&err)
	if !halts(err) {
		l.log.WithError(err).Warnf("tick %s failed", stage)
	}
	return err
}

// halts reports whether err ends the loop. Only a lost session does; every
// other failure skips the tick.
func halts(err error) bool {
	return fault.Is(err, fault.KindConnection) || fault.Is(err, fault.KindDisconnected)
}

// halt marks the loop idle after a fatal error and notifies OnFatal.
func (l *Loop) halt(err error) {
	l.mu.Lock()
	if l.running {
		l.running = false
		close(l.stop)
	}
	l.mu.Unlock()
	l.detach()

	l.log.WithError(err).Error("polling halted: control session lost")
	if l.opts.OnFatal != nil {
		l.opts.OnFatal(err)
	}
}
