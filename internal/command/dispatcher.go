// Package command validates operator overrides and issues them to the
// engine between polling ticks.
package command

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/simbridge/internal/fault"
	"github.com/zulandar/simbridge/internal/models"
	"github.com/zulandar/simbridge/internal/snapshot"
	"github.com/zulandar/simbridge/internal/traci"
)

// DefaultMaxOverride bounds how long an override may hold a phase.
const DefaultMaxOverride = 600 * time.Second

// Override actions recorded in the audit trail.
const (
	ActionApply = "apply"
	ActionClear = "clear"
	OutcomeOK   = "ok"
)

// defaultProgram is the engine's first loaded program.
const defaultProgram = "0"

// Executor runs fn with exclusive engine access. The polling loop
// implements it.
type Executor interface {
	Exclusive(fn func() error) error
}

// Signaller issues traffic light changes. *traci.Session implements it.
type Signaller interface {
	SetSignalState(id, state string) error
	SetSignalPhaseDuration(id string, seconds float64) error
	SetSignalProgram(id, program string) error
}

// Marker flags intersections under manual control in later snapshots.
type Marker interface {
	SetOverridden(id string, on bool)
}

// Auditor records override attempts.
type Auditor interface {
	RecordOverride(rec models.OverrideRecord) error
}

// Override forces every signal of an intersection into one phase.
type Override struct {
	TargetID string
	Phase    string // red, yellow or green
	Duration time.Duration
}

// Options configures a Dispatcher.
type Options struct {
	Cache       *snapshot.Cache
	Exec        Executor
	MaxOverride time.Duration
	Auditor     Auditor
	Logger      logrus.FieldLogger
}

// Dispatcher applies overrides to the attached session.
type Dispatcher struct {
	opts Options
	log  logrus.FieldLogger

	mu       sync.Mutex
	sig      Signaller
	mark     Marker
	programs map[string]string // program in force before the override
}

// New creates a dispatcher with no session attached.
func New(opts Options) *Dispatcher {
	if opts.MaxOverride <= 0 {
		opts.MaxOverride = DefaultMaxOverride
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		opts:     opts,
		log:      log.WithField("component", "command"),
		programs: make(map[string]string),
	}
}

// Attach routes commands to sig. mark may be nil.
func (d *Dispatcher) Attach(sig Signaller, mark Marker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sig = sig
	d.mark = mark
	clear(d.programs)
}

// Detach drops the session; later commands fail with DisconnectedError.
func (d *Dispatcher) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sig = nil
	d.mark = nil
	clear(d.programs)
}

func (d *Dispatcher) attached() (Signaller, Marker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sig, d.mark
}

// ApplyOverride validates o against the latest snapshot and sets the
// intersection's state and phase duration. Nothing is sent to the engine
// unless validation passes.
func (d *Dispatcher) ApplyOverride(ctx context.Context, o Override) (err error) {
	const op = "command: override"
	defer func() { d.audit(ActionApply, o, err) }()

	sig, mark := d.attached()
	if sig == nil {
		return fault.Disconnected(op)
	}
	ch, err := d.validate(op, o)
	if err != nil {
		return err
	}
	in, ok := d.opts.Cache.Read().Intersection(o.TargetID)
	if !ok {
		return fault.Command(fault.ReasonNotFound, op, "intersection %q not found", o.TargetID)
	}
	if len(in.Signals) == 0 {
		return fault.Command(fault.ReasonRejected, op, "intersection %q has no signals", o.TargetID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	state := strings.Repeat(string(ch), len(in.Signals))
	err = d.opts.Exec.Exclusive(func() error {
		if err := sig.SetSignalState(o.TargetID, state); err != nil {
			return err
		}
		return sig.SetSignalPhaseDuration(o.TargetID, o.Duration.Seconds())
	})
	if err != nil {
		return rejected(op, err)
	}

	d.mu.Lock()
	if _, held := d.programs[o.TargetID]; !held {
		d.programs[o.TargetID] = in.ProgramID
	}
	d.mu.Unlock()
	if mark != nil {
		mark.SetOverridden(o.TargetID, true)
	}
	d.log.WithFields(logrus.Fields{
		"target":   o.TargetID,
		"phase":    o.Phase,
		"duration": o.Duration,
		"state":    state,
	}).Info("override applied")
	return nil
}

// ClearOverride hands the intersection back to the program that ran before
// the override.
func (d *Dispatcher) ClearOverride(ctx context.Context, targetID string) (err error) {
	const op = "command: clear override"
	defer func() { d.audit(ActionClear, Override{TargetID: targetID}, err) }()

	sig, mark := d.attached()
	if sig == nil {
		return fault.Disconnected(op)
	}
	if targetID == "" {
		return fault.Command(fault.ReasonInvalidParameters, op, "target id is required")
	}
	in, ok := d.opts.Cache.Read().Intersection(targetID)
	if !ok {
		return fault.Command(fault.ReasonNotFound, op, "intersection %q not found", targetID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	program := d.restoreProgram(in)
	err = d.opts.Exec.Exclusive(func() error {
		return sig.SetSignalProgram(targetID, program)
	})
	if err != nil {
		return rejected(op, err)
	}

	d.mu.Lock()
	delete(d.programs, targetID)
	d.mu.Unlock()
	if mark != nil {
		mark.SetOverridden(targetID, false)
	}
	d.log.WithFields(logrus.Fields{"target": targetID, "program": program}).Info("override cleared")
	return nil
}

// restoreProgram picks the program to return to: the one saved when the
// override began, else the snapshot's unless it is the engine's ad-hoc
// "online" program.
func (d *Dispatcher) restoreProgram(in snapshot.Intersection) string {
	d.mu.Lock()
	saved, ok := d.programs[in.ID]
	d.mu.Unlock()
	if ok && saved != "" && saved != "online" {
		return saved
	}
	if in.ProgramID != "" && in.ProgramID != "online" {
		return in.ProgramID
	}
	return defaultProgram
}

func (d *Dispatcher) validate(op string, o Override) (byte, error) {
	if o.TargetID == "" {
		return 0, fault.Command(fault.ReasonInvalidParameters, op, "target id is required")
	}
	ch, ok := snapshot.PhaseChar(o.Phase)
	if !ok {
		return 0, fault.Command(fault.ReasonInvalidParameters, op, "phase %q must be red, yellow or green", o.Phase)
	}
	if o.Duration <= 0 || o.Duration > d.opts.MaxOverride {
		return 0, fault.Command(fault.ReasonInvalidParameters, op,
			"duration %s must be positive and at most %s", o.Duration, d.opts.MaxOverride)
	}
	return ch, nil
}

// rejected maps an engine status rejection to a CommandError. Session
// failures keep their kind.
func rejected(op string, err error) error {
	var se *traci.StatusError
	if errors.As(err, &se) {
		return &fault.Error{Kind: fault.KindCommand, Reason: fault.ReasonRejected, Op: op, Err: err}
	}
	return err
}

func (d *Dispatcher) audit(action string, o Override, err error) {
	if d.opts.Auditor == nil {
		return
	}
	rec := models.OverrideRecord{
		TargetID:    o.TargetID,
		Action:      action,
		Phase:       o.Phase,
		DurationSec: o.Duration.Seconds(),
		Outcome:     OutcomeOK,
	}
	if err != nil {
		rec.Outcome = string(fault.KindOf(err))
		if rec.Outcome == "" {
			rec.Outcome = "error"
		}
		rec.Error = err.Error()
	}
	if aerr := d.opts.Auditor.RecordOverride(rec); aerr != nil {
		d.log.WithError(aerr).Warn("override audit failed")
	}
}
