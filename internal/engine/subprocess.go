package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/simbridge/internal/fault"
)

// Process is a launched engine instance.
type Process struct {
	PID        int
	Binary     string
	Args       []string
	ConfigPath string // absolute scenario config path
	GUI        bool
	RemotePort int
	StartedAt  time.Time

	mu      sync.Mutex
	state   State
	exitErr error

	cmd      *exec.Cmd
	cancel   context.CancelFunc
	done     chan struct{} // closed when the process has been reaped
	output   *tailWriter
	stopping atomic.Bool
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	if p == nil {
		return StateNotStarted
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Alive reports whether the process has not yet exited.
func (p *Process) Alive() bool {
	if p == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the exit error once the process has exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Output returns the captured tail of the engine's stdout and stderr.
func (p *Process) Output() string {
	if p == nil {
		return ""
	}
	return p.output.String()
}

// Start launches the engine and waits out the startup grace period. A
// missing scenario config is a ConfigNotFoundError; an exec failure or an
// early exit is a StartupError carrying the captured output.
func (s *Supervisor) Start(ctx context.Context, opts LaunchOpts) (*Process, error) {
	const op = "engine: start"
	if opts.ConfigPath == "" {
		return nil, fault.New(fault.KindConfigNotFound, op, "config path is required")
	}
	if opts.RemotePort <= 0 {
		return nil, fault.New(fault.KindStartup, op, "remote port is required")
	}

	cfgPath := opts.ConfigPath
	if !filepath.IsAbs(cfgPath) && opts.WorkDir != "" {
		cfgPath = filepath.Join(opts.WorkDir, cfgPath)
	}
	cfgPath, err := filepath.Abs(cfgPath)
	if err != nil {
		return nil, &fault.Error{Kind: fault.KindConfigNotFound, Op: op, Msg: opts.ConfigPath, Err: err}
	}
	if info, err := os.Stat(cfgPath); err != nil || info.IsDir() {
		return nil, fault.New(fault.KindConfigNotFound, op, "config file %s not found", cfgPath)
	}

	binary := s.ResolveBinary(opts.GUI)
	args := s.Args(filepath.Base(cfgPath), opts)

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, binary, args...)
	// Relative paths inside the scenario config resolve against its own
	// directory; the bridge's working directory is left alone.
	cmd.Dir = filepath.Dir(cfgPath)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.opts.StopTimeout

	out := newTailWriter(s.opts.TailBytes)
	cmd.Stdout = out
	cmd.Stderr = out

	log := s.log.WithFields(logrus.Fields{"binary": binary, "config": cfgPath})
	log.WithField("args", strings.Join(args, " ")).Info("launching engine")

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &fault.Error{Kind: fault.KindStartup, Op: op, Msg: "exec " + binary, Err: err}
	}

	p := &Process{
		PID:        cmd.Process.Pid,
		Binary:     binary,
		Args:       args,
		ConfigPath: cfgPath,
		GUI:        opts.GUI,
		RemotePort: opts.RemotePort,
		StartedAt:  time.Now(),
		state:      StateStarting,
		cmd:        cmd,
		cancel:     cancel,
		done:       make(chan struct{}),
		output:     out,
	}
	log = log.WithField("pid", p.PID)
	out.setOnLine(func(line string) { log.Debug(line) })

	go s.wait(p, log)

	select {
	case <-p.done:
		return nil, &fault.Error{
			Kind:   fault.KindStartup,
			Op:     op,
			Msg:    fmt.Sprintf("engine exited during startup (pid %d)", p.PID),
			Output: p.Output(),
			Err:    p.ExitErr(),
		}
	case <-ctx.Done():
		p.stopping.Store(true)
		cancel()
		<-p.done
		return nil, &fault.Error{Kind: fault.KindStartup, Op: op, Msg: "startup cancelled", Output: p.Output(), Err: ctx.Err()}
	case <-time.After(s.opts.StartupGrace):
	}

	p.mu.Lock()
	if p.state == StateStarting {
		p.state = StateRunning
	}
	p.mu.Unlock()
	log.Info("engine running")
	return p, nil
}

// wait reaps the process and records how it ended.
func (s *Supervisor) wait(p *Process, log logrus.FieldLogger) {
	err := p.cmd.Wait()
	p.cancel()
	p.output.flush()

	requested := p.stopping.Load()
	p.mu.Lock()
	wasRunning := p.state == StateRunning
	p.exitErr = err
	switch {
	case requested || err == nil:
		p.state = StateStopped
	default:
		p.state = StateFailed
	}
	p.mu.Unlock()
	close(p.done)

	if requested {
		log.Info("engine stopped")
		return
	}
	if err != nil {
		log.WithError(err).Warn("engine exited unexpectedly")
	} else {
		log.Info("engine finished")
	}
	// Exits during the startup grace period are reported by Start itself.
	if wasRunning && s.opts.OnExit != nil {
		s.opts.OnExit(p, err)
	}
}

// Stop terminates the process: SIGTERM, then SIGKILL once the stop timeout
// has passed. Stopping a nil or already exited process is a no-op. If ctx
// ends first the process is killed immediately.
func (s *Supervisor) Stop(ctx context.Context, p *Process) error {
	if p == nil || !p.Alive() {
		return nil
	}
	if !p.stopping.CompareAndSwap(false, true) {
		<-p.done
		return nil
	}
	p.setState(StateStopping)
	s.log.WithField("pid", p.PID).Info("stopping engine")
	p.cancel()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("engine: kill %d: %w", p.PID, err)
		}
		<-p.done
		return nil
	}
}

// Version runs the engine binary with --version and returns the first line
// of its output.
func (s *Supervisor) Version(ctx context.Context, gui bool) (string, error) {
	binary := s.ResolveBinary(gui)
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("engine: version %s: %w", binary, err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line), nil
}

// tailWriter keeps the last max bytes written and hands complete lines to
// onLine.
type tailWriter struct {
	max int

	mu      sync.Mutex
	buf     []byte
	partial bytes.Buffer
	onLine  func(string)
}

func newTailWriter(max int) *tailWriter {
	return &tailWriter{max: max}
}

// Write appends p to the tail (implements io.Writer).
func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.max; over > 0 {
		w.buf = append(w.buf[:0], w.buf[over:]...)
	}

	if w.onLine != nil {
		w.partial.Write(p)
		data := w.partial.Bytes()
		if last := bytes.LastIndexByte(data, '\n'); last >= 0 {
			for _, line := range strings.Split(string(data[:last]), "\n") {
				if line = strings.TrimSpace(line); line != "" {
					w.onLine(line)
				}
			}
			rest := append([]byte(nil), data[last+1:]...)
			w.partial.Reset()
			w.partial.Write(rest)
		}
	}
	return len(p), nil
}

func (w *tailWriter) setOnLine(fn func(string)) {
	w.mu.Lock()
	w.onLine = fn
	w.mu.Unlock()
}

// flush emits any unterminated final line.
func (w *tailWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.onLine != nil {
		if line := strings.TrimSpace(w.partial.String()); line != "" {
			w.onLine(line)
		}
	}
	w.partial.Reset()
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
