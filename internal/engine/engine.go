// Package engine supervises the external simulation engine process.
package engine

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of an engine process.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// Terminal reports whether the process has exited.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Default supervision settings.
const (
	DefaultStartupGrace = time.Second
	DefaultStopTimeout  = 10 * time.Second
	DefaultTailBytes    = 16 << 10
	versionTimeout      = 5 * time.Second
)

// Options configures a Supervisor.
type Options struct {
	Binary         string // explicit binary; skips sumo_home and PATH lookup
	SumoHome       string
	StepLength     float64
	Begin, End     float64 // End 0 means run to the scenario's end
	MaxDepartDelay int
	TimeToTeleport int
	ExtraArgs      []string
	StartupGrace   time.Duration
	StopTimeout    time.Duration
	TailBytes      int
	Logger         logrus.FieldLogger

	// OnExit is called once for every process that exits without a Stop
	// request. err is the exit error, nil for a clean end of simulation.
	OnExit func(p *Process, err error)
}

// LaunchOpts holds parameters for one engine launch.
type LaunchOpts struct {
	ConfigPath string // scenario config, relative to WorkDir unless absolute
	WorkDir    string
	GUI        bool
	RemotePort int
}

// Supervisor launches and stops engine processes.
type Supervisor struct {
	opts Options
	log  logrus.FieldLogger
}

// NewSupervisor creates a Supervisor, filling unset options with defaults.
func NewSupervisor(opts Options) *Supervisor {
	if opts.StepLength <= 0 {
		opts.StepLength = 1.0
	}
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = DefaultStartupGrace
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.TailBytes <= 0 {
		opts.TailBytes = DefaultTailBytes
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Supervisor{opts: opts, log: log.WithField("component", "engine")}
}

// ResolveBinary returns the engine binary for a headless or GUI launch:
// the configured binary if set, else sumo_home/bin, else the bare name for
// PATH lookup.
func (s *Supervisor) ResolveBinary(gui bool) string {
	if s.opts.Binary != "" {
		return s.opts.Binary
	}
	name := "sumo"
	if gui {
		name = "sumo-gui"
	}
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if s.opts.SumoHome != "" {
		p := filepath.Join(s.opts.SumoHome, "bin", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return name
}

// Args builds the engine argument list for configFile.
func (s *Supervisor) Args(configFile string, opts LaunchOpts) []string {
	args := []string{
		"-c", configFile,
		"--remote-port", strconv.Itoa(opts.RemotePort),
		"--step-length", strconv.FormatFloat(s.opts.StepLength, 'f', -1, 64),
		"--no-step-log",
		"--no-warnings",
		"--quit-on-end",
	}
	if !opts.GUI {
		args = append(args,
			"--xml-validation", "never",
			"--ignore-route-errors",
			"--eager-insert",
		)
		if s.opts.MaxDepartDelay > 0 {
			args = append(args, "--max-depart-delay", strconv.Itoa(s.opts.MaxDepartDelay))
		}
		if s.opts.TimeToTeleport > 0 {
			args = append(args, "--time-to-teleport", strconv.Itoa(s.opts.TimeToTeleport))
		}
	}
	if s.opts.End > 0 {
		args = append(args,
			"--begin", strconv.FormatFloat(s.opts.Begin, 'f', -1, 64),
			"--end", strconv.FormatFloat(s.opts.End, 'f', -1, 64),
		)
	}
	return append(args, s.opts.ExtraArgs...)
}
