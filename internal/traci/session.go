// Package traci maintains a control session with a running simulation engine
// over the TraCI protocol.
package traci

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/simbridge/internal/fault"
	"github.com/zulandar/simbridge/internal/traci/wire"
)

// SessionState is the connection state of a Session.
type SessionState int32

const (
	Disconnected SessionState = iota
	Connecting
	Connected
)

func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Default dial settings.
const (
	DefaultRetries        = 10
	DefaultBackoffInitial = 100 * time.Millisecond
	DefaultBackoffMax     = 2 * time.Second
	DefaultIOTimeout      = 30 * time.Second
)

// DialOpts holds parameters for opening a Session.
type DialOpts struct {
	Host           string
	Port           int
	Label          string // defaults to a generated id
	Retries        int    // additional attempts after the first
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	IOTimeout      time.Duration
	Logger         logrus.FieldLogger
}

// Session is one TraCI control session. Requests are serialized; a Session is
// safe for concurrent use but the engine processes one command at a time.
type Session struct {
	Host  string
	Port  int
	Label string

	mu        sync.Mutex
	conn      net.Conn
	state     atomic.Int32
	attempts  int
	ioTimeout time.Duration
	log       logrus.FieldLogger
}

// Handshake is the engine's answer to the post-connect liveness query.
type Handshake struct {
	APIVersion    int32
	EngineVersion string
	Time          float64
	Loaded        int
}

// StatusError is a non-OK status the engine returned for a command. The
// session remains usable.
type StatusError struct {
	Command     byte
	Result      byte
	Description string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("traci: command 0x%02x rejected (result 0x%02x): %s", e.Command, e.Result, e.Description)
}

// IsStatusError reports whether err is an engine-side command rejection.
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// Dial connects to the engine's control port, retrying with exponential
// backoff while the port is not yet accepting connections. Exhausted retries
// or a cancelled context yield a ConnectionError.
func Dial(ctx context.Context, opts DialOpts) (*Session, error) {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.Port <= 0 {
		return nil, fault.New(fault.KindConnection, "traci: dial", "port is required")
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = DefaultBackoffInitial
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = DefaultBackoffMax
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = DefaultIOTimeout
	}
	if opts.Label == "" {
		opts.Label = "sess-" + uuid.NewString()[:8]
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Session{
		Host:      opts.Host,
		Port:      opts.Port,
		Label:     opts.Label,
		ioTimeout: opts.IOTimeout,
		log:       log.WithFields(logrus.Fields{"component": "traci", "session": opts.Label}),
	}
	s.state.Store(int32(Connecting))

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	var dialer net.Dialer
	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		s.attempts = attempt + 1
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			if tcp, ok := conn.(*net.TCPConn); ok {
				tcp.SetNoDelay(true)
			}
			s.conn = conn
			s.state.Store(int32(Connected))
			s.log.WithField("attempts", s.attempts).Infof("connected to %s", addr)
			return s, nil
		}
		lastErr = err

		if attempt == opts.Retries {
			break
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * opts.BackoffInitial
		if wait > opts.BackoffMax {
			wait = opts.BackoffMax
		}
		s.log.Debugf("dial %s failed (attempt %d/%d): %v, retrying in %v", addr, attempt+1, opts.Retries+1, err, wait)

		select {
		case <-ctx.Done():
			s.state.Store(int32(Disconnected))
			return nil, &fault.Error{Kind: fault.KindConnection, Op: "traci: dial", Msg: addr, Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
	s.state.Store(int32(Disconnected))
	return nil, &fault.Error{
		Kind: fault.KindConnection,
		Op:   "traci: dial",
		Msg:  fmt.Sprintf("%s unreachable after %d attempts", addr, opts.Retries+1),
		Err:  lastErr,
	}
}

// State returns the current connection state.
func (s *Session) State() SessionState {
	if s == nil {
		return Disconnected
	}
	return SessionState(s.state.Load())
}

// Attempts returns the number of dial attempts it took to connect.
func (s *Session) Attempts() int { return s.attempts }

// Handshake confirms the session is live and the engine parsed its inputs.
func (s *Session) Handshake() (Handshake, error) {
	var hs Handshake
	api, version, err := s.Version()
	if err != nil {
		return hs, err
	}
	hs.APIVersion, hs.EngineVersion = api, version
	if hs.Time, err = s.SimTime(); err != nil {
		return hs, err
	}
	if hs.Loaded, err = s.LoadedNumber(); err != nil {
		return hs, err
	}
	s.log.WithFields(logrus.Fields{
		"api":     hs.APIVersion,
		"version": hs.EngineVersion,
		"time":    hs.Time,
		"loaded":  hs.Loaded,
	}).Info("handshake complete")
	return hs, nil
}

// Version queries the TraCI API level and engine identification string.
func (s *Session) Version() (int32, string, error) {
	r, err := s.exchange("traci: version", wire.CmdGetVersion, nil)
	if err != nil {
		return 0, "", err
	}
	r.CommandLength()
	if id := r.Ubyte(); id != wire.CmdGetVersion && r.Err() == nil {
		return 0, "", s.desync("traci: version", fmt.Errorf("response id 0x%02x", id))
	}
	api := r.Int()
	version := r.Str()
	if err := r.Err(); err != nil {
		return 0, "", s.desync("traci: version", err)
	}
	return api, version, nil
}

// Step advances the engine by one simulation step.
func (s *Session) Step() error {
	var content wire.Buffer
	content.PutDouble(0)
	r, err := s.exchange("traci: step", wire.CmdSimStep, content.Bytes())
	if err != nil {
		return err
	}
	// Subscription results follow; this client never subscribes.
	r.Int()
	if err := r.Err(); err != nil {
		return s.desync("traci: step", err)
	}
	return nil
}

// Close ends the session. It is idempotent and safe on a session that never
// connected.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		s.state.Store(int32(Disconnected))
		return nil
	}
	if s.State() == Connected {
		var payload wire.Buffer
		payload.Command(wire.CmdClose, nil)
		s.conn.SetDeadline(time.Now().Add(2 * time.Second))
		if err := wire.WriteMessage(s.conn, payload.Bytes()); err == nil {
			wire.ReadMessage(s.conn)
		}
	}
	err := s.conn.Close()
	s.conn = nil
	s.state.Store(int32(Disconnected))
	s.log.Info("session closed")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("traci: close: %w", err)
	}
	return nil
}

// exchange sends one command and returns a reader positioned after the
// command's status response.
func (s *Session) exchange(op string, cmd byte, content []byte) (*wire.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.State() != Connected {
		return nil, fault.Disconnected(op)
	}

	var payload wire.Buffer
	payload.Command(cmd, content)

	if err := s.conn.SetDeadline(time.Now().Add(s.ioTimeout)); err != nil {
		return nil, s.failLocked(op, err)
	}
	if err := wire.WriteMessage(s.conn, payload.Bytes()); err != nil {
		return nil, s.failLocked(op, err)
	}
	body, err := wire.ReadMessage(s.conn)
	if err != nil {
		return nil, s.failLocked(op, err)
	}

	r := wire.NewReader(body)
	r.CommandLength()
	id := r.Ubyte()
	result := r.Ubyte()
	desc := r.Str()
	if err := r.Err(); err != nil {
		return nil, s.failLocked(op, fmt.Errorf("status: %w", err))
	}
	if id != cmd {
		return nil, s.failLocked(op, fmt.Errorf("status for command 0x%02x, sent 0x%02x", id, cmd))
	}
	if result != wire.ResultOK {
		return nil, &StatusError{Command: cmd, Result: result, Description: desc}
	}
	return r, nil
}

// failLocked tears down the connection after an I/O failure. s.mu must be held.
func (s *Session) failLocked(op string, err error) error {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state.Store(int32(Disconnected))
	s.log.WithError(err).Warnf("%s failed, session disconnected", op)
	return fault.Wrap(fault.KindConnection, op, err)
}

// desync handles a malformed response body. The stream is no longer
// trustworthy, so the session is torn down like an I/O failure.
func (s *Session) desync(op string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failLocked(op, fmt.Errorf("malformed response: %w", err))
}
