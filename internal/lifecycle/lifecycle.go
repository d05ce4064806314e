// Package lifecycle drives a single connection through its states:
// connecting, connected, refreshing, closed. One coordinator goroutine owns
// each connection; everything else talks to it through typed events and
// non-blocking signals.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"linguacast/internal/metrics"
	"linguacast/internal/registry"
	"linguacast/internal/types"
)

// State is a connection lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateRefreshing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRefreshing:
		return "refreshing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a connection reached the closed state.
type CloseReason string

const (
	ReasonNone             CloseReason = ""
	ReasonSuperseded       CloseReason = "superseded"
	ReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	ReasonPeerClosed       CloseReason = "peer_closed"
	ReasonSessionEnded     CloseReason = "session_ended"
	ReasonAdmissionDenied  CloseReason = "admission_denied"
	ReasonShutdown         CloseReason = "shutdown"
)

// EventKind tags lifecycle events.
type EventKind int

const (
	// EventTransition reports a state change.
	EventTransition EventKind = iota
	// EventRefreshWarning fires ahead of the refresh threshold so the peer
	// can prepare.
	EventRefreshWarning
	// EventRefreshDue fires at the refresh threshold; the connection has
	// entered the refreshing state and a successor should be arranged.
	EventRefreshDue
)

// Event is the single typed notification the coordinator emits.
type Event struct {
	Kind         EventKind
	ConnectionID string
	From, To     State
	Reason       CloseReason
	At           time.Time
}

// Config carries the timing knobs.
type Config struct {
	// HeartbeatInterval is the expected client heartbeat cadence.
	HeartbeatInterval time.Duration
	// RefreshThreshold is the connection age at which a refresh begins.
	RefreshThreshold time.Duration
	// RefreshWarning is how long before the threshold the warning fires.
	RefreshWarning time.Duration
	// MissedHeartbeats is how many intervals may elapse without a heartbeat
	// before the peer is declared dead. Defaults to 3.
	MissedHeartbeats int
}

// AdmitFunc performs admission for the connection. It runs inside the
// connecting state; failure closes the coordinator with admission_denied.
type AdmitFunc func(ctx context.Context) (types.Connection, error)

// Coordinator is the per-connection state machine.
type Coordinator struct {
	cfg      Config
	registry *registry.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	state  State
	reason CloseReason
	connID string

	heartbeats chan struct{}
	closeReq   chan CloseReason
	events     chan Event
	done       chan struct{}
}

// New creates a coordinator in the connecting state.
func New(cfg Config, reg *registry.Registry, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = 3
	}
	return &Coordinator{
		cfg:        cfg,
		registry:   reg,
		logger:     logger,
		metrics:    m,
		state:      StateConnecting,
		heartbeats: make(chan struct{}, 1),
		closeReq:   make(chan CloseReason, 1),
		events:     make(chan Event, 16),
		done:       make(chan struct{}),
	}
}

// Run admits the connection and drives it until closed. It owns the
// registry record: the record is released exactly once, on exit.
func (c *Coordinator) Run(ctx context.Context, admit AdmitFunc) error {
	defer close(c.done)
	defer close(c.events)

	conn, err := admit(ctx)
	if err != nil {
		c.transition(StateClosed, ReasonAdmissionDenied)
		return err
	}

	c.mu.Lock()
	c.connID = conn.ID
	c.mu.Unlock()
	c.transition(StateConnected, ReasonNone)

	watchdogTimeout := time.Duration(c.cfg.MissedHeartbeats) * c.cfg.HeartbeatInterval
	watchdog := time.NewTimer(watchdogTimeout)
	defer watchdog.Stop()

	// Refresh scheduling is anchored to the connection's age, not to Run's
	// start, so a successor admitted mid-life still refreshes on time.
	age := time.Since(conn.ConnectedAt)
	refreshIn := c.cfg.RefreshThreshold - age
	warnIn := refreshIn - c.cfg.RefreshWarning
	if warnIn < 0 {
		warnIn = 0
	}
	warnTimer := time.NewTimer(warnIn)
	refreshTimer := time.NewTimer(refreshIn)
	defer warnTimer.Stop()
	defer refreshTimer.Stop()

	defer func() {
		if err := c.registry.Release(context.WithoutCancel(ctx), conn.ID); err != nil {
			c.logger.Warn("release failed",
				slog.String("connection_id", conn.ID),
				slog.String("error", err.Error()))
		}
	}()

	for {
		select {
		case <-c.heartbeats:
			if err := c.registry.Touch(ctx, conn.ID); err != nil {
				c.logger.Warn("touch failed",
					slog.String("connection_id", conn.ID),
					slog.String("error", err.Error()))
			}
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(watchdogTimeout)

		case <-watchdog.C:
			c.metrics.HeartbeatTimeouts.Inc()
			c.transition(StateClosed, ReasonHeartbeatTimeout)
			return nil

		case <-warnTimer.C:
			c.emit(Event{
				Kind:         EventRefreshWarning,
				ConnectionID: conn.ID,
				At:           time.Now(),
			})

		case <-refreshTimer.C:
			if c.State() == StateConnected {
				c.transition(StateRefreshing, ReasonNone)
				c.emit(Event{
					Kind:         EventRefreshDue,
					ConnectionID: conn.ID,
					At:           time.Now(),
				})
			}

		case reason := <-c.closeReq:
			c.transition(StateClosed, reason)
			return nil

		case <-ctx.Done():
			c.transition(StateClosed, ReasonShutdown)
			return nil
		}
	}
}

// Heartbeat records peer liveness. Never blocks; safe after close.
func (c *Coordinator) Heartbeat() {
	select {
	case c.heartbeats <- struct{}{}:
	default:
	}
}

// Close requests a transition to closed. The first reason wins; later calls
// are no-ops.
func (c *Coordinator) Close(reason CloseReason) {
	select {
	case c.closeReq <- reason:
	default:
	}
}

// ConfirmSuperseded closes the connection after a refresh successor has
// taken over.
func (c *Coordinator) ConfirmSuperseded() {
	c.Close(ReasonSuperseded)
}

// Events exposes the coordinator's typed event stream. The channel closes
// when Run returns.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Done is closed when Run has returned and the record is released.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CloseReason returns why the connection closed, or ReasonNone.
func (c *Coordinator) CloseReason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// ConnectionID returns the registry id, empty until admitted.
func (c *Coordinator) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Coordinator) transition(to State, reason CloseReason) {
	c.mu.Lock()
	from := c.state
	if from == to || from == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = to
	if to == StateClosed {
		c.reason = reason
	}
	connID := c.connID
	c.mu.Unlock()

	c.metrics.RecordTransition(from.String(), to.String())
	c.logger.Info("lifecycle transition",
		slog.String("connection_id", connID),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", string(reason)))
	c.emit(Event{
		Kind:         EventTransition,
		ConnectionID: connID,
		From:         from,
		To:           to,
		Reason:       reason,
		At:           time.Now(),
	})
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// A consumer that stopped draining loses notifications rather than
		// stalling the state machine.
	}
}
