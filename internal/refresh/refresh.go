// Package refresh orchestrates make-before-break connection replacement. An
// aging connection stays fully live while its peer opens a successor; the
// old one is told to close only after the successor is admitted. A failed
// attempt retries with backoff and never tears down the old connection.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"linguacast/internal/metrics"
	"linguacast/internal/registry"
	"linguacast/internal/types"
)

// ErrExhausted is returned when every attempt timed out waiting for a
// successor. The old connection is untouched; the caller may surface a
// warning and keep serving.
var ErrExhausted = errors.New("refresh retries exhausted")

// Config carries the retry knobs.
type Config struct {
	// SuccessorTimeout is the per-attempt wait for the successor to be
	// admitted.
	SuccessorTimeout time.Duration
	// BackoffBase is the first retry delay. Defaults to 30s.
	BackoffBase time.Duration
	// BackoffCap bounds the exponential backoff. Defaults to 5m.
	BackoffCap time.Duration
	// MaxAttempts bounds the total attempts. Defaults to 5.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.SuccessorTimeout <= 0 {
		c.SuccessorTimeout = time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// RequestFunc asks the peer to open a successor connection, typically by
// sending a refresh-required control message over the old connection.
type RequestFunc func(window types.RefreshWindow) error

type pending struct {
	window    types.RefreshWindow
	successor chan string
}

// Coordinator runs refresh windows keyed by the old connection id.
type Coordinator struct {
	registry *registry.Registry
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	windows map[string]*pending
}

// New creates a coordinator.
func New(reg *registry.Registry, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		registry: reg,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  m,
		windows:  make(map[string]*pending),
	}
}

// Run executes the window for oldConnID until a successor is admitted, the
// attempts are exhausted, or ctx is done (the old connection went away, the
// window is abandoned). On success the returned window is in the switched
// state and carries the successor's connection id.
func (c *Coordinator) Run(ctx context.Context, oldConnID string, request RequestFunc) (types.RefreshWindow, error) {
	window := types.RefreshWindow{
		ID:              uuid.New().String(),
		OldConnectionID: oldConnID,
		StartedAt:       time.Now(),
		State:           types.RefreshPending,
	}
	p := &pending{window: window, successor: make(chan string, 1)}

	c.mu.Lock()
	c.windows[oldConnID] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.windows, oldConnID)
		c.mu.Unlock()
	}()

	c.metrics.RefreshWindowsStarted.Inc()

	// Mark the old connection superseded up front so a speaker successor
	// passes the single-live-speaker check. The old connection itself keeps
	// flowing until told to close.
	if err := c.registry.Supersede(ctx, oldConnID); err != nil {
		window.State = types.RefreshClosed
		return window, err
	}

	backoff := c.cfg.BackoffBase
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := request(window); err != nil {
			c.logger.Warn("refresh request not delivered",
				slog.String("old_connection_id", oldConnID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		}

		timer := time.NewTimer(c.cfg.SuccessorTimeout)
		select {
		case newID := <-p.successor:
			timer.Stop()
			window.NewConnectionID = newID
			window.State = types.RefreshSwitched
			c.metrics.RecordSwitch(time.Since(window.StartedAt).Seconds())
			c.logger.Info("refresh switched",
				slog.String("old_connection_id", oldConnID),
				slog.String("new_connection_id", newID),
				slog.Int("attempt", attempt))
			return window, nil

		case <-timer.C:
			c.logger.Warn("successor did not arrive",
				slog.String("old_connection_id", oldConnID),
				slog.Int("attempt", attempt))

		case <-ctx.Done():
			timer.Stop()
			window.State = types.RefreshClosed
			return window, ctx.Err()
		}

		if attempt == c.cfg.MaxAttempts {
			break
		}
		c.metrics.RefreshRetries.Inc()
		sleep := time.NewTimer(backoff)
		select {
		case newID := <-p.successor:
			// The successor can land during the backoff pause.
			sleep.Stop()
			window.NewConnectionID = newID
			window.State = types.RefreshSwitched
			c.metrics.RecordSwitch(time.Since(window.StartedAt).Seconds())
			return window, nil
		case <-sleep.C:
		case <-ctx.Done():
			sleep.Stop()
			window.State = types.RefreshClosed
			return window, ctx.Err()
		}
		backoff *= 2
		if backoff > c.cfg.BackoffCap {
			backoff = c.cfg.BackoffCap
		}
	}

	window.State = types.RefreshClosed
	c.metrics.RefreshWindowsFailed.Inc()
	// The old connection stays the live one; undo the superseded mark so the
	// single-speaker check holds again outside the window.
	if err := c.registry.Reinstate(ctx, oldConnID); err != nil {
		c.logger.Warn("reinstate after failed refresh",
			slog.String("old_connection_id", oldConnID),
			slog.String("error", err.Error()))
	}
	return window, ErrExhausted
}

// NotifySuccessor signals that a successor for oldConnID was admitted. It
// reports whether a window was waiting.
func (c *Coordinator) NotifySuccessor(oldConnID, newConnID string) bool {
	c.mu.Lock()
	p, ok := c.windows[oldConnID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case p.successor <- newConnID:
		return true
	default:
		return false
	}
}

// Pending reports whether a window is open for the given old connection.
func (c *Coordinator) Pending(oldConnID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.windows[oldConnID]
	return ok
}
