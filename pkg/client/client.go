// Package client attaches to a linguacast server over websocket, handles the
// connection lifecycle (heartbeats, make-before-break refresh), and exposes
// translated audio through an ordered playback queue.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"linguacast/internal/audio"
	cidpkg "linguacast/internal/cid"
	"linguacast/internal/types"
	"linguacast/pkg/protocol"
)

// wire is one live websocket bound to a server-side connection record.
type wire struct {
	conn         *websocket.Conn
	connectionID string
	generation   int
	role         string
}

// Client is a session participant. One Client survives any number of
// connection refreshes; the playback queue and capture ring span them.
type Client struct {
	cfg     Config
	handler EventHandler
	logger  *slog.Logger

	playback *audio.PlaybackQueue
	capture  *audio.CaptureBuffer

	mu         sync.Mutex
	current    *wire
	next       *wire
	refreshing bool
	seq        uint64
}

// New creates a client. Run must be called to attach.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		handler: DefaultEventHandler{},
		logger:  slog.Default(),
	}
	c.playback = audio.NewPlaybackQueue(audio.PlaybackConfig{
		Capacity: cfg.PlaybackCapacity,
		Prefetch: cfg.PlaybackPrefetch,
		Fetcher:  audio.NewHTTPFetcher(0),
	}, c.logger)
	c.capture = audio.NewCaptureBuffer(cfg.CaptureCapacity)
	return c
}

// SetEventHandler replaces the notification handler. Call before Run.
func (c *Client) SetEventHandler(h EventHandler) { c.handler = h }

// Playback is the listener's ordered audio stream. Chunks come out strictly
// in sequence order regardless of refresh-time redelivery.
func (c *Client) Playback() *audio.PlaybackQueue { return c.playback }

// Capture is the speaker's outbound ring. Writes never block; Run drains it
// onto the wire.
func (c *Client) Capture() *audio.CaptureBuffer { return c.capture }

// ConnectionID returns the current server-side connection id.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.connectionID
}

// Run connects, joins the session, and serves until the session ends, the
// context is canceled, or the connection is lost without a successor.
func (c *Client) Run(ctx context.Context) error {
	w, err := c.dialAndJoin(ctx, "")
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.current = w
	c.mu.Unlock()
	c.handler.OnJoined(c.cfg.SessionID, w.connectionID, w.role, w.generation)

	if w.role == string(types.RoleSpeaker) {
		go c.pumpCapture(ctx)
	}

	for {
		err := c.serve(ctx, w)

		if successor := c.awaitSuccessor(ctx); successor != nil {
			// Seamless switch: keep draining the same playback queue on the
			// new wire. Sequence dedup absorbs any overlap.
			w = successor
			continue
		}
		if err == nil || ctx.Err() != nil {
			c.playback.Close()
			return err
		}
		// Unplanned transport loss. Rejoin as a fresh connection; this is the
		// ordinary reconnect path, distinct from a planned refresh.
		rejoined, rerr := c.rejoin(ctx)
		if rerr != nil {
			c.playback.Close()
			return err
		}
		w = rejoined
	}
}

// rejoin re-establishes a connection after an abnormal close. The playback
// queue is kept; the per-stream sequence continues server-side.
func (c *Client) rejoin(ctx context.Context) (*wire, error) {
	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		w, err := c.dialAndJoin(ctx, "")
		if err == nil {
			c.mu.Lock()
			c.current = w
			c.mu.Unlock()
			c.handler.OnJoined(c.cfg.SessionID, w.connectionID, w.role, w.generation)
			return w, nil
		}
		lastErr = err
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, lastErr
}

// awaitSuccessor collects the refresh successor if one is ready or still
// being dialed. The old socket can close before the successor handshake
// finishes, so an in-flight dial gets a grace period.
func (c *Client) awaitSuccessor(ctx context.Context) *wire {
	deadline := time.Now().Add(10 * time.Second)
	for {
		c.mu.Lock()
		successor := c.next
		inFlight := c.refreshing
		if successor != nil {
			c.next = nil
			c.refreshing = false
			c.current = successor
		}
		c.mu.Unlock()

		if successor != nil {
			return successor
		}
		if !inFlight || time.Now().After(deadline) || ctx.Err() != nil {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// serve reads one wire until it closes, running the heartbeat loop alongside.
func (c *Client) serve(ctx context.Context, w *wire) error {
	hbCtx, stopHeartbeats := context.WithCancel(ctx)
	defer stopHeartbeats()
	go c.heartbeatLoop(hbCtx, w)

	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, w.conn, &env); err != nil {
			status := websocket.CloseStatus(err)
			c.handler.OnClosed(status, "")
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if done := c.handleEnvelope(ctx, w, env); done {
			return nil
		}
	}
}

func (c *Client) handleEnvelope(ctx context.Context, w *wire, env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeHeartbeatAck:
		// liveness confirmed, nothing to do

	case protocol.TypeAudioData:
		chunk := types.AudioChunk{
			SequenceNumber: env.SequenceNumber,
			Timestamp:      time.Now(),
			DurationMs:     env.DurationMs,
			Payload:        env.Payload,
			PayloadURL:     env.PayloadRef,
		}
		if err := c.playback.Enqueue(ctx, chunk); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("enqueue failed", slog.String("error", err.Error()))
		}

	case protocol.TypeConnectionRefreshRequired:
		refreshAt := time.Now()
		if env.RefreshAt != nil {
			refreshAt = *env.RefreshAt
		}
		c.handler.OnRefreshRequired(refreshAt)
		c.startRefresh(ctx, w)

	case protocol.TypeConnectionRefreshComplete:
		c.handler.OnRefreshComplete(env.NewConnectionID)

	case protocol.TypeSessionEnded:
		c.handler.OnSessionEnded()
		c.playback.Close()
		return true

	case protocol.TypeBroadcastPaused:
		c.playback.Pause()
		c.handler.OnBroadcastState("paused")
	case protocol.TypeBroadcastResumed:
		c.playback.Resume()
		c.handler.OnBroadcastState("resumed")
	case protocol.TypeBroadcastMuted:
		c.handler.OnBroadcastState("muted")
	case protocol.TypeBroadcastUnmuted:
		c.handler.OnBroadcastState("unmuted")

	case protocol.TypeError:
		c.handler.OnError(env.Code, env.Message)
	}
	return false
}

// startRefresh opens the successor connection while the old one keeps
// flowing. At most one refresh runs at a time.
func (c *Client) startRefresh(ctx context.Context, old *wire) {
	c.mu.Lock()
	if c.refreshing {
		c.mu.Unlock()
		return
	}
	c.refreshing = true
	c.mu.Unlock()

	go func() {
		successor, err := c.dialAndJoin(ctx, old.connectionID)
		if err != nil {
			c.logger.Warn("refresh dial failed", slog.String("error", err.Error()))
			c.mu.Lock()
			c.refreshing = false
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		c.next = successor
		c.mu.Unlock()
		c.handler.OnJoined(c.cfg.SessionID, successor.connectionID, successor.role, successor.generation)
	}()
}

// dialAndJoin opens a websocket and performs the join handshake. A non-empty
// prior connection id makes this a refresh successor.
func (c *Client) dialAndJoin(ctx context.Context, priorConnectionID string) (*wire, error) {
	headers := map[string][]string{"User-Agent": {c.cfg.UserAgent}}
	cidpkg.AddHeaderFromContext(headers, ctx)

	conn, _, err := websocket.Dial(ctx, c.cfg.ServerURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing server: %w", err)
	}

	c.mu.Lock()
	targetLanguage := c.cfg.TargetLanguage
	c.mu.Unlock()

	join := protocol.Envelope{
		Action:            protocol.ActionJoinSession,
		SessionID:         c.cfg.SessionID,
		TargetLanguage:    targetLanguage,
		Token:             c.cfg.Token,
		PriorConnectionID: priorConnectionID,
	}
	if priorConnectionID != "" {
		join.Action = protocol.ActionRefreshConnection
	}
	if err := wsjson.Write(ctx, conn, join); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("sending join: %w", err)
	}

	var reply protocol.Envelope
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("reading join reply: %w", err)
	}
	if reply.Type == protocol.TypeError {
		conn.Close(websocket.StatusNormalClosure, "join refused")
		return nil, fmt.Errorf("join refused: %s: %s", reply.Code, reply.Message)
	}
	if reply.Type != protocol.TypeSessionJoined {
		conn.Close(websocket.StatusProtocolError, "unexpected reply")
		return nil, fmt.Errorf("unexpected join reply %q", reply.Type)
	}

	return &wire{
		conn:         conn,
		connectionID: reply.ConnectionID,
		generation:   reply.Generation,
		role:         reply.Role,
	}, nil
}

func (c *Client) heartbeatLoop(ctx context.Context, w *wire) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := wsjson.Write(ctx, w.conn, protocol.Envelope{
				Action: protocol.ActionHeartbeat,
			}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// pumpCapture drains the speaker's capture ring onto whichever wire is
// current, numbering chunks sequentially across refreshes.
func (c *Client) pumpCapture(ctx context.Context) {
	for {
		chunk, err := c.capture.Next(ctx)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.seq++
		seq := c.seq
		w := c.current
		c.mu.Unlock()
		if w == nil {
			continue
		}
		env := protocol.Envelope{
			Action:         protocol.ActionAudioData,
			SessionID:      c.cfg.SessionID,
			SequenceNumber: seq,
			Payload:        chunk.Payload,
			PayloadRef:     chunk.PayloadURL,
			DurationMs:     chunk.DurationMs,
		}
		if err := wsjson.Write(ctx, w.conn, env); err != nil {
			c.logger.Warn("audio send failed", slog.String("error", err.Error()))
		}
	}
}

// ChangeLanguage flushes buffered audio and rebinds to a new target stream.
// The reset is unconditional: mixed-language playback is never acceptable.
func (c *Client) ChangeLanguage(ctx context.Context, targetLanguage string) error {
	c.playback.Reset()
	c.mu.Lock()
	c.cfg.TargetLanguage = targetLanguage
	w := c.current
	c.mu.Unlock()
	if w == nil {
		return fmt.Errorf("not connected")
	}
	return wsjson.Write(ctx, w.conn, protocol.Envelope{
		Action:         protocol.ActionChangeLanguage,
		SessionID:      c.cfg.SessionID,
		TargetLanguage: targetLanguage,
	})
}

// control sends a speaker control action on the current wire.
func (c *Client) control(ctx context.Context, action string) error {
	c.mu.Lock()
	w := c.current
	c.mu.Unlock()
	if w == nil {
		return fmt.Errorf("not connected")
	}
	return wsjson.Write(ctx, w.conn, protocol.Envelope{
		Action:    action,
		SessionID: c.cfg.SessionID,
	})
}

// PauseBroadcast suspends relay; listeners keep their connections.
func (c *Client) PauseBroadcast(ctx context.Context) error {
	return c.control(ctx, protocol.ActionPauseBroadcast)
}

// ResumeBroadcast restarts relay after a pause.
func (c *Client) ResumeBroadcast(ctx context.Context) error {
	return c.control(ctx, protocol.ActionResumeBroadcast)
}

// MuteBroadcast stops the uplink from being relayed without pausing playback
// state.
func (c *Client) MuteBroadcast(ctx context.Context) error {
	return c.control(ctx, protocol.ActionMuteBroadcast)
}

// UnmuteBroadcast reverses MuteBroadcast.
func (c *Client) UnmuteBroadcast(ctx context.Context) error {
	return c.control(ctx, protocol.ActionUnmuteBroadcast)
}

// EndSession terminates the broadcast for every participant.
func (c *Client) EndSession(ctx context.Context) error {
	return c.control(ctx, protocol.ActionEndSession)
}

// Close tears down the current connection with a normal closure.
func (c *Client) Close() error {
	c.mu.Lock()
	w := c.current
	c.current = nil
	c.mu.Unlock()
	c.capture.Close()
	c.playback.Close()
	if w == nil {
		return nil
	}
	return w.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
