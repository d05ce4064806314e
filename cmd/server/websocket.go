package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"linguacast/internal/auth"
	"linguacast/internal/cid"
	"linguacast/internal/lifecycle"
	"linguacast/internal/refresh"
	"linguacast/internal/registry"
	"linguacast/internal/types"
	"linguacast/pkg/protocol"
)

// joinDeadline bounds how long a fresh socket may sit silent before sending
// its join envelope.
const joinDeadline = 10 * time.Second

// client is the server-side view of one websocket connection.
type client struct {
	conn        *websocket.Conn
	coordinator *lifecycle.Coordinator

	connID      string
	sessionID   string
	role        types.Role
	generation  int
	connectedAt time.Time

	mu             sync.Mutex
	targetLanguage string

	send   chan protocol.Envelope
	closed atomic.Bool
}

func (cl *client) language() string {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.targetLanguage
}

func (cl *client) setLanguage(lang string) {
	cl.mu.Lock()
	cl.targetLanguage = lang
	cl.mu.Unlock()
}

// trySend queues an envelope without ever blocking the caller. A full queue
// drops the envelope; control messages are re-sent by their owners and audio
// recovers through playback gap handling.
func (cl *client) trySend(env protocol.Envelope) {
	if cl.closed.Load() {
		return
	}
	select {
	case cl.send <- env:
	default:
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close(websocket.StatusInternalError, "")

	// The connection outlives the request context only in the sense that it
	// descends from the server root; correlation id carries over.
	connCtx, cancel := context.WithCancel(cid.WithCID(s.rootCtx, cid.CIDFromContext(c.Request.Context())))
	defer cancel()

	// First envelope opens the connection: joinSession for a fresh attach,
	// refreshConnection for a make-before-break successor.
	var join protocol.Envelope
	readCtx, cancelRead := context.WithTimeout(connCtx, joinDeadline)
	err = wsjson.Read(readCtx, ws, &join)
	cancelRead()
	if err != nil {
		ws.Close(websocket.StatusPolicyViolation, protocol.CodeBadEnvelope)
		return
	}
	if join.Action != protocol.ActionJoinSession && join.Action != protocol.ActionRefreshConnection {
		s.refuse(connCtx, ws, protocol.CodeBadEnvelope, "first message must be joinSession or refreshConnection")
		return
	}

	// Authorization runs for every attempt, no exceptions. A token may ride
	// the upgrade request header or the join envelope.
	token := bearerToken(c.Request)
	if token == "" {
		token = join.Token
	}
	decision := s.authorizer.Authorize(connCtx, auth.Attempt{BearerToken: token})
	if !decision.Allow {
		code := protocol.CodeAuthFailed
		if errors.Is(decision.Err, auth.ErrTokenExpired) {
			code = protocol.CodeTokenExpired
		}
		s.refuse(connCtx, ws, code, decision.Reason)
		return
	}

	coord := lifecycle.New(lifecycle.Config{
		HeartbeatInterval: s.cfg.Lifecycle.HeartbeatIntervalDuration(),
		RefreshThreshold:  s.cfg.Lifecycle.RefreshThresholdDuration(),
		RefreshWarning:    s.cfg.Lifecycle.RefreshWarningDuration(),
	}, s.registry, s.logger, s.metrics)

	admitted := make(chan types.Connection, 1)
	runDone := make(chan error, 1)
	go func() {
		runDone <- coord.Run(connCtx, func(ctx context.Context) (types.Connection, error) {
			conn, err := s.registry.Admit(ctx, registry.AdmitRequest{
				SessionID:         join.SessionID,
				Principal:         decision.Principal,
				TargetLanguage:    join.TargetLanguage,
				PriorConnectionID: join.PriorConnectionID,
			})
			if err == nil {
				admitted <- conn
			}
			return conn, err
		})
	}()

	var conn types.Connection
	select {
	case conn = <-admitted:
	case err := <-runDone:
		s.refuse(connCtx, ws, admissionCode(err), err.Error())
		return
	}

	cl := &client{
		conn:           ws,
		coordinator:    coord,
		connID:         conn.ID,
		sessionID:      conn.SessionID,
		role:           conn.Role,
		targetLanguage: conn.TargetLanguage,
		generation:     conn.Generation,
		connectedAt:    conn.ConnectedAt,
		send:           make(chan protocol.Envelope, 2*s.cfg.Buffers.PlaybackChunks),
	}
	s.addClient(cl)
	defer func() {
		s.removeClient(cl.connID)
		s.broadcast.Unsubscribe(cl.connID)
		cl.closed.Store(true)
	}()

	// A speaker attaching fresh starts its uplink numbering over; only a
	// refresh successor continues the prior sequence.
	if conn.Role == types.RoleSpeaker && join.PriorConnectionID == "" {
		s.broadcast.ResetSource(conn.SessionID)
	}

	// A successor announces itself; the waiting refresh window completes the
	// switch and tells the old connection to stand down. A successor that
	// arrives ahead of the window (the peer acted on the advance warning) is
	// switched directly.
	if join.PriorConnectionID != "" {
		if !s.refresh.NotifySuccessor(join.PriorConnectionID, conn.ID) {
			if old := s.getClient(join.PriorConnectionID); old != nil {
				old.trySend(protocol.Envelope{
					Type:            protocol.TypeConnectionRefreshComplete,
					SessionID:       conn.SessionID,
					NewConnectionID: conn.ID,
				})
				old.coordinator.ConfirmSuperseded()
			}
		}
	}

	if conn.Role == types.RoleListener {
		sink := make(chan types.AudioChunk, s.cfg.Buffers.PlaybackChunks)
		s.broadcast.Subscribe(conn.SessionID, conn.TargetLanguage, conn.ID, sink)
		go s.forwardAudio(connCtx, cl, sink)
	}

	refreshAt := conn.ConnectedAt.Add(s.cfg.Lifecycle.RefreshThresholdDuration())
	cl.trySend(protocol.Envelope{
		Type:           protocol.TypeSessionJoined,
		SessionID:      conn.SessionID,
		ConnectionID:   conn.ID,
		Role:           string(conn.Role),
		TargetLanguage: conn.TargetLanguage,
		Generation:     conn.Generation,
		RefreshAt:      &refreshAt,
	})

	go s.writeLoop(connCtx, cl)
	go s.eventLoop(connCtx, cl)

	s.readLoop(connCtx, cl)

	// The read loop exited; wait for the coordinator to settle and put the
	// final close frame on the wire.
	coord.Close(lifecycle.ReasonPeerClosed)
	<-coord.Done()
	status, reason := closeFrame(coord.CloseReason())
	ws.Close(status, reason)
}

// refuse reports a pre-admission failure and closes with a policy violation.
func (s *Server) refuse(ctx context.Context, ws *websocket.Conn, code, message string) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = wsjson.Write(writeCtx, ws, protocol.Envelope{
		Type:    protocol.TypeError,
		Code:    code,
		Message: message,
	})
	ws.Close(websocket.StatusPolicyViolation, code)
}

func admissionCode(err error) string {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		return protocol.CodeSessionNotFound
	case errors.Is(err, registry.ErrDuplicateSpeaker):
		return protocol.CodeDuplicateSpeaker
	case errors.Is(err, registry.ErrMissingLanguage):
		return protocol.CodeMissingLanguage
	default:
		return protocol.CodeAuthFailed
	}
}

func closeFrame(reason lifecycle.CloseReason) (websocket.StatusCode, string) {
	switch reason {
	case lifecycle.ReasonSuperseded:
		return websocket.StatusNormalClosure, protocol.ReasonSuperseded
	case lifecycle.ReasonSessionEnded:
		return websocket.StatusNormalClosure, protocol.ReasonSessionEnded
	case lifecycle.ReasonHeartbeatTimeout:
		return websocket.StatusNormalClosure, protocol.ReasonHeartbeatTimeout
	case lifecycle.ReasonShutdown:
		return websocket.StatusGoingAway, "ServerShutdown"
	default:
		return websocket.StatusNormalClosure, ""
	}
}

func (s *Server) readLoop(ctx context.Context, cl *client) {
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, cl.conn, &env); err != nil {
			return
		}
		s.handleEnvelope(ctx, cl, env)
	}
}

func (s *Server) writeLoop(ctx context.Context, cl *client) {
	for {
		select {
		case env := <-cl.send:
			if err := wsjson.Write(ctx, cl.conn, env); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// eventLoop reacts to the lifecycle coordinator's typed events. It is the
// only place refresh scheduling touches the wire.
func (s *Server) eventLoop(ctx context.Context, cl *client) {
	for ev := range cl.coordinator.Events() {
		switch ev.Kind {
		case lifecycle.EventRefreshWarning:
			cl.trySend(s.refreshRequiredEnvelope(cl))

		case lifecycle.EventRefreshDue:
			go s.runRefresh(ctx, cl)

		case lifecycle.EventTransition:
			if ev.To == lifecycle.StateClosed && ev.Reason != lifecycle.ReasonPeerClosed {
				// Give the write loop a beat to flush, then close the socket
				// to unblock the read loop.
				status, reason := closeFrame(ev.Reason)
				time.AfterFunc(100*time.Millisecond, func() {
					cl.conn.Close(status, reason)
				})
			}
		}
	}
}

func (s *Server) refreshRequiredEnvelope(cl *client) protocol.Envelope {
	refreshAt := cl.connectedAt.Add(s.cfg.Lifecycle.RefreshThresholdDuration())
	warningAt := refreshAt.Add(-s.cfg.Lifecycle.RefreshWarningDuration())
	return protocol.Envelope{
		Type:      protocol.TypeConnectionRefreshRequired,
		SessionID: cl.sessionID,
		RefreshAt: &refreshAt,
		WarningAt: &warningAt,
	}
}

// runRefresh drives one make-before-break window for this connection.
func (s *Server) runRefresh(ctx context.Context, cl *client) {
	request := func(types.RefreshWindow) error {
		cl.trySend(s.refreshRequiredEnvelope(cl))
		return nil
	}

	window, err := s.refresh.Run(ctx, cl.connID, request)
	switch {
	case errors.Is(err, refresh.ErrExhausted):
		// The old connection keeps serving; the peer just hears about it.
		cl.trySend(protocol.Envelope{
			Type:    protocol.TypeError,
			Code:    protocol.CodeRefreshFailed,
			Message: "could not establish a replacement connection",
		})
	case err != nil:
		// Window abandoned (connection went away); nothing to do.
	default:
		cl.trySend(protocol.Envelope{
			Type:            protocol.TypeConnectionRefreshComplete,
			SessionID:       cl.sessionID,
			NewConnectionID: window.NewConnectionID,
		})
		cl.coordinator.ConfirmSuperseded()
	}
}

// forwardAudio moves translated chunks from the broadcast sink onto the wire.
func (s *Server) forwardAudio(ctx context.Context, cl *client, sink <-chan types.AudioChunk) {
	for {
		select {
		case chunk := <-sink:
			cl.trySend(protocol.Envelope{
				Type:           protocol.TypeAudioData,
				SessionID:      cl.sessionID,
				TargetLanguage: cl.language(),
				SequenceNumber: chunk.SequenceNumber,
				Payload:        chunk.Payload,
				PayloadRef:     chunk.PayloadURL,
				DurationMs:     chunk.DurationMs,
			})
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleEnvelope(ctx context.Context, cl *client, env protocol.Envelope) {
	switch env.Action {
	case protocol.ActionHeartbeat:
		cl.coordinator.Heartbeat()
		cl.trySend(protocol.Envelope{Type: protocol.TypeHeartbeatAck})

	case protocol.ActionAudioData:
		s.handleSpeakerAudio(ctx, cl, env)

	case protocol.ActionChangeLanguage:
		s.handleChangeLanguage(ctx, cl, env)

	case protocol.ActionPauseBroadcast:
		s.handleSessionControl(ctx, cl, func() error {
			return s.registry.SetSessionStatus(ctx, cl.sessionID, types.SessionPaused)
		}, protocol.TypeBroadcastPaused)

	case protocol.ActionResumeBroadcast:
		s.handleSessionControl(ctx, cl, func() error {
			return s.registry.SetSessionStatus(ctx, cl.sessionID, types.SessionActive)
		}, protocol.TypeBroadcastResumed)

	case protocol.ActionMuteBroadcast:
		s.handleSessionControl(ctx, cl, func() error {
			return s.registry.SetSessionMuted(ctx, cl.sessionID, true)
		}, protocol.TypeBroadcastMuted)

	case protocol.ActionUnmuteBroadcast:
		s.handleSessionControl(ctx, cl, func() error {
			return s.registry.SetSessionMuted(ctx, cl.sessionID, false)
		}, protocol.TypeBroadcastUnmuted)

	case protocol.ActionEndSession:
		s.handleEndSession(ctx, cl)

	default:
		cl.trySend(protocol.Envelope{
			Type:    protocol.TypeError,
			Code:    protocol.CodeBadEnvelope,
			Message: "unknown action",
		})
	}
}

func (s *Server) handleSpeakerAudio(ctx context.Context, cl *client, env protocol.Envelope) {
	if cl.role != types.RoleSpeaker {
		cl.trySend(protocol.Envelope{
			Type:    protocol.TypeError,
			Code:    protocol.CodeNotSpeaker,
			Message: "only the speaker publishes audio",
		})
		return
	}

	session, err := s.registry.GetSession(ctx, cl.sessionID)
	if err != nil {
		return
	}
	// Paused or muted sessions accept the uplink but relay nothing.
	if session.Status != types.SessionActive || session.Muted {
		return
	}

	chunk := types.AudioChunk{
		SequenceNumber: env.SequenceNumber,
		Timestamp:      time.Now(),
		DurationMs:     env.DurationMs,
		Payload:        env.Payload,
		PayloadURL:     env.PayloadRef,
	}
	if err := s.broadcast.Publish(ctx, cl.sessionID, session.SourceLanguage, chunk); err != nil {
		s.logger.Warn("publish failed",
			slog.String("session_id", cl.sessionID),
			slog.String("error", err.Error()))
	}
}

func (s *Server) handleChangeLanguage(ctx context.Context, cl *client, env protocol.Envelope) {
	if cl.role != types.RoleListener {
		cl.trySend(protocol.Envelope{
			Type:    protocol.TypeError,
			Code:    protocol.CodeBadEnvelope,
			Message: "only listeners change language",
		})
		return
	}
	if env.TargetLanguage == "" {
		cl.trySend(protocol.Envelope{
			Type:    protocol.TypeError,
			Code:    protocol.CodeMissingLanguage,
			Message: "targetLanguage is required",
		})
		return
	}

	if err := s.registry.SetListenerLanguage(ctx, cl.connID, env.TargetLanguage); err != nil {
		cl.trySend(protocol.Envelope{
			Type:    protocol.TypeError,
			Code:    protocol.CodeMissingLanguage,
			Message: err.Error(),
		})
		return
	}
	cl.setLanguage(env.TargetLanguage)
	s.broadcast.Rebind(cl.connID, env.TargetLanguage)
}

func (s *Server) handleSessionControl(ctx context.Context, cl *client, apply func() error, notify string) {
	if cl.role != types.RoleSpeaker {
		cl.trySend(protocol.Envelope{
			Type:    protocol.TypeError,
			Code:    protocol.CodeNotSpeaker,
			Message: "only the speaker controls the broadcast",
		})
		return
	}
	if err := apply(); err != nil {
		s.logger.Warn("session control failed",
			slog.String("session_id", cl.sessionID),
			slog.String("error", err.Error()))
		return
	}
	s.fanoutSession(cl.sessionID, protocol.Envelope{Type: notify, SessionID: cl.sessionID})
}

func (s *Server) handleEndSession(ctx context.Context, cl *client) {
	if cl.role != types.RoleSpeaker {
		cl.trySend(protocol.Envelope{
			Type:    protocol.TypeError,
			Code:    protocol.CodeNotSpeaker,
			Message: "only the speaker ends the session",
		})
		return
	}
	if err := s.registry.SetSessionStatus(ctx, cl.sessionID, types.SessionEnded); err != nil {
		return
	}

	s.fanoutSession(cl.sessionID, protocol.Envelope{
		Type:      protocol.TypeSessionEnded,
		SessionID: cl.sessionID,
	})
	s.broadcast.DropSession(cl.sessionID)
	for _, peer := range s.sessionClients(cl.sessionID) {
		peer.coordinator.Close(lifecycle.ReasonSessionEnded)
	}
}
