package main

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"linguacast/internal/auth"
	"linguacast/internal/broadcast"
	"linguacast/internal/config"
	"linguacast/internal/metrics"
	"linguacast/internal/refresh"
	"linguacast/internal/registry"
	"linguacast/internal/store"
	"linguacast/internal/translate"
	"linguacast/internal/types"
	"linguacast/pkg/protocol"
)

const (
	testSpeakerToken = "speaker-token"
	testSpeakerSub   = "speaker-1"
	expiredToken     = "expired-token"
)

// testValidator stands in for the JWKS-backed validator.
type testValidator struct{}

func (testValidator) Validate(_ context.Context, token string) (types.Principal, error) {
	switch token {
	case testSpeakerToken:
		return types.AuthenticatedPrincipal(testSpeakerSub, "speaker@example.com"), nil
	case expiredToken:
		return types.Principal{}, auth.ErrTokenExpired
	default:
		return types.Principal{}, auth.ErrTokenInvalid
	}
}

type testHarness struct {
	ts       *httptest.Server
	server   *Server
	registry *registry.Registry
}

func (h *testHarness) wsURL() string {
	return "ws" + h.ts.URL[4:] + "/ws"
}

func newTestHarness(t *testing.T, mutate func(*config.Config)) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	reg := registry.New(store.NewMemoryStore(), registry.Config{
		TransportCeiling:   cfg.Lifecycle.TransportCeilingDuration(),
		SessionMaxDuration: cfg.Lifecycle.SessionMaxDuration(),
	}, logger, m)
	authorizer := auth.NewAuthorizer(testValidator{})
	bc := broadcast.New(translate.NewStub(translate.DefaultStubConfig()), logger, m)
	rc := refresh.New(reg, refresh.Config{
		SuccessorTimeout: cfg.Lifecycle.RefreshTimeoutDuration(),
		BackoffBase:      100 * time.Millisecond,
	}, logger, m)

	rootCtx, cancel := context.WithCancel(context.Background())
	srv := NewServer(rootCtx, cfg, logger, m, reg, authorizer, bc, rc, promReg)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return &testHarness{ts: ts, server: srv, registry: reg}
}

func (h *testHarness) createSession(t *testing.T) types.Session {
	t.Helper()
	session, err := h.registry.CreateSession(context.Background(), testSpeakerSub, "en")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	return session
}

func dialWS(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

// join performs the first-envelope handshake and returns the server reply.
func join(t *testing.T, ctx context.Context, conn *websocket.Conn, env protocol.Envelope) protocol.Envelope {
	t.Helper()
	if err := wsjson.Write(ctx, conn, env); err != nil {
		t.Fatalf("join write failed: %v", err)
	}
	var reply protocol.Envelope
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		t.Fatalf("join read failed: %v", err)
	}
	return reply
}

// readUntil skips envelopes until one of the wanted type arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, wantType string) protocol.Envelope {
	t.Helper()
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			t.Fatalf("read failed waiting for %q: %v", wantType, err)
		}
		if env.Type == wantType {
			return env
		}
	}
}

func sendAudio(t *testing.T, ctx context.Context, conn *websocket.Conn, sessionID string, seq uint64) {
	t.Helper()
	err := wsjson.Write(ctx, conn, protocol.Envelope{
		Action:         protocol.ActionAudioData,
		SessionID:      sessionID,
		SequenceNumber: seq,
		Payload:        []byte{byte(seq)},
		DurationMs:     100,
	})
	if err != nil {
		t.Fatalf("audio write failed: %v", err)
	}
}
