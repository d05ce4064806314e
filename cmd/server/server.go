package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"linguacast/internal/auth"
	"linguacast/internal/broadcast"
	"linguacast/internal/cid"
	"linguacast/internal/config"
	"linguacast/internal/metrics"
	"linguacast/internal/refresh"
	"linguacast/internal/registry"
	"linguacast/internal/types"
	"linguacast/pkg/protocol"
)

// Server ties the registry, authorizer, broadcaster, and refresh coordinator
// together behind the HTTP/WebSocket surface.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	registry   *registry.Registry
	authorizer *auth.Authorizer
	broadcast  *broadcast.Broadcaster
	refresh    *refresh.Coordinator
	promReg    *prometheus.Registry

	// rootCtx is canceled on shutdown; every connection descends from it.
	rootCtx context.Context

	mu      sync.Mutex
	clients map[string]*client
}

// NewServer wires the server from its collaborators.
func NewServer(rootCtx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics,
	reg *registry.Registry, authorizer *auth.Authorizer, bc *broadcast.Broadcaster,
	rc *refresh.Coordinator, promReg *prometheus.Registry) *Server {
	return &Server{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		registry:   reg,
		authorizer: authorizer,
		broadcast:  bc,
		refresh:    rc,
		promReg:    promReg,
		rootCtx:    rootCtx,
		clients:    make(map[string]*client),
	}
}

// Routes builds the gin engine with all endpoints registered.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cidMiddleware())
	r.Use(traceMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "linguacast",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})))

	r.POST("/api/sessions", s.handleCreateSession)
	r.GET("/api/sessions/:id", s.handleGetSession)
	r.GET("/api/stats", s.handleStats)

	r.GET("/ws", s.handleWebSocket)
	return r
}

// cidMiddleware propagates an inbound correlation id, minting one otherwise.
func cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(cid.HeaderName)
		if id == "" {
			id = ksuid.New().String()
		}
		c.Request = c.Request.WithContext(cid.WithCID(c.Request.Context(), id))
		c.Header(cid.HeaderName, id)
		c.Next()
	}
}

// traceMiddleware opens a span per request, tagged with the correlation id.
func traceMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("linguacast/server")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath())
		defer span.End()
		if id := cid.CIDFromContext(ctx); id != "" {
			span.SetAttributes(attribute.String(cid.AttributeName, id))
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type createSessionRequest struct {
	SourceLanguage string `json:"sourceLanguage"`
}

// handleCreateSession mints a new session. Only an authenticated principal
// may create one; the session binds to that principal as its speaker.
func (s *Server) handleCreateSession(c *gin.Context) {
	decision := s.authorizer.Authorize(c.Request.Context(), auth.Attempt{
		BearerToken: bearerToken(c.Request),
	})
	if !decision.Allow {
		c.JSON(http.StatusUnauthorized, gin.H{"error": decision.Reason})
		return
	}
	if decision.Principal.Kind != types.PrincipalAuthenticated {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "a bearer token is required to create a session"})
		return
	}

	// An empty body is fine; anything unparseable is not.
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	session, err := s.registry.CreateSession(c.Request.Context(), decision.Principal.SubjectID, req.SourceLanguage)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) handleGetSession(c *gin.Context) {
	session, err := s.registry.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.registry.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) addClient(cl *client) {
	s.mu.Lock()
	s.clients[cl.connID] = cl
	s.mu.Unlock()
}

func (s *Server) removeClient(connID string) {
	s.mu.Lock()
	delete(s.clients, connID)
	s.mu.Unlock()
}

func (s *Server) getClient(connID string) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[connID]
}

// fanoutSession delivers an envelope to every connection in a session.
func (s *Server) fanoutSession(sessionID string, env protocol.Envelope) {
	s.mu.Lock()
	targets := make([]*client, 0, 8)
	for _, cl := range s.clients {
		if cl.sessionID == sessionID {
			targets = append(targets, cl)
		}
	}
	s.mu.Unlock()

	for _, cl := range targets {
		cl.trySend(env)
	}
}

// sessionClients snapshots the clients attached to a session.
func (s *Server) sessionClients(sessionID string) []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, 8)
	for _, cl := range s.clients {
		if cl.sessionID == sessionID {
			out = append(out, cl)
		}
	}
	return out
}
