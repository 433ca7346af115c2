// Package api exposes the brain's HTTP surface: event ingestion, user
// messages and approvals, read endpoints, and the two WebSocket upgrade
// paths (UI clients and agent workers).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/darwin-ops/brain/pkg/broadcast"
	"github.com/darwin-ops/brain/pkg/config"
	"github.com/darwin-ops/brain/pkg/models"
	"github.com/darwin-ops/brain/pkg/registry"
	"github.com/darwin-ops/brain/pkg/version"
)

// EventStore is the blackboard subset the API writes through.
type EventStore interface {
	CreateEvent(ctx context.Context, e *models.Event) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	ListActiveEventIDs(ctx context.Context) ([]string, error)
	AppendTurn(ctx context.Context, id string, turn models.Turn) (int, error)
	SetEventStatus(ctx context.Context, id string, status models.EventStatus, guard *models.EventStatus) error
	Ping(ctx context.Context) error
}

// UserGate resumes events paused on user input.
type UserGate interface {
	ClearWaitingForUser(eventID string)
}

// AgentHub accepts worker connections.
type AgentHub interface {
	HandleConnection(ctx context.Context, conn *websocket.Conn)
	List() []registry.Entry
}

// UIHub accepts dashboard connections.
type UIHub interface {
	HandleConnection(ctx context.Context, conn *websocket.Conn)
}

// Server wires the HTTP surface to the core components.
type Server struct {
	store  EventStore
	gate   UserGate
	agents AgentHub
	ui     UIHub
	sink   broadcast.Sink
	cfg    *config.HTTPConfig
}

// NewServer creates an API server.
func NewServer(store EventStore, gate UserGate, agents AgentHub, ui UIHub, sink broadcast.Sink, cfg *config.HTTPConfig) *Server {
	return &Server{
		store:  store,
		gate:   gate,
		agents: agents,
		ui:     ui,
		sink:   sink,
		cfg:    cfg,
	}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(), gin.Recovery(), corsMiddleware())

	r.GET("/health", s.Health)
	r.GET("/ws", s.HandleUIWebSocket)
	r.GET("/ws/agent", s.HandleAgentWebSocket)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/events", s.CreateEvent)
		v1.GET("/events", s.ListEvents)
		v1.GET("/events/:id", s.GetEvent)
		v1.POST("/events/:id/messages", s.PostMessage)
		v1.POST("/events/:id/approval", s.PostApproval)
	}
	return r
}

// Health reports blackboard reachability and the connected worker count.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"agents":  len(s.agents.List()),
		"version": version.Full(),
	})
}

// HandleUIWebSocket upgrades a dashboard client connection.
func (s *Server) HandleUIWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, s.acceptOptions())
	if err != nil {
		return
	}
	s.ui.HandleConnection(c.Request.Context(), conn)
}

// HandleAgentWebSocket upgrades a worker connection.
func (s *Server) HandleAgentWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, s.acceptOptions())
	if err != nil {
		return
	}
	s.agents.HandleConnection(c.Request.Context(), conn)
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	if len(s.cfg.AllowedWSOrigins) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedWSOrigins}
}
