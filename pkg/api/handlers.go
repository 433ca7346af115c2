package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/darwin-ops/brain/pkg/blackboard"
	"github.com/darwin-ops/brain/pkg/models"
)

// CreateEventRequest is the anomaly / external signal ingest body.
type CreateEventRequest struct {
	Reason   string `json:"reason" binding:"required"`
	Source   string `json:"source"`
	Service  string `json:"service"`
	Severity string `json:"severity"`
	Domain   string `json:"domain"`
	Evidence string `json:"evidence"`
}

// CreateEvent handles POST /api/v1/events: creates the event and seeds the
// conversation with an observation turn the scheduler will pick up.
func (s *Server) CreateEvent(c *gin.Context) {
	var req CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := models.EventSource(req.Source)
	switch source {
	case models.SourceAutonomousDetector, models.SourceUserChat, models.SourceUserSlack, models.SourceExternalAPI:
	case "":
		source = models.SourceExternalAPI
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown source: " + req.Source})
		return
	}

	now := time.Now().UTC()
	e := &models.Event{
		ID:      uuid.New().String(),
		Source:  source,
		Status:  models.EventStatusNew,
		Service: req.Service,
		Input: models.EventInput{
			Reason:    req.Reason,
			Severity:  req.Severity,
			Domain:    req.Domain,
			Evidence:  req.Evidence,
			CreatedAt: now,
		},
		CreatedAt: now,
	}
	if err := s.store.CreateEvent(c.Request.Context(), e); err != nil {
		abortStoreError(c, err)
		return
	}

	observation := req.Evidence
	if observation == "" {
		observation = req.Reason
	}
	n, err := s.store.AppendTurn(c.Request.Context(), e.ID, models.Turn{
		Actor:  models.ActorAligner,
		Action: models.ActionObservation,
		Result: observation,
	})
	if err != nil {
		abortStoreError(c, err)
		return
	}

	s.sink.EventCreated(e.ID)
	slog.Info("Event created", "event_id", e.ID, "source", source, "service", req.Service)

	c.JSON(http.StatusCreated, gin.H{"id": e.ID, "status": e.Status, "turn": n})
}

// PostMessageRequest is a user chat message.
type PostMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

// PostMessage handles POST /api/v1/events/:id/messages: appends a user
// turn and resumes the event if it was waiting on the user.
func (s *Server) PostMessage(c *gin.Context) {
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")

	n, err := s.store.AppendTurn(c.Request.Context(), id, models.Turn{
		Actor:  models.ActorUser,
		Action: "message",
		Result: req.Message,
	})
	if err != nil {
		abortStoreError(c, err)
		return
	}

	s.gate.ClearWaitingForUser(id)
	c.JSON(http.StatusOK, gin.H{"turn": n})
}

// PostApprovalRequest is the user's answer to request_user_approval.
type PostApprovalRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

// PostApproval handles POST /api/v1/events/:id/approval: records the
// decision and moves the event back to ACTIVE.
func (s *Server) PostApproval(c *gin.Context) {
	var req PostApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")

	// The guarded transition runs first: a duplicate or mistimed approval
	// must not leave a stray turn on the conversation.
	guard := models.EventStatusWaitingApproval
	err := s.store.SetEventStatus(c.Request.Context(), id, models.EventStatusActive, &guard)
	if err != nil {
		if errors.Is(err, blackboard.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{"error": "event is not waiting for approval"})
			return
		}
		abortStoreError(c, err)
		return
	}

	action := models.ActionApprove
	if !req.Approved {
		action = models.ActionReject
	}
	n, err := s.store.AppendTurn(c.Request.Context(), id, models.Turn{
		Actor:    models.ActorUser,
		Action:   action,
		Thoughts: req.Comment,
	})
	if err != nil {
		abortStoreError(c, err)
		return
	}

	s.gate.ClearWaitingForUser(id)
	slog.Info("Approval recorded", "event_id", id, "approved", req.Approved)
	c.JSON(http.StatusOK, gin.H{"turn": n, "approved": req.Approved})
}

// EventSummary is one row of the event list.
type EventSummary struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	Service   string    `json:"service,omitempty"`
	Reason    string    `json:"reason"`
	Severity  string    `json:"severity,omitempty"`
	Turns     int       `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
}

// ListEvents handles GET /api/v1/events.
func (s *Server) ListEvents(c *gin.Context) {
	ids, err := s.store.ListActiveEventIDs(c.Request.Context())
	if err != nil {
		abortStoreError(c, err)
		return
	}

	summaries := make([]EventSummary, 0, len(ids))
	for _, id := range ids {
		e, err := s.store.GetEvent(c.Request.Context(), id)
		if err != nil {
			// Closed or removed between list and load.
			continue
		}
		summaries = append(summaries, EventSummary{
			ID:        e.ID,
			Source:    string(e.Source),
			Status:    string(e.Status),
			Service:   e.Service,
			Reason:    e.Input.Reason,
			Severity:  e.Input.Severity,
			Turns:     len(e.Conversation),
			CreatedAt: e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": summaries})
}

// GetEvent handles GET /api/v1/events/:id.
func (s *Server) GetEvent(c *gin.Context) {
	e, err := s.store.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}
