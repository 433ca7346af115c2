// Package slack is the user notification side channel behind the
// notify_user_slack tool.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token   string
	Channel string
}

// Service delivers notifications to users. Nil-safe: all methods are
// no-ops when the service is nil.
type Service struct {
	client *Client
	logger *slog.Logger
}

// NewService creates a Slack notification service. Returns nil if Token or
// Channel is empty (notifications disabled).
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client: NewClient(cfg.Token, cfg.Channel),
		logger: slog.Default().With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return &Service{
		client: client,
		logger: slog.Default().With("component", "slack-service"),
	}
}

// Notify posts a message to the configured channel, mentioning the user
// when their email resolves to a Slack ID. The mention lookup is
// fail-open; delivery failure is returned so the caller can report it to
// the model.
func (s *Service) Notify(ctx context.Context, email, message string) error {
	if s == nil {
		return nil
	}

	text := message
	if email != "" {
		userID, err := s.client.LookupUserByEmail(ctx, email)
		if err != nil {
			s.logger.Warn("Failed to resolve Slack user", "email", email, "error", err)
		} else if userID != "" {
			text = fmt.Sprintf("<@%s> %s", userID, message)
		}
	}

	if err := s.client.PostMessage(ctx, text, 10*time.Second); err != nil {
		s.logger.Error("Failed to send Slack notification", "error", err)
		return err
	}
	return nil
}
