package request

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"dialog_router/internal/queue"
)

// Notifier is the slice of the conversation surface the submitter needs for
// courtesy copies.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
}

type SubmitterConfig struct {
	RoutingKey            string
	ApplicationsChannelID int64
}

func (c SubmitterConfig) withDefaults() SubmitterConfig {
	if c.RoutingKey == "" {
		c.RoutingKey = "requests.created"
	}
	return c
}

type Submitter struct {
	publisher queue.Publisher
	notifier  Notifier
	cfg       SubmitterConfig
	logger    *log.Logger
}

func NewSubmitter(publisher queue.Publisher, notifier Notifier, cfg SubmitterConfig, logger *log.Logger) *Submitter {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Submitter{publisher: publisher, notifier: notifier, cfg: cfg, logger: logger}
}

// Submit publishes the finished application. The queue publish is the
// commit point: when it fails nothing is considered submitted and the error
// goes back to the initiating agent. The summary copies afterwards are
// courtesy only.
func (s *Submitter) Submit(ctx context.Context, app Application, clientChatID int64) (Application, error) {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = time.Now().UTC()
	}
	if err := s.publisher.Publish(ctx, s.cfg.RoutingKey, app); err != nil {
		return Application{}, fmt.Errorf("submit request %s: %w", app.ID, err)
	}
	s.logger.Printf("request submitted id=%s action=%s amount=%.2f %s", app.ID, app.Action, app.Amount, app.Currency)

	summary := app.Summary()
	if clientChatID != 0 {
		if _, err := s.notifier.SendMessage(ctx, clientChatID, summary); err != nil {
			s.logger.Printf("send request summary to client request=%s: %v", app.ID, err)
		}
	}
	if s.cfg.ApplicationsChannelID != 0 {
		if _, err := s.notifier.SendMessage(ctx, s.cfg.ApplicationsChannelID, summary); err != nil {
			s.logger.Printf("send request summary to channel request=%s: %v", app.ID, err)
		}
	}
	return app, nil
}
