// Package sla watches active dialogs for unanswered client messages and
// raises alerts in two tiers: a first warning when the answer deadline
// passes, then repeating supervisory alerts while the wait keeps growing.
package sla

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"dialog_router/internal/domain"
	"dialog_router/internal/surface"
)

type Store interface {
	ListOverdueDialogs(ctx context.Context, threshold time.Time) ([]domain.Dialog, error)
	MarkSLAAlert(ctx context.Context, dialogID int64, at time.Time) error
	GetUser(ctx context.Context, id int64) (domain.User, error)
}

type Config struct {
	Timeout              time.Duration
	CheckInterval        time.Duration
	EscalationDelay      time.Duration
	RepeatInterval       time.Duration
	SupervisoryChannelID int64
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	if c.EscalationDelay <= 0 {
		c.EscalationDelay = 3 * time.Minute
	}
	if c.RepeatInterval <= 0 {
		c.RepeatInterval = time.Minute
	}
	return c
}

type Monitor struct {
	store   Store
	surface surface.Client
	cfg     Config
	logger  *log.Logger

	wg sync.WaitGroup
}

func New(store Store, client surface.Client, cfg Config, logger *log.Logger) *Monitor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{store: store, surface: client, cfg: cfg, logger: logger}
}

func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.CheckOnce(ctx, time.Now().UTC()); err != nil {
				m.logger.Printf("sla check: %v", err)
			}
		}
	}
}

// CheckOnce evaluates every overdue dialog at the given instant. A dialog
// with no alert yet gets the first-tier warning; one that has been warned
// and kept waiting past the escalation delay gets a repeating supervisory
// alert, at most once per repeat interval.
func (m *Monitor) CheckOnce(ctx context.Context, now time.Time) error {
	overdue, err := m.store.ListOverdueDialogs(ctx, now.Add(-m.cfg.Timeout))
	if err != nil {
		return err
	}
	for _, d := range overdue {
		if d.UnansweredSince == nil {
			continue
		}
		wait := now.Sub(*d.UnansweredSince)
		switch {
		case !d.SLAAlertSent:
			m.alert(ctx, d, now, wait, false)
		case wait >= m.cfg.Timeout+m.cfg.EscalationDelay && m.repeatDue(d, now):
			m.alert(ctx, d, now, wait, true)
		}
	}
	return nil
}

func (m *Monitor) repeatDue(d domain.Dialog, now time.Time) bool {
	if d.SLALastAlertAt == nil {
		return true
	}
	return now.Sub(*d.SLALastAlertAt) >= m.cfg.RepeatInterval
}

// alert posts the warning and records it. When neither the thread nor the
// supervisory channel accepts the message the alert stays unrecorded and is
// retried on the next pass.
func (m *Monitor) alert(ctx context.Context, d domain.Dialog, now time.Time, wait time.Duration, escalated bool) {
	clientName := fmt.Sprintf("#%d", d.ClientID)
	if client, err := m.store.GetUser(ctx, d.ClientID); err == nil {
		clientName = client.DisplayName
	}

	text := fmt.Sprintf("SLA warning: %s has been waiting %s for an answer.", clientName, wait.Round(time.Second))
	if escalated {
		text = fmt.Sprintf("SLA escalation: %s is still waiting after %s. Dialog #%d needs attention now.",
			clientName, wait.Round(time.Second), d.ID)
	}

	delivered := false
	if _, err := m.surface.SendMessageTo(ctx, d.ManagerChatID, d.ManagerTopicID, text); err != nil {
		m.logger.Printf("sla thread alert dialog=%d: %v", d.ID, err)
	} else {
		delivered = true
	}
	if _, err := m.surface.SendMessage(ctx, m.cfg.SupervisoryChannelID, text); err != nil {
		m.logger.Printf("sla channel alert dialog=%d: %v", d.ID, err)
	} else {
		delivered = true
	}
	if !delivered {
		return
	}
	if err := m.store.MarkSLAAlert(ctx, d.ID, now); err != nil {
		m.logger.Printf("mark sla alert dialog=%d: %v", d.ID, err)
	}
}
