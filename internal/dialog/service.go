package dialog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"dialog_router/internal/domain"
	"dialog_router/internal/surface"
)

var (
	// ErrNoCapacity: no agent can take the dialog right now. Nothing has
	// been created or mutated when this is returned.
	ErrNoCapacity = errors.New("no agent available")
	// ErrDialogNotFound: the thread or id does not map to a known dialog.
	ErrDialogNotFound = errors.New("dialog not found")
	// ErrNotActive: the requested lifecycle operation needs an active dialog.
	ErrNotActive = errors.New("dialog is not active")
)

type Store interface {
	GetOrCreateUser(ctx context.Context, externalID int64, displayName, username string, role domain.UserRole) (domain.User, error)
	GetUser(ctx context.Context, id int64) (domain.User, error)

	CreateDialog(ctx context.Context, d domain.Dialog) (domain.Dialog, error)
	GetDialog(ctx context.Context, dialogID int64) (domain.Dialog, error)
	FindLastDialogForClient(ctx context.Context, clientID int64) (*domain.Dialog, error)
	FindDialogByThread(ctx context.Context, chatID, topicID int64) (*domain.Dialog, error)
	ListDialogs(ctx context.Context, limit int) ([]domain.Dialog, error)
	UpdateDialogStatus(ctx context.Context, dialogID int64, status domain.DialogStatus) error
	UpdateDialogStatusIf(ctx context.Context, dialogID int64, from []domain.DialogStatus, to domain.DialogStatus) (bool, error)
	SetDialogThread(ctx context.Context, dialogID, chatID, topicID int64) error
	TouchClientMessage(ctx context.Context, dialogID int64, at time.Time) error
	ResetSLA(ctx context.Context, dialogID int64) error

	AddMessageLog(ctx context.Context, m domain.MessageLog) (domain.MessageLog, error)
	ListDialogLogs(ctx context.Context, dialogID int64, limit int) ([]domain.MessageLog, error)
	ListClientHistory(ctx context.Context, clientID int64) ([]domain.MessageLog, error)

	CreateNote(ctx context.Context, n domain.Note) (domain.Note, error)
	ListNotesForClient(ctx context.Context, clientID int64) ([]domain.Note, error)

	GetAgentByExternalID(ctx context.Context, externalID int64) (*domain.Agent, error)
}

type Assigner interface {
	PickAgent(ctx context.Context, excludeID int64) (*domain.Agent, error)
}

type Config struct {
	EscalationChannelID int64
	HistoryChunkSize    int
	HistoryChunkDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistoryChunkSize <= 0 {
		c.HistoryChunkSize = 3800
	}
	if c.HistoryChunkDelay <= 0 {
		c.HistoryChunkDelay = 300 * time.Millisecond
	}
	return c
}

// Service owns the dialog lifecycle: assignment, mirroring of messages
// between the client chat and the agent work thread, and the status
// transitions driven by both sides.
type Service struct {
	store    Store
	assigner Assigner
	surface  surface.Client
	cfg      Config
	logger   *log.Logger

	lockMu sync.Mutex
	locks  map[int64]*sync.Mutex
}

func New(store Store, assigner Assigner, client surface.Client, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:    store,
		assigner: assigner,
		surface:  client,
		cfg:      cfg,
		logger:   logger,
		locks:    make(map[int64]*sync.Mutex),
	}
}

// lockClient serializes lifecycle work per client so concurrent events for
// the same person cannot race a reopen against a transfer.
func (s *Service) lockClient(clientID int64) func() {
	s.lockMu.Lock()
	m, ok := s.locks[clientID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[clientID] = m
	}
	s.lockMu.Unlock()
	m.Lock()
	return m.Unlock
}

type ClientMessage struct {
	ClientExternalID int64
	ClientChatID     int64
	DisplayName      string
	Username         string
	MessageID        int64
	Text             string
}

type AgentMessage struct {
	AgentExternalID int64
	DisplayName     string
	ChatID          int64
	ThreadID        int64
	MessageID       int64
	Text            string
}

const (
	greetingText     = "You are connected to support. An agent will reply here shortly."
	busyText         = "All agents are busy at the moment. Please try again a little later."
	controlText      = "Support dialog. Reply in this thread to answer the client."
	thankYouText     = "Your request has been resolved. Thank you for reaching out."
	restoredSuffix   = " (restored)"
	transferNotePfx  = "Client notes:\n"
	historyHeaderPfx = "Dialog history:\n"
)

// HandleClientMessage routes an inbound client message: it reuses the
// client's latest dialog when one can carry it, reopens closed ones, and
// otherwise assigns a fresh dialog to the least loaded agent.
func (s *Service) HandleClientMessage(ctx context.Context, in ClientMessage) (domain.Dialog, error) {
	user, err := s.store.GetOrCreateUser(ctx, in.ClientExternalID, in.DisplayName, in.Username, domain.UserRoleClient)
	if err != nil {
		return domain.Dialog{}, err
	}

	unlock := s.lockClient(user.ID)
	defer unlock()

	last, err := s.store.FindLastDialogForClient(ctx, user.ID)
	if err != nil {
		return domain.Dialog{}, err
	}

	var d domain.Dialog
	switch {
	case last == nil:
		d, err = s.openDialog(ctx, user)
		if err != nil {
			return domain.Dialog{}, err
		}
	case domain.Recoverable(last.Status):
		d = *last
		if err := s.surface.ReopenThread(ctx, d.ManagerChatID, d.ManagerTopicID); err != nil {
			s.logger.Printf("reopen thread dialog=%d: %v", d.ID, err)
		}
		s.postControlNotice(ctx, d.ManagerChatID, d.ManagerTopicID)
		if err := s.store.UpdateDialogStatus(ctx, d.ID, domain.DialogStatusActive); err != nil {
			return domain.Dialog{}, err
		}
		d.Status = domain.DialogStatusActive
	default:
		d = *last
	}

	mirrorID, err := s.surface.CopyMessage(ctx, in.ClientChatID, in.MessageID, d.ManagerChatID, d.ManagerTopicID)
	if surface.IsNotFound(err) {
		// The work thread was deleted out from under us. Rebuild it and
		// retry once; any further failure is the caller's problem.
		topicID, cerr := s.surface.CreateThread(ctx, d.ManagerChatID, threadName(user)+restoredSuffix)
		if cerr != nil {
			return domain.Dialog{}, fmt.Errorf("recreate thread: %w", cerr)
		}
		if serr := s.store.SetDialogThread(ctx, d.ID, d.ManagerChatID, topicID); serr != nil {
			return domain.Dialog{}, serr
		}
		d.ManagerTopicID = topicID
		s.postControlNotice(ctx, d.ManagerChatID, d.ManagerTopicID)
		mirrorID, err = s.surface.CopyMessage(ctx, in.ClientChatID, in.MessageID, d.ManagerChatID, d.ManagerTopicID)
	}
	if err != nil {
		return domain.Dialog{}, fmt.Errorf("mirror client message: %w", err)
	}

	if _, err := s.store.AddMessageLog(ctx, domain.MessageLog{
		DialogID:         d.ID,
		ClientMessageID:  in.MessageID,
		ManagerMessageID: mirrorID,
		SenderRole:       domain.SenderRoleClient,
		SenderName:       user.DisplayName,
		Text:             in.Text,
	}); err != nil {
		return domain.Dialog{}, err
	}
	if err := s.store.TouchClientMessage(ctx, d.ID, time.Now().UTC()); err != nil {
		return domain.Dialog{}, err
	}
	return d, nil
}

func (s *Service) openDialog(ctx context.Context, user domain.User) (domain.Dialog, error) {
	agent, err := s.assigner.PickAgent(ctx, 0)
	if err != nil {
		return domain.Dialog{}, err
	}
	if agent == nil {
		if _, serr := s.surface.SendMessage(ctx, user.ExternalID, busyText); serr != nil {
			s.logger.Printf("send busy notice client=%d: %v", user.ExternalID, serr)
		}
		return domain.Dialog{}, ErrNoCapacity
	}

	topicID, err := s.surface.CreateThread(ctx, agent.WorkChatID, threadName(user))
	if err != nil {
		return domain.Dialog{}, fmt.Errorf("create thread: %w", err)
	}
	d, err := s.store.CreateDialog(ctx, domain.Dialog{
		ClientID:       user.ID,
		ManagerID:      agent.ID,
		ManagerChatID:  agent.WorkChatID,
		ManagerTopicID: topicID,
		Status:         domain.DialogStatusActive,
	})
	if err != nil {
		return domain.Dialog{}, err
	}
	if _, serr := s.surface.SendMessage(ctx, user.ExternalID, greetingText); serr != nil {
		s.logger.Printf("send greeting dialog=%d: %v", d.ID, serr)
	}
	s.postControlNotice(ctx, d.ManagerChatID, d.ManagerTopicID)
	s.logger.Printf("dialog opened id=%d client=%d agent=%d", d.ID, user.ID, agent.ID)
	return d, nil
}

func (s *Service) postControlNotice(ctx context.Context, chatID, topicID int64) {
	msgID, err := s.surface.SendMessageTo(ctx, chatID, topicID, controlText)
	if err != nil {
		s.logger.Printf("send control notice chat=%d topic=%d: %v", chatID, topicID, err)
		return
	}
	if err := s.surface.PinMessage(ctx, chatID, msgID); err != nil {
		s.logger.Printf("pin control notice chat=%d msg=%d: %v", chatID, msgID, err)
	}
}

// HandleAgentMessage mirrors an agent's thread reply to the client and
// clears the pending-answer state. Replies into resolved or transferred
// threads reopen the dialog; replies into escalated ones are refused with a
// visible warning and change nothing.
func (s *Service) HandleAgentMessage(ctx context.Context, in AgentMessage) error {
	found, err := s.store.FindDialogByThread(ctx, in.ChatID, in.ThreadID)
	if err != nil {
		return err
	}
	if found == nil {
		return ErrDialogNotFound
	}

	unlock := s.lockClient(found.ClientID)
	defer unlock()

	d, err := s.store.GetDialog(ctx, found.ID)
	if err != nil {
		return err
	}

	switch {
	case d.Status == domain.DialogStatusActive || d.Status == domain.DialogStatusNew:
	case domain.Recoverable(d.Status):
		if err := s.store.UpdateDialogStatus(ctx, d.ID, domain.DialogStatusActive); err != nil {
			return err
		}
		if err := s.surface.ReopenThread(ctx, d.ManagerChatID, d.ManagerTopicID); err != nil {
			s.logger.Printf("reopen thread dialog=%d: %v", d.ID, err)
		}
		s.postControlNotice(ctx, d.ManagerChatID, d.ManagerTopicID)
	default:
		warning := fmt.Sprintf("This dialog is %s; the message was not delivered to the client.", d.Status)
		if _, serr := s.surface.SendReply(ctx, in.ChatID, in.MessageID, warning); serr != nil {
			s.logger.Printf("send status warning dialog=%d: %v", d.ID, serr)
		}
		return nil
	}

	client, err := s.store.GetUser(ctx, d.ClientID)
	if err != nil {
		return err
	}
	mirrorID, err := s.surface.CopyMessage(ctx, in.ChatID, in.MessageID, client.ExternalID, 0)
	if err != nil {
		return fmt.Errorf("mirror agent message: %w", err)
	}

	if _, err := s.store.AddMessageLog(ctx, domain.MessageLog{
		DialogID:         d.ID,
		ClientMessageID:  mirrorID,
		ManagerMessageID: in.MessageID,
		SenderRole:       domain.SenderRoleManager,
		SenderName:       in.DisplayName,
		Text:             in.Text,
	}); err != nil {
		return err
	}
	return s.store.ResetSLA(ctx, d.ID)
}

// Resolve closes an active or escalated dialog. The thread close and the
// thank-you notice are courtesy calls; the status change is the contract.
func (s *Service) Resolve(ctx context.Context, dialogID int64) error {
	d, err := s.store.GetDialog(ctx, dialogID)
	if err != nil {
		return ErrDialogNotFound
	}
	unlock := s.lockClient(d.ClientID)
	defer unlock()

	ok, err := s.store.UpdateDialogStatusIf(ctx, d.ID,
		[]domain.DialogStatus{domain.DialogStatusActive, domain.DialogStatusEscalated},
		domain.DialogStatusResolved)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotActive
	}
	if err := s.surface.CloseThread(ctx, d.ManagerChatID, d.ManagerTopicID); err != nil {
		s.logger.Printf("close thread dialog=%d: %v", d.ID, err)
	}
	if client, err := s.store.GetUser(ctx, d.ClientID); err == nil {
		if _, serr := s.surface.SendMessage(ctx, client.ExternalID, thankYouText); serr != nil {
			s.logger.Printf("send resolve notice dialog=%d: %v", d.ID, serr)
		}
	}
	s.logger.Printf("dialog resolved id=%d", d.ID)
	return nil
}

// Escalate raises the dialog to the supervisory channel. The alert must
// land before the status flips; a failed alert leaves the dialog untouched
// and is reported to the caller.
func (s *Service) Escalate(ctx context.Context, dialogID int64, byName, reason string) error {
	d, err := s.store.GetDialog(ctx, dialogID)
	if err != nil {
		return ErrDialogNotFound
	}
	unlock := s.lockClient(d.ClientID)
	defer unlock()

	client, err := s.store.GetUser(ctx, d.ClientID)
	if err != nil {
		return err
	}
	alert := fmt.Sprintf(
		"Escalation\nAgent: %s\nClient: %s\nReason: %s\nThread: %s",
		byName, client.DisplayName, reason, threadLink(d.ManagerChatID, d.ManagerTopicID),
	)
	if _, err := s.surface.SendMessage(ctx, s.cfg.EscalationChannelID, alert); err != nil {
		return fmt.Errorf("send escalation alert: %w", err)
	}
	ok, err := s.store.UpdateDialogStatusIf(ctx, d.ID,
		[]domain.DialogStatus{domain.DialogStatusActive}, domain.DialogStatusEscalated)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotActive
	}
	s.logger.Printf("dialog escalated id=%d by=%s", d.ID, byName)
	return nil
}

// Transfer moves the client to another agent. The new thread receives the
// note bundle and the full cross-dialog history before the old dialog is
// marked transferred, and no state changes at all when nobody can take it.
func (s *Service) Transfer(ctx context.Context, dialogID, byAgentExternalID int64) (domain.Dialog, error) {
	d, err := s.store.GetDialog(ctx, dialogID)
	if err != nil {
		return domain.Dialog{}, ErrDialogNotFound
	}
	unlock := s.lockClient(d.ClientID)
	defer unlock()

	excludeID := d.ManagerID
	if requester, err := s.store.GetAgentByExternalID(ctx, byAgentExternalID); err == nil && requester != nil {
		excludeID = requester.ID
	}
	target, err := s.assigner.PickAgent(ctx, excludeID)
	if err != nil {
		return domain.Dialog{}, err
	}
	if target == nil {
		return domain.Dialog{}, ErrNoCapacity
	}

	client, err := s.store.GetUser(ctx, d.ClientID)
	if err != nil {
		return domain.Dialog{}, err
	}
	topicID, err := s.surface.CreateThread(ctx, target.WorkChatID, threadName(client))
	if err != nil {
		return domain.Dialog{}, fmt.Errorf("create transfer thread: %w", err)
	}

	s.sendHandoff(ctx, client, target.WorkChatID, topicID)

	ok, err := s.store.UpdateDialogStatusIf(ctx, d.ID,
		[]domain.DialogStatus{domain.DialogStatusActive, domain.DialogStatusEscalated},
		domain.DialogStatusTransferred)
	if err != nil {
		return domain.Dialog{}, err
	}
	if !ok {
		return domain.Dialog{}, ErrNotActive
	}
	if err := s.surface.RenameThread(ctx, d.ManagerChatID, d.ManagerTopicID, threadName(client)+" -> "+target.DisplayName); err != nil {
		s.logger.Printf("rename old thread dialog=%d: %v", d.ID, err)
	}
	if err := s.surface.CloseThread(ctx, d.ManagerChatID, d.ManagerTopicID); err != nil {
		s.logger.Printf("close old thread dialog=%d: %v", d.ID, err)
	}

	next, err := s.store.CreateDialog(ctx, domain.Dialog{
		ClientID:       d.ClientID,
		ManagerID:      target.ID,
		ManagerChatID:  target.WorkChatID,
		ManagerTopicID: topicID,
		Status:         domain.DialogStatusActive,
	})
	if err != nil {
		return domain.Dialog{}, err
	}
	s.postControlNotice(ctx, next.ManagerChatID, next.ManagerTopicID)
	s.logger.Printf("dialog transferred old=%d new=%d agent=%d", d.ID, next.ID, target.ID)
	return next, nil
}

func (s *Service) sendHandoff(ctx context.Context, client domain.User, chatID, topicID int64) {
	notes, err := s.store.ListNotesForClient(ctx, client.ID)
	if err != nil {
		s.logger.Printf("load notes client=%d: %v", client.ID, err)
	} else if len(notes) > 0 {
		var b strings.Builder
		b.WriteString(transferNotePfx)
		for _, n := range notes {
			fmt.Fprintf(&b, "- %s (%s)\n", n.Text, n.AuthorName)
		}
		if _, serr := s.surface.SendMessageTo(ctx, chatID, topicID, b.String()); serr != nil {
			s.logger.Printf("send notes bundle client=%d: %v", client.ID, serr)
		}
	}

	history, err := s.store.ListClientHistory(ctx, client.ID)
	if err != nil {
		s.logger.Printf("load history client=%d: %v", client.ID, err)
		return
	}
	if len(history) == 0 {
		return
	}
	var b strings.Builder
	b.WriteString(historyHeaderPfx)
	for _, m := range history {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.Format("02.01 15:04"), m.SenderName, m.Text)
	}
	if err := surface.SendChunked(ctx, s.surface, chatID, topicID, b.String(), s.cfg.HistoryChunkSize, s.cfg.HistoryChunkDelay); err != nil {
		s.logger.Printf("send history client=%d: %v", client.ID, err)
	}
}

func (s *Service) AddNote(ctx context.Context, dialogID, authorID int64, authorName, text string) (domain.Note, error) {
	if _, err := s.store.GetDialog(ctx, dialogID); err != nil {
		return domain.Note{}, ErrDialogNotFound
	}
	return s.store.CreateNote(ctx, domain.Note{
		DialogID:   dialogID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Text:       text,
	})
}

func (s *Service) ListNotes(ctx context.Context, dialogID int64) ([]domain.Note, error) {
	d, err := s.store.GetDialog(ctx, dialogID)
	if err != nil {
		return nil, ErrDialogNotFound
	}
	return s.store.ListNotesForClient(ctx, d.ClientID)
}

func (s *Service) Get(ctx context.Context, dialogID int64) (domain.Dialog, error) {
	return s.store.GetDialog(ctx, dialogID)
}

func (s *Service) List(ctx context.Context, limit int) ([]domain.Dialog, error) {
	return s.store.ListDialogs(ctx, limit)
}

func (s *Service) History(ctx context.Context, dialogID int64) ([]domain.MessageLog, error) {
	d, err := s.store.GetDialog(ctx, dialogID)
	if err != nil {
		return nil, ErrDialogNotFound
	}
	return s.store.ListClientHistory(ctx, d.ClientID)
}

func threadName(u domain.User) string {
	if u.Username != "" {
		return fmt.Sprintf("%s (@%s)", u.DisplayName, u.Username)
	}
	return u.DisplayName
}

// threadLink builds a deep link to a work thread. Supergroup ids carry a
// -100 prefix that the link format drops.
func threadLink(chatID, topicID int64) string {
	raw := strconv.FormatInt(chatID, 10)
	raw = strings.TrimPrefix(raw, "-100")
	raw = strings.TrimPrefix(raw, "-")
	return fmt.Sprintf("https://t.me/c/%s/%d", raw, topicID)
}
