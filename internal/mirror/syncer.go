// Package mirror keeps the two sides of a dialog consistent after the
// initial copy: edits and deletions on one surface are propagated to the
// ledger and, where the platform allows, to the other surface.
package mirror

import (
	"context"
	"log"

	"dialog_router/internal/domain"
	"dialog_router/internal/surface"
)

type Store interface {
	GetDialog(ctx context.Context, dialogID int64) (domain.Dialog, error)
	GetUser(ctx context.Context, id int64) (domain.User, error)
	GetLogByClientMessageID(ctx context.Context, clientMessageID int64) (*domain.MessageLog, error)
	GetLogByManagerMessageID(ctx context.Context, managerMessageID int64) (*domain.MessageLog, error)
	UpdateLogText(ctx context.Context, logID int64, text string) error
	MarkLogDeleted(ctx context.Context, logID int64) error
	MarkLogsDeletedBySurfaceMessageIDs(ctx context.Context, messageIDs []int64) error
}

type Syncer struct {
	store   Store
	surface surface.Client
	logger  *log.Logger
}

func NewSyncer(store Store, client surface.Client, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.Default()
	}
	return &Syncer{store: store, surface: client, logger: logger}
}

// ClientEdited records a client-side edit. The agent copy cannot be edited
// in place, so the thread gets a tagged notice replying to the mirrored
// message instead.
func (s *Syncer) ClientEdited(ctx context.Context, clientMessageID int64, newText string) error {
	l, err := s.store.GetLogByClientMessageID(ctx, clientMessageID)
	if err != nil {
		return err
	}
	if l == nil {
		return nil
	}
	if err := s.store.UpdateLogText(ctx, l.ID, newText); err != nil {
		return err
	}
	d, err := s.store.GetDialog(ctx, l.DialogID)
	if err != nil {
		return err
	}
	notice := "Client edited the message:\n" + newText
	if _, serr := s.surface.SendReply(ctx, d.ManagerChatID, l.ManagerMessageID, notice); serr != nil {
		s.logger.Printf("send edit notice log=%d: %v", l.ID, serr)
	}
	return nil
}

// AgentEdited records an agent-side edit and applies it in place on the
// client's copy. A caption edit must use the caption call, the platform
// refuses a text edit on media.
func (s *Syncer) AgentEdited(ctx context.Context, managerMessageID int64, newText string, isCaption bool) error {
	l, err := s.store.GetLogByManagerMessageID(ctx, managerMessageID)
	if err != nil {
		return err
	}
	if l == nil {
		return nil
	}
	if err := s.store.UpdateLogText(ctx, l.ID, newText); err != nil {
		return err
	}
	d, err := s.store.GetDialog(ctx, l.DialogID)
	if err != nil {
		return err
	}
	client, err := s.store.GetUser(ctx, d.ClientID)
	if err != nil {
		return err
	}
	if isCaption {
		err = s.surface.EditMessageCaption(ctx, client.ExternalID, l.ClientMessageID, newText)
	} else {
		err = s.surface.EditMessageText(ctx, client.ExternalID, l.ClientMessageID, newText)
	}
	if err != nil {
		s.logger.Printf("edit client copy log=%d: %v", l.ID, err)
	}
	return nil
}

// SurfaceMessageDeleted handles an explicit delete event for an agent-side
// message: the ledger row is flagged and the client's copy is removed. A
// mirror that is already gone is not an error.
func (s *Syncer) SurfaceMessageDeleted(ctx context.Context, managerMessageID int64) error {
	l, err := s.store.GetLogByManagerMessageID(ctx, managerMessageID)
	if err != nil {
		return err
	}
	if l == nil {
		return nil
	}
	if err := s.store.MarkLogDeleted(ctx, l.ID); err != nil {
		return err
	}
	if l.ClientMessageID == 0 {
		return nil
	}
	d, err := s.store.GetDialog(ctx, l.DialogID)
	if err != nil {
		return err
	}
	client, err := s.store.GetUser(ctx, d.ClientID)
	if err != nil {
		return err
	}
	if derr := s.surface.DeleteMessage(ctx, client.ExternalID, l.ClientMessageID); derr != nil {
		s.logger.Printf("delete client copy log=%d: %v", l.ID, derr)
	}
	return nil
}

// SurfaceMessagesDeleted handles a bulk delete event. Rows are flagged in
// one transaction; the per-message client copies are not chased here, the
// reconciler confirms the state on its next pass.
func (s *Syncer) SurfaceMessagesDeleted(ctx context.Context, messageIDs []int64) error {
	return s.store.MarkLogsDeletedBySurfaceMessageIDs(ctx, messageIDs)
}
