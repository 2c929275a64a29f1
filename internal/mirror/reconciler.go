package mirror

import (
	"context"
	"log"
	"sync"
	"time"

	"dialog_router/internal/domain"
	"dialog_router/internal/surface"
)

type ReconcilerStore interface {
	ListRecentLiveLogs(ctx context.Context, since time.Time, limit int) ([]domain.MessageLog, error)
	GetDialog(ctx context.Context, dialogID int64) (domain.Dialog, error)
	GetUser(ctx context.Context, id int64) (domain.User, error)
	MarkLogDeleted(ctx context.Context, logID int64) error
}

type ReconcilerConfig struct {
	Interval        time.Duration
	Window          time.Duration
	ProbeDelay      time.Duration
	BatchLimit      int
	TechnicalChatID int64
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.ProbeDelay <= 0 {
		c.ProbeDelay = 50 * time.Millisecond
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 500
	}
	return c
}

// Reconciler periodically probes recent ledger rows against the surface to
// catch deletions that produced no event. The probe is a forward into a
// technical chat that is immediately reverted; only a not-found answer is
// treated as proof of deletion.
type Reconciler struct {
	store   ReconcilerStore
	surface surface.Client
	cfg     ReconcilerConfig
	logger  *log.Logger

	wg    sync.WaitGroup
	runMu sync.Mutex
}

func NewReconciler(store ReconcilerStore, client surface.Client, cfg ReconcilerConfig, logger *log.Logger) *Reconciler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{store: store, surface: client, cfg: cfg, logger: logger}
}

func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx)
	}()
}

func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := r.ReconcileOnce(ctx)
			if err != nil {
				r.logger.Printf("reconcile pass: %v", err)
			}
			if removed > 0 {
				r.logger.Printf("reconcile pass flagged %d deleted messages", removed)
			}
		}
	}
}

// ReconcileOnce runs a single scan. Overlapping passes are skipped rather
// than queued so a slow platform cannot pile them up.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	if !r.runMu.TryLock() {
		return 0, nil
	}
	defer r.runMu.Unlock()

	since := time.Now().UTC().Add(-r.cfg.Window)
	logs, err := r.store.ListRecentLiveLogs(ctx, since, r.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}

	removed := 0
	for i, l := range logs {
		if l.ManagerMessageID == 0 {
			continue
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return removed, ctx.Err()
			case <-time.After(r.cfg.ProbeDelay):
			}
		}
		gone, err := r.probe(ctx, l)
		if err != nil {
			r.logger.Printf("probe log=%d: %v", l.ID, err)
			continue
		}
		if !gone {
			continue
		}
		if err := r.store.MarkLogDeleted(ctx, l.ID); err != nil {
			return removed, err
		}
		removed++
		r.removeClientCopy(ctx, l)
	}
	return removed, nil
}

// probe reports whether the manager-side message has vanished. Any failure
// other than not-found leaves the message presumed alive.
func (r *Reconciler) probe(ctx context.Context, l domain.MessageLog) (bool, error) {
	d, err := r.store.GetDialog(ctx, l.DialogID)
	if err != nil {
		return false, err
	}
	probeID, err := r.surface.ForwardMessage(ctx, d.ManagerChatID, l.ManagerMessageID, r.cfg.TechnicalChatID)
	if err == nil {
		if derr := r.surface.DeleteMessage(ctx, r.cfg.TechnicalChatID, probeID); derr != nil {
			r.logger.Printf("revert probe forward log=%d: %v", l.ID, derr)
		}
		return false, nil
	}
	if surface.IsNotFound(err) {
		return true, nil
	}
	return false, err
}

func (r *Reconciler) removeClientCopy(ctx context.Context, l domain.MessageLog) {
	if l.ClientMessageID == 0 {
		return
	}
	d, err := r.store.GetDialog(ctx, l.DialogID)
	if err != nil {
		r.logger.Printf("load dialog for client copy log=%d: %v", l.ID, err)
		return
	}
	client, err := r.store.GetUser(ctx, d.ClientID)
	if err != nil {
		r.logger.Printf("load client for copy log=%d: %v", l.ID, err)
		return
	}
	if err := r.surface.DeleteMessage(ctx, client.ExternalID, l.ClientMessageID); err != nil {
		// Already gone is the expected case here.
		if !surface.IsNotFound(err) {
			r.logger.Printf("delete client copy log=%d: %v", l.ID, err)
		}
	}
}
