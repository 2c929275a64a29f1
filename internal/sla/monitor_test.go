package sla

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dialog_router/internal/domain"
	"dialog_router/internal/store/sqlite"
)

const supervisoryChannelID = int64(-4001)

type fakeSurface struct {
	nextID       int64
	channelSends []string
	threadSends  []string
	failing      bool
}

func (f *fakeSurface) newID() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeSurface) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	if f.failing {
		return 0, errors.New("surface down")
	}
	if chatID == supervisoryChannelID {
		f.channelSends = append(f.channelSends, text)
	}
	return f.newID(), nil
}

func (f *fakeSurface) SendMessageTo(ctx context.Context, chatID, threadID int64, text string) (int64, error) {
	if f.failing {
		return 0, errors.New("surface down")
	}
	f.threadSends = append(f.threadSends, text)
	return f.newID(), nil
}

func (f *fakeSurface) SendReply(ctx context.Context, chatID, replyTo int64, text string) (int64, error) {
	return f.newID(), nil
}

func (f *fakeSurface) CopyMessage(ctx context.Context, fromChatID, messageID, toChatID, toThreadID int64) (int64, error) {
	return f.newID(), nil
}

func (f *fakeSurface) ForwardMessage(ctx context.Context, fromChatID, messageID, toChatID int64) (int64, error) {
	return f.newID(), nil
}

func (f *fakeSurface) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	return nil
}

func (f *fakeSurface) EditMessageCaption(ctx context.Context, chatID, messageID int64, caption string) error {
	return nil
}

func (f *fakeSurface) DeleteMessage(ctx context.Context, chatID, messageID int64) error { return nil }
func (f *fakeSurface) PinMessage(ctx context.Context, chatID, messageID int64) error   { return nil }

func (f *fakeSurface) CreateThread(ctx context.Context, chatID int64, name string) (int64, error) {
	return f.newID(), nil
}

func (f *fakeSurface) ReopenThread(ctx context.Context, chatID, threadID int64) error { return nil }
func (f *fakeSurface) CloseThread(ctx context.Context, chatID, threadID int64) error  { return nil }
func (f *fakeSurface) RenameThread(ctx context.Context, chatID, threadID int64, name string) error {
	return nil
}

func newMonitorFixture(t *testing.T) (*Monitor, *sqlite.Store, *fakeSurface, domain.Dialog) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	client, err := store.GetOrCreateUser(ctx, 7001, "Client", "", domain.UserRoleClient)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	agent, err := store.UpsertAgent(ctx, domain.Agent{ExternalID: 11, DisplayName: "Agent", WorkChatID: -1001, Status: domain.UserStatusOnline})
	if err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	dialog, err := store.CreateDialog(ctx, domain.Dialog{
		ClientID: client.ID, ManagerID: agent.ID, ManagerChatID: -1001, ManagerTopicID: 7,
		Status: domain.DialogStatusActive,
	})
	if err != nil {
		t.Fatalf("create dialog: %v", err)
	}
	fs := &fakeSurface{}
	monitor := New(store, fs, Config{
		Timeout:              5 * time.Minute,
		EscalationDelay:      3 * time.Minute,
		RepeatInterval:       time.Minute,
		SupervisoryChannelID: supervisoryChannelID,
	}, log.New(os.Stderr, "", 0))
	return monitor, store, fs, dialog
}

func TestNoAlertBeforeDeadline(t *testing.T) {
	ctx := context.Background()
	monitor, store, fs, dialog := newMonitorFixture(t)

	now := time.Now().UTC().Truncate(time.Second)
	if err := store.TouchClientMessage(ctx, dialog.ID, now.Add(-5*time.Minute+time.Second)); err != nil {
		t.Fatalf("touch client message: %v", err)
	}
	if err := monitor.CheckOnce(ctx, now); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(fs.channelSends) != 0 {
		t.Fatalf("alerts=%d want=0 one second before the deadline", len(fs.channelSends))
	}
}

func TestSingleAlertAtDeadline(t *testing.T) {
	ctx := context.Background()
	monitor, store, fs, dialog := newMonitorFixture(t)

	now := time.Now().UTC().Truncate(time.Second)
	if err := store.TouchClientMessage(ctx, dialog.ID, now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("touch client message: %v", err)
	}
	if err := monitor.CheckOnce(ctx, now); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(fs.channelSends) != 1 {
		t.Fatalf("alerts=%d want=1 exactly at the deadline", len(fs.channelSends))
	}

	// The same instant checked again must not double-alert.
	if err := monitor.CheckOnce(ctx, now); err != nil {
		t.Fatalf("recheck: %v", err)
	}
	if len(fs.channelSends) != 1 {
		t.Fatalf("alerts=%d want=1 after recheck", len(fs.channelSends))
	}
}

func TestEscalationTimeline(t *testing.T) {
	ctx := context.Background()
	monitor, store, fs, dialog := newMonitorFixture(t)

	base := time.Now().UTC().Truncate(time.Second)
	if err := store.TouchClientMessage(ctx, dialog.ID, base); err != nil {
		t.Fatalf("touch client message: %v", err)
	}

	alertMinutes := make([]int, 0)
	for minute := 0; minute <= 10; minute++ {
		before := len(fs.channelSends)
		if err := monitor.CheckOnce(ctx, base.Add(time.Duration(minute)*time.Minute)); err != nil {
			t.Fatalf("check at minute %d: %v", minute, err)
		}
		if len(fs.channelSends) > before {
			alertMinutes = append(alertMinutes, minute)
		}
	}

	want := []int{5, 8, 9, 10}
	if len(alertMinutes) != len(want) {
		t.Fatalf("alert minutes=%v want=%v", alertMinutes, want)
	}
	for i := range want {
		if alertMinutes[i] != want[i] {
			t.Fatalf("alert minutes=%v want=%v", alertMinutes, want)
		}
	}
}

func TestAgentReplyClearsPendingAlerts(t *testing.T) {
	ctx := context.Background()
	monitor, store, fs, dialog := newMonitorFixture(t)

	base := time.Now().UTC().Truncate(time.Second)
	if err := store.TouchClientMessage(ctx, dialog.ID, base); err != nil {
		t.Fatalf("touch client message: %v", err)
	}
	if err := monitor.CheckOnce(ctx, base.Add(5*time.Minute)); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(fs.channelSends) != 1 {
		t.Fatalf("alerts=%d want=1 before the reply", len(fs.channelSends))
	}

	if err := store.ResetSLA(ctx, dialog.ID); err != nil {
		t.Fatalf("reset sla: %v", err)
	}
	if err := monitor.CheckOnce(ctx, base.Add(20*time.Minute)); err != nil {
		t.Fatalf("check after reply: %v", err)
	}
	if len(fs.channelSends) != 1 {
		t.Fatalf("alerts=%d want=1, cleared dialog must stay silent", len(fs.channelSends))
	}
}

func TestUndeliveredAlertIsRetried(t *testing.T) {
	ctx := context.Background()
	monitor, store, fs, dialog := newMonitorFixture(t)

	base := time.Now().UTC().Truncate(time.Second)
	if err := store.TouchClientMessage(ctx, dialog.ID, base); err != nil {
		t.Fatalf("touch client message: %v", err)
	}

	fs.failing = true
	if err := monitor.CheckOnce(ctx, base.Add(5*time.Minute)); err != nil {
		t.Fatalf("check while surface down: %v", err)
	}
	got, err := store.GetDialog(ctx, dialog.ID)
	if err != nil {
		t.Fatalf("get dialog: %v", err)
	}
	if got.SLAAlertSent {
		t.Fatalf("alert recorded although nothing was delivered")
	}

	fs.failing = false
	if err := monitor.CheckOnce(ctx, base.Add(6*time.Minute)); err != nil {
		t.Fatalf("check after recovery: %v", err)
	}
	if len(fs.channelSends) != 1 {
		t.Fatalf("alerts=%d want=1 after retry", len(fs.channelSends))
	}
}
