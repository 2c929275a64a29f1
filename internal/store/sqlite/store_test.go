package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"dialog_router/internal/domain"
)

func TestGetOrCreateUserPromotesButNeverDemotes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	u, err := store.GetOrCreateUser(ctx, 1001, "Alice", "alice", domain.UserRoleClient)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if u.Role != domain.UserRoleClient {
		t.Fatalf("role=%s want=%s", u.Role, domain.UserRoleClient)
	}

	u, err = store.GetOrCreateUser(ctx, 1001, "Alice A.", "alice", domain.UserRoleManager)
	if err != nil {
		t.Fatalf("promote user: %v", err)
	}
	if u.Role != domain.UserRoleManager {
		t.Fatalf("role=%s want=%s after promotion", u.Role, domain.UserRoleManager)
	}
	if u.DisplayName != "Alice A." {
		t.Fatalf("display name not updated: %s", u.DisplayName)
	}

	u, err = store.GetOrCreateUser(ctx, 1001, "Alice A.", "alice", domain.UserRoleClient)
	if err != nil {
		t.Fatalf("lookup user as client: %v", err)
	}
	if u.Role != domain.UserRoleManager {
		t.Fatalf("role=%s, manager must not be demoted", u.Role)
	}
}

func TestListAvailableAgentsOrdersByLoad(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	client, err := store.GetOrCreateUser(ctx, 2001, "Client", "", domain.UserRoleClient)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	a, err := store.UpsertAgent(ctx, domain.Agent{ExternalID: 11, DisplayName: "A", WorkChatID: -100, Status: domain.UserStatusOnline})
	if err != nil {
		t.Fatalf("upsert agent a: %v", err)
	}
	b, err := store.UpsertAgent(ctx, domain.Agent{ExternalID: 12, DisplayName: "B", WorkChatID: -100, Status: domain.UserStatusOnline})
	if err != nil {
		t.Fatalf("upsert agent b: %v", err)
	}
	if _, err := store.UpsertAgent(ctx, domain.Agent{ExternalID: 13, DisplayName: "C", WorkChatID: -100, Status: domain.UserStatusOffline}); err != nil {
		t.Fatalf("upsert agent c: %v", err)
	}
	if _, err := store.UpsertAgent(ctx, domain.Agent{ExternalID: 14, DisplayName: "D", WorkChatID: 0, Status: domain.UserStatusOnline}); err != nil {
		t.Fatalf("upsert agent d: %v", err)
	}

	if _, err := store.CreateDialog(ctx, domain.Dialog{
		ClientID: client.ID, ManagerID: a.ID, ManagerChatID: -100, ManagerTopicID: 1,
		Status: domain.DialogStatusActive,
	}); err != nil {
		t.Fatalf("create dialog: %v", err)
	}

	agents, err := store.ListAvailableAgents(ctx)
	if err != nil {
		t.Fatalf("list available agents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("agents=%d want=2 (offline and chatless excluded)", len(agents))
	}
	if agents[0].ID != b.ID {
		t.Fatalf("first agent id=%d want=%d (least loaded)", agents[0].ID, b.ID)
	}
	if agents[1].ActiveDialogs != 1 {
		t.Fatalf("loaded agent count=%d want=1", agents[1].ActiveDialogs)
	}
}

func TestTouchClientMessageSetsWaitMarkOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	dialog := newTestDialog(t, store)

	first := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Second)
	if err := store.TouchClientMessage(ctx, dialog.ID, first); err != nil {
		t.Fatalf("touch first message: %v", err)
	}
	second := first.Add(5 * time.Minute)
	if err := store.TouchClientMessage(ctx, dialog.ID, second); err != nil {
		t.Fatalf("touch second message: %v", err)
	}

	got, err := store.GetDialog(ctx, dialog.ID)
	if err != nil {
		t.Fatalf("get dialog: %v", err)
	}
	if got.UnansweredSince == nil || !got.UnansweredSince.Equal(first) {
		t.Fatalf("unanswered_since=%v want=%v (must not move on later messages)", got.UnansweredSince, first)
	}
	if got.LastClientMessageAt == nil || !got.LastClientMessageAt.Equal(second) {
		t.Fatalf("last_client_message_at=%v want=%v", got.LastClientMessageAt, second)
	}

	if err := store.ResetSLA(ctx, dialog.ID); err != nil {
		t.Fatalf("reset sla: %v", err)
	}
	got, err = store.GetDialog(ctx, dialog.ID)
	if err != nil {
		t.Fatalf("get dialog after reset: %v", err)
	}
	if got.UnansweredSince != nil || got.SLAAlertSent || got.SLALastAlertAt != nil {
		t.Fatalf("sla state not fully cleared: %+v", got)
	}

	third := second.Add(time.Minute)
	if err := store.TouchClientMessage(ctx, dialog.ID, third); err != nil {
		t.Fatalf("touch after reset: %v", err)
	}
	got, err = store.GetDialog(ctx, dialog.ID)
	if err != nil {
		t.Fatalf("get dialog after new message: %v", err)
	}
	if got.UnansweredSince == nil || !got.UnansweredSince.Equal(third) {
		t.Fatalf("unanswered_since=%v want=%v after reset", got.UnansweredSince, third)
	}
}

func TestUpdateDialogStatusIfIsConditional(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	dialog := newTestDialog(t, store)

	ok, err := store.UpdateDialogStatusIf(ctx, dialog.ID, []domain.DialogStatus{domain.DialogStatusActive}, domain.DialogStatusResolved)
	if err != nil {
		t.Fatalf("resolve active dialog: %v", err)
	}
	if !ok {
		t.Fatalf("expected active dialog to resolve")
	}

	ok, err = store.UpdateDialogStatusIf(ctx, dialog.ID, []domain.DialogStatus{domain.DialogStatusActive}, domain.DialogStatusTransferred)
	if err != nil {
		t.Fatalf("transfer resolved dialog: %v", err)
	}
	if ok {
		t.Fatalf("expected transition from resolved to be refused")
	}

	got, err := store.GetDialog(ctx, dialog.ID)
	if err != nil {
		t.Fatalf("get dialog: %v", err)
	}
	if got.Status != domain.DialogStatusResolved {
		t.Fatalf("status=%s want=%s", got.Status, domain.DialogStatusResolved)
	}
}

func TestListOverdueDialogsBoundary(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	dialog := newTestDialog(t, store)
	now := time.Now().UTC().Truncate(time.Second)
	since := now.Add(-5 * time.Minute)
	if err := store.TouchClientMessage(ctx, dialog.ID, since); err != nil {
		t.Fatalf("touch client message: %v", err)
	}

	overdue, err := store.ListOverdueDialogs(ctx, since.Add(-time.Second))
	if err != nil {
		t.Fatalf("list before threshold: %v", err)
	}
	if len(overdue) != 0 {
		t.Fatalf("overdue=%d want=0 one second before the mark", len(overdue))
	}

	overdue, err = store.ListOverdueDialogs(ctx, since)
	if err != nil {
		t.Fatalf("list at threshold: %v", err)
	}
	if len(overdue) != 1 {
		t.Fatalf("overdue=%d want=1 exactly at the mark", len(overdue))
	}

	if err := store.UpdateDialogStatus(ctx, dialog.ID, domain.DialogStatusResolved); err != nil {
		t.Fatalf("resolve dialog: %v", err)
	}
	overdue, err = store.ListOverdueDialogs(ctx, now)
	if err != nil {
		t.Fatalf("list after resolve: %v", err)
	}
	if len(overdue) != 0 {
		t.Fatalf("overdue=%d want=0 for non-active dialog", len(overdue))
	}
}

func TestMessageLogLookupAndDeleteSync(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	dialog := newTestDialog(t, store)

	first, err := store.AddMessageLog(ctx, domain.MessageLog{
		DialogID: dialog.ID, ClientMessageID: 501, ManagerMessageID: 901,
		SenderRole: domain.SenderRoleClient, SenderName: "Client", Text: "hello",
	})
	if err != nil {
		t.Fatalf("add first log: %v", err)
	}
	second, err := store.AddMessageLog(ctx, domain.MessageLog{
		DialogID: dialog.ID, ClientMessageID: 502, ManagerMessageID: 902,
		SenderRole: domain.SenderRoleManager, SenderName: "Agent", Text: "hi",
	})
	if err != nil {
		t.Fatalf("add second log: %v", err)
	}

	got, err := store.GetLogByManagerMessageID(ctx, 901)
	if err != nil {
		t.Fatalf("get by manager message id: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("lookup by manager id returned %+v want id=%d", got, first.ID)
	}
	missing, err := store.GetLogByClientMessageID(ctx, 999)
	if err != nil {
		t.Fatalf("get missing log: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown client message id")
	}

	if err := store.UpdateLogText(ctx, first.ID, "hello edited"); err != nil {
		t.Fatalf("update log text: %v", err)
	}
	got, err = store.GetLogByClientMessageID(ctx, 501)
	if err != nil {
		t.Fatalf("get edited log: %v", err)
	}
	if got.Text != "hello edited" || !got.IsEdited {
		t.Fatalf("edit not recorded: text=%q edited=%v", got.Text, got.IsEdited)
	}

	if err := store.MarkLogsDeletedBySurfaceMessageIDs(ctx, []int64{502, 901}); err != nil {
		t.Fatalf("mark logs deleted: %v", err)
	}
	for _, id := range []int64{first.ID, second.ID} {
		logs, err := store.ListDialogLogs(ctx, dialog.ID, 0)
		if err != nil {
			t.Fatalf("list dialog logs: %v", err)
		}
		for _, l := range logs {
			if l.ID == id {
				t.Fatalf("log %d still listed after delete sync", id)
			}
		}
	}
}

func TestClientHistoryAndNotesSpanDialogs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	client, err := store.GetOrCreateUser(ctx, 3001, "Client", "", domain.UserRoleClient)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	agent, err := store.UpsertAgent(ctx, domain.Agent{ExternalID: 21, DisplayName: "Agent", WorkChatID: -100, Status: domain.UserStatusOnline})
	if err != nil {
		t.Fatalf("upsert agent: %v", err)
	}

	old, err := store.CreateDialog(ctx, domain.Dialog{
		ClientID: client.ID, ManagerID: agent.ID, ManagerChatID: -100, ManagerTopicID: 1,
		Status: domain.DialogStatusTransferred, CreatedAt: time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("create old dialog: %v", err)
	}
	current, err := store.CreateDialog(ctx, domain.Dialog{
		ClientID: client.ID, ManagerID: agent.ID, ManagerChatID: -100, ManagerTopicID: 2,
		Status: domain.DialogStatusActive,
	})
	if err != nil {
		t.Fatalf("create current dialog: %v", err)
	}

	base := time.Now().UTC().Add(-30 * time.Minute).Truncate(time.Second)
	if _, err := store.AddMessageLog(ctx, domain.MessageLog{
		DialogID: old.ID, ClientMessageID: 1, SenderRole: domain.SenderRoleClient, Text: "first", CreatedAt: base,
	}); err != nil {
		t.Fatalf("add old log: %v", err)
	}
	deleted, err := store.AddMessageLog(ctx, domain.MessageLog{
		DialogID: old.ID, ClientMessageID: 2, SenderRole: domain.SenderRoleClient, Text: "gone", CreatedAt: base.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("add deleted log: %v", err)
	}
	if err := store.MarkLogDeleted(ctx, deleted.ID); err != nil {
		t.Fatalf("mark log deleted: %v", err)
	}
	if _, err := store.AddMessageLog(ctx, domain.MessageLog{
		DialogID: current.ID, ClientMessageID: 3, SenderRole: domain.SenderRoleClient, Text: "second", CreatedAt: base.Add(2 * time.Minute),
	}); err != nil {
		t.Fatalf("add current log: %v", err)
	}

	history, err := store.ListClientHistory(ctx, client.ID)
	if err != nil {
		t.Fatalf("list client history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history=%d want=2 (deleted row excluded)", len(history))
	}
	if history[0].Text != "first" || history[1].Text != "second" {
		t.Fatalf("history out of order: %q, %q", history[0].Text, history[1].Text)
	}

	if _, err := store.CreateNote(ctx, domain.Note{DialogID: old.ID, AuthorID: agent.ID, Text: "vip"}); err != nil {
		t.Fatalf("create old note: %v", err)
	}
	if _, err := store.CreateNote(ctx, domain.Note{DialogID: current.ID, AuthorID: agent.ID, Text: "prefers email"}); err != nil {
		t.Fatalf("create current note: %v", err)
	}
	notes, err := store.ListNotesForClient(ctx, client.ID)
	if err != nil {
		t.Fatalf("list notes for client: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("notes=%d want=2 across dialogs", len(notes))
	}
}

func TestKnowledgeUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if err := store.UpsertKnowledgeEntry(ctx, 700, "How to reset a password #password #reset", "#password #reset"); err != nil {
		t.Fatalf("insert entry: %v", err)
	}
	if err := store.UpsertKnowledgeEntry(ctx, 700, "How to reset a password, updated #password", "#password"); err != nil {
		t.Fatalf("update entry: %v", err)
	}

	entries, err := store.SearchKnowledge(ctx, "password", 0)
	if err != nil {
		t.Fatalf("search knowledge: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries=%d want=1 (upsert must not duplicate)", len(entries))
	}
	if entries[0].Keywords != "#password" {
		t.Fatalf("keywords=%q want updated value", entries[0].Keywords)
	}

	none, err := store.SearchKnowledge(ctx, "billing", 0)
	if err != nil {
		t.Fatalf("search unrelated: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("entries=%d want=0 for unrelated query", len(none))
	}
}

func newTestDialog(t *testing.T, store *Store) domain.Dialog {
	t.Helper()
	ctx := context.Background()
	client, err := store.GetOrCreateUser(ctx, time.Now().UnixNano(), "Client", "", domain.UserRoleClient)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	agent, err := store.UpsertAgent(ctx, domain.Agent{ExternalID: time.Now().UnixNano(), DisplayName: "Agent", WorkChatID: -100, Status: domain.UserStatusOnline})
	if err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	dialog, err := store.CreateDialog(ctx, domain.Dialog{
		ClientID: client.ID, ManagerID: agent.ID, ManagerChatID: -100, ManagerTopicID: 7,
		Status: domain.DialogStatusActive,
	})
	if err != nil {
		t.Fatalf("create dialog: %v", err)
	}
	return dialog
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
