package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dialog_router/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	external_id INTEGER NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'offline',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	external_id INTEGER NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL DEFAULT '',
	work_chat_id INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'offline',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dialogs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id INTEGER NOT NULL,
	manager_id INTEGER NULL,
	manager_chat_id INTEGER NOT NULL DEFAULT 0,
	manager_topic_id INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_client_message_at INTEGER NULL,
	unanswered_since INTEGER NULL,
	sla_alert_sent INTEGER NOT NULL DEFAULT 0,
	sla_last_alert_at INTEGER NULL,
	FOREIGN KEY(client_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_dialogs_client ON dialogs(client_id, created_at);
CREATE INDEX IF NOT EXISTS idx_dialogs_thread ON dialogs(manager_chat_id, manager_topic_id);
CREATE INDEX IF NOT EXISTS idx_dialogs_sla ON dialogs(status, unanswered_since);

CREATE TABLE IF NOT EXISTS message_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	dialog_id INTEGER NOT NULL,
	client_message_id INTEGER NULL,
	manager_message_id INTEGER NULL,
	sender_role TEXT NOT NULL,
	sender_name TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	is_edited INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(dialog_id) REFERENCES dialogs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_message_log_dialog ON message_log(dialog_id, created_at);
CREATE INDEX IF NOT EXISTS idx_message_log_client_msg ON message_log(client_message_id);
CREATE INDEX IF NOT EXISTS idx_message_log_manager_msg ON message_log(manager_message_id);
CREATE INDEX IF NOT EXISTS idx_message_log_live ON message_log(is_deleted, created_at);

CREATE TABLE IF NOT EXISTS notes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	dialog_id INTEGER NOT NULL,
	author_id INTEGER NOT NULL,
	author_name TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(dialog_id) REFERENCES dialogs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_notes_dialog ON notes(dialog_id, created_at);

CREATE TABLE IF NOT EXISTS knowledge_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id INTEGER NOT NULL UNIQUE,
	text TEXT NOT NULL DEFAULT '',
	keywords TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// GetOrCreateUser registers a user on first contact and keeps the profile
// fields current afterwards. A client may be promoted to manager but an
// existing manager is never demoted by a client-role lookup.
func (s *Store) GetOrCreateUser(ctx context.Context, externalID int64, displayName, username string, role domain.UserRole) (domain.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, fmt.Errorf("begin tx get or create user: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var u domain.User
	var storedRole, storedStatus string
	err = tx.QueryRowContext(
		ctx,
		`SELECT id, external_id, display_name, username, role, status FROM users WHERE external_id = ?`,
		externalID,
	).Scan(&u.ID, &u.ExternalID, &u.DisplayName, &u.Username, &storedRole, &storedStatus)
	if errors.Is(err, sql.ErrNoRows) {
		if role == "" {
			role = domain.UserRoleClient
		}
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO users(external_id, display_name, username, role, status, created_at)
			VALUES(?, ?, ?, ?, ?, ?)`,
			externalID, displayName, username, string(role), string(domain.UserStatusOffline), time.Now().UTC().Unix(),
		)
		if err != nil {
			return domain.User{}, fmt.Errorf("insert user: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return domain.User{}, fmt.Errorf("user insert id: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return domain.User{}, fmt.Errorf("commit create user: %w", err)
		}
		return domain.User{
			ID:          id,
			ExternalID:  externalID,
			DisplayName: displayName,
			Username:    username,
			Role:        role,
			Status:      domain.UserStatusOffline,
		}, nil
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}

	u.Role = domain.UserRole(storedRole)
	u.Status = domain.UserStatus(storedStatus)

	newRole := u.Role
	if role == domain.UserRoleManager && u.Role == domain.UserRoleClient {
		newRole = domain.UserRoleManager
	}
	if u.DisplayName != displayName || u.Username != username || u.Role != newRole {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE users SET display_name = ?, username = ?, role = ? WHERE id = ?`,
			displayName, username, string(newRole), u.ID,
		); err != nil {
			return domain.User{}, fmt.Errorf("update user profile: %w", err)
		}
		u.DisplayName = displayName
		u.Username = username
		u.Role = newRole
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, fmt.Errorf("commit get or create user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (domain.User, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, external_id, display_name, username, role, status FROM users WHERE id = ?`,
		id,
	)
	var u domain.User
	var role, status string
	if err := row.Scan(&u.ID, &u.ExternalID, &u.DisplayName, &u.Username, &role, &status); err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	u.Role = domain.UserRole(role)
	u.Status = domain.UserStatus(status)
	return u, nil
}

func (s *Store) UpsertAgent(ctx context.Context, a domain.Agent) (domain.Agent, error) {
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO agents(external_id, display_name, username, work_chat_id, status, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			display_name = excluded.display_name,
			username = excluded.username,
			work_chat_id = excluded.work_chat_id,
			status = excluded.status`,
		a.ExternalID, a.DisplayName, a.Username, a.WorkChatID, string(a.Status), time.Now().UTC().Unix(),
	)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("upsert agent: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		a.ID = id
	}
	if a.ID == 0 {
		row := s.db.QueryRowContext(ctx, `SELECT id FROM agents WHERE external_id = ?`, a.ExternalID)
		if err := row.Scan(&a.ID); err != nil {
			return domain.Agent{}, fmt.Errorf("resolve agent id: %w", err)
		}
	}
	return a, nil
}

func (s *Store) GetAgentByExternalID(ctx context.Context, externalID int64) (*domain.Agent, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, external_id, display_name, username, work_chat_id, status FROM agents WHERE external_id = ?`,
		externalID,
	)
	var a domain.Agent
	var status string
	err := row.Scan(&a.ID, &a.ExternalID, &a.DisplayName, &a.Username, &a.WorkChatID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by external id: %w", err)
	}
	a.Status = domain.UserStatus(status)
	return &a, nil
}

// ListAvailableAgents returns online agents with a work chat, annotated with
// their open-dialog load and ordered least loaded first. The ordering is
// stable so repeated picks over an unchanged roster agree.
func (s *Store) ListAvailableAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT a.id, a.external_id, a.display_name, a.username, a.work_chat_id, a.status,
			COALESCE(d.cnt, 0) AS active_dialogs
		FROM agents a
		LEFT JOIN (
			SELECT manager_id, COUNT(*) AS cnt
			FROM dialogs
			WHERE status IN (?, ?)
			GROUP BY manager_id
		) d ON d.manager_id = a.id
		WHERE a.status = ? AND a.work_chat_id != 0
		ORDER BY active_dialogs ASC, a.id ASC`,
		string(domain.DialogStatusNew), string(domain.DialogStatusActive),
		string(domain.UserStatusOnline),
	)
	if err != nil {
		return nil, fmt.Errorf("list available agents: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Agent, 0)
	for rows.Next() {
		var a domain.Agent
		var status string
		if err := rows.Scan(&a.ID, &a.ExternalID, &a.DisplayName, &a.Username, &a.WorkChatID, &status, &a.ActiveDialogs); err != nil {
			return nil, fmt.Errorf("scan available agent: %w", err)
		}
		a.Status = domain.UserStatus(status)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate available agents: %w", err)
	}
	return result, nil
}

func (s *Store) CreateDialog(ctx context.Context, d domain.Dialog) (domain.Dialog, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = domain.DialogStatusNew
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO dialogs(
			client_id, manager_id, manager_chat_id, manager_topic_id, status, created_at,
			last_client_message_at, unanswered_since, sla_alert_sent, sla_last_alert_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ClientID, nullableID(d.ManagerID), d.ManagerChatID, d.ManagerTopicID, string(d.Status),
		d.CreatedAt.Unix(), nullableUnix(d.LastClientMessageAt), nullableUnix(d.UnansweredSince),
		boolToInt(d.SLAAlertSent), nullableUnix(d.SLALastAlertAt),
	)
	if err != nil {
		return domain.Dialog{}, fmt.Errorf("create dialog: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Dialog{}, fmt.Errorf("dialog insert id: %w", err)
	}
	d.ID = id
	return d, nil
}

const dialogColumns = `id, client_id, manager_id, manager_chat_id, manager_topic_id, status, created_at,
	last_client_message_at, unanswered_since, sla_alert_sent, sla_last_alert_at`

func scanDialog(row interface{ Scan(...any) error }) (domain.Dialog, error) {
	var d domain.Dialog
	var managerID sql.NullInt64
	var status string
	var created int64
	var lastMsg, unanswered, lastAlert sql.NullInt64
	var alertSent int
	if err := row.Scan(
		&d.ID, &d.ClientID, &managerID, &d.ManagerChatID, &d.ManagerTopicID, &status, &created,
		&lastMsg, &unanswered, &alertSent, &lastAlert,
	); err != nil {
		return domain.Dialog{}, err
	}
	if managerID.Valid {
		d.ManagerID = managerID.Int64
	}
	d.Status = domain.DialogStatus(status)
	d.CreatedAt = unixToTime(created)
	d.LastClientMessageAt = int64ToTimePtr(lastMsg)
	d.UnansweredSince = int64ToTimePtr(unanswered)
	d.SLAAlertSent = alertSent != 0
	d.SLALastAlertAt = int64ToTimePtr(lastAlert)
	return d, nil
}

func (s *Store) GetDialog(ctx context.Context, dialogID int64) (domain.Dialog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dialogColumns+` FROM dialogs WHERE id = ?`, dialogID)
	d, err := scanDialog(row)
	if err != nil {
		return domain.Dialog{}, fmt.Errorf("get dialog: %w", err)
	}
	return d, nil
}

// FindLastDialogForClient returns the most recently created dialog for the
// client, or nil when the client has none.
func (s *Store) FindLastDialogForClient(ctx context.Context, clientID int64) (*domain.Dialog, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+dialogColumns+` FROM dialogs WHERE client_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		clientID,
	)
	d, err := scanDialog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find last dialog for client: %w", err)
	}
	return &d, nil
}

func (s *Store) FindDialogByThread(ctx context.Context, chatID, topicID int64) (*domain.Dialog, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+dialogColumns+` FROM dialogs WHERE manager_chat_id = ? AND manager_topic_id = ? ORDER BY id DESC LIMIT 1`,
		chatID, topicID,
	)
	d, err := scanDialog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find dialog by thread: %w", err)
	}
	return &d, nil
}

func (s *Store) ListDialogs(ctx context.Context, limit int) ([]domain.Dialog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+dialogColumns+` FROM dialogs ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dialogs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Dialog, 0, limit)
	for rows.Next() {
		d, err := scanDialog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dialog: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dialogs: %w", err)
	}
	return result, nil
}

func (s *Store) UpdateDialogStatus(ctx context.Context, dialogID int64, status domain.DialogStatus) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE dialogs SET status = ? WHERE id = ?`,
		string(status), dialogID,
	)
	if err != nil {
		return fmt.Errorf("update dialog status: %w", err)
	}
	return nil
}

// UpdateDialogStatusIf moves the dialog to the target status only while it is
// still in one of the expected statuses, reporting whether the transition won.
func (s *Store) UpdateDialogStatusIf(ctx context.Context, dialogID int64, from []domain.DialogStatus, to domain.DialogStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("update dialog status if: empty status set")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := make([]any, 0, len(from)+2)
	args = append(args, string(to), dialogID)
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE dialogs SET status = ? WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("update dialog status if: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dialog status affected rows: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) SetDialogThread(ctx context.Context, dialogID, chatID, topicID int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE dialogs SET manager_chat_id = ?, manager_topic_id = ? WHERE id = ?`,
		chatID, topicID, dialogID,
	)
	if err != nil {
		return fmt.Errorf("set dialog thread: %w", err)
	}
	return nil
}

// TouchClientMessage records a client message: the activity timestamp always
// moves, but the waiting-since mark is only set when no answer is already
// pending, so the measured wait spans from the first unanswered message.
func (s *Store) TouchClientMessage(ctx context.Context, dialogID int64, at time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE dialogs
		SET last_client_message_at = ?,
			unanswered_since = COALESCE(unanswered_since, ?),
			sla_alert_sent = CASE WHEN unanswered_since IS NULL THEN 0 ELSE sla_alert_sent END,
			sla_last_alert_at = CASE WHEN unanswered_since IS NULL THEN NULL ELSE sla_last_alert_at END
		WHERE id = ?`,
		at.UTC().Unix(), at.UTC().Unix(), dialogID,
	)
	if err != nil {
		return fmt.Errorf("touch client message: %w", err)
	}
	return nil
}

func (s *Store) ResetSLA(ctx context.Context, dialogID int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE dialogs SET unanswered_since = NULL, sla_alert_sent = 0, sla_last_alert_at = NULL WHERE id = ?`,
		dialogID,
	)
	if err != nil {
		return fmt.Errorf("reset sla: %w", err)
	}
	return nil
}

// ListOverdueDialogs returns active dialogs whose first unanswered client
// message is at or before the threshold, oldest wait first.
func (s *Store) ListOverdueDialogs(ctx context.Context, threshold time.Time) ([]domain.Dialog, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+dialogColumns+` FROM dialogs
		WHERE status = ? AND unanswered_since IS NOT NULL AND unanswered_since <= ?
		ORDER BY unanswered_since ASC`,
		string(domain.DialogStatusActive), threshold.UTC().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("list overdue dialogs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Dialog, 0)
	for rows.Next() {
		d, err := scanDialog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan overdue dialog: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overdue dialogs: %w", err)
	}
	return result, nil
}

func (s *Store) MarkSLAAlert(ctx context.Context, dialogID int64, at time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE dialogs SET sla_alert_sent = 1, sla_last_alert_at = ? WHERE id = ?`,
		at.UTC().Unix(), dialogID,
	)
	if err != nil {
		return fmt.Errorf("mark sla alert: %w", err)
	}
	return nil
}

func (s *Store) AddMessageLog(ctx context.Context, m domain.MessageLog) (domain.MessageLog, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO message_log(
			dialog_id, client_message_id, manager_message_id, sender_role, sender_name,
			text, created_at, is_deleted, is_edited
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.DialogID, nullableID(m.ClientMessageID), nullableID(m.ManagerMessageID),
		string(m.SenderRole), m.SenderName, m.Text, m.CreatedAt.Unix(),
		boolToInt(m.IsDeleted), boolToInt(m.IsEdited),
	)
	if err != nil {
		return domain.MessageLog{}, fmt.Errorf("add message log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.MessageLog{}, fmt.Errorf("message log insert id: %w", err)
	}
	m.ID = id
	return m, nil
}

const logColumns = `id, dialog_id, client_message_id, manager_message_id, sender_role, sender_name,
	text, created_at, is_deleted, is_edited`

func scanLog(row interface{ Scan(...any) error }) (domain.MessageLog, error) {
	var m domain.MessageLog
	var clientMsg, managerMsg sql.NullInt64
	var role string
	var created int64
	var deleted, edited int
	if err := row.Scan(
		&m.ID, &m.DialogID, &clientMsg, &managerMsg, &role, &m.SenderName,
		&m.Text, &created, &deleted, &edited,
	); err != nil {
		return domain.MessageLog{}, err
	}
	if clientMsg.Valid {
		m.ClientMessageID = clientMsg.Int64
	}
	if managerMsg.Valid {
		m.ManagerMessageID = managerMsg.Int64
	}
	m.SenderRole = domain.SenderRole(role)
	m.CreatedAt = unixToTime(created)
	m.IsDeleted = deleted != 0
	m.IsEdited = edited != 0
	return m, nil
}

func (s *Store) GetLogByClientMessageID(ctx context.Context, clientMessageID int64) (*domain.MessageLog, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+logColumns+` FROM message_log WHERE client_message_id = ? ORDER BY id DESC LIMIT 1`,
		clientMessageID,
	)
	m, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get log by client message id: %w", err)
	}
	return &m, nil
}

func (s *Store) GetLogByManagerMessageID(ctx context.Context, managerMessageID int64) (*domain.MessageLog, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+logColumns+` FROM message_log WHERE manager_message_id = ? ORDER BY id DESC LIMIT 1`,
		managerMessageID,
	)
	m, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get log by manager message id: %w", err)
	}
	return &m, nil
}

func (s *Store) UpdateLogText(ctx context.Context, logID int64, text string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE message_log SET text = ?, is_edited = 1 WHERE id = ?`,
		text, logID,
	)
	if err != nil {
		return fmt.Errorf("update log text: %w", err)
	}
	return nil
}

func (s *Store) MarkLogDeleted(ctx context.Context, logID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE message_log SET is_deleted = 1 WHERE id = ?`, logID)
	if err != nil {
		return fmt.Errorf("mark log deleted: %w", err)
	}
	return nil
}

// MarkLogsDeletedBySurfaceMessageIDs flags every log row carrying any of the
// given surface message ids, on either side of the mirror, in one transaction.
func (s *Store) MarkLogsDeletedBySurfaceMessageIDs(ctx context.Context, messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx mark logs deleted: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, id := range messageIDs {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE message_log SET is_deleted = 1 WHERE client_message_id = ? OR manager_message_id = ?`,
			id, id,
		); err != nil {
			return fmt.Errorf("mark log deleted by surface id: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark logs deleted: %w", err)
	}
	return nil
}

// ListRecentLiveLogs returns non-deleted log rows created at or after the
// cutoff, newest first, capped at limit. Used by the reconciliation scan.
func (s *Store) ListRecentLiveLogs(ctx context.Context, since time.Time, limit int) ([]domain.MessageLog, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+logColumns+` FROM message_log
		WHERE is_deleted = 0 AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?`,
		since.UTC().Unix(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent live logs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.MessageLog, 0, limit)
	for rows.Next() {
		m, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recent live log: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent live logs: %w", err)
	}
	return result, nil
}

func (s *Store) ListDialogLogs(ctx context.Context, dialogID int64, limit int) ([]domain.MessageLog, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+logColumns+` FROM message_log
		WHERE dialog_id = ? AND is_deleted = 0
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		dialogID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dialog logs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.MessageLog, 0, limit)
	for rows.Next() {
		m, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dialog log: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dialog logs: %w", err)
	}
	return result, nil
}

// ListClientHistory returns the client's surviving exchanges across all of
// their dialogs in chronological order, for transfer handoffs.
func (s *Store) ListClientHistory(ctx context.Context, clientID int64) ([]domain.MessageLog, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT m.id, m.dialog_id, m.client_message_id, m.manager_message_id, m.sender_role, m.sender_name,
			m.text, m.created_at, m.is_deleted, m.is_edited
		FROM message_log m
		JOIN dialogs d ON d.id = m.dialog_id
		WHERE d.client_id = ? AND m.is_deleted = 0
		ORDER BY m.created_at ASC, m.id ASC`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("list client history: %w", err)
	}
	defer rows.Close()

	result := make([]domain.MessageLog, 0)
	for rows.Next() {
		m, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client history: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate client history: %w", err)
	}
	return result, nil
}

func (s *Store) CreateNote(ctx context.Context, n domain.Note) (domain.Note, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO notes(dialog_id, author_id, author_name, text, created_at)
		VALUES(?, ?, ?, ?, ?)`,
		n.DialogID, n.AuthorID, n.AuthorName, n.Text, n.CreatedAt.Unix(),
	)
	if err != nil {
		return domain.Note{}, fmt.Errorf("create note: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Note{}, fmt.Errorf("note insert id: %w", err)
	}
	n.ID = id
	return n, nil
}

// ListNotesForClient returns notes from every dialog of the client, oldest
// first, so a transfer handoff carries the full annotation trail.
func (s *Store) ListNotesForClient(ctx context.Context, clientID int64) ([]domain.Note, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT n.id, n.dialog_id, n.author_id, n.author_name, n.text, n.created_at
		FROM notes n
		JOIN dialogs d ON d.id = n.dialog_id
		WHERE d.client_id = ?
		ORDER BY n.created_at ASC, n.id ASC`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("list notes for client: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Note, 0)
	for rows.Next() {
		var n domain.Note
		var created int64
		if err := rows.Scan(&n.ID, &n.DialogID, &n.AuthorID, &n.AuthorName, &n.Text, &created); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		n.CreatedAt = unixToTime(created)
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return result, nil
}

func (s *Store) UpsertKnowledgeEntry(ctx context.Context, messageID int64, text, keywords string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO knowledge_entries(message_id, text, keywords, created_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			text = excluded.text,
			keywords = excluded.keywords`,
		messageID, text, keywords, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert knowledge entry: %w", err)
	}
	return nil
}

func (s *Store) SearchKnowledge(ctx context.Context, query string, limit int) ([]domain.KnowledgeEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, message_id, text, keywords, created_at
		FROM knowledge_entries
		WHERE keywords LIKE ? OR LOWER(text) LIKE ?
		ORDER BY created_at DESC
		LIMIT ?`,
		pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	result := make([]domain.KnowledgeEntry, 0, limit)
	for rows.Next() {
		var e domain.KnowledgeEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Text, &e.Keywords, &created); err != nil {
			return nil, fmt.Errorf("scan knowledge entry: %w", err)
		}
		e.CreatedAt = unixToTime(created)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge entries: %w", err)
	}
	return result, nil
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
