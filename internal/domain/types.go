package domain

import (
	"time"
)

type UserRole string

const (
	UserRoleClient     UserRole = "client"
	UserRolePartner    UserRole = "partner"
	UserRoleManager    UserRole = "manager"
	UserRoleSupervisor UserRole = "supervisor"
)

type UserStatus string

const (
	UserStatusOnline  UserStatus = "online"
	UserStatusOffline UserStatus = "offline"
	UserStatusBreak   UserStatus = "break"
)

type DialogStatus string

const (
	DialogStatusNew         DialogStatus = "new"
	DialogStatusActive      DialogStatus = "active"
	DialogStatusResolved    DialogStatus = "resolved"
	DialogStatusEscalated   DialogStatus = "escalated"
	DialogStatusTransferred DialogStatus = "transferred"
)

type SenderRole string

const (
	SenderRoleClient  SenderRole = "client"
	SenderRoleManager SenderRole = "manager"
)

// dialogTransitions is the closed transition table. Reopen (resolved or
// transferred back to active) is driven by either party sending a new message.
var dialogTransitions = map[DialogStatus][]DialogStatus{
	DialogStatusNew:         {DialogStatusActive},
	DialogStatusActive:      {DialogStatusResolved, DialogStatusEscalated, DialogStatusTransferred},
	DialogStatusResolved:    {DialogStatusActive},
	DialogStatusTransferred: {DialogStatusActive},
	DialogStatusEscalated:   {DialogStatusActive, DialogStatusResolved, DialogStatusTransferred},
}

func CanTransition(from, to DialogStatus) bool {
	for _, allowed := range dialogTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Recoverable reports whether a new message from either party may reopen a
// dialog in this status.
func Recoverable(status DialogStatus) bool {
	return status == DialogStatusResolved || status == DialogStatusTransferred
}

type User struct {
	ID          int64      `json:"id"`
	ExternalID  int64      `json:"external_id"`
	DisplayName string     `json:"display_name"`
	Username    string     `json:"username,omitempty"`
	Role        UserRole   `json:"role"`
	Status      UserStatus `json:"status"`
}

type Dialog struct {
	ID                  int64        `json:"id"`
	ClientID            int64        `json:"client_id"`
	ManagerID           int64        `json:"manager_id,omitempty"`
	ManagerChatID       int64        `json:"manager_chat_id"`
	ManagerTopicID      int64        `json:"manager_topic_id"`
	Status              DialogStatus `json:"status"`
	CreatedAt           time.Time    `json:"created_at"`
	LastClientMessageAt *time.Time   `json:"last_client_message_at,omitempty"`
	UnansweredSince     *time.Time   `json:"unanswered_since,omitempty"`
	SLAAlertSent        bool         `json:"sla_alert_sent"`
	SLALastAlertAt      *time.Time   `json:"sla_last_alert_at,omitempty"`
}

// MessageLog is one logical exchange mirrored across both surfaces. Rows are
// mutated only by edit sync (text, is_edited) and deletion sync (is_deleted)
// and are never physically deleted.
type MessageLog struct {
	ID               int64      `json:"id"`
	DialogID         int64      `json:"dialog_id"`
	ClientMessageID  int64      `json:"client_message_id,omitempty"`
	ManagerMessageID int64      `json:"manager_message_id,omitempty"`
	SenderRole       SenderRole `json:"sender_role"`
	SenderName       string     `json:"sender_name"`
	Text             string     `json:"text"`
	CreatedAt        time.Time  `json:"created_at"`
	IsDeleted        bool       `json:"is_deleted"`
	IsEdited         bool       `json:"is_edited"`
}

type Note struct {
	ID         int64     `json:"id"`
	DialogID   int64     `json:"dialog_id"`
	AuthorID   int64     `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

type KnowledgeEntry struct {
	ID        int64     `json:"id"`
	MessageID int64     `json:"message_id"`
	Text      string    `json:"text"`
	Keywords  string    `json:"keywords"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is a row from the externally-owned roster. The core only reads the
// roster; status and work chat assignment belong to another system.
type Agent struct {
	ID            int64      `json:"id"`
	ExternalID    int64      `json:"external_id"`
	DisplayName   string     `json:"display_name"`
	Username      string     `json:"username,omitempty"`
	WorkChatID    int64      `json:"work_chat_id"`
	Status        UserStatus `json:"status"`
	ActiveDialogs int        `json:"active_dialogs"`
}
