package types

import (
	"encoding/json"
	"strconv"
	"time"
)

type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
	RoleGuest   Role = "guest"
)

// Identity is the resolved principal behind a connection. Exactly one of
// MemberId or GuestId is set.
type Identity struct {
	MemberId       int64  `json:"member_id,omitempty"`
	Name           string `json:"name"`
	Role           Role   `json:"role"`
	GuestId        string `json:"guest_id,omitempty"`
	GuestSessionId string `json:"guest_session_id,omitempty"`
	// GuestDocumentId is the document a guest session was opened for.
	GuestDocumentId int64 `json:"-"`
}

func (i Identity) IsGuest() bool {
	return i.GuestId != ""
}

func (i Identity) IsTeacher() bool {
	return !i.IsGuest() && i.Role == RoleTeacher
}

// Key returns a stable actor key used for ephemeral positions and
// activity deduplication.
func (i Identity) Key() string {
	if i.IsGuest() {
		return "guest:" + i.GuestId
	}
	return "member:" + strconv.FormatInt(i.MemberId, 10)
}

type DocumentPointer struct {
	DocumentId int64 `json:"document_id"`
	Page       int   `json:"page"`
}

type PresenceRecord struct {
	MemberId     int64            `json:"member_id"`
	Name         string           `json:"name"`
	Role         Role             `json:"role"`
	Connections  []string         `json:"connections"`
	LastActivity time.Time        `json:"last_activity"`
	Document     *DocumentPointer `json:"document,omitempty"`
}

func (p PresenceRecord) Identity() Identity {
	return Identity{
		MemberId: p.MemberId,
		Name:     p.Name,
		Role:     p.Role,
	}
}

type Class struct {
	Id   int64  `json:"id"`
	Name string `json:"name"`
}

type NotificationState string

const (
	NotificationCreated   NotificationState = "created"
	NotificationDelivered NotificationState = "delivered"
	NotificationRead      NotificationState = "read"
)

type Notification struct {
	Id          string          `json:"id"`
	MemberId    int64           `json:"member_id"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Read        bool            `json:"read"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
}

func (n Notification) State() NotificationState {
	switch {
	case n.Read:
		return NotificationRead
	case n.DeliveredAt != nil:
		return NotificationDelivered
	default:
		return NotificationCreated
	}
}

type ChatMessage struct {
	RoomId    string    `json:"room_id"`
	Sender    Identity  `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	ActivityPageView = "page-view"
	ActivitySubmit   = "activity-submit"
)

// ActivityNotice is the summarized form of a student's activity relayed
// into supervising class rooms.
type ActivityNotice struct {
	Kind       string          `json:"kind"`
	ClassId    int64           `json:"class_id"`
	DocumentId int64           `json:"document_id"`
	Actor      Identity        `json:"actor"`
	Page       int             `json:"page"`
	TimeSpent  int64           `json:"time_spent,omitempty"`
	ViewsToday int64           `json:"views_today,omitempty"`
	ActivityId string          `json:"activity_id,omitempty"`
	Answers    json.RawMessage `json:"answers,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

type TeacherPresence struct {
	Teacher   Identity `json:"teacher"`
	ClassId   int64    `json:"class_id"`
	ClassName string   `json:"class_name"`
}
