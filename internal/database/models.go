package database

import (
	"database/sql"
	"time"
)

type Member struct {
	Id        int64     `db:"id"`
	Name      string    `db:"name"`
	Role      string    `db:"role"`
	CreatedAt time.Time `db:"created_at"`
}

type GuestSession struct {
	Id         string        `db:"id"`
	DocumentId sql.NullInt64 `db:"document_id"`
	CodeHash   string        `db:"code_hash"`
	ExpiresAt  time.Time     `db:"expires_at"`
}

type Class struct {
	Id   int64  `db:"id"`
	Name string `db:"name"`
}

const ActivityKindPageView = "page-view"

type ActivityEvent struct {
	Id          int64          `db:"id"`
	ActorKey    string         `db:"actor_key"`
	MemberId    sql.NullInt64  `db:"member_id"`
	GuestId     sql.NullString `db:"guest_id"`
	DocumentId  int64          `db:"document_id"`
	Kind        string         `db:"kind"`
	PageNumber  int64          `db:"page_number"`
	TimeSpentMs int64          `db:"time_spent_ms"`
	ClientTsMs  int64          `db:"client_ts_ms"`
	CreatedAt   time.Time      `db:"created_at"`
}

// DedupKey identifies an activity event for duplicate suppression.
type DedupKey struct {
	ActorKey   string
	DocumentId int64
	PageNumber int64
	ClientTsMs int64
}

func (e ActivityEvent) DedupKey() DedupKey {
	return DedupKey{
		ActorKey:   e.ActorKey,
		DocumentId: e.DocumentId,
		PageNumber: e.PageNumber,
		ClientTsMs: e.ClientTsMs,
	}
}

type ChatMessage struct {
	Id        int64     `db:"id"`
	ChatId    int64     `db:"chat_id"`
	MemberId  int64     `db:"member_id"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

type Notification struct {
	Id          string       `db:"id"`
	MemberId    int64        `db:"member_id"`
	Type        string       `db:"type"`
	Title       string       `db:"title"`
	Message     string       `db:"message"`
	Payload     []byte       `db:"payload"`
	Read        bool         `db:"read"`
	CreatedAt   time.Time    `db:"created_at"`
	DeliveredAt sql.NullTime `db:"delivered_at"`
	ReadAt      sql.NullTime `db:"read_at"`
}
