package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const notificationColumns = "id, member_id, type, title, message, payload, read, created_at, delivered_at, read_at"

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (db *PgRelayRepository) GetMember(ctx context.Context, memberId int64) (Member, error) {
	var m Member
	err := db.conn.GetContext(ctx, &m,
		"SELECT id, name, role, created_at FROM members WHERE id = $1 LIMIT 1",
		memberId,
	)
	return m, notFound(err)
}

func (db *PgRelayRepository) GetGuestSession(ctx context.Context, sessionId string) (GuestSession, error) {
	var s GuestSession
	err := db.conn.GetContext(ctx, &s,
		"SELECT id, document_id, code_hash, expires_at FROM guest_sessions WHERE id = $1 LIMIT 1",
		sessionId,
	)
	return s, notFound(err)
}

func (db *PgRelayRepository) IsClassMember(ctx context.Context, memberId, classId int64) (bool, error) {
	var ok bool
	err := db.conn.GetContext(ctx, &ok, `
		SELECT EXISTS (
			SELECT 1 FROM classes WHERE id = $2 AND teacher_id = $1
			UNION ALL
			SELECT 1 FROM class_members WHERE class_id = $2 AND member_id = $1
		)`,
		memberId, classId,
	)
	return ok, err
}

func (db *PgRelayRepository) TeacherClasses(ctx context.Context, memberId int64) ([]Class, error) {
	classes := []Class{}
	err := db.conn.SelectContext(ctx, &classes,
		"SELECT id, name FROM classes WHERE teacher_id = $1 ORDER BY id",
		memberId,
	)
	return classes, err
}

// DocumentClasses resolves document -> owning textbook -> classes using it.
func (db *PgRelayRepository) DocumentClasses(ctx context.Context, documentId int64) ([]Class, error) {
	classes := []Class{}
	err := db.conn.SelectContext(ctx, &classes, `
		SELECT c.id, c.name
		FROM documents d
		JOIN class_textbooks ct ON ct.textbook_id = d.textbook_id
		JOIN classes c ON c.id = ct.class_id
		WHERE d.id = $1
		ORDER BY c.id`,
		documentId,
	)
	return classes, err
}

func (db *PgRelayRepository) CanAccessDocument(ctx context.Context, memberId, documentId int64) (bool, error) {
	var ok bool
	err := db.conn.GetContext(ctx, &ok, `
		SELECT EXISTS (
			SELECT 1
			FROM documents d
			JOIN textbooks t ON t.id = d.textbook_id
			WHERE d.id = $2 AND t.owner_id = $1
			UNION ALL
			SELECT 1
			FROM documents d
			JOIN class_textbooks ct ON ct.textbook_id = d.textbook_id
			JOIN classes c ON c.id = ct.class_id
			LEFT JOIN class_members cm ON cm.class_id = c.id AND cm.member_id = $1
			WHERE d.id = $2 AND (c.teacher_id = $1 OR cm.member_id IS NOT NULL)
		)`,
		memberId, documentId,
	)
	return ok, err
}

func (db *PgRelayRepository) IsChatParticipant(ctx context.Context, memberId, chatId int64) (bool, error) {
	var ok bool
	err := db.conn.GetContext(ctx, &ok,
		"SELECT EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = $2 AND member_id = $1)",
		memberId, chatId,
	)
	return ok, err
}

// CreateActivityEvent appends a single event. It reports false when the
// event duplicates one already stored.
func (db *PgRelayRepository) CreateActivityEvent(ctx context.Context, event ActivityEvent) (bool, error) {
	res, err := db.conn.NamedExecContext(ctx, `
		INSERT INTO activity_events
			(actor_key, member_id, guest_id, document_id, kind, page_number, time_spent_ms, client_ts_ms, created_at)
		VALUES
			(:actor_key, :member_id, :guest_id, :document_id, :kind, :page_number, :time_spent_ms, :client_ts_ms, :created_at)
		ON CONFLICT (actor_key, document_id, page_number, client_ts_ms) DO NOTHING`,
		event,
	)
	if err != nil {
		return false, fmt.Errorf("insert activity event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CreateActivityEvents bulk-appends events in one statement, skipping any
// whose dedup key is already stored, and returns the number inserted.
func (db *PgRelayRepository) CreateActivityEvents(ctx context.Context, events []ActivityEvent) (int64, error) {
	events = UniqueActivityEvents(events)
	if len(events) == 0 {
		return 0, nil
	}

	var (
		actorKeys   = make([]string, len(events))
		memberIds   = make([]sql.NullInt64, len(events))
		guestIds    = make([]sql.NullString, len(events))
		documentIds = make([]int64, len(events))
		kinds       = make([]string, len(events))
		pages       = make([]int64, len(events))
		timeSpent   = make([]int64, len(events))
		clientTs    = make([]int64, len(events))
	)
	for i, e := range events {
		actorKeys[i] = e.ActorKey
		memberIds[i] = e.MemberId
		guestIds[i] = e.GuestId
		documentIds[i] = e.DocumentId
		kinds[i] = e.Kind
		pages[i] = e.PageNumber
		timeSpent[i] = e.TimeSpentMs
		clientTs[i] = e.ClientTsMs
	}

	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO activity_events
			(actor_key, member_id, guest_id, document_id, kind, page_number, time_spent_ms, client_ts_ms, created_at)
		SELECT t.actor_key, t.member_id, t.guest_id, t.document_id, t.kind, t.page_number, t.time_spent_ms, t.client_ts_ms, $9
		FROM unnest($1::text[], $2::bigint[], $3::text[], $4::bigint[], $5::text[], $6::int[], $7::bigint[], $8::bigint[])
			AS t(actor_key, member_id, guest_id, document_id, kind, page_number, time_spent_ms, client_ts_ms)
		ON CONFLICT (actor_key, document_id, page_number, client_ts_ms) DO NOTHING`,
		pq.Array(actorKeys),
		pq.Array(memberIds),
		pq.Array(guestIds),
		pq.Array(documentIds),
		pq.Array(kinds),
		pq.Array(pages),
		pq.Array(timeSpent),
		pq.Array(clientTs),
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("bulk insert activity events: %w", err)
	}

	return res.RowsAffected()
}

func (db *PgRelayRepository) CreateChatMessage(ctx context.Context, msg ChatMessage) error {
	_, err := db.conn.NamedExecContext(ctx,
		"INSERT INTO chat_messages (chat_id, member_id, content, created_at) VALUES (:chat_id, :member_id, :content, :created_at)",
		msg,
	)
	return err
}

func (db *PgRelayRepository) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	var created Notification
	err := db.conn.GetContext(ctx, &created, `
		INSERT INTO notifications (id, member_id, type, title, message, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		RETURNING `+notificationColumns,
		n.Id, n.MemberId, n.Type, n.Title, n.Message, jsonPayload(n.Payload), n.CreatedAt,
	)
	return created, err
}

// CreateNotifications inserts all records in a single statement. Records
// share type, title, message, payload and creation time with the first.
func (db *PgRelayRepository) CreateNotifications(ctx context.Context, ns []Notification) ([]Notification, error) {
	if len(ns) == 0 {
		return []Notification{}, nil
	}

	ids := make([]string, len(ns))
	memberIds := make([]int64, len(ns))
	for i, n := range ns {
		ids[i] = n.Id
		memberIds[i] = n.MemberId
	}

	first := ns[0]
	created := []Notification{}
	err := db.conn.SelectContext(ctx, &created, `
		INSERT INTO notifications (id, member_id, type, title, message, payload, created_at)
		SELECT t.id, t.member_id, $3, $4, $5, $6::jsonb, $7
		FROM unnest($1::uuid[], $2::bigint[]) AS t(id, member_id)
		RETURNING `+notificationColumns,
		pq.Array(ids), pq.Array(memberIds),
		first.Type, first.Title, first.Message, jsonPayload(first.Payload), first.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("bulk insert notifications: %w", err)
	}
	return created, nil
}

func (db *PgRelayRepository) GetNotification(ctx context.Context, id string) (Notification, error) {
	var n Notification
	err := db.conn.GetContext(ctx, &n,
		"SELECT "+notificationColumns+" FROM notifications WHERE id = $1",
		id,
	)
	return n, notFound(err)
}

// MarkNotificationRead keeps the first read timestamp when called again.
func (db *PgRelayRepository) MarkNotificationRead(ctx context.Context, id string, at time.Time) (Notification, error) {
	var n Notification
	err := db.conn.GetContext(ctx, &n, `
		UPDATE notifications SET read = true, read_at = COALESCE(read_at, $2)
		WHERE id = $1
		RETURNING `+notificationColumns,
		id, at,
	)
	return n, notFound(err)
}

func (db *PgRelayRepository) MarkAllNotificationsRead(ctx context.Context, memberId int64, at time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE notifications SET read = true, read_at = $2 WHERE member_id = $1 AND NOT read",
		memberId, at,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *PgRelayRepository) MarkNotificationsDelivered(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.conn.ExecContext(ctx,
		"UPDATE notifications SET delivered_at = $2 WHERE id = ANY($1::uuid[]) AND delivered_at IS NULL",
		pq.Array(ids), at,
	)
	return err
}

func (db *PgRelayRepository) CountUnreadNotifications(ctx context.Context, memberId int64) (int, error) {
	var n int
	err := db.conn.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM notifications WHERE member_id = $1 AND NOT read",
		memberId,
	)
	return n, err
}

func (db *PgRelayRepository) CountNotifications(ctx context.Context, memberId int64) (int, error) {
	var n int
	err := db.conn.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM notifications WHERE member_id = $1",
		memberId,
	)
	return n, err
}

func (db *PgRelayRepository) ListNotifications(ctx context.Context, memberId int64, limit, offset int) ([]Notification, error) {
	ns := []Notification{}
	err := db.conn.SelectContext(ctx, &ns,
		"SELECT "+notificationColumns+" FROM notifications WHERE member_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3",
		memberId, limit, offset,
	)
	return ns, err
}

// jsonPayload returns the payload as text; lib/pq would otherwise send a
// byte slice as bytea, which jsonb rejects.
func jsonPayload(p []byte) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}

// UniqueActivityEvents drops events whose dedup key already appeared
// earlier in the slice, preserving order.
func UniqueActivityEvents(events []ActivityEvent) []ActivityEvent {
	seen := make(map[DedupKey]struct{}, len(events))
	out := make([]ActivityEvent, 0, len(events))
	for _, e := range events {
		k := e.DedupKey()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}
