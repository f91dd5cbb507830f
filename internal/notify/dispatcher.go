package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/classroom-relay/internal/database"
	"github.com/npezzotti/classroom-relay/internal/types"
	"github.com/rs/zerolog"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	deliveryTimeout = 5 * time.Second
)

var (
	ErrNotFound     = errors.New("notification not found")
	ErrForbidden    = errors.New("notification belongs to another member")
	ErrNoRecipients = errors.New("no recipients")
)

type Repository interface {
	CreateNotification(ctx context.Context, n database.Notification) (database.Notification, error)
	CreateNotifications(ctx context.Context, ns []database.Notification) ([]database.Notification, error)
	GetNotification(ctx context.Context, id string) (database.Notification, error)
	MarkNotificationRead(ctx context.Context, id string, at time.Time) (database.Notification, error)
	MarkAllNotificationsRead(ctx context.Context, memberId int64, at time.Time) (int64, error)
	MarkNotificationsDelivered(ctx context.Context, ids []string, at time.Time) error
	CountUnreadNotifications(ctx context.Context, memberId int64) (int, error)
	CountNotifications(ctx context.Context, memberId int64) (int, error)
	ListNotifications(ctx context.Context, memberId int64, limit, offset int) ([]database.Notification, error)
}

// Pusher reports cross-process presence and delivers notifications live.
type Pusher interface {
	IsOnline(ctx context.Context, memberId int64) bool
	PushNotification(n types.Notification) int
}

// Content is what a notification says; it is shared by every recipient of
// a bulk send.
type Content struct {
	Type    string
	Title   string
	Message string
	Payload json.RawMessage
}

type Page struct {
	Items    []types.Notification `json:"items"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
	Total    int                  `json:"total"`
}

// Dispatcher stores notifications and pushes them to online recipients.
// Records are written before any delivery is attempted.
type Dispatcher struct {
	repo   Repository
	pusher Pusher
	log    zerolog.Logger
	now    func() time.Time
}

func NewDispatcher(repo Repository, pusher Pusher, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:   repo,
		pusher: pusher,
		log:    logger.With().Str("module", "notify").Logger(),
		now:    func() time.Time { return time.Now().UTC().Round(time.Millisecond) },
	}
}

func (d *Dispatcher) Notify(ctx context.Context, memberId int64, c Content) (types.Notification, error) {
	if memberId <= 0 {
		return types.Notification{}, ErrNoRecipients
	}

	created, err := d.repo.CreateNotification(ctx, d.record(memberId, c, d.now()))
	if err != nil {
		d.log.Error().Err(err).Int64("member_id", memberId).Str("type", c.Type).Msg("failed to persist notification")
		return types.Notification{}, fmt.Errorf("persist notification: %w", err)
	}

	delivered := d.deliver(ctx, []types.Notification{toNotification(created)})
	return delivered[0], nil
}

// NotifyBulk stores one record per distinct recipient in a single batch and
// pushes to the recipients that are online on any process.
func (d *Dispatcher) NotifyBulk(ctx context.Context, memberIds []int64, c Content) ([]types.Notification, error) {
	recipients := unique(memberIds)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	now := d.now()
	records := make([]database.Notification, 0, len(recipients))
	for _, memberId := range recipients {
		records = append(records, d.record(memberId, c, now))
	}

	created, err := d.repo.CreateNotifications(ctx, records)
	if err != nil {
		d.log.Error().Err(err).Int("recipients", len(recipients)).Str("type", c.Type).Msg("failed to persist notifications")
		return nil, fmt.Errorf("persist notifications: %w", err)
	}

	ns := make([]types.Notification, 0, len(created))
	for _, n := range created {
		ns = append(ns, toNotification(n))
	}
	return d.deliver(ctx, ns), nil
}

// MarkRead marks a notification read on behalf of its recipient. Marking
// it again succeeds and keeps the first read time.
func (d *Dispatcher) MarkRead(ctx context.Context, id string, memberId int64) (types.Notification, error) {
	if _, err := uuid.Parse(id); err != nil {
		return types.Notification{}, ErrNotFound
	}

	n, err := d.repo.GetNotification(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return types.Notification{}, ErrNotFound
	}
	if err != nil {
		return types.Notification{}, fmt.Errorf("get notification: %w", err)
	}
	if n.MemberId != memberId {
		return types.Notification{}, ErrForbidden
	}
	if n.Read {
		return toNotification(n), nil
	}

	n, err = d.repo.MarkNotificationRead(ctx, id, d.now())
	if errors.Is(err, database.ErrNotFound) {
		return types.Notification{}, ErrNotFound
	}
	if err != nil {
		return types.Notification{}, fmt.Errorf("mark notification read: %w", err)
	}
	return toNotification(n), nil
}

func (d *Dispatcher) MarkAllRead(ctx context.Context, memberId int64) (int64, error) {
	n, err := d.repo.MarkAllNotificationsRead(ctx, memberId, d.now())
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return n, nil
}

func (d *Dispatcher) UnreadCount(ctx context.Context, memberId int64) (int, error) {
	n, err := d.repo.CountUnreadNotifications(ctx, memberId)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}

// List returns a page of the member's notifications, newest first. Pages
// are numbered from 1; out of range sizes fall back to the defaults.
func (d *Dispatcher) List(ctx context.Context, memberId int64, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	total, err := d.repo.CountNotifications(ctx, memberId)
	if err != nil {
		return Page{}, fmt.Errorf("count notifications: %w", err)
	}

	rows, err := d.repo.ListNotifications(ctx, memberId, pageSize, (page-1)*pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("list notifications: %w", err)
	}

	items := make([]types.Notification, 0, len(rows))
	for _, n := range rows {
		items = append(items, toNotification(n))
	}
	return Page{Items: items, Page: page, PageSize: pageSize, Total: total}, nil
}

func (d *Dispatcher) record(memberId int64, c Content, now time.Time) database.Notification {
	return database.Notification{
		Id:        uuid.NewString(),
		MemberId:  memberId,
		Type:      c.Type,
		Title:     c.Title,
		Message:   c.Message,
		Payload:   c.Payload,
		CreatedAt: now,
	}
}

// deliver pushes each notification whose recipient is online and marks
// the pushed ones delivered. Marking is best effort and never fails the
// send.
func (d *Dispatcher) deliver(ctx context.Context, ns []types.Notification) []types.Notification {
	now := d.now()
	var ids []string
	for i := range ns {
		if !d.pusher.IsOnline(ctx, ns[i].MemberId) {
			continue
		}

		local := d.pusher.PushNotification(ns[i])
		d.log.Debug().
			Str("notification_id", ns[i].Id).
			Int64("member_id", ns[i].MemberId).
			Int("local_connections", local).
			Msg("notification pushed")

		ids = append(ids, ns[i].Id)
		ns[i].DeliveredAt = &now
	}

	if len(ids) == 0 {
		return ns
	}

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()
	if err := d.repo.MarkNotificationsDelivered(mctx, ids, now); err != nil {
		d.log.Warn().Err(err).Int("notifications", len(ids)).Msg("failed to mark notifications delivered")
	}
	return ns
}

func toNotification(n database.Notification) types.Notification {
	out := types.Notification{
		Id:        n.Id,
		MemberId:  n.MemberId,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
	if len(n.Payload) > 0 {
		out.Payload = json.RawMessage(n.Payload)
	}
	if n.DeliveredAt.Valid {
		t := n.DeliveredAt.Time
		out.DeliveredAt = &t
	}
	if n.ReadAt.Valid {
		t := n.ReadAt.Time
		out.ReadAt = &t
	}
	return out
}

func unique(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
