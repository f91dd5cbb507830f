package database

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

type RelayRepository interface {
	Ping(ctx context.Context) error

	GetMember(ctx context.Context, memberId int64) (Member, error)
	GetGuestSession(ctx context.Context, sessionId string) (GuestSession, error)
	IsClassMember(ctx context.Context, memberId, classId int64) (bool, error)
	TeacherClasses(ctx context.Context, memberId int64) ([]Class, error)
	DocumentClasses(ctx context.Context, documentId int64) ([]Class, error)
	CanAccessDocument(ctx context.Context, memberId, documentId int64) (bool, error)
	IsChatParticipant(ctx context.Context, memberId, chatId int64) (bool, error)

	CreateActivityEvent(ctx context.Context, event ActivityEvent) (bool, error)
	CreateActivityEvents(ctx context.Context, events []ActivityEvent) (int64, error)
	CreateChatMessage(ctx context.Context, msg ChatMessage) error

	CreateNotification(ctx context.Context, n Notification) (Notification, error)
	CreateNotifications(ctx context.Context, ns []Notification) ([]Notification, error)
	GetNotification(ctx context.Context, id string) (Notification, error)
	MarkNotificationRead(ctx context.Context, id string, at time.Time) (Notification, error)
	MarkAllNotificationsRead(ctx context.Context, memberId int64, at time.Time) (int64, error)
	MarkNotificationsDelivered(ctx context.Context, ids []string, at time.Time) error
	CountUnreadNotifications(ctx context.Context, memberId int64) (int, error)
	CountNotifications(ctx context.Context, memberId int64) (int, error)
	ListNotifications(ctx context.Context, memberId int64, limit, offset int) ([]Notification, error)

	Close() error
}
