package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRelayRepository struct {
	mock.Mock
}

func (m *MockRelayRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRelayRepository) GetMember(ctx context.Context, memberId int64) (Member, error) {
	args := m.Called(ctx, memberId)
	return args.Get(0).(Member), args.Error(1)
}
func (m *MockRelayRepository) GetGuestSession(ctx context.Context, sessionId string) (GuestSession, error) {
	args := m.Called(ctx, sessionId)
	return args.Get(0).(GuestSession), args.Error(1)
}
func (m *MockRelayRepository) IsClassMember(ctx context.Context, memberId, classId int64) (bool, error) {
	args := m.Called(ctx, memberId, classId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRelayRepository) TeacherClasses(ctx context.Context, memberId int64) ([]Class, error) {
	args := m.Called(ctx, memberId)
	if classes, ok := args.Get(0).([]Class); ok {
		return classes, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRelayRepository) DocumentClasses(ctx context.Context, documentId int64) ([]Class, error) {
	args := m.Called(ctx, documentId)
	if classes, ok := args.Get(0).([]Class); ok {
		return classes, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRelayRepository) CanAccessDocument(ctx context.Context, memberId, documentId int64) (bool, error) {
	args := m.Called(ctx, memberId, documentId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRelayRepository) IsChatParticipant(ctx context.Context, memberId, chatId int64) (bool, error) {
	args := m.Called(ctx, memberId, chatId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRelayRepository) CreateActivityEvent(ctx context.Context, event ActivityEvent) (bool, error) {
	args := m.Called(ctx, event)
	return args.Bool(0), args.Error(1)
}
func (m *MockRelayRepository) CreateActivityEvents(ctx context.Context, events []ActivityEvent) (int64, error) {
	args := m.Called(ctx, events)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockRelayRepository) CreateChatMessage(ctx context.Context, msg ChatMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockRelayRepository) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	args := m.Called(ctx, n)
	if rf, ok := args.Get(0).(func(context.Context, Notification) Notification); ok {
		return rf(ctx, n), args.Error(1)
	}
	return args.Get(0).(Notification), args.Error(1)
}
func (m *MockRelayRepository) CreateNotifications(ctx context.Context, ns []Notification) ([]Notification, error) {
	args := m.Called(ctx, ns)
	if rf, ok := args.Get(0).(func(context.Context, []Notification) []Notification); ok {
		return rf(ctx, ns), args.Error(1)
	}
	if created, ok := args.Get(0).([]Notification); ok {
		return created, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRelayRepository) GetNotification(ctx context.Context, id string) (Notification, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Notification), args.Error(1)
}
func (m *MockRelayRepository) MarkNotificationRead(ctx context.Context, id string, at time.Time) (Notification, error) {
	args := m.Called(ctx, id, at)
	return args.Get(0).(Notification), args.Error(1)
}
func (m *MockRelayRepository) MarkAllNotificationsRead(ctx context.Context, memberId int64, at time.Time) (int64, error) {
	args := m.Called(ctx, memberId, at)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockRelayRepository) MarkNotificationsDelivered(ctx context.Context, ids []string, at time.Time) error {
	args := m.Called(ctx, ids, at)
	return args.Error(0)
}
func (m *MockRelayRepository) CountUnreadNotifications(ctx context.Context, memberId int64) (int, error) {
	args := m.Called(ctx, memberId)
	return args.Int(0), args.Error(1)
}
func (m *MockRelayRepository) CountNotifications(ctx context.Context, memberId int64) (int, error) {
	args := m.Called(ctx, memberId)
	return args.Int(0), args.Error(1)
}
func (m *MockRelayRepository) ListNotifications(ctx context.Context, memberId int64, limit, offset int) ([]Notification, error) {
	args := m.Called(ctx, memberId, limit, offset)
	if ns, ok := args.Get(0).([]Notification); ok {
		return ns, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRelayRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
