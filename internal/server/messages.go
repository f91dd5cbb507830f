package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/npezzotti/classroom-relay/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrMalformedEvent      = errors.New("malformed event")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrNotJoined           = errors.New("room not joined")
	ErrShuttingDown        = errors.New("hub is shutting down")
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a tagged union: exactly one event field is set, keyed by
// its wire event name.
type ClientMessage struct {
	BaseMessage
	JoinRoom        *types.JoinRoom          `json:"join-room,omitempty"`
	LeaveRoom       *types.LeaveRoom         `json:"leave-room,omitempty"`
	ChatMessage     *types.ChatSend          `json:"chat-message,omitempty"`
	DrawDelta       *types.DrawDelta         `json:"draw-delta,omitempty"`
	WhiteboardClear *types.WhiteboardClear   `json:"whiteboard-clear,omitempty"`
	PageView        *types.PageView          `json:"page-view,omitempty"`
	Heartbeat       *types.Heartbeat         `json:"heartbeat,omitempty"`
	OfflineSync     *types.OfflineSync       `json:"offline-sync,omitempty"`
	ActivitySubmit  *types.ActivitySubmitted `json:"activity-submit,omitempty"`
}

// payload returns the event name and payload of the single set field.
func (m *ClientMessage) payload() (string, any, error) {
	var (
		name  string
		value any
		n     int
	)
	set := func(event string, v any, ok bool) {
		if ok {
			name, value = event, v
			n++
		}
	}

	set(types.EventJoinRoom, m.JoinRoom, m.JoinRoom != nil)
	set(types.EventLeaveRoom, m.LeaveRoom, m.LeaveRoom != nil)
	set(types.EventChatMessage, m.ChatMessage, m.ChatMessage != nil)
	set(types.EventDrawDelta, m.DrawDelta, m.DrawDelta != nil)
	set(types.EventWhiteboardClear, m.WhiteboardClear, m.WhiteboardClear != nil)
	set(types.EventPageView, m.PageView, m.PageView != nil)
	set(types.EventHeartbeat, m.Heartbeat, m.Heartbeat != nil)
	set(types.EventOfflineSync, m.OfflineSync, m.OfflineSync != nil)
	set(types.EventActivitySubmit, m.ActivitySubmit, m.ActivitySubmit != nil)

	switch n {
	case 0:
		return "", nil, fmt.Errorf("%w: no event", ErrMalformedEvent)
	case 1:
		return name, value, nil
	default:
		return "", nil, fmt.Errorf("%w: %d events in one message", ErrMalformedEvent, n)
	}
}

// Validate checks the message shape and returns the event name.
func (m *ClientMessage) Validate(v *validator.Validate) (string, error) {
	name, value, err := m.payload()
	if err != nil {
		return "", err
	}

	if err := v.Struct(value); err != nil {
		return name, fmt.Errorf("%w: %s: %w", ErrMalformedEvent, name, err)
	}
	return name, nil
}

func parseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	return &msg, nil
}

type ServerMessage struct {
	BaseMessage
	Response   *Response `json:"response,omitempty"`
	Event      *Event    `json:"event,omitempty"`
	SkipClient *Client   `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// Event is a tagged union of server pushed events.
type Event struct {
	Hello           *Hello                 `json:"hello,omitempty"`
	NotificationNew *types.Notification    `json:"notification-new,omitempty"`
	MemberOnline    *types.Identity        `json:"member-online,omitempty"`
	MemberOffline   *types.Identity        `json:"member-offline,omitempty"`
	TeacherOnline   *types.TeacherPresence `json:"teacher-online,omitempty"`
	TeacherOffline  *types.TeacherPresence `json:"teacher-offline,omitempty"`
	ChatMessage     *types.ChatMessage     `json:"chat-message,omitempty"`
	ChatNotice      *ChatNotice            `json:"chat-notice,omitempty"`
	DrawDelta       *types.DrawRelay       `json:"draw-delta,omitempty"`
	WhiteboardClear *WhiteboardCleared     `json:"whiteboard-clear,omitempty"`
	Activity        *types.ActivityNotice  `json:"activity,omitempty"`
}

// Name returns the wire name of the populated event, or "" when none is.
func (e *Event) Name() string {
	switch {
	case e == nil:
		return ""
	case e.Hello != nil:
		return types.EventHello
	case e.NotificationNew != nil:
		return types.EventNotificationNew
	case e.MemberOnline != nil:
		return types.EventMemberOnline
	case e.MemberOffline != nil:
		return types.EventMemberOffline
	case e.TeacherOnline != nil:
		return types.EventTeacherOnline
	case e.TeacherOffline != nil:
		return types.EventTeacherOffline
	case e.ChatMessage != nil:
		return types.EventChatMessage
	case e.ChatNotice != nil:
		return types.EventChatNotice
	case e.DrawDelta != nil:
		return types.EventDrawDelta
	case e.WhiteboardClear != nil:
		return types.EventWhiteboardClear
	case e.Activity != nil:
		return types.EventActivity
	}
	return ""
}

type Hello struct {
	ConnectionId string         `json:"connection_id"`
	Identity     types.Identity `json:"identity"`
}

type ChatNotice struct {
	RoomId string         `json:"room_id"`
	Member types.Identity `json:"member"`
	Joined bool           `json:"joined"`
}

type WhiteboardCleared struct {
	RoomId string         `json:"room_id"`
	By     types.Identity `json:"by"`
}

func eventMessage(e *Event) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       e,
	}
}

func response(id, code int, errMsg string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int) *ServerMessage {
	return response(id, http.StatusAccepted, "", nil)
}

func ErrNotJoinedRoom(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "room not joined", nil)
}

func ErrForbidden(id int) *ServerMessage {
	return response(id, http.StatusForbidden, "authorization denied", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	if id < 0 {
		id = 0
	}
	return response(id, http.StatusBadRequest, "invalid message format", nil)
}

// errorResponse maps a handler error onto a response.
func errorResponse(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, ErrMalformedEvent):
		return ErrInvalidMessage(id)
	case errors.Is(err, ErrAuthorizationDenied):
		return ErrForbidden(id)
	case errors.Is(err, ErrNotJoined):
		return ErrNotJoinedRoom(id)
	default:
		return ErrInternalError(id)
	}
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
