package types

import "encoding/json"

// Event names as they appear on the wire.
const (
	EventJoinRoom        = "join-room"
	EventLeaveRoom       = "leave-room"
	EventChatMessage     = "chat-message"
	EventDrawDelta       = "draw-delta"
	EventWhiteboardClear = "whiteboard-clear"
	EventPageView        = "page-view"
	EventHeartbeat       = "heartbeat"
	EventOfflineSync     = "offline-sync"
	EventActivitySubmit  = "activity-submit"

	EventHello           = "hello"
	EventNotificationNew = "notification-new"
	EventMemberOnline    = "member-online"
	EventMemberOffline   = "member-offline"
	EventTeacherOnline   = "teacher-online"
	EventTeacherOffline  = "teacher-offline"
	EventChatNotice      = "chat-notice"
	EventActivity        = "activity"
)

type JoinRoom struct {
	RoomId string `json:"room_id" validate:"required,max=128"`
}

type LeaveRoom struct {
	RoomId string `json:"room_id" validate:"required,max=128"`
}

type ChatSend struct {
	RoomId string `json:"room_id" validate:"required,max=128"`
	Text   string `json:"text" validate:"required,max=4000"`
}

type DrawDelta struct {
	RoomId string          `json:"room_id" validate:"required,max=128"`
	Op     json.RawMessage `json:"op" validate:"required"`
}

type WhiteboardClear struct {
	RoomId string `json:"room_id" validate:"required,max=128"`
}

// PageView reports time spent on a document page. Timestamp is the client
// clock in unix milliseconds.
type PageView struct {
	DocumentId int64 `json:"subject_id" validate:"required,gt=0"`
	Page       int   `json:"page" validate:"required,gt=0"`
	TimeSpent  int64 `json:"time_spent" validate:"gte=0"`
	Timestamp  int64 `json:"ts" validate:"required,gt=0"`
}

type Heartbeat struct {
	DocumentId int64 `json:"subject_id" validate:"required,gt=0"`
	Page       int   `json:"page" validate:"required,gt=0"`
	Timestamp  int64 `json:"ts" validate:"required,gt=0"`
}

type BufferedPageView struct {
	Page      int   `json:"page" validate:"required,gt=0"`
	TimeSpent int64 `json:"time_spent" validate:"gte=0"`
	Timestamp int64 `json:"ts" validate:"required,gt=0"`
}

type OfflineSync struct {
	DocumentId int64              `json:"subject_id" validate:"required,gt=0"`
	PageViews  []BufferedPageView `json:"page_views" validate:"required,min=1,max=500,dive"`
}

type ActivitySubmitted struct {
	DocumentId int64           `json:"subject_id" validate:"required,gt=0"`
	ActivityId string          `json:"activity_id" validate:"required,max=128"`
	Page       int             `json:"page" validate:"required,gt=0"`
	Answers    json.RawMessage `json:"answers" validate:"required"`
}

// DrawRelay is a drawing operation as relayed to the rest of a whiteboard.
type DrawRelay struct {
	RoomId string          `json:"room_id"`
	From   Identity        `json:"from"`
	Op     json.RawMessage `json:"op"`
}
