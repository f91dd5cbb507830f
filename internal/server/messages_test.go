package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/classroom-relay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientMessage_Validate(t *testing.T) {
	v := validator.New(validator.WithRequiredStructEnabled())

	tcases := []struct {
		name  string
		raw   string
		event string
		err   bool
	}{
		{
			name:  "join room",
			raw:   `{"id":1,"join-room":{"room_id":"class:4"}}`,
			event: types.EventJoinRoom,
		},
		{
			name:  "page view",
			raw:   `{"page-view":{"subject_id":9,"page":3,"time_spent":12000,"ts":1700000000000}}`,
			event: types.EventPageView,
		},
		{
			name:  "offline sync",
			raw:   `{"offline-sync":{"subject_id":9,"page_views":[{"page":1,"time_spent":10,"ts":1}]}}`,
			event: types.EventOfflineSync,
		},
		{
			name: "no event",
			raw:  `{"id":2}`,
			err:  true,
		},
		{
			name: "two events",
			raw:  `{"join-room":{"room_id":"class:4"},"leave-room":{"room_id":"class:4"}}`,
			err:  true,
		},
		{
			name: "missing room id",
			raw:  `{"join-room":{}}`,
			err:  true,
		},
		{
			name: "page view without page",
			raw:  `{"page-view":{"subject_id":9,"time_spent":1,"ts":1}}`,
			err:  true,
		},
		{
			name: "offline sync with empty buffer",
			raw:  `{"offline-sync":{"subject_id":9,"page_views":[]}}`,
			err:  true,
		},
		{
			name: "offline sync with invalid entry",
			raw:  `{"offline-sync":{"subject_id":9,"page_views":[{"page":0,"ts":1}]}}`,
			err:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := parseClientMessage([]byte(tc.raw))
			require.NoError(t, err)

			event, err := msg.Validate(v)
			if tc.err {
				assert.ErrorIs(t, err, ErrMalformedEvent)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.event, event)
		})
	}
}

func Test_parseClientMessage(t *testing.T) {
	_, err := parseClientMessage([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func Test_serializeMessage(t *testing.T) {
	message := &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        1,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: 200,
			Data:         "test data",
		},
	}

	expected := `{"id":1,"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","response":{"response_code":200,"data":"test data"}}`

	bytes, err := serializeMessage(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.Equal(t, expected, string(bytes), "expected serialized message to match the expected format")
}

func Test_serializeEvent(t *testing.T) {
	id := types.Identity{MemberId: 3, Name: "Ada", Role: types.RoleTeacher}
	msg := eventMessage(&Event{MemberOffline: &id})

	bytes, err := serializeMessage(msg)
	require.NoError(t, err)
	assert.Contains(t, string(bytes), `"event":{"member-offline":{"member_id":3,"name":"Ada","role":"teacher"}}`)
}

func TestEvent_Name(t *testing.T) {
	id := types.Identity{MemberId: 3, Name: "Ada", Role: types.RoleTeacher}
	tp := &types.TeacherPresence{Teacher: id}

	tcases := []struct {
		event *Event
		name  string
	}{
		{&Event{Hello: &Hello{ConnectionId: "c"}}, types.EventHello},
		{&Event{NotificationNew: &types.Notification{Id: "n"}}, types.EventNotificationNew},
		{&Event{MemberOnline: &id}, types.EventMemberOnline},
		{&Event{MemberOffline: &id}, types.EventMemberOffline},
		{&Event{TeacherOnline: tp}, types.EventTeacherOnline},
		{&Event{TeacherOffline: tp}, types.EventTeacherOffline},
		{&Event{ChatMessage: &types.ChatMessage{}}, types.EventChatMessage},
		{&Event{ChatNotice: &ChatNotice{}}, types.EventChatNotice},
		{&Event{DrawDelta: &types.DrawRelay{}}, types.EventDrawDelta},
		{&Event{WhiteboardClear: &WhiteboardCleared{}}, types.EventWhiteboardClear},
		{&Event{Activity: &types.ActivityNotice{}}, types.EventActivity},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.name, tc.event.Name())

			bytes, err := serializeMessage(eventMessage(tc.event))
			require.NoError(t, err)
			assert.Contains(t, string(bytes), `"event":{"`+tc.name+`":`, "expected the wire key to match the event name")
		})
	}

	t.Run("empty", func(t *testing.T) {
		var nilEvent *Event
		assert.Empty(t, nilEvent.Name())
		assert.Empty(t, (&Event{}).Name())
	})
}

func Test_errorResponse(t *testing.T) {
	tcases := []struct {
		err  error
		code int
	}{
		{ErrMalformedEvent, http.StatusBadRequest},
		{ErrAuthorizationDenied, http.StatusForbidden},
		{ErrNotJoined, http.StatusNotFound},
		{assert.AnError, http.StatusInternalServerError},
	}

	for _, tc := range tcases {
		msg := errorResponse(5, tc.err)
		assert.Equal(t, 5, msg.Id)
		assert.Equal(t, tc.code, msg.Response.ResponseCode, "unexpected code for %v", tc.err)
	}
}
