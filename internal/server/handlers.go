package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/classroom-relay/internal/database"
	"github.com/npezzotti/classroom-relay/internal/types"
)

// dispatch validates a client message and routes it to its handler. The
// handler's response, if any, is queued back to the sender.
func (h *Hub) dispatch(c *Client, msg *ClientMessage) {
	event, err := msg.Validate(h.validate)
	if err != nil {
		c.log.Debug().Err(err).Msg("dropping malformed event")
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, handlerTimeout)
	defer cancel()

	var resp *ServerMessage
	switch event {
	case types.EventJoinRoom:
		resp = h.handleJoin(ctx, c, msg)
	case types.EventLeaveRoom:
		resp = h.handleLeave(c, msg)
	case types.EventChatMessage:
		resp = h.handleChatMessage(ctx, c, msg)
	case types.EventDrawDelta:
		resp = h.handleDrawDelta(c, msg)
	case types.EventWhiteboardClear:
		resp = h.handleWhiteboardClear(c, msg)
	case types.EventPageView, types.EventHeartbeat, types.EventOfflineSync, types.EventActivitySubmit:
		resp = h.handleActivity(ctx, c, msg, event)
	}

	if resp != nil {
		c.queueMessage(resp)
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, msg *ClientMessage) *ServerMessage {
	rid, err := types.ParseRoomId(msg.JoinRoom.RoomId)
	if err != nil {
		return ErrInvalidMessage(msg.Id)
	}

	role, err := h.authorizeJoin(ctx, c.identity, rid)
	if err != nil {
		h.logDenial(c, err, "join denied", rid.String())
		return errorResponse(msg.Id, err)
	}

	roomId := rid.String()
	added, created := h.rooms.Join(c, roomId, role)
	if created {
		h.stats.Incr(metricRooms)
	}

	if added && rid.Kind == types.RoomChat {
		h.Broadcast(roomId, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Event: &Event{
				ChatNotice: &ChatNotice{RoomId: roomId, Member: c.identity, Joined: true},
			},
			SkipClient: c,
		})
	}

	return NoErrOK(msg.Id, map[string]any{"room_id": roomId, "role": role})
}

func (h *Hub) handleLeave(c *Client, msg *ClientMessage) *ServerMessage {
	rid, err := types.ParseRoomId(msg.LeaveRoom.RoomId)
	if err != nil {
		return ErrInvalidMessage(msg.Id)
	}

	roomId := rid.String()
	removed, emptied := h.rooms.Leave(c, roomId)
	if emptied {
		h.stats.Decr(metricRooms)
	}

	if removed && rid.Kind == types.RoomChat {
		h.Broadcast(roomId, eventMessage(&Event{
			ChatNotice: &ChatNotice{RoomId: roomId, Member: c.identity, Joined: false},
		}))
	}

	return NoErrOK(msg.Id, map[string]any{"room_id": roomId})
}

// authorizeJoin applies the room kind's admission policy and returns the
// role the connection holds in the room.
func (h *Hub) authorizeJoin(ctx context.Context, id types.Identity, rid types.RoomId) (RoomRole, error) {
	switch rid.Kind {
	case types.RoomClass:
		if id.IsGuest() {
			return "", ErrAuthorizationDenied
		}
		classId, _ := rid.IntId()
		ok, err := h.dir.IsClassMember(ctx, id.MemberId, classId)
		if err != nil {
			return "", fmt.Errorf("check class membership: %w", err)
		}
		if !ok {
			return "", ErrAuthorizationDenied
		}
		if id.IsTeacher() {
			supervises, err := h.dir.Supervises(ctx, id.MemberId, classId)
			if err != nil {
				return "", fmt.Errorf("check class supervisor: %w", err)
			}
			if supervises {
				return RoomRoleSupervisor, nil
			}
		}
		return RoomRoleParticipant, nil
	case types.RoomDocument:
		documentId, _ := rid.IntId()
		if err := h.canViewDocument(ctx, id, documentId); err != nil {
			return "", err
		}
		return RoomRoleParticipant, nil
	case types.RoomChat:
		if id.IsGuest() {
			return "", ErrAuthorizationDenied
		}
		chatId, _ := rid.IntId()
		ok, err := h.dir.IsChatParticipant(ctx, id.MemberId, chatId)
		if err != nil {
			return "", fmt.Errorf("check chat participant: %w", err)
		}
		if !ok {
			return "", ErrAuthorizationDenied
		}
		return RoomRoleParticipant, nil
	case types.RoomWhiteboard:
		if id.IsTeacher() {
			return RoomRoleSupervisor, nil
		}
		return RoomRoleParticipant, nil
	}

	return "", ErrMalformedEvent
}

// canViewDocument allows members with access to the document and guests
// whose session was opened for it.
func (h *Hub) canViewDocument(ctx context.Context, id types.Identity, documentId int64) error {
	if id.IsGuest() {
		if id.GuestDocumentId != documentId {
			return ErrAuthorizationDenied
		}
		return nil
	}

	ok, err := h.dir.CanAccessDocument(ctx, id.MemberId, documentId)
	if err != nil {
		return fmt.Errorf("check document access: %w", err)
	}
	if !ok {
		return ErrAuthorizationDenied
	}
	return nil
}

// joinedRoom resolves a room id the connection must already have joined.
func (h *Hub) joinedRoom(c *Client, raw string, kind types.RoomKind) (string, error) {
	rid, err := types.ParseRoomId(raw)
	if err != nil || rid.Kind != kind {
		return "", ErrMalformedEvent
	}
	roomId := rid.String()
	if !h.rooms.IsMember(c, roomId) {
		return "", ErrNotJoined
	}
	return roomId, nil
}

// handleChatMessage relays first and persists second; a failed write is
// logged and does not affect delivery.
func (h *Hub) handleChatMessage(ctx context.Context, c *Client, msg *ClientMessage) *ServerMessage {
	roomId, err := h.joinedRoom(c, msg.ChatMessage.RoomId, types.RoomChat)
	if err != nil {
		return errorResponse(msg.Id, err)
	}

	cm := types.ChatMessage{
		RoomId:    roomId,
		Sender:    c.identity,
		Text:      msg.ChatMessage.Text,
		Timestamp: Now(),
	}
	h.Broadcast(roomId, eventMessage(&Event{ChatMessage: &cm}))

	rid, _ := types.ParseRoomId(roomId)
	chatId, _ := rid.IntId()
	if err := h.chats.CreateChatMessage(ctx, database.ChatMessage{
		ChatId:    chatId,
		MemberId:  c.identity.MemberId,
		Content:   cm.Text,
		CreatedAt: cm.Timestamp,
	}); err != nil {
		c.log.Error().Err(err).Str("room_id", roomId).Msg("failed to persist chat message")
	}

	return NoErrAccepted(msg.Id)
}

func (h *Hub) handleDrawDelta(c *Client, msg *ClientMessage) *ServerMessage {
	roomId, err := h.joinedRoom(c, msg.DrawDelta.RoomId, types.RoomWhiteboard)
	if err != nil {
		return errorResponse(msg.Id, err)
	}

	h.Broadcast(roomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event: &Event{
			DrawDelta: &types.DrawRelay{RoomId: roomId, From: c.identity, Op: msg.DrawDelta.Op},
		},
		SkipClient: c,
	})

	return ackIfRequested(msg)
}

// handleWhiteboardClear checks the sender's role before anything is relayed.
func (h *Hub) handleWhiteboardClear(c *Client, msg *ClientMessage) *ServerMessage {
	roomId, err := h.joinedRoom(c, msg.WhiteboardClear.RoomId, types.RoomWhiteboard)
	if err != nil {
		return errorResponse(msg.Id, err)
	}

	if !c.identity.IsTeacher() {
		h.logDenial(c, ErrAuthorizationDenied, "whiteboard clear denied", roomId)
		return ErrForbidden(msg.Id)
	}

	h.Broadcast(roomId, eventMessage(&Event{
		WhiteboardClear: &WhiteboardCleared{RoomId: roomId, By: c.identity},
	}))

	return NoErrOK(msg.Id, nil)
}

func (h *Hub) handleActivity(ctx context.Context, c *Client, msg *ClientMessage, event string) *ServerMessage {
	if h.activity == nil {
		return ErrServiceUnavailable(msg.Id)
	}

	var documentId int64
	var ptr *types.DocumentPointer
	switch event {
	case types.EventPageView:
		documentId = msg.PageView.DocumentId
		ptr = &types.DocumentPointer{DocumentId: documentId, Page: msg.PageView.Page}
	case types.EventHeartbeat:
		documentId = msg.Heartbeat.DocumentId
		ptr = &types.DocumentPointer{DocumentId: documentId, Page: msg.Heartbeat.Page}
	case types.EventOfflineSync:
		documentId = msg.OfflineSync.DocumentId
	case types.EventActivitySubmit:
		documentId = msg.ActivitySubmit.DocumentId
	}

	if err := h.canViewDocument(ctx, c.identity, documentId); err != nil {
		h.logDenial(c, err, "activity denied", types.DocumentRoom(documentId))
		return errorResponse(msg.Id, err)
	}

	if !c.identity.IsGuest() {
		h.presence.Activity(ctx, c.identity.MemberId, c.id, ptr)
	}

	switch event {
	case types.EventPageView:
		if err := h.activity.PageView(ctx, c.identity, *msg.PageView); err != nil {
			return errorResponse(msg.Id, err)
		}
		return NoErrAccepted(msg.Id)
	case types.EventHeartbeat:
		if err := h.activity.Heartbeat(ctx, c.identity, *msg.Heartbeat); err != nil {
			return errorResponse(msg.Id, err)
		}
		return ackIfRequested(msg)
	case types.EventOfflineSync:
		n, err := h.activity.OfflineSync(ctx, c.identity, *msg.OfflineSync)
		if err != nil {
			return errorResponse(msg.Id, err)
		}
		return NoErrOK(msg.Id, map[string]any{"accepted": n})
	default:
		if err := h.activity.ActivitySubmit(ctx, c.identity, *msg.ActivitySubmit); err != nil {
			return errorResponse(msg.Id, err)
		}
		return NoErrAccepted(msg.Id)
	}
}

// ackIfRequested acknowledges high frequency events only when the client
// tagged them with an id.
func ackIfRequested(msg *ClientMessage) *ServerMessage {
	if msg.Id > 0 {
		return NoErrAccepted(msg.Id)
	}
	return nil
}

func (h *Hub) logDenial(c *Client, err error, what, roomId string) {
	if errors.Is(err, ErrAuthorizationDenied) {
		c.log.Info().Str("room_id", roomId).Msg(what)
		return
	}
	c.log.Error().Err(err).Str("room_id", roomId).Msg(what)
}
