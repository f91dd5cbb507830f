package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/npezzotti/classroom-relay/internal/database"
	"github.com/npezzotti/classroom-relay/internal/stats"
	"github.com/npezzotti/classroom-relay/internal/store"
	"github.com/npezzotti/classroom-relay/internal/testutil"
	"github.com/npezzotti/classroom-relay/internal/types"
	"github.com/stretchr/testify/require"
)

type stubDirectory struct {
	classMembers map[string]bool
	teaching     map[int64][]types.Class
	documents    map[string]bool
	chats        map[string]bool
	err          error
}

func pair(a, b int64) string {
	return fmt.Sprintf("%d:%d", a, b)
}

func (d *stubDirectory) IsClassMember(_ context.Context, memberId, classId int64) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	if d.classMembers[pair(memberId, classId)] {
		return true, nil
	}
	ok, _ := d.Supervises(context.Background(), memberId, classId)
	return ok, nil
}

func (d *stubDirectory) Supervises(_ context.Context, memberId, classId int64) (bool, error) {
	for _, c := range d.teaching[memberId] {
		if c.Id == classId {
			return true, nil
		}
	}
	return false, nil
}

func (d *stubDirectory) TeacherClasses(_ context.Context, memberId int64) ([]types.Class, error) {
	return d.teaching[memberId], d.err
}

func (d *stubDirectory) CanAccessDocument(_ context.Context, memberId, documentId int64) (bool, error) {
	return d.documents[pair(memberId, documentId)], d.err
}

func (d *stubDirectory) IsChatParticipant(_ context.Context, memberId, chatId int64) (bool, error) {
	return d.chats[pair(memberId, chatId)], d.err
}

type stubChats struct {
	mu    sync.Mutex
	saved []database.ChatMessage
	err   error
}

func (s *stubChats) CreateChatMessage(_ context.Context, msg database.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, msg)
	return nil
}

func newTestHub(t *testing.T, st store.StoreBus, dir Directory, opts Options) *Hub {
	t.Helper()
	if dir == nil {
		dir = &stubDirectory{}
	}
	h, err := NewHub(testutil.TestLogger(t), st, dir, &stubChats{}, stats.NewNoopStats(), opts)
	require.NoError(t, err, "failed to create test hub")
	return h
}

var clientSeq atomic.Int64

func newTestClient(t *testing.T, h *Hub, id types.Identity) *Client {
	return &Client{
		id:       fmt.Sprintf("conn-%d", clientSeq.Add(1)),
		hub:      h,
		log:      testutil.TestLogger(t),
		identity: id,
		send:     make(chan *ServerMessage, sendQueueSize),
		stop:     make(chan struct{}),
	}
}

// unregisterOnStop stands in for a connection's read loop, which
// unregisters once the hub stops the client.
func unregisterOnStop(h *Hub, c *Client) {
	go func() {
		<-c.stop
		h.Unregister(c)
	}()
}

// drain returns every message currently queued for c.
func drain(c *Client) []*ServerMessage {
	var msgs []*ServerMessage
	for {
		select {
		case m := <-c.send:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

// events returns the queued events for c matching the predicate.
func events(c *Client, match func(*Event) bool) []*Event {
	var out []*Event
	for _, m := range drain(c) {
		if m.Event != nil && match(m.Event) {
			out = append(out, m.Event)
		}
	}
	return out
}

// waitEvent waits until c receives an event matching the predicate.
func waitEvent(t *testing.T, c *Client, match func(*Event) bool) *Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-c.send:
			if m.Event != nil && match(m.Event) {
				return m.Event
			}
		case <-timeout:
			t.Fatal("timeout: expected event")
			return nil
		}
	}
}

// lastResponse returns the last response queued for c.
func lastResponse(t *testing.T, c *Client) *Response {
	t.Helper()
	var resp *Response
	for _, m := range drain(c) {
		if m.Response != nil {
			resp = m.Response
		}
	}
	require.NotNil(t, resp, "expected a response")
	return resp
}

func send(h *Hub, c *Client, msg *ClientMessage) {
	h.dispatch(c, msg)
}

func isOffline(e *Event) bool { return e.MemberOffline != nil }
func isOnline(e *Event) bool  { return e.MemberOnline != nil }
