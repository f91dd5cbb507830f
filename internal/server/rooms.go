package server

import (
	"sort"
	"sync"

	"github.com/npezzotti/classroom-relay/internal/types"
)

type RoomRole string

const (
	RoomRoleParticipant RoomRole = "participant"
	RoomRoleSupervisor  RoomRole = "supervisor"
)

// RoomMember is one connection's membership of a room.
type RoomMember struct {
	ConnectionId string         `json:"connection_id"`
	Identity     types.Identity `json:"identity"`
	Role         RoomRole       `json:"role"`
}

// Rooms holds the room memberships of this process. A room exists only
// while it has at least one member.
type Rooms struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]RoomRole
	byConn map[*Client]map[string]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{
		rooms:  make(map[string]map[*Client]RoomRole),
		byConn: make(map[*Client]map[string]struct{}),
	}
}

// Join adds c to the room. Joining again keeps a single membership and
// reports added=false; created reports whether the room came into being.
func (r *Rooms) Join(c *Client, roomId string, role RoomRole) (added, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomId]
	if !ok {
		members = make(map[*Client]RoomRole)
		r.rooms[roomId] = members
		created = true
	}

	if _, ok := members[c]; ok {
		members[c] = role
		return false, created
	}
	members[c] = role

	joined, ok := r.byConn[c]
	if !ok {
		joined = make(map[string]struct{})
		r.byConn[c] = joined
	}
	joined[roomId] = struct{}{}

	return true, created
}

// Leave removes c from the room. Leaving a room that was never joined is a
// no-op; emptied reports whether the room disappeared.
func (r *Rooms) Leave(c *Client, roomId string) (removed, emptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leaveLocked(c, roomId)
}

func (r *Rooms) leaveLocked(c *Client, roomId string) (removed, emptied bool) {
	members, ok := r.rooms[roomId]
	if !ok {
		return false, false
	}
	if _, ok := members[c]; !ok {
		return false, false
	}

	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, roomId)
		emptied = true
	}

	if joined, ok := r.byConn[c]; ok {
		delete(joined, roomId)
		if len(joined) == 0 {
			delete(r.byConn, c)
		}
	}

	return true, emptied
}

// LeaveAll removes c from every room it joined, returning the rooms it
// left and how many of them were emptied.
func (r *Rooms) LeaveAll(c *Client) (left []string, emptied int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomId := range r.byConn[c] {
		left = append(left, roomId)
	}
	sort.Strings(left)

	for _, roomId := range left {
		if _, e := r.leaveLocked(c, roomId); e {
			emptied++
		}
	}
	return left, emptied
}

func (r *Rooms) IsMember(c *Client, roomId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[roomId][c]
	return ok
}

// Clients returns a snapshot of the room's connections.
func (r *Rooms) Clients(roomId string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.rooms[roomId]))
	for c := range r.rooms[roomId] {
		clients = append(clients, c)
	}
	return clients
}

func (r *Rooms) Members(roomId string) []RoomMember {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]RoomMember, 0, len(r.rooms[roomId]))
	for c, role := range r.rooms[roomId] {
		members = append(members, RoomMember{
			ConnectionId: c.id,
			Identity:     c.identity,
			Role:         role,
		})
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].ConnectionId < members[j].ConnectionId
	})
	return members
}

// RoomsOf lists the rooms c has joined.
func (r *Rooms) RoomsOf(c *Client) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.byConn[c]))
	for roomId := range r.byConn[c] {
		rooms = append(rooms, roomId)
	}
	sort.Strings(rooms)
	return rooms
}

func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms)
}
