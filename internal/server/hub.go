package server

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/classroom-relay/internal/database"
	"github.com/npezzotti/classroom-relay/internal/stats"
	"github.com/npezzotti/classroom-relay/internal/store"
	"github.com/npezzotti/classroom-relay/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

const (
	relayChannel     = "relay"
	publishQueueSize = 1024
	handlerTimeout   = 10 * time.Second

	defaultPresenceTTL     = 90 * time.Second
	defaultPresenceRefresh = 30 * time.Second

	metricClients = "connected_clients"
	metricOnline  = "online_members"
	metricRooms   = "active_rooms"
	metricRelayed = "relayed_events"
	metricDropped = "dropped_messages"
)

// Directory answers the enrollment and access questions room policies need.
type Directory interface {
	IsClassMember(ctx context.Context, memberId, classId int64) (bool, error)
	Supervises(ctx context.Context, memberId, classId int64) (bool, error)
	TeacherClasses(ctx context.Context, memberId int64) ([]types.Class, error)
	CanAccessDocument(ctx context.Context, memberId, documentId int64) (bool, error)
	IsChatParticipant(ctx context.Context, memberId, chatId int64) (bool, error)
}

type ChatStore interface {
	CreateChatMessage(ctx context.Context, msg database.ChatMessage) error
}

// ActivityHandler ingests activity events for a connection's identity.
type ActivityHandler interface {
	PageView(ctx context.Context, actor types.Identity, ev types.PageView) error
	Heartbeat(ctx context.Context, actor types.Identity, ev types.Heartbeat) error
	OfflineSync(ctx context.Context, actor types.Identity, ev types.OfflineSync) (int64, error)
	ActivitySubmit(ctx context.Context, actor types.Identity, ev types.ActivitySubmitted) error
}

type Options struct {
	NodeId          string
	PresenceTTL     time.Duration
	PresenceRefresh time.Duration
	// ReconnectGrace defers offline broadcasts so a quick reconnect does
	// not announce the member as gone. Zero announces immediately.
	ReconnectGrace time.Duration
}

// envelope carries a message to the other processes sharing the store.
// Exactly one of Room, MemberId or All selects the recipients.
type envelope struct {
	Origin   string         `json:"origin"`
	Room     string         `json:"room,omitempty"`
	MemberId int64          `json:"member_id,omitempty"`
	All      bool           `json:"all,omitempty"`
	Exclude  string         `json:"exclude,omitempty"`
	Message  *ServerMessage `json:"message"`
}

type pendingOffline struct {
	identity types.Identity
	timer    *time.Timer
}

type Hub struct {
	log      zerolog.Logger
	opts     Options
	store    store.StoreBus
	dir      Directory
	chats    ChatStore
	activity ActivityHandler
	stats    stats.StatsProvider
	validate *validator.Validate
	presence *Presence
	rooms    *Rooms

	clients     map[*Client]struct{}
	userMap     map[int64]map[*Client]struct{}
	clientsLock sync.RWMutex
	// live counts registered connections whose Unregister has not finished.
	live     int
	draining bool
	drained  chan struct{}

	pending     map[int64]*pendingOffline
	pendingLock sync.Mutex

	outbound chan *envelope
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewHub(logger zerolog.Logger, st store.StoreBus, dir Directory, chats ChatStore, su stats.StatsProvider, opts Options) (*Hub, error) {
	if opts.NodeId == "" {
		id, err := shortid.Generate()
		if err != nil {
			return nil, err
		}
		opts.NodeId = id
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = defaultPresenceTTL
	}
	if opts.PresenceRefresh <= 0 {
		opts.PresenceRefresh = defaultPresenceRefresh
	}

	for _, m := range []string{metricClients, metricOnline, metricRooms, metricRelayed, metricDropped} {
		su.RegisterMetric(m)
	}

	log := logger.With().Str("module", "hub").Str("node_id", opts.NodeId).Logger()
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		log:      log,
		opts:     opts,
		store:    st,
		dir:      dir,
		chats:    chats,
		stats:    su,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		presence: NewPresence(st, opts.NodeId, opts.PresenceTTL, logger),
		rooms:    NewRooms(),
		clients:  make(map[*Client]struct{}),
		userMap:  make(map[int64]map[*Client]struct{}),
		pending:  make(map[int64]*pendingOffline),
		outbound: make(chan *envelope, publishQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
	}, nil
}

// UseActivityRelay attaches the handler for activity events. Until one is
// attached those events are answered as unavailable.
func (h *Hub) UseActivityRelay(a ActivityHandler) {
	h.activity = a
}

func (h *Hub) NodeId() string {
	return h.opts.NodeId
}

// Run refreshes presence and relays messages published by other processes
// until Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	bus := h.subscribe()

	go h.publishLoop()

	ticker := time.NewTicker(h.opts.PresenceRefresh)
	defer ticker.Stop()

	for {
		select {
		case raw, ok := <-bus:
			if !ok {
				h.log.Warn().Msg("relay bus subscription closed")
				bus = nil
				continue
			}
			h.handleEnvelope(raw)
		case <-ticker.C:
			if bus == nil {
				bus = h.subscribe()
			}
			h.presence.Refresh(h.ctx)
		case <-h.stop:
			h.log.Info().Msg("shutting down connections")
			h.stopPendingOffline()
			h.beginDrain()
			for _, c := range h.allClients() {
				c.stopClient()
			}
			h.presence.Clear(context.Background())
			h.cancel()
			return
		}
	}
}

// subscribe joins the relay bus. A nil channel means the bus is unavailable
// and Run retries on the next refresh tick.
func (h *Hub) subscribe() <-chan []byte {
	bus, err := h.store.Subscribe(h.ctx, relayChannel)
	if err != nil {
		h.log.Warn().Err(err).Msg("relay bus unavailable, serving local connections only")
		return nil
	}
	return bus
}

// Shutdown stops the hub and waits until every connection has been
// unregistered, so no connection touches shared state after it returns.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.log.Info().Msg("received shutdown signal")
	h.stopOnce.Do(func() { close(h.stop) })

	for _, ch := range []chan struct{}{h.done, h.drained} {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// beginDrain refuses new connections and arms the drained signal.
func (h *Hub) beginDrain() {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	h.draining = true
	if h.live == 0 {
		close(h.drained)
	}
}

func (h *Hub) release() {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	h.live--
	if h.draining && h.live == 0 {
		close(h.drained)
	}
}

// Draining reports whether the hub has begun shutting down and refuses new
// connections.
func (h *Hub) Draining() bool {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()

	return h.draining
}

// Register admits a connection: it is greeted, and, for members, recorded
// in presence with online broadcasts on the member's first connection.
func (h *Hub) Register(c *Client) {
	if !h.addClient(c) {
		c.log.Debug().Msg("hub is shutting down, refusing connection")
		c.stopClient()
		return
	}
	c.queueMessage(eventMessage(&Event{
		Hello: &Hello{ConnectionId: c.id, Identity: c.identity},
	}))

	if c.identity.IsGuest() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	firstLocal, firstGlobal := h.presence.Connect(ctx, c.identity, c.id)
	if firstLocal {
		h.stats.Incr(metricOnline)
	}

	if h.cancelPendingOffline(c.identity.MemberId) {
		c.log.Debug().Msg("reconnected within grace window")
		return
	}

	if firstGlobal {
		h.announceOnline(ctx, c.identity)
	}
}

// Unregister removes a connection from every room and from presence before
// returning. Calling it again for the same connection is a no-op.
func (h *Hub) Unregister(c *Client) {
	if !h.removeClient(c) {
		return
	}
	defer h.release()

	left, emptied := h.rooms.LeaveAll(c)
	for range emptied {
		h.stats.Decr(metricRooms)
	}
	for _, roomId := range left {
		if rid, err := types.ParseRoomId(roomId); err == nil && rid.Kind == types.RoomChat {
			h.Broadcast(roomId, eventMessage(&Event{
				ChatNotice: &ChatNotice{RoomId: roomId, Member: c.identity, Joined: false},
			}))
		}
	}

	if c.identity.IsGuest() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	rec, lastLocal, lastGlobal := h.presence.Disconnect(ctx, c.identity.MemberId, c.id)
	if lastLocal {
		h.stats.Decr(metricOnline)
	}
	if !lastGlobal {
		return
	}

	if h.opts.ReconnectGrace > 0 && !h.Draining() {
		h.scheduleOffline(rec.Identity())
		return
	}
	h.announceOffline(ctx, rec.Identity())
}

func (h *Hub) announceOnline(ctx context.Context, id types.Identity) {
	h.BroadcastAll(eventMessage(&Event{MemberOnline: &id}))

	if id.IsTeacher() {
		h.supervisoryBroadcast(ctx, id, true)
	}
}

func (h *Hub) announceOffline(ctx context.Context, id types.Identity) {
	h.BroadcastAll(eventMessage(&Event{MemberOffline: &id}))

	if id.IsTeacher() {
		h.supervisoryBroadcast(ctx, id, false)
	}
}

// supervisoryBroadcast tells every class room the teacher supervises that
// the teacher came online or went offline.
func (h *Hub) supervisoryBroadcast(ctx context.Context, teacher types.Identity, online bool) {
	classes, err := h.dir.TeacherClasses(ctx, teacher.MemberId)
	if err != nil {
		h.log.Error().Err(err).Int64("member_id", teacher.MemberId).Msg("failed to resolve teacher classes")
		return
	}

	for _, class := range classes {
		tp := &types.TeacherPresence{Teacher: teacher, ClassId: class.Id, ClassName: class.Name}
		e := &Event{TeacherOffline: tp}
		if online {
			e = &Event{TeacherOnline: tp}
		}
		h.Broadcast(types.ClassRoom(class.Id), eventMessage(e))
	}
}

func (h *Hub) scheduleOffline(id types.Identity) {
	h.pendingLock.Lock()
	defer h.pendingLock.Unlock()

	if p, ok := h.pending[id.MemberId]; ok {
		p.timer.Stop()
	}

	p := &pendingOffline{identity: id}
	p.timer = time.AfterFunc(h.opts.ReconnectGrace, func() {
		h.pendingLock.Lock()
		cur, ok := h.pending[id.MemberId]
		if !ok || cur != p {
			h.pendingLock.Unlock()
			return
		}
		delete(h.pending, id.MemberId)
		h.pendingLock.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if h.presence.IsOnline(ctx, id.MemberId) {
			return
		}
		h.announceOffline(ctx, id)
	})
	h.pending[id.MemberId] = p
}

func (h *Hub) cancelPendingOffline(memberId int64) bool {
	h.pendingLock.Lock()
	defer h.pendingLock.Unlock()

	p, ok := h.pending[memberId]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(h.pending, memberId)
	return true
}

func (h *Hub) stopPendingOffline() {
	h.pendingLock.Lock()
	defer h.pendingLock.Unlock()

	for memberId, p := range h.pending {
		p.timer.Stop()
		delete(h.pending, memberId)
	}
}

func (h *Hub) addClient(c *Client) bool {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	if h.draining {
		return false
	}
	h.live++
	h.clients[c] = struct{}{}
	if !c.identity.IsGuest() {
		if h.userMap[c.identity.MemberId] == nil {
			h.userMap[c.identity.MemberId] = make(map[*Client]struct{})
		}
		h.userMap[c.identity.MemberId][c] = struct{}{}
	}
	h.stats.Incr(metricClients)
	return true
}

func (h *Hub) removeClient(c *Client) bool {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)

	if conns, ok := h.userMap[c.identity.MemberId]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.userMap, c.identity.MemberId)
		}
	}
	h.stats.Decr(metricClients)
	return true
}

func (h *Hub) allClients() []*Client {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

func (h *Hub) memberClients(memberId int64) []*Client {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(h.userMap[memberId]))
	for c := range h.userMap[memberId] {
		clients = append(clients, c)
	}
	return clients
}

// Broadcast delivers msg to every connection joined to the room, in this
// process and the others. msg.SkipClient, if set, is left out.
func (h *Hub) Broadcast(roomId string, msg *ServerMessage) {
	exclude := skipId(msg)
	h.deliverRoom(roomId, msg, exclude)
	h.publish(&envelope{Room: roomId, Exclude: exclude, Message: msg})
}

// BroadcastAll delivers msg to every open connection on the platform.
func (h *Hub) BroadcastAll(msg *ServerMessage) {
	exclude := skipId(msg)
	h.deliverAll(msg, exclude)
	h.publish(&envelope{All: true, Exclude: exclude, Message: msg})
}

// DeliverToMember pushes msg to every connection of the member, wherever
// it is held. It returns the number of local connections it was queued on.
func (h *Hub) DeliverToMember(memberId int64, msg *ServerMessage) int {
	n := h.deliverMember(memberId, msg)
	h.publish(&envelope{MemberId: memberId, Message: msg})
	return n
}

// BroadcastActivity relays a summarized activity notice into a room.
func (h *Hub) BroadcastActivity(roomId string, notice types.ActivityNotice) {
	h.Broadcast(roomId, eventMessage(&Event{Activity: &notice}))
	h.stats.Incr(metricRelayed)
}

// PushNotification delivers a stored notification live.
func (h *Hub) PushNotification(n types.Notification) int {
	return h.DeliverToMember(n.MemberId, eventMessage(&Event{NotificationNew: &n}))
}

func (h *Hub) deliverRoom(roomId string, msg *ServerMessage, exclude string) {
	for _, c := range h.rooms.Clients(roomId) {
		if exclude != "" && c.id == exclude {
			continue
		}
		h.deliver(c, msg)
	}
}

func (h *Hub) deliverAll(msg *ServerMessage, exclude string) {
	for _, c := range h.allClients() {
		if exclude != "" && c.id == exclude {
			continue
		}
		h.deliver(c, msg)
	}
}

func (h *Hub) deliverMember(memberId int64, msg *ServerMessage) int {
	n := 0
	for _, c := range h.memberClients(memberId) {
		if h.deliver(c, msg) {
			n++
		}
	}
	return n
}

func (h *Hub) deliver(c *Client, msg *ServerMessage) bool {
	if !c.queueMessage(msg) {
		h.stats.Incr(metricDropped)
		return false
	}
	return true
}

func skipId(msg *ServerMessage) string {
	if msg.SkipClient != nil {
		return msg.SkipClient.id
	}
	return ""
}

func (h *Hub) publish(env *envelope) {
	env.Origin = h.opts.NodeId
	select {
	case h.outbound <- env:
	default:
		h.log.Warn().Msg("relay publish queue full, dropping message")
		h.stats.Incr(metricDropped)
	}
}

func (h *Hub) publishLoop() {
	for {
		select {
		case env := <-h.outbound:
			raw, err := json.Marshal(env)
			if err != nil {
				h.log.Error().Err(err).Msg("failed to encode relay envelope")
				continue
			}

			ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
			if err := h.store.Publish(ctx, relayChannel, raw); err != nil {
				h.log.Warn().Err(err).Msg("failed to publish to relay bus")
			}
			cancel()
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) handleEnvelope(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.log.Warn().Err(err).Msg("dropping unreadable relay envelope")
		return
	}
	if env.Origin == h.opts.NodeId || env.Message == nil {
		return
	}

	switch {
	case env.Room != "":
		h.deliverRoom(env.Room, env.Message, env.Exclude)
	case env.MemberId != 0:
		h.deliverMember(env.MemberId, env.Message)
	case env.All:
		h.deliverAll(env.Message, env.Exclude)
	}
}

func (h *Hub) IsOnline(ctx context.Context, memberId int64) bool {
	return h.presence.IsOnline(ctx, memberId)
}

func (h *Hub) ListOnline(ctx context.Context) []types.PresenceRecord {
	return h.presence.ListOnline(ctx)
}

func (h *Hub) LookupPresence(ctx context.Context, memberId int64) (types.PresenceRecord, bool) {
	return h.presence.Lookup(ctx, memberId)
}

// RoomMembers lists the connections joined to a room in this process. The
// caller must be allowed to join the room to see who is in it.
func (h *Hub) RoomMembers(ctx context.Context, id types.Identity, roomId string) ([]RoomMember, error) {
	rid, err := types.ParseRoomId(roomId)
	if err != nil {
		return nil, err
	}
	if _, err := h.authorizeJoin(ctx, id, rid); err != nil {
		return nil, err
	}
	return h.rooms.Members(rid.String()), nil
}

// Ping checks the shared store.
func (h *Hub) Ping(ctx context.Context) error {
	return h.store.Ping(ctx)
}
