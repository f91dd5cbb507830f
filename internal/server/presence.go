package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/classroom-relay/internal/store"
	"github.com/npezzotti/classroom-relay/internal/types"
	"github.com/rs/zerolog"
)

const (
	storeTimeout = 2 * time.Second
	writeStripes = 64
)

type presenceConn struct {
	document *types.DocumentPointer
	updated  time.Time
}

type presenceEntry struct {
	identity     types.Identity
	conns        map[string]*presenceConn
	lastActivity time.Time
}

// mirroredRecord is one process's view of a member, stored as a field of
// the member's presence hash. Fields past Expires belong to a process that
// stopped refreshing and are ignored.
type mirroredRecord struct {
	Record  types.PresenceRecord `json:"record"`
	Expires time.Time            `json:"expires"`
}

// Presence tracks which members have open connections. Local state is
// authoritative for this process and mirrored into the shared store as the
// field <nodeId> of the hash presence:<memberId>, so other processes can
// see it. mu guards local state only and is never held across store calls.
// Store writes for a member are serialized by a striped lock and always
// write the member's current state, so racing writes cannot leave a stale
// entry behind.
type Presence struct {
	mu      sync.Mutex
	entries map[int64]*presenceEntry
	writes  [writeStripes]sync.Mutex
	store   store.Store
	nodeId  string
	ttl     time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

func NewPresence(st store.Store, nodeId string, ttl time.Duration, logger zerolog.Logger) *Presence {
	return &Presence{
		entries: make(map[int64]*presenceEntry),
		store:   st,
		nodeId:  nodeId,
		ttl:     ttl,
		log:     logger.With().Str("module", "presence").Logger(),
		now:     Now,
	}
}

// Connect adds a connection for a member. firstLocal reports the member's
// first connection in this process, firstGlobal its first anywhere.
func (p *Presence) Connect(ctx context.Context, id types.Identity, connId string) (firstLocal, firstGlobal bool) {
	p.mu.Lock()
	now := p.now()
	e, ok := p.entries[id.MemberId]
	if !ok {
		firstLocal = true
		e = &presenceEntry{
			identity: id,
			conns:    make(map[string]*presenceConn),
		}
		p.entries[id.MemberId] = e
	}
	e.conns[connId] = &presenceConn{updated: now}
	e.lastActivity = now
	p.mu.Unlock()

	if firstLocal {
		firstGlobal = !p.onOtherNodes(ctx, id.MemberId)
	}
	p.flush(ctx, id.MemberId)

	return firstLocal, firstGlobal
}

// Activity records activity on a connection. A nil pointer only refreshes
// the last-activity time.
func (p *Presence) Activity(ctx context.Context, memberId int64, connId string, ptr *types.DocumentPointer) {
	p.mu.Lock()
	e, ok := p.entries[memberId]
	if !ok {
		p.mu.Unlock()
		return
	}
	conn, ok := e.conns[connId]
	if !ok {
		p.mu.Unlock()
		return
	}

	now := p.now()
	if ptr != nil {
		doc := *ptr
		conn.document = &doc
		conn.updated = now
	}
	e.lastActivity = now
	p.mu.Unlock()

	p.flush(ctx, memberId)
}

// Disconnect removes a connection. When it was the member's last one in
// this process the record and its store entry are deleted; lastGlobal then
// reports whether no other process still holds a connection.
func (p *Presence) Disconnect(ctx context.Context, memberId int64, connId string) (rec types.PresenceRecord, lastLocal, lastGlobal bool) {
	p.mu.Lock()
	e, ok := p.entries[memberId]
	if !ok {
		p.mu.Unlock()
		return rec, false, false
	}
	if _, ok := e.conns[connId]; !ok {
		rec = e.record()
		p.mu.Unlock()
		return rec, false, false
	}

	delete(e.conns, connId)
	rec = e.record()
	lastLocal = len(e.conns) == 0
	if lastLocal {
		delete(p.entries, memberId)
	}
	p.mu.Unlock()

	p.flush(ctx, memberId)
	if !lastLocal {
		return rec, false, false
	}
	return rec, true, !p.onOtherNodes(ctx, memberId)
}

// Refresh rewrites every local record, extending its store TTL.
func (p *Presence) Refresh(ctx context.Context) {
	for _, memberId := range p.localMembers() {
		p.flush(ctx, memberId)
	}
}

// Clear removes this process's store entries, leaving local state alone.
func (p *Presence) Clear(ctx context.Context) {
	for _, memberId := range p.localMembers() {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := p.store.HDel(sctx, store.PresenceKey(memberId), p.nodeId)
		cancel()
		if err != nil {
			p.log.Warn().Err(err).Int64("member_id", memberId).Msg("failed to clear presence entry")
		}
	}
}

func (p *Presence) localMembers() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]int64, 0, len(p.entries))
	for memberId := range p.entries {
		ids = append(ids, memberId)
	}
	return ids
}

func (p *Presence) IsLocal(memberId int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.entries[memberId]
	return ok
}

func (p *Presence) LocalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.entries)
}

// IsOnline answers from local state first and falls back to the store.
func (p *Presence) IsOnline(ctx context.Context, memberId int64) bool {
	if p.IsLocal(memberId) {
		return true
	}
	return p.onOtherNodes(ctx, memberId)
}

// Lookup returns the member's record merged across processes.
func (p *Presence) Lookup(ctx context.Context, memberId int64) (types.PresenceRecord, bool) {
	p.mu.Lock()
	var local *types.PresenceRecord
	if e, ok := p.entries[memberId]; ok {
		rec := e.record()
		local = &rec
	}
	p.mu.Unlock()

	remote, err := p.remote(ctx, memberId)
	if err != nil {
		p.log.Warn().Err(err).Int64("member_id", memberId).Msg("presence store unavailable, serving local state")
	}

	merged := local
	for _, rec := range remote {
		if merged == nil {
			r := rec
			merged = &r
			continue
		}
		m := mergeRecords(*merged, rec)
		merged = &m
	}
	if merged == nil {
		return types.PresenceRecord{}, false
	}
	return *merged, true
}

// ListOnline returns every online member, merged across processes and
// ordered by member id.
func (p *Presence) ListOnline(ctx context.Context) []types.PresenceRecord {
	merged := make(map[int64]types.PresenceRecord)

	p.mu.Lock()
	for memberId, e := range p.entries {
		merged[memberId] = e.record()
	}
	p.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	keys, err := p.store.Keys(sctx, store.AllPresencePattern)
	if err != nil {
		p.log.Warn().Err(err).Msg("presence store unavailable, serving local state")
		keys = nil
	}

	for _, key := range keys {
		memberId, ok := store.ParsePresenceKey(key)
		if !ok {
			continue
		}
		remote, err := p.remote(ctx, memberId)
		if err != nil {
			p.log.Warn().Err(err).Int64("member_id", memberId).Msg("skipping unreadable presence hash")
			continue
		}
		for _, rec := range remote {
			if cur, ok := merged[memberId]; ok {
				merged[memberId] = mergeRecords(cur, rec)
			} else {
				merged[memberId] = rec
			}
		}
	}

	records := make([]types.PresenceRecord, 0, len(merged))
	for _, rec := range merged {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].MemberId < records[j].MemberId })
	return records
}

// remote reads the live records other processes hold for the member.
// Expired and unreadable fields are skipped.
func (p *Presence) remote(ctx context.Context, memberId int64) ([]types.PresenceRecord, error) {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	fields, err := p.store.HGetAll(sctx, store.PresenceKey(memberId))
	if err != nil {
		return nil, err
	}

	now := p.now()
	nodes := make([]string, 0, len(fields))
	for node := range fields {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	var records []types.PresenceRecord
	for _, node := range nodes {
		if node == p.nodeId {
			continue
		}

		var m mirroredRecord
		if err := json.Unmarshal([]byte(fields[node]), &m); err != nil {
			p.log.Warn().Err(err).Int64("member_id", memberId).Str("node", node).Msg("skipping unreadable presence entry")
			continue
		}
		if !now.Before(m.Expires) {
			continue
		}
		records = append(records, m.Record)
	}
	return records, nil
}

// onOtherNodes reports whether another process holds a live presence entry
// for the member. A store failure degrades to false.
func (p *Presence) onOtherNodes(ctx context.Context, memberId int64) bool {
	records, err := p.remote(ctx, memberId)
	if err != nil {
		p.log.Warn().Err(err).Int64("member_id", memberId).Msg("presence store unavailable, assuming local only")
		return false
	}
	return len(records) > 0
}

// flush writes the member's current local state to the store, or removes
// this process's entry when the member has no local connections.
func (p *Presence) flush(ctx context.Context, memberId int64) {
	w := &p.writes[uint64(memberId)%writeStripes]
	w.Lock()
	defer w.Unlock()

	p.mu.Lock()
	e, ok := p.entries[memberId]
	var rec types.PresenceRecord
	if ok {
		rec = e.record()
	}
	now := p.now()
	p.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	key := store.PresenceKey(memberId)
	if !ok {
		if err := p.store.HDel(sctx, key, p.nodeId); err != nil {
			p.log.Warn().Err(err).Int64("member_id", memberId).Msg("failed to remove presence entry, it will expire")
		}
		return
	}

	raw, err := json.Marshal(mirroredRecord{Record: rec, Expires: now.Add(p.ttl)})
	if err != nil {
		p.log.Error().Err(err).Int64("member_id", memberId).Msg("failed to encode presence record")
		return
	}
	if err := p.store.HSet(sctx, key, p.nodeId, string(raw), p.ttl); err != nil {
		p.log.Warn().Err(err).Int64("member_id", memberId).Msg("failed to mirror presence, serving local state")
	}
}

func (e *presenceEntry) record() types.PresenceRecord {
	rec := types.PresenceRecord{
		MemberId:     e.identity.MemberId,
		Name:         e.identity.Name,
		Role:         e.identity.Role,
		Connections:  make([]string, 0, len(e.conns)),
		LastActivity: e.lastActivity,
	}

	var latest time.Time
	for connId, c := range e.conns {
		rec.Connections = append(rec.Connections, connId)
		if c.document != nil && (rec.Document == nil || c.updated.After(latest)) {
			doc := *c.document
			rec.Document = &doc
			latest = c.updated
		}
	}
	sort.Strings(rec.Connections)
	return rec
}

func mergeRecords(a, b types.PresenceRecord) types.PresenceRecord {
	out := a
	out.Connections = append(append([]string{}, a.Connections...), b.Connections...)
	sort.Strings(out.Connections)

	if b.LastActivity.After(a.LastActivity) {
		out.LastActivity = b.LastActivity
		if b.Document != nil {
			out.Document = b.Document
		}
	}
	if out.Document == nil {
		out.Document = b.Document
	}
	return out
}
