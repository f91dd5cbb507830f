package activity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/npezzotti/classroom-relay/internal/database"
	"github.com/npezzotti/classroom-relay/internal/store"
	"github.com/npezzotti/classroom-relay/internal/types"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultPositionTTL = 2 * time.Minute

	viewsTTL     = 48 * time.Hour
	storeTimeout = 2 * time.Second
)

type Repository interface {
	CreateActivityEvent(ctx context.Context, event database.ActivityEvent) (bool, error)
	CreateActivityEvents(ctx context.Context, events []database.ActivityEvent) (int64, error)
}

// Supervisors resolves the class rooms supervising a document.
type Supervisors interface {
	DocumentClasses(ctx context.Context, documentId int64) ([]types.Class, error)
}

type Broadcaster interface {
	BroadcastActivity(roomId string, notice types.ActivityNotice)
}

// Position is an actor's last known place in a document.
type Position struct {
	DocumentId int64     `json:"document_id"`
	Page       int       `json:"page"`
	ClientTs   int64     `json:"ts"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Relay ingests reading activity: it persists page views, keeps ephemeral
// positions fresh and relays summaries into the document room and the
// class rooms supervising the document.
type Relay struct {
	repo        Repository
	store       store.Store
	supervisors Supervisors
	hub         Broadcaster
	positionTTL time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

func New(repo Repository, st store.Store, sup Supervisors, hub Broadcaster, positionTTL time.Duration, logger zerolog.Logger) *Relay {
	if positionTTL <= 0 {
		positionTTL = DefaultPositionTTL
	}

	return &Relay{
		repo:        repo,
		store:       st,
		supervisors: sup,
		hub:         hub,
		positionTTL: positionTTL,
		log:         logger.With().Str("module", "activity").Logger(),
		now:         func() time.Time { return time.Now().UTC().Round(time.Millisecond) },
	}
}

// PageView persists the event, moves the actor's position and relays a
// summary. A failed write is returned, but the position update and relay
// still happen.
func (r *Relay) PageView(ctx context.Context, actor types.Identity, ev types.PageView) error {
	var persistErr error
	inserted, err := r.repo.CreateActivityEvent(ctx, r.pageViewEvent(actor, ev.DocumentId, ev.Page, ev.TimeSpent, ev.Timestamp))
	if err != nil {
		r.log.Error().Err(err).
			Str("actor", actor.Key()).
			Int64("document_id", ev.DocumentId).
			Msg("failed to persist page view")
		persistErr = fmt.Errorf("persist page view: %w", err)
	} else if !inserted {
		r.log.Debug().Str("actor", actor.Key()).Int64("document_id", ev.DocumentId).Msg("duplicate page view")
	}

	r.setPosition(ctx, actor, ev.DocumentId, ev.Page, ev.Timestamp)

	r.relay(ctx, ev.DocumentId, types.ActivityNotice{
		Kind:       types.ActivityPageView,
		DocumentId: ev.DocumentId,
		Actor:      actor,
		Page:       ev.Page,
		TimeSpent:  ev.TimeSpent,
		ViewsToday: r.countView(ctx, ev.DocumentId),
		Timestamp:  r.now(),
	})

	return persistErr
}

// Heartbeat only refreshes the ephemeral position.
func (r *Relay) Heartbeat(ctx context.Context, actor types.Identity, ev types.Heartbeat) error {
	r.setPosition(ctx, actor, ev.DocumentId, ev.Page, ev.Timestamp)
	return nil
}

// OfflineSync bulk inserts buffered page views and returns how many were
// new. Repeats inside the batch and rows already stored are skipped.
func (r *Relay) OfflineSync(ctx context.Context, actor types.Identity, ev types.OfflineSync) (int64, error) {
	events := make([]database.ActivityEvent, 0, len(ev.PageViews))
	for _, pv := range ev.PageViews {
		events = append(events, r.pageViewEvent(actor, ev.DocumentId, pv.Page, pv.TimeSpent, pv.Timestamp))
	}
	events = database.UniqueActivityEvents(events)

	n, err := r.repo.CreateActivityEvents(ctx, events)
	if err != nil {
		r.log.Error().Err(err).
			Str("actor", actor.Key()).
			Int64("document_id", ev.DocumentId).
			Int("events", len(events)).
			Msg("failed to persist offline sync")
		return 0, fmt.Errorf("persist offline sync: %w", err)
	}

	r.log.Debug().
		Str("actor", actor.Key()).
		Int64("document_id", ev.DocumentId).
		Int("received", len(ev.PageViews)).
		Int64("inserted", n).
		Msg("offline sync applied")
	return n, nil
}

// ActivitySubmit relays the answers as received; grading owns persistence.
func (r *Relay) ActivitySubmit(ctx context.Context, actor types.Identity, ev types.ActivitySubmitted) error {
	r.relay(ctx, ev.DocumentId, types.ActivityNotice{
		Kind:       types.ActivitySubmit,
		DocumentId: ev.DocumentId,
		Actor:      actor,
		Page:       ev.Page,
		ActivityId: ev.ActivityId,
		Answers:    ev.Answers,
		Timestamp:  r.now(),
	})
	return nil
}

// Position returns the actor's current position in a document.
func (r *Relay) Position(ctx context.Context, actor types.Identity, documentId int64) (Position, error) {
	raw, err := r.store.Get(ctx, store.PositionKey(documentId, actor.Key()))
	if err != nil {
		return Position{}, err
	}

	var p Position
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Position{}, fmt.Errorf("decode position: %w", err)
	}
	return p, nil
}

func (r *Relay) pageViewEvent(actor types.Identity, documentId int64, page int, timeSpent, clientTs int64) database.ActivityEvent {
	e := database.ActivityEvent{
		ActorKey:    actor.Key(),
		DocumentId:  documentId,
		Kind:        database.ActivityKindPageView,
		PageNumber:  int64(page),
		TimeSpentMs: timeSpent,
		ClientTsMs:  clientTs,
		CreatedAt:   r.now(),
	}
	if actor.IsGuest() {
		e.GuestId = sql.NullString{String: actor.GuestId, Valid: true}
	} else {
		e.MemberId = sql.NullInt64{Int64: actor.MemberId, Valid: true}
	}
	return e
}

// setPosition overwrites the actor's position. Store failures are logged
// and otherwise ignored.
func (r *Relay) setPosition(ctx context.Context, actor types.Identity, documentId int64, page int, clientTs int64) {
	raw, err := json.Marshal(Position{
		DocumentId: documentId,
		Page:       page,
		ClientTs:   clientTs,
		UpdatedAt:  r.now(),
	})
	if err != nil {
		r.log.Error().Err(err).Msg("failed to encode position")
		return
	}

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := r.store.Set(sctx, store.PositionKey(documentId, actor.Key()), string(raw), r.positionTTL); err != nil {
		r.log.Warn().Err(err).Str("actor", actor.Key()).Int64("document_id", documentId).Msg("failed to update position")
	}
}

// countView bumps today's view counter for the document. Zero means the
// counter is unavailable.
func (r *Relay) countView(ctx context.Context, documentId int64) int64 {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	key := store.ViewsKey(documentId, r.now())
	n, err := r.store.Incr(sctx, key)
	if err != nil {
		r.log.Warn().Err(err).Int64("document_id", documentId).Msg("failed to count page view")
		return 0
	}
	if n == 1 {
		if err := r.store.Expire(sctx, key, viewsTTL); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("failed to set view counter expiry")
		}
	}
	return n
}

// relay delivers the notice into the document's own room and fans it out
// to every class room supervising the document. Delivery is best effort; a
// failed lookup only skips the class rooms.
func (r *Relay) relay(ctx context.Context, documentId int64, notice types.ActivityNotice) {
	r.hub.BroadcastActivity(types.DocumentRoom(documentId), notice)

	classes, err := r.supervisors.DocumentClasses(ctx, documentId)
	if err != nil {
		r.log.Error().Err(err).Int64("document_id", documentId).Msg("failed to resolve supervising classes")
		return
	}

	var wg conc.WaitGroup
	for _, class := range classes {
		n := notice
		n.ClassId = class.Id
		wg.Go(func() {
			r.hub.BroadcastActivity(types.ClassRoom(class.Id), n)
		})
	}
	if p := wg.WaitAndRecover(); p != nil {
		r.log.Error().Str("panic", p.String()).Int64("document_id", documentId).Msg("activity relay panicked")
	}
}
