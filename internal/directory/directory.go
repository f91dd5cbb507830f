package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/npezzotti/classroom-relay/internal/database"
	"github.com/npezzotti/classroom-relay/internal/types"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// Lookups is the subset of the durable store the directory reads from.
type Lookups interface {
	IsClassMember(ctx context.Context, memberId, classId int64) (bool, error)
	TeacherClasses(ctx context.Context, memberId int64) ([]database.Class, error)
	DocumentClasses(ctx context.Context, documentId int64) ([]database.Class, error)
	CanAccessDocument(ctx context.Context, memberId, documentId int64) (bool, error)
	IsChatParticipant(ctx context.Context, memberId, chatId int64) (bool, error)
}

// Directory answers enrollment and supervision questions, caching answers
// for a short time. Failed lookups are never cached.
type Directory struct {
	db    Lookups
	cache *cache.Cache
	log   zerolog.Logger
}

func New(db Lookups, ttl time.Duration, logger zerolog.Logger) *Directory {
	return &Directory{
		db:    db,
		cache: cache.New(ttl, 2*ttl),
		log:   logger.With().Str("module", "directory").Logger(),
	}
}

func (d *Directory) IsClassMember(ctx context.Context, memberId, classId int64) (bool, error) {
	return d.cachedBool(fmt.Sprintf("class-member:%d:%d", memberId, classId), func() (bool, error) {
		return d.db.IsClassMember(ctx, memberId, classId)
	})
}

func (d *Directory) CanAccessDocument(ctx context.Context, memberId, documentId int64) (bool, error) {
	return d.cachedBool(fmt.Sprintf("document-access:%d:%d", memberId, documentId), func() (bool, error) {
		return d.db.CanAccessDocument(ctx, memberId, documentId)
	})
}

func (d *Directory) IsChatParticipant(ctx context.Context, memberId, chatId int64) (bool, error) {
	return d.cachedBool(fmt.Sprintf("chat-participant:%d:%d", memberId, chatId), func() (bool, error) {
		return d.db.IsChatParticipant(ctx, memberId, chatId)
	})
}

// TeacherClasses lists the classes a teacher supervises.
func (d *Directory) TeacherClasses(ctx context.Context, memberId int64) ([]types.Class, error) {
	return d.cachedClasses(fmt.Sprintf("teacher-classes:%d", memberId), func() ([]database.Class, error) {
		return d.db.TeacherClasses(ctx, memberId)
	})
}

// DocumentClasses lists the classes whose textbooks contain the document,
// i.e. the rooms supervising activity on it.
func (d *Directory) DocumentClasses(ctx context.Context, documentId int64) ([]types.Class, error) {
	return d.cachedClasses(fmt.Sprintf("document-classes:%d", documentId), func() ([]database.Class, error) {
		return d.db.DocumentClasses(ctx, documentId)
	})
}

// Supervises reports whether the member teaches the class.
func (d *Directory) Supervises(ctx context.Context, memberId, classId int64) (bool, error) {
	classes, err := d.TeacherClasses(ctx, memberId)
	if err != nil {
		return false, err
	}
	for _, c := range classes {
		if c.Id == classId {
			return true, nil
		}
	}
	return false, nil
}

// Flush drops every cached answer.
func (d *Directory) Flush() {
	d.cache.Flush()
}

func (d *Directory) cachedBool(key string, load func() (bool, error)) (bool, error) {
	if v, ok := d.cache.Get(key); ok {
		return v.(bool), nil
	}

	ok, err := load()
	if err != nil {
		d.log.Error().Err(err).Str("key", key).Msg("directory lookup failed")
		return false, err
	}
	d.cache.SetDefault(key, ok)
	return ok, nil
}

func (d *Directory) cachedClasses(key string, load func() ([]database.Class, error)) ([]types.Class, error) {
	if v, ok := d.cache.Get(key); ok {
		return v.([]types.Class), nil
	}

	rows, err := load()
	if err != nil {
		d.log.Error().Err(err).Str("key", key).Msg("directory lookup failed")
		return nil, err
	}

	classes := make([]types.Class, 0, len(rows))
	for _, r := range rows {
		classes = append(classes, types.Class{Id: r.Id, Name: r.Name})
	}
	d.cache.SetDefault(key, classes)
	return classes, nil
}
