package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("key not found")
	ErrWrongType   = errors.New("key holds the wrong kind of value")
	ErrUnavailable = errors.New("ephemeral store unavailable")
)

// Store is the process-external key/value store shared by every relay
// process. Values written with a positive ttl expire on their own.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	// HSet writes one field of the hash at key and resets the key's expiry.
	HSet(ctx context.Context, key, field, value string, ttl time.Duration) error
	HDel(ctx context.Context, key string, fields ...string) error
	// HGetAll returns every field of the hash; a missing key is empty.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Bus fans payloads out to every process subscribed to a channel.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// StoreBus is implemented by backends that provide both.
type StoreBus interface {
	Store
	Bus
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

const (
	presencePrefix = "presence:"
	positionPrefix = "position:"
	viewsPrefix    = "views:"

	// AllPresencePattern matches the presence hash of every member.
	AllPresencePattern = presencePrefix + "*"
)

// PresenceKey names the hash holding a member's presence, one field per
// process.
func PresenceKey(memberId int64) string {
	return presencePrefix + strconv.FormatInt(memberId, 10)
}

// ParsePresenceKey returns the member id of a presence key.
func ParsePresenceKey(key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, presencePrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func PositionKey(documentId int64, actorKey string) string {
	return positionPrefix + strconv.FormatInt(documentId, 10) + ":" + actorKey
}

func ViewsKey(documentId int64, day time.Time) string {
	return viewsPrefix + strconv.FormatInt(documentId, 10) + ":" + day.UTC().Format("20060102")
}
