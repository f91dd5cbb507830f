package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type RoomKind string

const (
	RoomClass      RoomKind = "class"
	RoomDocument   RoomKind = "document"
	RoomChat       RoomKind = "chat"
	RoomWhiteboard RoomKind = "whiteboard"
)

var ErrInvalidRoomId = errors.New("invalid room id")

type RoomId struct {
	Kind RoomKind
	Id   string
}

// ParseRoomId parses a namespaced room id such as "class:42". Class,
// document and chat rooms must carry a positive numeric id, which is
// rewritten in canonical form so "class:042" and "class:42" name one room.
func ParseRoomId(s string) (RoomId, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return RoomId{}, fmt.Errorf("%w: %q", ErrInvalidRoomId, s)
	}

	r := RoomId{Kind: RoomKind(kind), Id: id}
	switch r.Kind {
	case RoomClass, RoomDocument, RoomChat:
		n, err := r.IntId()
		if err != nil {
			return RoomId{}, fmt.Errorf("%w: %q", ErrInvalidRoomId, s)
		}
		r.Id = strconv.FormatInt(n, 10)
	case RoomWhiteboard:
	default:
		return RoomId{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRoomId, kind)
	}

	return r, nil
}

func (r RoomId) String() string {
	return string(r.Kind) + ":" + r.Id
}

func (r RoomId) IntId() (int64, error) {
	n, err := strconv.ParseInt(r.Id, 10, 64)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("non-positive id %d", n)
	}
	return n, nil
}

func ClassRoom(classId int64) string {
	return string(RoomClass) + ":" + strconv.FormatInt(classId, 10)
}

func DocumentRoom(documentId int64) string {
	return string(RoomDocument) + ":" + strconv.FormatInt(documentId, 10)
}
