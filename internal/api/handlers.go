package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/npezzotti/classroom-relay/internal/notify"
	"github.com/npezzotti/classroom-relay/internal/server"
	"github.com/npezzotti/classroom-relay/internal/types"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

const healthTimeout = 2 * time.Second

type CreateNotificationRequest struct {
	MemberId int64           `json:"member_id" validate:"required,gt=0"`
	Type     string          `json:"type" validate:"required,max=64"`
	Title    string          `json:"title" validate:"required,max=255"`
	Message  string          `json:"message" validate:"max=4000"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type CreateBulkNotificationsRequest struct {
	MemberIds []int64         `json:"member_ids" validate:"required,min=1,max=1000,dive,gt=0"`
	Type      string          `json:"type" validate:"required,max=64"`
	Title     string          `json:"title" validate:"required,max=255"`
	Message   string          `json:"message" validate:"max=4000"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type PresenceResponse struct {
	MemberId int64                 `json:"member_id"`
	Online   bool                  `json:"online"`
	Presence *types.PresenceRecord `json:"presence,omitempty"`
}

func (s *RelayApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := jsonAPI.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *RelayApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error().Err(errResp).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// decode reads a JSON body into v and validates it.
func (s *RelayApp) decode(r *http.Request, v any) *ApiError {
	if err := jsonAPI.NewDecoder(r.Body).Decode(v); err != nil {
		e := NewBadRequestError()
		e.Reason = "malformed request body"
		e.Err = err
		return e
	}

	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return NewValidationError(verrs[0].Field() + " failed " + verrs[0].Tag() + " validation")
		}
		return NewValidationError(err.Error())
	}

	return nil
}

func identity(r *http.Request) types.Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

func notifyError(err error) *ApiError {
	switch {
	case errors.Is(err, notify.ErrNotFound):
		return NewNotFoundError()
	case errors.Is(err, notify.ErrForbidden):
		return NewForbiddenError()
	case errors.Is(err, notify.ErrNoRecipients):
		return NewValidationError(err.Error())
	default:
		return NewInternalServerError(err)
	}
}

func (s *RelayApp) createNotification(w http.ResponseWriter, r *http.Request) {
	var req CreateNotificationRequest
	if errResp := s.decode(r, &req); errResp != nil {
		s.writeError(w, errResp)
		return
	}

	n, err := s.notifier.Notify(r.Context(), req.MemberId, notify.Content{
		Type:    req.Type,
		Title:   req.Title,
		Message: req.Message,
		Payload: req.Payload,
	})
	if err != nil {
		s.writeError(w, notifyError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, n)
}

func (s *RelayApp) createBulkNotifications(w http.ResponseWriter, r *http.Request) {
	var req CreateBulkNotificationsRequest
	if errResp := s.decode(r, &req); errResp != nil {
		s.writeError(w, errResp)
		return
	}

	ns, err := s.notifier.NotifyBulk(r.Context(), req.MemberIds, notify.Content{
		Type:    req.Type,
		Title:   req.Title,
		Message: req.Message,
		Payload: req.Payload,
	})
	if err != nil {
		s.writeError(w, notifyError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, map[string]any{
		"count":         len(ns),
		"notifications": ns,
	})
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *RelayApp) listNotifications(w http.ResponseWriter, r *http.Request) {
	page, ok := queryInt(r, "page")
	if !ok {
		s.writeError(w, NewValidationError("invalid page"))
		return
	}
	pageSize, ok := queryInt(r, "page_size")
	if !ok {
		s.writeError(w, NewValidationError("invalid page_size"))
		return
	}

	p, err := s.notifier.List(r.Context(), identity(r).MemberId, page, pageSize)
	if err != nil {
		s.writeError(w, notifyError(err))
		return
	}

	s.writeJson(w, http.StatusOK, p)
}

func (s *RelayApp) unreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.notifier.UnreadCount(r.Context(), identity(r).MemberId)
	if err != nil {
		s.writeError(w, notifyError(err))
		return
	}

	s.writeJson(w, http.StatusOK, map[string]int{"count": n})
}

func (s *RelayApp) markRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.notifier.MarkRead(r.Context(), r.PathValue("id"), identity(r).MemberId)
	if err != nil {
		s.writeError(w, notifyError(err))
		return
	}

	s.writeJson(w, http.StatusOK, n)
}

func (s *RelayApp) markAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.notifier.MarkAllRead(r.Context(), identity(r).MemberId)
	if err != nil {
		s.writeError(w, notifyError(err))
		return
	}

	s.writeJson(w, http.StatusOK, map[string]int64{"updated": n})
}

func (s *RelayApp) listPresence(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, s.hub.ListOnline(r.Context()))
}

func (s *RelayApp) getPresence(w http.ResponseWriter, r *http.Request) {
	memberId, err := strconv.ParseInt(r.PathValue("memberId"), 10, 64)
	if err != nil || memberId <= 0 {
		s.writeError(w, NewValidationError("invalid member id"))
		return
	}

	resp := PresenceResponse{MemberId: memberId}
	if rec, ok := s.hub.LookupPresence(r.Context(), memberId); ok {
		resp.Online = true
		resp.Presence = &rec
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *RelayApp) roomMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.hub.RoomMembers(r.Context(), identity(r), r.URL.Query().Get("room_id"))
	switch {
	case errors.Is(err, types.ErrInvalidRoomId):
		s.writeError(w, NewValidationError("invalid room id"))
		return
	case errors.Is(err, server.ErrAuthorizationDenied):
		s.writeError(w, NewForbiddenError())
		return
	case err != nil:
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, members)
}

// healthz checks the durable store and the shared ephemeral store.
func (s *RelayApp) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := map[string]string{"database": "ok", "store": "ok"}
	healthy := true
	if err := s.db.Ping(ctx); err != nil {
		s.log.Warn().Err(err).Msg("database health check failed")
		status["database"] = "unavailable"
		healthy = false
	}
	if err := s.hub.Ping(ctx); err != nil {
		s.log.Warn().Err(err).Msg("store health check failed")
		status["store"] = "unavailable"
		healthy = false
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJson(w, code, status)
}
