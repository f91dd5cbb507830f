package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/classroom-relay/internal/config"
	"github.com/npezzotti/classroom-relay/internal/notify"
	"github.com/npezzotti/classroom-relay/internal/server"
	"github.com/npezzotti/classroom-relay/internal/types"
	"github.com/rs/zerolog"
)

// Admitter authenticates websocket connection requests.
type Admitter interface {
	Admit(r *http.Request) (types.Identity, error)
}

// TokenVerifier resolves member tokens on REST requests.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (types.Identity, error)
}

type Notifier interface {
	Notify(ctx context.Context, memberId int64, c notify.Content) (types.Notification, error)
	NotifyBulk(ctx context.Context, memberIds []int64, c notify.Content) ([]types.Notification, error)
	MarkRead(ctx context.Context, id string, memberId int64) (types.Notification, error)
	MarkAllRead(ctx context.Context, memberId int64) (int64, error)
	UnreadCount(ctx context.Context, memberId int64) (int, error)
	List(ctx context.Context, memberId int64, page, pageSize int) (notify.Page, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type RelayApp struct {
	log            zerolog.Logger
	srv            *http.Server
	hub            *server.Hub
	gate           Admitter
	tokens         TokenVerifier
	notifier       Notifier
	db             Pinger
	validate       *validator.Validate
	allowedOrigins []string
}

func NewRelayApp(mux *http.ServeMux, logger zerolog.Logger, hub *server.Hub, gate Admitter, tokens TokenVerifier, notifier Notifier, db Pinger, cfg *config.Config) *RelayApp {
	s := &RelayApp{
		log:            logger.With().Str("module", "api").Logger(),
		hub:            hub,
		gate:           gate,
		tokens:         tokens,
		notifier:       notifier,
		db:             db,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		allowedOrigins: cfg.AllowedOrigins,
	}

	staff := []types.Role{types.RoleTeacher, types.RoleAdmin}

	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("POST /api/notifications", s.authMiddleware(s.requireRole(s.createNotification, staff...)))
	mux.Handle("POST /api/notifications/bulk", s.authMiddleware(s.requireRole(s.createBulkNotifications, staff...)))
	mux.Handle("GET /api/notifications", s.authMiddleware(s.listNotifications))
	mux.Handle("GET /api/notifications/unread-count", s.authMiddleware(s.unreadCount))
	mux.Handle("POST /api/notifications/{id}/read", s.authMiddleware(s.markRead))
	mux.Handle("POST /api/notifications/read-all", s.authMiddleware(s.markAllRead))
	mux.Handle("GET /api/presence", s.authMiddleware(s.listPresence))
	mux.Handle("GET /api/presence/{memberId}", s.authMiddleware(s.getPresence))
	mux.Handle("GET /api/rooms/members", s.authMiddleware(s.roomMembers))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *RelayApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *RelayApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *RelayApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
