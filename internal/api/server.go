package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/chatcore/internal/chat"
	"github.com/npezzotti/chatcore/internal/config"
	"github.com/npezzotti/chatcore/internal/server"
	"go.uber.org/zap"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping() error
}

type Server struct {
	log            *zap.Logger
	svc            *chat.Service
	cs             *server.ChatServer
	db             Pinger
	signingKey     []byte
	allowedOrigins []string
	srv            *http.Server
}

func NewServer(mux *http.ServeMux, logger *zap.Logger, svc *chat.Service, cs *server.ChatServer, db Pinger, cfg *config.Config) *Server {
	s := &Server{
		log:            logger,
		svc:            svc,
		cs:             cs,
		db:             db,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthz)

	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("GET /api/rooms", s.authMiddleware(s.listRooms))
	mux.Handle("GET /api/rooms/{roomId}", s.authMiddleware(s.getRoom))
	mux.Handle("PATCH /api/rooms/{roomId}", s.authMiddleware(s.updateRoom))
	mux.Handle("DELETE /api/rooms/{roomId}", s.authMiddleware(s.deleteRoom))

	mux.Handle("GET /api/rooms/{roomId}/members", s.authMiddleware(s.listMembers))
	mux.Handle("POST /api/rooms/{roomId}/members", s.authMiddleware(s.addMembers))
	mux.Handle("PATCH /api/rooms/{roomId}/members/{userId}", s.authMiddleware(s.updateMemberRole))
	mux.Handle("DELETE /api/rooms/{roomId}/members/{userId}", s.authMiddleware(s.removeMember))

	mux.Handle("POST /api/rooms/{roomId}/messages", s.authMiddleware(s.sendMessage))
	mux.Handle("GET /api/rooms/{roomId}/messages", s.authMiddleware(s.getMessages))
	mux.Handle("POST /api/rooms/{roomId}/read", s.authMiddleware(s.markRead))
	mux.Handle("PATCH /api/messages/{messageId}", s.authMiddleware(s.editMessage))
	mux.Handle("DELETE /api/messages/{messageId}", s.authMiddleware(s.deleteMessage))

	mux.Handle("GET /api/users/{userId}/presence", s.authMiddleware(s.getPresence))

	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization", userIdHeader}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	h = s.accessLog(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Start() error {
	s.log.Info("starting server", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
