package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/chatcore/internal/chat"
	"github.com/npezzotti/chatcore/internal/types"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type MarkReadResponse struct {
	LastReadMessageId int64 `json:"last_read_message_id"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	errResp := errorFor(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *Server) decodeJson(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		errResp := NewBadRequestError()
		errResp.Message = "invalid request body"
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}
	return true
}

// requester returns the identity set by authMiddleware.
func requester(r *http.Request) string {
	userId, _ := UserId(r.Context())
	return userId
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, chat.ValidationError("%s must be an integer", key)
	}
	return n, nil
}

func messageId(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("messageId"), 10, 64)
	if err != nil || id < 1 {
		return 0, chat.ValidationError("invalid message id")
	}
	return id, nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Warn("store ping failed", zap.Error(err))
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req chat.CreateRoomRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	room, err := s.svc.CreateChatRoom(r.Context(), req, requester(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, room)
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.svc.ListUserRooms(r.Context(), requester(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if rooms == nil {
		rooms = []types.Room{}
	}
	s.writeJson(w, http.StatusOK, rooms)
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.svc.GetRoom(r.Context(), r.PathValue("roomId"), requester(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *Server) updateRoom(w http.ResponseWriter, r *http.Request) {
	var req chat.UpdateRoomRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	room, err := s.svc.UpdateRoom(r.Context(), r.PathValue("roomId"), req, requester(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *Server) deleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteRoom(r.Context(), r.PathValue("roomId"), requester(r)); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.svc.ListMembers(r.Context(), r.PathValue("roomId"), requester(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, members)
}

func (s *Server) addMembers(w http.ResponseWriter, r *http.Request) {
	var req chat.AddMembersRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	members, err := s.svc.AddMembersToRoom(r.Context(), r.PathValue("roomId"), req, requester(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, members)
}

func (s *Server) updateMemberRole(w http.ResponseWriter, r *http.Request) {
	var req chat.UpdateMemberRoleRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	member, err := s.svc.UpdateMemberRole(r.Context(), r.PathValue("roomId"), r.PathValue("userId"), req, requester(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, member)
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	err := s.svc.RemoveMemberFromRoom(r.Context(), r.PathValue("roomId"), r.PathValue("userId"), requester(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req chat.SendMessageRequest
	if !s.decodeJson(w, r, &req) {
		return
	}
	req.RoomId = r.PathValue("roomId")

	msg, err := s.svc.SendMessage(r.Context(), req, requester(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	messages, err := s.svc.GetRoomMessages(r.Context(), r.PathValue("roomId"), requester(r), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if messages == nil {
		messages = []types.Message{}
	}
	s.writeJson(w, http.StatusOK, messages)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	last, err := s.svc.MarkMessagesAsRead(r.Context(), r.PathValue("roomId"), requester(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, MarkReadResponse{LastReadMessageId: last})
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	id, err := messageId(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req chat.EditMessageRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	msg, err := s.svc.EditMessage(r.Context(), id, req, requester(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, msg)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := messageId(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	msg, err := s.svc.DeleteMessage(r.Context(), id, requester(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, msg)
}

func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, s.cs.Presence(r.PathValue("userId")))
}

// serveWs upgrades the request. Without a signing key identity is optional
// here: anonymous connections must announce themselves with user_online
// before anything else, while an identity presented at the handshake pins
// the connection to that user. With a signing key every handshake needs a
// valid token.
func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	identity, err := s.extractUserId(r)
	if err != nil && (len(s.signingKey) > 0 || !errors.Is(err, errNoIdentity)) {
		s.log.Info("rejected websocket identity", zap.Error(err))
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading connection", zap.Error(err))
		return
	}

	if _, err := s.cs.Serve(conn, identity); err != nil {
		s.log.Warn("rejected connection", zap.Error(err))
	}
}
