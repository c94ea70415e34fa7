package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/chatcore/internal/chat"
	"github.com/npezzotti/chatcore/internal/config"
	"github.com/npezzotti/chatcore/internal/database"
	"github.com/npezzotti/chatcore/internal/server"
	"github.com/npezzotti/chatcore/internal/stats"
	"github.com/npezzotti/chatcore/internal/testutil"
	"github.com/npezzotti/chatcore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPinger struct {
	err error
}

func (p stubPinger) Ping() error { return p.err }

type testApp struct {
	s    *Server
	svc  *chat.Service
	cs   *server.ChatServer
	h    http.Handler
	repo *database.MemoryChatRepository
}

func newTestApp(t *testing.T, cfg *config.Config, db Pinger) *testApp {
	t.Helper()
	logger := testutil.TestLogger(t)
	repo := database.NewMemoryChatRepository()
	svc := chat.NewService(repo, repo, logger)

	cs, err := server.NewChatServer(logger, svc, nil, stats.NewPermissiveMock(), server.Options{})
	require.NoError(t, err)
	svc.AddSink(cs)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})

	if cfg == nil {
		cfg = &config.Config{ServerAddr: "localhost:0"}
	}
	if db == nil {
		db = repo
	}

	s := NewServer(http.NewServeMux(), logger, svc, cs, db, cfg)
	return &testApp{s: s, svc: svc, cs: cs, h: s.Handler(), repo: repo}
}

func (a *testApp) do(t *testing.T, method, path, userId string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userId != "" {
		req.Header.Set(userIdHeader, userId)
	}

	rr := httptest.NewRecorder()
	a.h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "expected JSON body, got %q", rr.Body.String())
	return v
}

func (a *testApp) createGroup(t *testing.T, owner string, members ...string) types.Room {
	t.Helper()
	rr := a.do(t, http.MethodPost, "/api/rooms", owner, chat.CreateRoomRequest{Name: "general", MemberIds: members})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[types.Room](t, rr)
}

func Test_healthz(t *testing.T) {
	app := newTestApp(t, nil, nil)
	rr := app.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decodeBody[HealthResponse](t, rr).Status)

	app = newTestApp(t, nil, stubPinger{err: errors.New("connection refused")})
	rr = app.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "service unavailable", decodeBody[ApiError](t, rr).Message)
}

func Test_requiresIdentity(t *testing.T) {
	app := newTestApp(t, nil, nil)

	for _, path := range []string{"/api/rooms", "/api/rooms/r1", "/api/rooms/r1/messages", "/api/users/alice/presence"} {
		rr := app.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected 401 for %s", path)
	}
}

func Test_rooms(t *testing.T) {
	app := newTestApp(t, nil, nil)
	room := app.createGroup(t, "alice", "bob")
	assert.Equal(t, "general", room.Name)
	assert.Equal(t, types.RoomKindGroup, room.Kind)
	assert.Equal(t, "alice", room.CreatedBy)

	tcases := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		status int
	}{
		{"get as member", http.MethodGet, "/api/rooms/" + room.Id, "bob", nil, http.StatusOK},
		{"get as stranger", http.MethodGet, "/api/rooms/" + room.Id, "mallory", nil, http.StatusForbidden},
		{"get missing room", http.MethodGet, "/api/rooms/missing", "alice", nil, http.StatusNotFound},
		{"group without name", http.MethodPost, "/api/rooms", "alice", chat.CreateRoomRequest{}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/rooms", "alice", "{", http.StatusBadRequest},
		{"rename as member", http.MethodPatch, "/api/rooms/" + room.Id, "bob", chat.UpdateRoomRequest{Name: "x"}, http.StatusForbidden},
		{"rename as owner", http.MethodPatch, "/api/rooms/" + room.Id, "alice", chat.UpdateRoomRequest{Name: "renamed"}, http.StatusOK},
		{"delete as member", http.MethodDelete, "/api/rooms/" + room.Id, "bob", nil, http.StatusForbidden},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := app.do(t, tc.method, tc.path, tc.user, tc.body)
			assert.Equal(t, tc.status, rr.Code, "unexpected status, body: %s", rr.Body.String())
		})
	}

	rr := app.do(t, http.MethodGet, "/api/rooms", "bob", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rooms := decodeBody[[]types.Room](t, rr)
	require.Len(t, rooms, 1)
	assert.Equal(t, "renamed", rooms[0].Name)

	rr = app.do(t, http.MethodGet, "/api/rooms", "mallory", nil)
	assert.JSONEq(t, "[]", rr.Body.String(), "expected an empty list rather than null")

	rr = app.do(t, http.MethodDelete, "/api/rooms/"+room.Id, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = app.do(t, http.MethodGet, "/api/rooms/"+room.Id, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func Test_members(t *testing.T) {
	app := newTestApp(t, nil, nil)
	room := app.createGroup(t, "alice")
	base := "/api/rooms/" + room.Id + "/members"

	rr := app.do(t, http.MethodPost, base, "alice", chat.AddMembersRequest{UserIds: []string{"bob", "carol"}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Len(t, decodeBody[[]types.Member](t, rr), 3)

	rr = app.do(t, http.MethodPost, base, "alice", chat.AddMembersRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "expected empty user list to be rejected")

	rr = app.do(t, http.MethodPatch, base+"/bob", "alice", chat.UpdateMemberRoleRequest{Role: types.RoleAdmin})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, types.RoleAdmin, decodeBody[types.Member](t, rr).Role)

	rr = app.do(t, http.MethodPatch, base+"/alice", "alice", chat.UpdateMemberRoleRequest{Role: types.RoleMember})
	assert.Equal(t, http.StatusConflict, rr.Code, "expected the last owner to be kept")
	assert.Contains(t, decodeBody[ApiError](t, rr).Message, "at least one owner")

	rr = app.do(t, http.MethodPatch, base+"/bob", "alice", chat.UpdateMemberRoleRequest{Role: "king"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = app.do(t, http.MethodDelete, base+"/carol", "bob", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code, "expected an admin to remove a member")

	rr = app.do(t, http.MethodDelete, base+"/alice", "bob", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code, "expected an admin not to remove an owner")

	rr = app.do(t, http.MethodGet, base, "bob", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var ids []string
	for _, m := range decodeBody[[]types.Member](t, rr) {
		ids = append(ids, m.UserId)
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, ids)

	rr = app.do(t, http.MethodGet, base, "carol", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code, "expected removed member to lose access")
}

func Test_messages(t *testing.T) {
	app := newTestApp(t, nil, nil)
	room := app.createGroup(t, "alice", "bob")
	base := "/api/rooms/" + room.Id

	var sent []types.Message
	for _, body := range []string{"one", "two", "three"} {
		rr := app.do(t, http.MethodPost, base+"/messages", "alice", map[string]string{"body": body})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		sent = append(sent, decodeBody[types.Message](t, rr))
	}
	assert.Equal(t, room.Id, sent[0].RoomId, "expected room id to come from the path")

	rr := app.do(t, http.MethodPost, base+"/messages", "mallory", map[string]string{"body": "hi"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = app.do(t, http.MethodPost, base+"/messages", "alice", map[string]string{"body": "  "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = app.do(t, http.MethodGet, base+"/messages?limit=2", "bob", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decodeBody[[]types.Message](t, rr)
	require.Len(t, page, 2)
	assert.Equal(t, "three", page[0].Body, "expected newest first")
	assert.Equal(t, "two", page[1].Body)

	rr = app.do(t, http.MethodGet, base+"/messages?limit=2&offset=2", "bob", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page = decodeBody[[]types.Message](t, rr)
	require.Len(t, page, 1)
	assert.Equal(t, "one", page[0].Body)

	rr = app.do(t, http.MethodGet, base+"/messages?limit=ten", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	msgPath := fmt.Sprintf("/api/messages/%d", sent[0].Id)
	rr = app.do(t, http.MethodPatch, msgPath, "bob", chat.EditMessageRequest{Body: "hijack"})
	assert.Equal(t, http.StatusForbidden, rr.Code, "expected only the sender to edit")

	rr = app.do(t, http.MethodPatch, msgPath, "alice", chat.EditMessageRequest{Body: "uno"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	edited := decodeBody[types.Message](t, rr)
	assert.Equal(t, "uno", edited.Body)
	assert.NotNil(t, edited.EditedAt)

	rr = app.do(t, http.MethodDelete, msgPath, "alice", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotNil(t, decodeBody[types.Message](t, rr).DeletedAt)

	rr = app.do(t, http.MethodPatch, msgPath, "alice", chat.EditMessageRequest{Body: "again"})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "expected deleted message to be immutable")

	rr = app.do(t, http.MethodDelete, "/api/messages/abc", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = app.do(t, http.MethodDelete, "/api/messages/999", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = app.do(t, http.MethodPost, base+"/read", "bob", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, sent[2].Id, decodeBody[MarkReadResponse](t, rr).LastReadMessageId)
}

func Test_getPresence(t *testing.T) {
	app := newTestApp(t, nil, nil)
	rr := app.do(t, http.MethodGet, "/api/users/bob/presence", "alice", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	p := decodeBody[types.Presence](t, rr)
	assert.False(t, p.Online)
	assert.Zero(t, p.Connections)
}

func Test_tokenIdentity(t *testing.T) {
	app := newTestApp(t, &config.Config{ServerAddr: "localhost:0", SigningKey: testSigningKey}, nil)

	rr := app.do(t, http.MethodGet, "/api/rooms", "alice", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected header identity to be ignored when tokens are enabled")

	token, err := NewToken("alice", testSigningKey, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	app.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func Test_serveWs_tokenRequired(t *testing.T) {
	app := newTestApp(t, &config.Config{ServerAddr: "localhost:0", SigningKey: testSigningKey}, nil)

	srv := httptest.NewServer(app.h)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	header := http.Header{}
	header.Set(userIdHeader, "alice")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	assert.Error(t, err, "expected anonymous handshake to be refused when tokens are enabled")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, app.cs.Presence("alice").Connections)

	token, err := NewToken("bob", testSigningKey, time.Hour)
	require.NoError(t, err)
	header = http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	readFrame := func() server.Envelope {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var env server.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		return env
	}
	assert.Equal(t, server.TypeConnectionAck, readFrame().Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": server.TypeUserOnline, "data": "alice"}))
	env := readFrame()
	require.Equal(t, server.TypeError, env.Type, "expected a mismatched user_online to be refused")
	assert.Contains(t, env.Data, server.CodeAuthorization)
	assert.False(t, app.cs.Presence("alice").Online)
}

func Test_serveWs(t *testing.T) {
	app := newTestApp(t, &config.Config{ServerAddr: "localhost:0", AllowedOrigins: []string{"http://chat.example"}}, nil)
	room := app.createGroup(t, "alice", "bob")

	srv := httptest.NewServer(app.h)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	header := http.Header{}
	header.Set(userIdHeader, "bob")
	header.Set("Origin", "http://chat.example")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	readFrame := func() server.Envelope {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var env server.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		return env
	}

	assert.Equal(t, server.TypeConnectionAck, readFrame().Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": server.TypeUserOnline, "data": "bob"}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": server.TypeJoinRoom, "data": map[string]string{"roomId": room.Id}}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": server.TypePing}))
	assert.Equal(t, server.TypePong, readFrame().Type)

	rr := app.do(t, http.MethodPost, "/api/rooms/"+room.Id+"/messages", "alice", map[string]string{"body": "hello"})
	require.Equal(t, http.StatusCreated, rr.Code)

	env := readFrame()
	assert.Equal(t, server.TypeMessageCreated, env.Type)
	assert.Contains(t, env.Data, "hello")

	rr = app.do(t, http.MethodGet, "/api/users/bob/presence", "alice", nil)
	assert.True(t, decodeBody[types.Presence](t, rr).Online)

	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	assert.Error(t, err, "expected disallowed origin to be refused")
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}
