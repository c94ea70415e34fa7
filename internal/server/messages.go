package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/npezzotti/chatcore/internal/chat"
	"github.com/npezzotti/chatcore/internal/types"
)

// Inbound frame types.
const (
	TypeUserOnline = "user_online"
	TypeJoinRoom   = "join_room"
	TypeLeaveRoom  = "leave_room"
	TypeTyping     = "typing"
	TypePing       = "ping"
)

// Outbound frame types.
const (
	TypeConnectionAck   = "connection_ack"
	TypePong            = "pong"
	TypeMessageCreated  = "message_created"
	TypeMessageEdited   = "message_edited"
	TypeMessageDeleted  = "message_deleted"
	TypePresenceChanged = "presence_changed"
	TypeRoomDeleted     = "room_deleted"
	TypeMemberRemoved   = "member_removed"
	TypeError           = "error"
)

// Error frame codes.
const (
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeProcessingError    = "MESSAGE_PROCESSING_ERROR"
	CodeNotIdentified      = "NOT_IDENTIFIED"
	CodeValidation         = "VALIDATION_ERROR"
	CodeAuthorization      = "AUTHORIZATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeInvariant          = "INVARIANT_VIOLATION"
)

// Envelope is the outbound frame. Data holds the JSON encoded payload.
type Envelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// inboundEnvelope accepts data either as a JSON string holding the payload
// or as the payload itself.
type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Inbound is one decoded client frame.
type Inbound interface {
	frameType() string
}

type UserOnline struct {
	UserId string `json:"userId"`
}

type JoinRoom struct {
	RoomId string `json:"roomId"`
}

type LeaveRoom struct {
	RoomId string `json:"roomId"`
}

type Typing struct {
	RoomId   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type Ping struct{}

// Unknown carries a frame whose type is not recognized.
type Unknown struct {
	Type string
}

func (UserOnline) frameType() string { return TypeUserOnline }
func (JoinRoom) frameType() string   { return TypeJoinRoom }
func (LeaveRoom) frameType() string  { return TypeLeaveRoom }
func (Typing) frameType() string     { return TypeTyping }
func (Ping) frameType() string       { return TypePing }
func (u Unknown) frameType() string  { return u.Type }

var errEmptyPayload = errors.New("empty payload")

// DecodeInbound parses a raw frame. An unrecognized type is not an error; it
// decodes to Unknown so the caller can answer it.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	data, err := unwrapData(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s data: %w", env.Type, err)
	}

	switch env.Type {
	case TypeUserOnline:
		userId, err := decodeUserId(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s data: %w", env.Type, err)
		}
		return UserOnline{UserId: userId}, nil
	case TypeJoinRoom:
		var m JoinRoom
		if err := decodePayload(env.Type, data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeLeaveRoom:
		var m LeaveRoom
		if err := decodePayload(env.Type, data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeTyping:
		var m Typing
		if err := decodePayload(env.Type, data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypePing:
		return Ping{}, nil
	default:
		return Unknown{Type: env.Type}, nil
	}
}

func decodePayload(typ string, data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("decode %s data: %w", typ, errEmptyPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", typ, err)
	}
	return nil
}

// unwrapData returns the payload bytes. A JSON string is unquoted, anything
// else is returned as is.
func unwrapData(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '"' {
		return raw, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return []byte(strings.TrimSpace(s)), nil
}

// decodeUserId accepts a JSON string, a bare string or {"userId": "..."}.
func decodeUserId(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errEmptyPayload
	}

	var userId string
	switch data[0] {
	case '"':
		if err := json.Unmarshal(data, &userId); err != nil {
			return "", err
		}
	case '{':
		var m UserOnline
		if err := json.Unmarshal(data, &m); err != nil {
			return "", err
		}
		userId = m.UserId
	default:
		userId = string(data)
	}

	userId = strings.TrimSpace(userId)
	if userId == "" {
		return "", errEmptyPayload
	}
	return userId, nil
}

type ConnectionAck struct {
	ConnectionId string `json:"connectionId"`
}

type PresenceChanged struct {
	UserId string `json:"userId"`
	RoomId string `json:"roomId"`
	Online bool   `json:"online"`
}

type TypingNotice struct {
	RoomId   string `json:"roomId"`
	UserId   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type RoomDeleted struct {
	RoomId string `json:"roomId"`
}

type MemberRemoved struct {
	RoomId string `json:"roomId"`
	UserId string `json:"userId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeFrame marshals payload into an envelope of the given type and
// returns the bytes ready to be written to a connection.
func EncodeFrame(typ string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Data: string(data)})
}

// mustEncode is used for payloads made only of strings and bools, which
// cannot fail to marshal.
func mustEncode(typ string, payload any) []byte {
	b, err := EncodeFrame(typ, payload)
	if err != nil {
		panic(err)
	}
	return b
}

func AckFrame(connectionId string) []byte {
	return mustEncode(TypeConnectionAck, ConnectionAck{ConnectionId: connectionId})
}

func PongFrame() []byte {
	return mustEncode(TypePong, struct{}{})
}

func ErrFrame(code, message string) []byte {
	return mustEncode(TypeError, ErrorPayload{Code: code, Message: message})
}

func PresenceFrame(userId, roomId string, online bool) []byte {
	return mustEncode(TypePresenceChanged, PresenceChanged{UserId: userId, RoomId: roomId, Online: online})
}

func TypingFrame(roomId, userId string, isTyping bool) []byte {
	return mustEncode(TypeTyping, TypingNotice{RoomId: roomId, UserId: userId, IsTyping: isTyping})
}

func MessageFrame(typ string, msg types.Message) ([]byte, error) {
	return EncodeFrame(typ, msg)
}

// ErrFrameFor maps a chat error to an error frame.
func ErrFrameFor(err error) []byte {
	switch chat.KindOf(err) {
	case chat.KindValidation:
		return ErrFrame(CodeValidation, err.Error())
	case chat.KindAuthorization:
		return ErrFrame(CodeAuthorization, err.Error())
	case chat.KindNotFound:
		return ErrFrame(CodeNotFound, err.Error())
	case chat.KindInvariant:
		return ErrFrame(CodeInvariant, err.Error())
	default:
		return ErrFrame(CodeProcessingError, "failed to process message")
	}
}
