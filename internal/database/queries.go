package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/npezzotti/chatcore/internal/types"
)

const (
	roomColumns    = "id, name, kind, created_by, created_at, updated_at"
	memberColumns  = "room_id, user_id, role, joined_at, last_read_message_id"
	messageColumns = "id, room_id, sender_id, body, created_at, edited_at, deleted_at"

	insertMemberQuery = "INSERT INTO members (" + memberColumns + ") VALUES ($1, $2, $3, $4, $5) " +
		"ON CONFLICT (room_id, user_id) DO NOTHING"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (types.Room, error) {
	var (
		room types.Room
		kind string
	)
	err := row.Scan(
		&room.Id,
		&room.Name,
		&kind,
		&room.CreatedBy,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	room.Kind = types.RoomKind(kind)
	return room, err
}

func scanMember(row scanner) (types.Member, error) {
	var (
		m    types.Member
		role string
	)
	err := row.Scan(
		&m.RoomId,
		&m.UserId,
		&role,
		&m.JoinedAt,
		&m.LastReadMessageId,
	)
	m.Role = types.Role(role)
	return m, err
}

func scanMessage(row scanner) (types.Message, error) {
	var (
		msg       types.Message
		editedAt  sql.NullTime
		deletedAt sql.NullTime
	)
	err := row.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.SenderId,
		&msg.Body,
		&msg.CreatedAt,
		&editedAt,
		&deletedAt,
	)
	if editedAt.Valid {
		msg.EditedAt = &editedAt.Time
	}
	if deletedAt.Valid {
		msg.DeletedAt = &deletedAt.Time
	}
	return msg, err
}

func (db *PgChatRepository) CreateRoom(ctx context.Context, room types.Room, members []types.Member) (types.Room, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRowContext(ctx,
		"INSERT INTO rooms ("+roomColumns+") VALUES ($1, $2, $3, $4, $5, $6) RETURNING "+roomColumns,
		room.Id,
		room.Name,
		string(room.Kind),
		room.CreatedBy,
		room.CreatedAt,
		room.UpdatedAt,
	)

	created, err := scanRoom(res)
	if err != nil {
		return types.Room{}, fmt.Errorf("insert room: %w", err)
	}

	for _, m := range members {
		if _, err = insertMember(ctx, tx, m); err != nil {
			return types.Room{}, fmt.Errorf("insert member: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return types.Room{}, err
	}

	return created, nil
}

func (db *PgChatRepository) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE id = $1 LIMIT 1",
		roomId,
	)

	room, err := scanRoom(row)
	return room, notFound(err)
}

func (db *PgChatRepository) UpdateRoom(ctx context.Context, roomId, name string, updatedAt time.Time) (types.Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE rooms SET name = $2, updated_at = $3 WHERE id = $1 RETURNING "+roomColumns,
		roomId,
		name,
		updatedAt,
	)

	room, err := scanRoom(row)
	return room, notFound(err)
}

func (db *PgChatRepository) DeleteRoom(ctx context.Context, roomId string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, "DELETE FROM members WHERE room_id = $1", roomId)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE room_id = $1", roomId)
	if err != nil {
		return err
	}

	var res sql.Result
	res, err = tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = $1", roomId)
	if err != nil {
		return err
	}

	var n int64
	if n, err = res.RowsAffected(); err != nil {
		return err
	}
	if n == 0 {
		err = ErrNotFound
		return err
	}

	return tx.Commit()
}

func (db *PgChatRepository) ListRoomsForUser(ctx context.Context, userId string) ([]types.Room, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT r.id, r.name, r.kind, r.created_by, r.created_at, r.updated_at FROM rooms r "+
			"JOIN members m ON m.room_id = r.id WHERE m.user_id = $1 ORDER BY r.updated_at DESC, r.id",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]types.Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PgChatRepository) GetMember(ctx context.Context, roomId, userId string) (types.Member, error) {
	return getMember(ctx, db.conn, roomId, userId)
}

func (db *PgChatRepository) ListMembers(ctx context.Context, roomId string) ([]types.Member, error) {
	return listMembers(ctx, db.conn, roomId)
}

func (db *PgChatRepository) WithRoomLock(ctx context.Context, roomId string, fn func(tx MemberTx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var id string
	err = tx.QueryRowContext(ctx, "SELECT id FROM rooms WHERE id = $1 FOR UPDATE", roomId).Scan(&id)
	if err != nil {
		err = notFound(err)
		return err
	}

	if err = fn(&pgMemberTx{q: tx}); err != nil {
		return err
	}

	err = tx.Commit()
	return err
}

type pgMemberTx struct {
	q querier
}

func (t *pgMemberTx) GetMember(ctx context.Context, roomId, userId string) (types.Member, error) {
	return getMember(ctx, t.q, roomId, userId)
}

func (t *pgMemberTx) ListMembers(ctx context.Context, roomId string) ([]types.Member, error) {
	return listMembers(ctx, t.q, roomId)
}

func (t *pgMemberTx) AddMember(ctx context.Context, m types.Member) (bool, error) {
	return insertMember(ctx, t.q, m)
}

func (t *pgMemberTx) UpdateMemberRole(ctx context.Context, roomId, userId string, role types.Role) error {
	res, err := t.q.ExecContext(ctx,
		"UPDATE members SET role = $3 WHERE room_id = $1 AND user_id = $2",
		roomId,
		userId,
		string(role),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (t *pgMemberTx) RemoveMember(ctx context.Context, roomId, userId string) error {
	res, err := t.q.ExecContext(ctx,
		"DELETE FROM members WHERE room_id = $1 AND user_id = $2",
		roomId,
		userId,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func getMember(ctx context.Context, q querier, roomId, userId string) (types.Member, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+memberColumns+" FROM members WHERE room_id = $1 AND user_id = $2 LIMIT 1",
		roomId,
		userId,
	)

	m, err := scanMember(row)
	return m, notFound(err)
}

func listMembers(ctx context.Context, q querier, roomId string) ([]types.Member, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+memberColumns+" FROM members WHERE room_id = $1 ORDER BY joined_at, user_id",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]types.Member, 0)
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}

	return members, rows.Err()
}

func insertMember(ctx context.Context, q querier, m types.Member) (bool, error) {
	res, err := q.ExecContext(ctx,
		insertMemberQuery,
		m.RoomId,
		m.UserId,
		string(m.Role),
		m.JoinedAt,
		m.LastReadMessageId,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages (room_id, sender_id, body, created_at) VALUES ($1, $2, $3, $4) RETURNING "+messageColumns,
		msg.RoomId,
		msg.SenderId,
		msg.Body,
		msg.CreatedAt,
	)

	return scanMessage(row)
}

func (db *PgChatRepository) GetMessage(ctx context.Context, id int64) (types.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1 LIMIT 1",
		id,
	)

	msg, err := scanMessage(row)
	return msg, notFound(err)
}

func (db *PgChatRepository) EditMessage(ctx context.Context, id int64, body string, editedAt time.Time) (types.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE messages SET body = $2, edited_at = $3 WHERE id = $1 AND deleted_at IS NULL RETURNING "+messageColumns,
		id,
		body,
		editedAt,
	)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		// distinguish a missing message from a deleted one
		if _, getErr := db.GetMessage(ctx, id); getErr != nil {
			return types.Message{}, getErr
		}
		return types.Message{}, ErrMessageDeleted
	}

	return msg, err
}

func (db *PgChatRepository) SoftDeleteMessage(ctx context.Context, id int64, deletedAt time.Time) (types.Message, bool, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE messages SET body = '', deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL RETURNING "+messageColumns,
		id,
		deletedAt,
	)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		existing, getErr := db.GetMessage(ctx, id)
		return existing, false, getErr
	}
	if err != nil {
		return types.Message{}, false, err
	}

	return msg, true, nil
}

func (db *PgChatRepository) ListMessages(ctx context.Context, roomId string, limit, offset int) ([]types.Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE room_id = $1 "+
			"ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3",
		roomId,
		limit,
		offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]types.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgChatRepository) LatestMessageId(ctx context.Context, roomId string) (int64, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx,
		"SELECT id FROM messages WHERE room_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1",
		roomId,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}

	return id, err
}

func (db *PgChatRepository) UpdateLastRead(ctx context.Context, roomId, userId string, messageId int64) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE members SET last_read_message_id = GREATEST(last_read_message_id, $3) "+
			"WHERE room_id = $1 AND user_id = $2",
		roomId,
		userId,
		messageId,
	)
	if err != nil {
		return err
	}

	return requireRow(res)
}
