package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	addParticipantQuery = "INSERT INTO room_participants (room_id, account_id, role, created_at) VALUES ($1, $2, $3, $4) " +
		"ON CONFLICT (room_id, account_id) DO UPDATE SET role = room_participants.role " +
		"RETURNING id, room_id, account_id, role, created_at"
	roomColumns = "r.id, r.external_id, r.name, r.description, r.host_id, r.is_public, r.diagram_data, r.created_at, r.updated_at"
)

// mapError translates constraint violations into repository errors.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, pqErr.Constraint)
	}
	return err
}

func (db *PgRepository) CreateAccount(ctx context.Context, accountParams CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, username, email, created_at, updated_at",
		accountParams.Username,
		accountParams.EmailAddress,
		accountParams.PasswordHash,
		now,
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, mapError(err)
}

func (db *PgRepository) GetAccountById(ctx context.Context, id int) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *PgRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)
	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func scanRoom(row interface{ Scan(...any) error }, room *Room, extra ...any) error {
	dest := append([]any{
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.Description,
		&room.HostId,
		&room.IsPublic,
		&room.DiagramData,
		&room.CreatedAt,
		&room.UpdatedAt,
	}, extra...)
	return row.Scan(dest...)
}

// CreateRoom inserts the room with an empty diagram and makes its host a
// participant.
func (db *PgRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (room Room, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	res := tx.QueryRowContext(ctx,
		"INSERT INTO rooms AS r (name, external_id, description, host_id, is_public, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING "+roomColumns,
		params.Name,
		params.ExternalId,
		params.Description,
		params.HostId,
		params.IsPublic,
		now,
	)
	if err = scanRoom(res, &room); err != nil {
		return Room{}, mapError(err)
	}

	var host Participant
	err = tx.QueryRowContext(ctx, addParticipantQuery, room.Id, params.HostId, "host", now).
		Scan(&host.Id, &host.RoomId, &host.AccountId, &host.Role, &host.CreatedAt)
	if err != nil {
		return Room{}, err
	}

	if err = tx.Commit(); err != nil {
		return Room{}, err
	}

	room.Participants = []Participant{host}
	room.Role = host.Role
	return room, nil
}

// GetRoomByExternalId returns the room with its participants.
func (db *PgRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	query := `
		SELECT ` + roomColumns + `,
				p.id,
				p.account_id,
				a.username,
				p.role,
				p.created_at
		FROM rooms r
		LEFT JOIN room_participants p ON r.id = p.room_id
		LEFT JOIN accounts a ON p.account_id = a.id
		WHERE r.external_id = $1
		ORDER BY p.id;
`

	rows, err := db.conn.QueryContext(ctx, query, externalId)
	if err != nil {
		return Room{}, fmt.Errorf("fetch room with participants: %w", err)
	}
	defer rows.Close()

	var room *Room
	for rows.Next() {
		var (
			r             Room
			participantId sql.NullInt64
			accountId     sql.NullInt64
			username      sql.NullString
			role          sql.NullString
			joinedAt      sql.NullTime
		)

		if err := scanRoom(rows, &r, &participantId, &accountId, &username, &role, &joinedAt); err != nil {
			return Room{}, fmt.Errorf("scan row: %w", err)
		}

		if room == nil {
			r.Participants = make([]Participant, 0)
			room = &r
		}

		if accountId.Valid {
			room.Participants = append(room.Participants, Participant{
				Id:        int(participantId.Int64),
				RoomId:    room.Id,
				AccountId: int(accountId.Int64),
				Username:  username.String,
				Role:      role.String,
				CreatedAt: joinedAt.Time,
			})
		}
	}

	if err := rows.Err(); err != nil {
		return Room{}, fmt.Errorf("rows error: %w", err)
	}

	if room == nil {
		return Room{}, sql.ErrNoRows
	}

	return *room, nil
}

// ListRooms returns the rooms accountId participates in and every public
// room, most recently updated first.
func (db *PgRepository) ListRooms(ctx context.Context, accountId int) ([]Room, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+roomColumns+", COALESCE(p.role, '') FROM rooms r "+
			"LEFT JOIN room_participants p ON p.room_id = r.id AND p.account_id = $1 "+
			"WHERE p.account_id IS NOT NULL OR r.is_public ORDER BY r.updated_at DESC",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		var room Room
		if err := scanRoom(rows, &room, &room.Role); err != nil {
			return nil, err
		}

		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (db *PgRepository) DeleteRoom(ctx context.Context, id int) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM rooms WHERE id = $1", id)
	return err
}

// AddParticipant adds accountId to the room. An existing participant keeps
// its role.
func (db *PgRepository) AddParticipant(ctx context.Context, roomId, accountId int, role string) (Participant, error) {
	var p Participant
	err := db.conn.QueryRowContext(ctx, addParticipantQuery, roomId, accountId, role, time.Now().UTC()).
		Scan(&p.Id, &p.RoomId, &p.AccountId, &p.Role, &p.CreatedAt)

	return p, err
}

func (db *PgRepository) GetParticipant(ctx context.Context, roomId, accountId int) (Participant, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT p.id, p.room_id, p.account_id, a.username, p.role, p.created_at FROM room_participants p "+
			"JOIN accounts a ON a.id = p.account_id WHERE p.room_id = $1 AND p.account_id = $2",
		roomId,
		accountId,
	)

	var p Participant
	err := row.Scan(&p.Id, &p.RoomId, &p.AccountId, &p.Username, &p.Role, &p.CreatedAt)

	return p, err
}

func (db *PgRepository) ListParticipants(ctx context.Context, roomId int) ([]Participant, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT p.id, p.room_id, p.account_id, a.username, p.role, p.created_at FROM room_participants p "+
			"JOIN accounts a ON a.id = p.account_id WHERE p.room_id = $1 ORDER BY p.id",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants = make([]Participant, 0)
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.Id, &p.RoomId, &p.AccountId, &p.Username, &p.Role, &p.CreatedAt); err != nil {
			return nil, err
		}

		participants = append(participants, p)
	}

	return participants, rows.Err()
}
