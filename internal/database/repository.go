package database

import (
	"context"
	"errors"

	"github.com/npezzotti/go-erd/internal/persist"
)

// ErrAlreadyExists is returned when a unique constraint rejects a write.
var ErrAlreadyExists = errors.New("already exists")

type Repository interface {
	persist.DocumentStore
	Ping(ctx context.Context) error
	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	GetAccountById(ctx context.Context, accountId int) (User, error)
	GetAccountByEmail(ctx context.Context, email string) (User, error)
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	GetRoomByExternalId(ctx context.Context, externalId string) (Room, error)
	ListRooms(ctx context.Context, accountId int) ([]Room, error)
	DeleteRoom(ctx context.Context, id int) error
	AddParticipant(ctx context.Context, roomId, accountId int, role string) (Participant, error)
	GetParticipant(ctx context.Context, roomId, accountId int) (Participant, error)
	ListParticipants(ctx context.Context, roomId int) ([]Participant, error)
	// WatchRooms calls fn for every diagram update and room deletion.
	WatchRooms(ctx context.Context, fn func(RoomEvent)) (persist.Subscription, error)
}
