package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/npezzotti/go-erd/internal/persist"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) CreateAccount(ctx context.Context, accountParams CreateAccountParams) (User, error) {
	args := m.Called(ctx, accountParams)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetAccountById(ctx context.Context, userId int) (User, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	args := m.Called(ctx, externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) ListRooms(ctx context.Context, accountId int) ([]Room, error) {
	args := m.Called(ctx, accountId)
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockRepository) DeleteRoom(ctx context.Context, id int) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockRepository) AddParticipant(ctx context.Context, roomId, accountId int, role string) (Participant, error) {
	args := m.Called(ctx, roomId, accountId, role)
	return args.Get(0).(Participant), args.Error(1)
}
func (m *MockRepository) GetParticipant(ctx context.Context, roomId, accountId int) (Participant, error) {
	args := m.Called(ctx, roomId, accountId)
	return args.Get(0).(Participant), args.Error(1)
}
func (m *MockRepository) ListParticipants(ctx context.Context, roomId int) ([]Participant, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).([]Participant), args.Error(1)
}
func (m *MockRepository) GetRoom(ctx context.Context, id string) (persist.RoomRow, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(persist.RoomRow), args.Error(1)
}
func (m *MockRepository) UpdateDiagram(ctx context.Context, id string, raw json.RawMessage, updatedAt time.Time) error {
	args := m.Called(ctx, id, raw, updatedAt)
	return args.Error(0)
}
func (m *MockRepository) SubscribeChanges(ctx context.Context, table, filter string, cb func(persist.RoomRow)) (persist.Subscription, error) {
	args := m.Called(ctx, table, filter, cb)
	if sub, ok := args.Get(0).(persist.Subscription); ok {
		return sub, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) WatchRooms(ctx context.Context, fn func(RoomEvent)) (persist.Subscription, error) {
	args := m.Called(ctx, fn)
	if sub, ok := args.Get(0).(persist.Subscription); ok {
		return sub, args.Error(1)
	}
	return nil, args.Error(1)
}
