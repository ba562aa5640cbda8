package persist

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockDocumentStore struct {
	mock.Mock
}

func (m *MockDocumentStore) GetRoom(ctx context.Context, id string) (RoomRow, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(RoomRow), args.Error(1)
}

func (m *MockDocumentStore) UpdateDiagram(ctx context.Context, id string, raw json.RawMessage, updatedAt time.Time) error {
	args := m.Called(ctx, id, raw, updatedAt)
	return args.Error(0)
}

func (m *MockDocumentStore) SubscribeChanges(ctx context.Context, table, filter string, cb func(RoomRow)) (Subscription, error) {
	args := m.Called(ctx, table, filter, cb)
	if sub, ok := args.Get(0).(Subscription); ok {
		return sub, args.Error(1)
	}
	return nil, args.Error(1)
}
