package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-erd/internal/diagram"
)

// MemoryStore is a DocumentStore kept in process. It applies the same
// version guard as the Postgres store and notifies subscribers
// synchronously after each write.
type MemoryStore struct {
	mu     sync.Mutex
	rooms  map[string]RoomRow
	subs   map[int]memorySub
	nextID int
}

type memorySub struct {
	table  string
	filter string
	cb     func(RoomRow)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]RoomRow),
		subs:  make(map[int]memorySub),
	}
}

// Put stores row as is, without a change notification.
func (s *MemoryStore) Put(row RoomRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row.DiagramData = slices.Clone(row.DiagramData)
	s.rooms[row.ID] = row
}

func (s *MemoryStore) GetRoom(ctx context.Context, id string) (RoomRow, error) {
	if err := ctx.Err(); err != nil {
		return RoomRow{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rooms[id]
	if !ok {
		return RoomRow{}, ErrRoomNotFound
	}
	row.DiagramData = slices.Clone(row.DiagramData)
	return row, nil
}

func (s *MemoryStore) UpdateDiagram(ctx context.Context, id string, raw json.RawMessage, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	incoming, err := diagram.Unmarshal(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	row, ok := s.rooms[id]
	if !ok {
		s.mu.Unlock()
		return ErrRoomNotFound
	}
	if len(row.DiagramData) > 0 {
		stored, err := diagram.Unmarshal(row.DiagramData)
		if err == nil && incoming.Version <= stored.Version {
			s.mu.Unlock()
			return fmt.Errorf("%w: stored version %d, got %d", ErrVersionConflict, stored.Version, incoming.Version)
		}
	}
	row.DiagramData = slices.Clone(raw)
	row.UpdatedAt = updatedAt
	s.rooms[id] = row

	var cbs []func(RoomRow)
	for _, sub := range s.subs {
		if sub.table == RoomsTable && (sub.filter == "" || sub.filter == RoomFilter(id)) {
			cbs = append(cbs, sub.cb)
		}
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		out := row
		out.DiagramData = slices.Clone(row.DiagramData)
		cb(out)
	}
	return nil
}

func (s *MemoryStore) SubscribeChanges(ctx context.Context, table, filter string, cb func(RoomRow)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = memorySub{table: table, filter: filter, cb: cb}

	return SubscriptionFunc(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
		return nil
	}), nil
}

// Subscribers returns the number of live change subscriptions.
func (s *MemoryStore) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
