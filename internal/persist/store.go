package persist

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	// ErrVersionConflict is returned by a store that already holds a
	// diagram with the same or a newer version.
	ErrVersionConflict = errors.New("diagram version conflict")
)

// RoomsTable is the table whose changes carry diagram updates.
const RoomsTable = "rooms"

// RoomRow is a room as the document store returns it.
type RoomRow struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	HostID      string          `json:"host_id"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	DiagramData json.RawMessage `json:"diagram_data"`
	IsPublic    bool            `json:"is_public"`
}

type Subscription interface {
	Unsubscribe() error
}

// DocumentStore holds one diagram document per room and publishes row
// changes.
type DocumentStore interface {
	GetRoom(ctx context.Context, id string) (RoomRow, error)
	UpdateDiagram(ctx context.Context, id string, raw json.RawMessage, updatedAt time.Time) error
	// SubscribeChanges calls cb with the new row for every update in table
	// matching filter, e.g. "id=eq.<room id>".
	SubscribeChanges(ctx context.Context, table, filter string, cb func(RoomRow)) (Subscription, error)
}

// RoomFilter is the change filter selecting a single room.
func RoomFilter(roomID string) string {
	return "id=eq." + roomID
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Unsubscribe() error {
	return f()
}
