package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/npezzotti/go-erd/internal/diagram"
	"github.com/npezzotti/go-erd/internal/persist"
)

// GetRoom fetches the stored diagram row of a room.
func (c *Client) GetRoom(ctx context.Context, id string) (persist.RoomRow, error) {
	var row persist.RoomRow
	if err := c.do(ctx, http.MethodGet, roomPath(id, "/diagram"), nil, &row); err != nil {
		return persist.RoomRow{}, storeError(id, err)
	}
	return row, nil
}

// UpdateDiagram replaces the stored diagram. The server rejects documents
// whose version is not newer than the stored one.
func (c *Client) UpdateDiagram(ctx context.Context, id string, raw json.RawMessage, updatedAt time.Time) error {
	err := c.do(ctx, http.MethodPut, roomPath(id, "/diagram"), map[string]any{
		"diagram_data": raw,
		"updated_at":   updatedAt,
	}, nil)
	return storeError(id, err)
}

func storeError(id string, err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", persist.ErrRoomNotFound, id)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", persist.ErrVersionConflict, apiErr.Message)
	case http.StatusBadRequest:
		return &diagram.ValidationError{Field: "diagram_data", Reason: apiErr.Message}
	}
	return err
}

// Store is a persist.DocumentStore reading and writing over HTTP with the
// change feed from a websocket connection.
type Store struct {
	*Client
	conn *Conn
}

func (c *Client) Store(conn *Conn) *Store {
	return &Store{Client: c, conn: conn}
}

func (s *Store) SubscribeChanges(ctx context.Context, table, filter string, cb func(persist.RoomRow)) (persist.Subscription, error) {
	return s.conn.SubscribeChanges(ctx, table, filter, cb)
}
