package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/go-erd/internal/diagram"
	"github.com/npezzotti/go-erd/internal/persist"
)

// updateDiagramQuery only replaces a diagram with a newer version.
const updateDiagramQuery = "UPDATE rooms SET diagram_data = $2::jsonb, updated_at = $3 " +
	"WHERE external_id = $1 AND COALESCE((diagram_data->>'version')::bigint, -1) < $4"

func toRoomRow(r Room) persist.RoomRow {
	return persist.RoomRow{
		ID:          r.ExternalId,
		Name:        r.Name,
		Description: r.Description,
		HostID:      strconv.Itoa(r.HostId),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		DiagramData: r.DiagramData,
		IsPublic:    r.IsPublic,
	}
}

func (db *PgRepository) GetRoom(ctx context.Context, id string) (persist.RoomRow, error) {
	var room Room
	err := scanRoom(db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms r WHERE r.external_id = $1", id), &room)
	if errors.Is(err, sql.ErrNoRows) {
		return persist.RoomRow{}, persist.ErrRoomNotFound
	}
	if err != nil {
		return persist.RoomRow{}, err
	}
	return toRoomRow(room), nil
}

// UpdateDiagram replaces the room's diagram if raw carries a newer
// version than the stored one, otherwise it fails with
// persist.ErrVersionConflict.
func (db *PgRepository) UpdateDiagram(ctx context.Context, id string, raw json.RawMessage, updatedAt time.Time) error {
	incoming, err := diagram.Validate(raw)
	if err != nil {
		return err
	}

	res, err := db.conn.ExecContext(ctx, updateDiagramQuery, id, string(raw), updatedAt.UTC(), incoming.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var stored int
	err = db.conn.QueryRowContext(ctx,
		"SELECT COALESCE((diagram_data->>'version')::bigint, 0) FROM rooms WHERE external_id = $1", id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return persist.ErrRoomNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: stored version %d, got %d", persist.ErrVersionConflict, stored, incoming.Version)
}

// SubscribeChanges reloads and reports the room row after every diagram
// update. Only the rooms table and "id=eq.<id>" filters are supported.
func (db *PgRepository) SubscribeChanges(ctx context.Context, table, filter string, cb func(persist.RoomRow)) (persist.Subscription, error) {
	if table != persist.RoomsTable {
		return nil, fmt.Errorf("unsupported table %q", table)
	}
	roomId, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}

	return db.WatchRooms(ctx, func(ev RoomEvent) {
		if ev.Op != RoomUpdated || (roomId != "" && ev.RoomId != roomId) {
			return
		}
		row, err := db.GetRoom(ctx, ev.RoomId)
		if err != nil {
			db.log.Printf("reload room %s: %v", ev.RoomId, err)
			return
		}
		cb(row)
	})
}

func (db *PgRepository) WatchRooms(ctx context.Context, fn func(RoomEvent)) (persist.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return db.feed.subscribe(ctx, fn), nil
}

// parseFilter returns the room id selected by filter, empty for all rooms.
func parseFilter(filter string) (string, error) {
	if filter == "" {
		return "", nil
	}
	id, ok := strings.CutPrefix(filter, "id=eq.")
	if !ok || id == "" {
		return "", fmt.Errorf("unsupported filter %q", filter)
	}
	return id, nil
}
