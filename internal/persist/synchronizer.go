// Package persist keeps a diagram model in step with the document store.
package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/npezzotti/go-erd/internal/diagram"
)

// PersistError is returned when a snapshot could not be written.
type PersistError struct {
	RoomID  string
	Version int
	Err     error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist room %s at version %d: %v", e.RoomID, e.Version, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// IsConflict reports whether the write lost against a newer stored diagram.
func (e *PersistError) IsConflict() bool {
	return errors.Is(e.Err, ErrVersionConflict)
}

type Synchronizer struct {
	store DocumentStore
	log   *log.Logger
	now   func() time.Time
}

func NewSynchronizer(store DocumentStore, l *log.Logger) *Synchronizer {
	return &Synchronizer{
		store: store,
		log:   l,
		now:   diagram.Now,
	}
}

// LoadInitial reads the stored diagram for roomID. A room that has never
// been edited loads as an empty diagram at version 0.
func (s *Synchronizer) LoadInitial(ctx context.Context, roomID string) (diagram.Data, error) {
	row, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return diagram.Data{}, fmt.Errorf("load room %s: %w", roomID, err)
	}

	raw := bytes.TrimSpace(row.DiagramData)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return diagram.Empty(), nil
	}

	d, err := diagram.Unmarshal(raw)
	if err != nil {
		return diagram.Data{}, fmt.Errorf("load room %s: %w", roomID, err)
	}
	return d, nil
}

// SubscribeRemoteUpdates calls onUpdate with every stored diagram written
// for roomID. Payloads that fail validation are logged and dropped.
func (s *Synchronizer) SubscribeRemoteUpdates(ctx context.Context, roomID string, onUpdate func(diagram.Data)) (Subscription, error) {
	sub, err := s.store.SubscribeChanges(ctx, RoomsTable, RoomFilter(roomID), func(row RoomRow) {
		if row.ID != roomID {
			return
		}

		d, err := diagram.Validate(row.DiagramData)
		if err != nil {
			s.log.Printf("dropping remote update for room %s: %v", roomID, err)
			return
		}
		onUpdate(d)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to room %s: %w", roomID, err)
	}
	return sub, nil
}

// Persist writes the whole snapshot. Failures are returned as
// *PersistError and never retried here.
func (s *Synchronizer) Persist(ctx context.Context, roomID string, snapshot diagram.Data) error {
	raw, err := diagram.Marshal(snapshot)
	if err != nil {
		return &PersistError{RoomID: roomID, Version: snapshot.Version, Err: err}
	}

	if err := s.store.UpdateDiagram(ctx, roomID, raw, s.now()); err != nil {
		return &PersistError{RoomID: roomID, Version: snapshot.Version, Err: err}
	}
	return nil
}
