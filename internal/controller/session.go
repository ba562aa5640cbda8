package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-erd/internal/broadcast"
	"github.com/npezzotti/go-erd/internal/diagram"
	"github.com/npezzotti/go-erd/internal/persist"
)

// EntityMove is the payload of an entity_moved change.
type EntityMove struct {
	ID       string           `json:"id"`
	Position diagram.Position `json:"position"`
}

// schedulePersist replaces the snapshot waiting to be written. Only the
// newest snapshot is kept since each one carries the whole diagram.
func (c *Controller) schedulePersist(d diagram.Data) {
	c.mu.Lock()
	c.pending = &d
	c.mu.Unlock()

	select {
	case c.persistWake <- struct{}{}:
	default:
	}
}

func (c *Controller) persistLoop(ctx context.Context) {
	defer close(c.persistDone)
	for {
		select {
		case <-c.persistWake:
			c.persistPending(ctx)
		case <-c.persistStop:
			c.persistPending(ctx)
			return
		}
	}
}

func (c *Controller) persistPending(ctx context.Context) {
	c.mu.Lock()
	snap, roomID := c.pending, c.roomID
	c.pending = nil
	c.mu.Unlock()
	if snap == nil {
		return
	}

	err := c.sync.Persist(ctx, roomID, *snap)
	version := snap.Version
	c.queue.push(func() { c.onPersisted(version, err) })
}

func (c *Controller) onPersisted(version int, err error) {
	if !c.ready() {
		return
	}
	if err == nil {
		return
	}

	var perr *persist.PersistError
	if errors.As(err, &perr) && perr.IsConflict() {
		c.log.Printf("version %d rejected by store, reloading", version)
		c.notifier.Warning("The diagram was changed elsewhere. Loading the latest version.")
		c.background(func(ctx context.Context) {
			if err := c.reconcile(ctx, true); err != nil && ctx.Err() == nil {
				c.log.Printf("reconcile after conflict: %v", err)
			}
		})
		return
	}

	c.log.Printf("persist failed: %v", err)
	c.notifier.Error("Failed to save diagram changes")
}

// background runs fn off the queue for the lifetime of the session.
func (c *Controller) background(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return
	}
	c.bgDone.Add(1)
	ctx := c.ctx
	c.mu.Unlock()

	go func() {
		defer c.bgDone.Done()
		fn(ctx)
	}()
}

// Reconcile pulls the stored diagram and applies it if it is newer than
// the local one.
func (c *Controller) Reconcile(ctx context.Context) error {
	if !c.ready() {
		return ErrNotReady
	}
	return c.reconcile(ctx, false)
}

// reconcile loads the stored diagram. With adoptEqual set the stored copy
// also wins when its version equals the local one, which is the case after
// a rejected write.
func (c *Controller) reconcile(ctx context.Context, adoptEqual bool) error {
	roomID, _ := c.session()
	stored, err := c.sync.LoadInitial(ctx, roomID)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	return c.queue.do(func() error {
		if !c.ready() {
			return nil
		}
		if adoptEqual && stored.Version >= c.model.Version() {
			c.model.Reset(stored)
			c.render()
			return nil
		}
		if c.model.ApplyRemoteSnapshot(stored) {
			c.render()
		}
		return nil
	})
}

func (c *Controller) reconcileLoop(ctx context.Context, interval time.Duration) {
	defer c.bgDone.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.reconcile(ctx, false); err != nil && ctx.Err() == nil {
				c.log.Printf("periodic reconcile: %v", err)
			}
		}
	}
}

func (c *Controller) onStoreUpdate(d diagram.Data) {
	c.queue.push(func() { c.applySnapshot(d) })
}

// OnRemoteSnapshotUpdate applies a diagram written to the store by another
// participant and reports whether it was newer than the local copy.
func (c *Controller) OnRemoteSnapshotUpdate(d diagram.Data) bool {
	var applied bool
	_ = c.queue.do(func() error {
		applied = c.applySnapshot(d)
		return nil
	})
	return applied
}

func (c *Controller) applySnapshot(d diagram.Data) bool {
	if !c.ready() {
		return false
	}
	if !c.model.ApplyRemoteSnapshot(d) {
		return false
	}
	c.render()
	return true
}

func (c *Controller) onBroadcast(roomID string, ch broadcast.Change) {
	if roomID != c.RoomID() {
		return
	}
	c.queue.push(func() {
		if err := c.applyRemoteChange(ch); err != nil {
			c.log.Printf("dropping %s from %s: %v", ch.Type, ch.UserID, err)
		}
	})
}

// OnRemoteBroadcastChange applies an ephemeral edit from another
// participant. It overwrites the local copy without any version check.
func (c *Controller) OnRemoteBroadcastChange(ch broadcast.Change) error {
	return c.queue.do(func() error { return c.applyRemoteChange(ch) })
}

func (c *Controller) applyRemoteChange(ch broadcast.Change) error {
	if !c.ready() {
		return nil
	}
	// the same user may be editing from another session
	if ch.SessionID != "" && ch.SessionID == c.sessionID {
		return nil
	}

	switch ch.Type {
	case broadcast.EntityMoved:
		var m EntityMove
		if err := json.Unmarshal(ch.Data, &m); err != nil {
			return &diagram.ValidationError{Field: "data", Reason: err.Error()}
		}
		if err := c.model.MoveEntity(m.ID, m.Position); err != nil {
			return err
		}
	case broadcast.EntityUpdated:
		var e diagram.Entity
		if err := json.Unmarshal(ch.Data, &e); err != nil {
			return &diagram.ValidationError{Field: "data", Reason: err.Error()}
		}
		if e.ID == "" {
			return &diagram.ValidationError{Field: "data", Reason: "entity without id"}
		}
		if e.Attributes == nil {
			e.Attributes = []diagram.EntityAttribute{}
		}
		c.model.PutEntity(e)
	case broadcast.RelationshipCreated, broadcast.RelationshipUpdated:
		var r diagram.Relationship
		if err := json.Unmarshal(ch.Data, &r); err != nil {
			return &diagram.ValidationError{Field: "data", Reason: err.Error()}
		}
		if r.ID == "" {
			return &diagram.ValidationError{Field: "data", Reason: "relationship without id"}
		}
		c.model.PutRelationship(r)
	default:
		return &diagram.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown change type %q", ch.Type)}
	}

	c.render()
	return nil
}
