// Package controller runs one client's editing session for a room. It
// wires the canvas, the diagram model, the change broadcaster and the
// persistence synchronizer together on a single serialized event queue.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-erd/internal/broadcast"
	"github.com/npezzotti/go-erd/internal/canvas"
	"github.com/npezzotti/go-erd/internal/diagram"
	"github.com/npezzotti/go-erd/internal/persist"
)

type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Role string

const (
	RoleHost   Role = "host"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Broadcaster relays ephemeral edits to the other participants of a room.
type Broadcaster interface {
	OnChange(fn func(roomID string, c broadcast.Change))
	JoinRoom(ctx context.Context, roomID string) error
	BroadcastChange(ctx context.Context, roomID string, c broadcast.Change) error
	LeaveRoom(ctx context.Context, roomID string) error
}

// Synchronizer moves whole diagram snapshots to and from the store.
type Synchronizer interface {
	LoadInitial(ctx context.Context, roomID string) (diagram.Data, error)
	SubscribeRemoteUpdates(ctx context.Context, roomID string, onUpdate func(diagram.Data)) (persist.Subscription, error)
	Persist(ctx context.Context, roomID string, snapshot diagram.Data) error
}

type Config struct {
	UserID    string
	Role      Role
	Templates canvas.Templates
	// ReconcileInterval is how often the stored diagram is pulled and
	// applied if newer. Zero disables the periodic pull.
	ReconcileInterval time.Duration
	NotificationTTL   time.Duration
}

type Controller struct {
	cfg       Config
	sessionID string
	canvas    canvas.Canvas
	model     *diagram.Model
	bc        Broadcaster
	sync      Synchronizer
	notifier  *Notifier
	log       *log.Logger
	queue     *eventQueue
	// drags holds non-final positions by entity id. Owned by the queue.
	drags map[string]diagram.Position

	mu        sync.Mutex
	state     State
	role      Role
	roomID    string
	selection []string
	sub       persist.Subscription
	ctx       context.Context
	cancel    context.CancelFunc

	bindCanvas  sync.Once
	pending     *diagram.Data
	persistWake chan struct{}
	persistStop chan struct{}
	persistDone chan struct{}
	bgDone      sync.WaitGroup
}

func New(cfg Config, c canvas.Canvas, bc Broadcaster, s Synchronizer, l *log.Logger) *Controller {
	if cfg.Role == "" {
		cfg.Role = RoleEditor
	}
	if cfg.Templates.Node.Width == 0 {
		cfg.Templates = canvas.DefaultTemplates()
	}
	ttl := cfg.NotificationTTL
	if ttl == 0 {
		ttl = DefaultNotificationTTL
	}

	ctrl := &Controller{
		cfg:         cfg,
		sessionID:   uuid.NewString(),
		canvas:      c,
		model:       diagram.NewModel(cfg.UserID),
		bc:          bc,
		sync:        s,
		notifier:    NewNotifier(ttl),
		log:         l,
		role:        cfg.Role,
		drags:       make(map[string]diagram.Position),
		persistWake: make(chan struct{}, 1),
		persistStop: make(chan struct{}),
		persistDone: make(chan struct{}),
	}
	ctrl.queue = newEventQueue(ctrl.handlePanic)
	bc.OnChange(ctrl.onBroadcast)
	return ctrl
}

// Initialize loads the room's diagram, renders it and joins the room's
// live channels. On failure the session does not start and an
// *InitializationError is returned.
func (c *Controller) Initialize(ctx context.Context, roomID string) (err error) {
	c.mu.Lock()
	if c.state != StateUninitialized {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.state = StateLoading
	c.roomID = roomID
	c.ctx, c.cancel = context.WithCancel(context.Background())
	sessionCtx := c.ctx
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			c.mu.Lock()
			if c.state == StateLoading {
				c.state = StateUninitialized
			}
			c.cancel()
			c.mu.Unlock()

			err = &InitializationError{RoomID: roomID, Err: err}
			c.log.Println(err)
			c.notifier.Error("Failed to load diagram")
		}
	}()

	data, err := c.sync.LoadInitial(ctx, roomID)
	if err != nil {
		return err
	}
	c.model.Reset(data)

	if err := c.canvas.Configure(c.cfg.Templates); err != nil {
		return fmt.Errorf("configure canvas: %w", err)
	}
	c.bindCanvas.Do(func() { c.canvas.OnEditEvent(c.onCanvasEvent) })
	c.render()

	sub, err := c.sync.SubscribeRemoteUpdates(sessionCtx, roomID, c.onStoreUpdate)
	if err != nil {
		return err
	}

	if err := c.bc.JoinRoom(ctx, roomID); err != nil {
		if uerr := sub.Unsubscribe(); uerr != nil {
			c.log.Printf("unsubscribe from room %s: %v", roomID, uerr)
		}
		return err
	}

	c.mu.Lock()
	if c.state != StateLoading {
		c.mu.Unlock()
		if uerr := sub.Unsubscribe(); uerr != nil {
			c.log.Printf("unsubscribe from room %s: %v", roomID, uerr)
		}
		if lerr := c.bc.LeaveRoom(context.Background(), roomID); lerr != nil {
			c.log.Printf("leave room %s: %v", roomID, lerr)
		}
		return ErrClosed
	}
	c.sub = sub
	c.state = StateReady
	reconcile := c.cfg.ReconcileInterval > 0
	if reconcile {
		c.bgDone.Add(1)
	}
	c.mu.Unlock()

	go c.persistLoop(sessionCtx)
	if reconcile {
		go c.reconcileLoop(sessionCtx, c.cfg.ReconcileInterval)
	}

	c.log.Printf("joined room %s at version %d", roomID, data.Version)
	return nil
}

// Teardown leaves the room, writes any snapshot still waiting to be
// persisted and stops the session. Calls after the first are no-ops.
func (c *Controller) Teardown(ctx context.Context) error {
	c.mu.Lock()
	prev := c.state
	if prev == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	roomID, sub, cancel := c.roomID, c.sub, c.cancel
	c.sub = nil
	c.mu.Unlock()

	var errs []error
	if prev == StateReady {
		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
			}
		}
		if err := c.bc.LeaveRoom(ctx, roomID); err != nil {
			errs = append(errs, err)
		}

		close(c.persistStop)
		select {
		case <-c.persistDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("flush: %w", ctx.Err()))
		}
	}

	if cancel != nil {
		cancel()
	}
	c.bgDone.Wait()
	c.queue.close()
	c.notifier.Clear()

	if prev == StateReady {
		c.log.Printf("left room %s", roomID)
	}
	return errors.Join(errs...)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Controller) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// SetRole changes the local user's role in the room.
func (c *Controller) SetRole(r Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = r
}

// Snapshot returns a copy of the current diagram.
func (c *Controller) Snapshot() diagram.Data {
	return c.model.Snapshot()
}

// SessionID identifies this editing session in the changes it broadcasts.
func (c *Controller) SessionID() string {
	return c.sessionID
}

func (c *Controller) Notifier() *Notifier {
	return c.notifier
}

func (c *Controller) Notifications() []Notification {
	return c.notifier.Notifications()
}

// Selection returns the keys last selected on the canvas.
func (c *Controller) Selection() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.selection)
}

func (c *Controller) session() (string, context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.ctx
}

// editable must be called from a task.
func (c *Controller) editable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateReady:
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotReady
	}
	if c.role == RoleViewer {
		return ErrPermissionDenied
	}
	return nil
}

func (c *Controller) ready() bool {
	return c.State() == StateReady
}

// mutate applies a durable edit: fn changes the model and returns the
// hint to broadcast, if any. The canvas is re-rendered and the new
// snapshot is queued for persistence.
func (c *Controller) mutate(fn func() (*broadcast.Change, error)) error {
	if err := c.editable(); err != nil {
		return err
	}

	hint, err := fn()
	if err != nil {
		return err
	}

	c.render()
	c.schedulePersist(c.model.Snapshot())
	if hint != nil {
		c.broadcast(*hint)
	}
	return nil
}

// renderTransaction names the canvas transaction wrapping model renders.
const renderTransaction = "render"

func (c *Controller) render() {
	c.canvas.BeginTransaction(renderTransaction)
	canvas.RenderData(c.canvas, c.model.Snapshot())
	c.canvas.CommitTransaction(renderTransaction)
}

func (c *Controller) broadcast(ch broadcast.Change) {
	roomID, ctx := c.session()
	if ch.UserID == "" {
		ch.UserID = c.cfg.UserID
	}
	ch.SessionID = c.sessionID
	// failures are logged by the broadcaster; edits never wait on peers
	_ = c.bc.BroadcastChange(ctx, roomID, ch)
}

func hint(t broadcast.ChangeType, v any) *broadcast.Change {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return &broadcast.Change{Type: t, Data: data}
}

func (c *Controller) entityHint(id string) *broadcast.Change {
	e, ok := c.model.Entity(id)
	if !ok {
		return nil
	}
	return hint(broadcast.EntityUpdated, e)
}

func (c *Controller) handlePanic(r any) {
	c.log.Printf("recovered from panic: %v", r)
	c.notifier.Error("An unexpected error occurred")
}

// report turns an error from a canvas originated edit into a notification.
func (c *Controller) report(err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, ErrPermissionDenied):
		c.notifier.Warning("You do not have permission to edit this diagram")
		// put back whatever the canvas changed locally
		c.render()
	case errors.Is(err, diagram.ErrNotFound):
		c.notifier.Warning(err.Error())
		c.render()
	case errors.Is(err, ErrClosed), errors.Is(err, ErrNotReady):
	default:
		c.log.Printf("edit failed: %v", err)
		c.notifier.Error(err.Error())
	}
}
