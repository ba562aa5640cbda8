// Package broadcast relays low-latency diagram edits between the
// participants of a room and tracks who is online.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"
)

type ChangeType string

const (
	EntityMoved         ChangeType = "entity_moved"
	EntityUpdated       ChangeType = "entity_updated"
	RelationshipCreated ChangeType = "relationship_created"
	RelationshipUpdated ChangeType = "relationship_updated"
)

func (t ChangeType) Valid() bool {
	switch t {
	case EntityMoved, EntityUpdated, RelationshipCreated, RelationshipUpdated:
		return true
	}
	return false
}

// EventDiagramChange is the channel event carrying a Change.
const EventDiagramChange = "diagram_change"

// Change is an ephemeral edit. Data holds the full entity or relationship
// the edit produced. SessionID names the editing session that made it; one
// user may have several.
type Change struct {
	Type      ChangeType      `json:"type"`
	Data      json.RawMessage `json:"data"`
	UserID    string          `json:"userId"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Topic returns the channel topic for a room.
func Topic(roomID string) string {
	return "room:" + roomID
}

type Broadcaster struct {
	transport Transport
	auth      AuthProvider
	log       *log.Logger
	now       func() time.Time

	mu          sync.Mutex
	rooms       map[string]Channel
	handlers    []func(roomID string, c Change)
	activeUsers []string
	watchers    []func([]string)
}

func New(t Transport, auth AuthProvider, l *log.Logger) *Broadcaster {
	b := &Broadcaster{
		transport: t,
		auth:      auth,
		log:       l,
		now:       func() time.Time { return time.Now().UTC() },
		rooms:     make(map[string]Channel),
	}
	auth.OnAuthChange(b.handleAuthChange)
	return b
}

// OnChange registers fn to receive changes sent by other participants.
func (b *Broadcaster) OnChange(fn func(roomID string, c Change)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, fn)
}

// JoinRoom subscribes to the room channel and tracks the current user's
// presence on it. Joining a room twice is a no-op.
func (b *Broadcaster) JoinRoom(ctx context.Context, roomID string) error {
	b.mu.Lock()
	if _, ok := b.rooms[roomID]; ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	ch := b.transport.Channel(Topic(roomID))
	ch.On(EventDiagramChange, func(payload json.RawMessage) {
		b.receive(roomID, payload)
	})
	ch.OnPresenceSync(func() {
		b.syncPresence(ch)
	})

	if err := ch.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe to room %s: %w", roomID, err)
	}

	b.mu.Lock()
	b.rooms[roomID] = ch
	b.mu.Unlock()

	b.track(ctx, roomID, ch)
	return nil
}

// BroadcastChange sends c to the other participants of roomID. It is best
// effort: an unknown room is ignored and send failures are not retried.
func (b *Broadcaster) BroadcastChange(ctx context.Context, roomID string, c Change) error {
	b.mu.Lock()
	ch, ok := b.rooms[roomID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	if c.UserID == "" {
		c.UserID, _ = b.auth.CurrentUserID()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = b.now()
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}

	if err := ch.Send(ctx, EventDiagramChange, payload); err != nil {
		b.log.Printf("broadcast %s to room %s: %v", c.Type, roomID, err)
		return fmt.Errorf("broadcast %s: %w", c.Type, err)
	}
	return nil
}

func (b *Broadcaster) LeaveRoom(ctx context.Context, roomID string) error {
	b.mu.Lock()
	ch, ok := b.rooms[roomID]
	delete(b.rooms, roomID)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	b.setActiveUsers(nil)

	if err := ch.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("unsubscribe from room %s: %w", roomID, err)
	}
	return nil
}

// ActiveUsers returns the sorted ids of users present in the joined room.
func (b *Broadcaster) ActiveUsers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.activeUsers)
}

// WatchActiveUsers calls fn with the current roster and again after every
// presence change.
func (b *Broadcaster) WatchActiveUsers(fn func([]string)) {
	b.mu.Lock()
	b.watchers = append(b.watchers, fn)
	users := slices.Clone(b.activeUsers)
	b.mu.Unlock()

	fn(users)
}

func (b *Broadcaster) receive(roomID string, payload json.RawMessage) {
	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		b.log.Printf("dropping malformed change in room %s: %v", roomID, err)
		return
	}
	if !c.Type.Valid() {
		b.log.Printf("dropping change with unknown type %q in room %s", c.Type, roomID)
		return
	}

	b.mu.Lock()
	handlers := slices.Clone(b.handlers)
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(roomID, c)
	}
}

func (b *Broadcaster) syncPresence(ch Channel) {
	seen := make(map[string]struct{})
	var users []string
	for _, metas := range ch.PresenceState() {
		for _, p := range metas {
			if p.UserID == "" {
				continue
			}
			if _, ok := seen[p.UserID]; ok {
				continue
			}
			seen[p.UserID] = struct{}{}
			users = append(users, p.UserID)
		}
	}
	slices.Sort(users)
	b.setActiveUsers(users)
}

func (b *Broadcaster) setActiveUsers(users []string) {
	b.mu.Lock()
	if slices.Equal(b.activeUsers, users) {
		b.mu.Unlock()
		return
	}
	b.activeUsers = users
	watchers := slices.Clone(b.watchers)
	b.mu.Unlock()

	for _, fn := range watchers {
		fn(slices.Clone(users))
	}
}

func (b *Broadcaster) track(ctx context.Context, roomID string, ch Channel) {
	userID, ok := b.auth.CurrentUserID()
	if !ok {
		b.log.Printf("not tracking presence in room %s: no signed in user", roomID)
		return
	}
	if err := ch.Track(ctx, Presence{UserID: userID, OnlineAt: b.now()}); err != nil {
		b.log.Printf("track presence in room %s: %v", roomID, err)
	}
}

// handleAuthChange re-tracks presence so the roster follows sign-in changes.
func (b *Broadcaster) handleAuthChange(_ string, ok bool) {
	if !ok {
		return
	}

	b.mu.Lock()
	rooms := make(map[string]Channel, len(b.rooms))
	for id, ch := range b.rooms {
		rooms[id] = ch
	}
	b.mu.Unlock()

	for id, ch := range rooms {
		b.track(context.Background(), id, ch)
	}
}
