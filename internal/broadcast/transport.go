package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotSubscribed = errors.New("channel not subscribed")
	ErrChannelClosed = errors.New("channel closed")
)

// Presence is the metadata a participant tracks on a room channel.
type Presence struct {
	UserID   string    `json:"user_id"`
	OnlineAt time.Time `json:"online_at"`
}

// Transport hands out per-topic channels.
type Transport interface {
	Channel(topic string) Channel
}

// Channel is a pub/sub topic with presence. Messages sent on a channel are
// delivered to every other subscriber of the topic, never back to the
// sender. Handlers must be registered before Subscribe.
type Channel interface {
	Subscribe(ctx context.Context) error
	Send(ctx context.Context, event string, payload json.RawMessage) error
	On(event string, fn func(payload json.RawMessage))
	// OnPresenceSync fires after any change to the topic's presence state.
	OnPresenceSync(fn func())
	Track(ctx context.Context, p Presence) error
	// PresenceState maps a subscriber key to the metadata it has tracked.
	PresenceState() map[string][]Presence
	Unsubscribe(ctx context.Context) error
}

// AuthProvider reports who is signed in.
type AuthProvider interface {
	CurrentUserID() (string, bool)
	OnAuthChange(fn func(userID string, ok bool))
}
