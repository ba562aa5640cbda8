package controller

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultNotificationTTL = 5 * time.Second

type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

type Notification struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Level     Level     `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier keeps user facing notifications until they expire or are
// dismissed.
type Notifier struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	items     []Notification
	timers    map[string]*time.Timer
	listeners []func(Notification)
}

// NewNotifier returns a notifier whose notifications expire after ttl.
// A ttl of zero or less keeps them until dismissed.
func NewNotifier(ttl time.Duration) *Notifier {
	return &Notifier{
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
		timers: make(map[string]*time.Timer),
	}
}

// OnNotify registers fn to be called with every new notification.
func (n *Notifier) OnNotify(fn func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

func (n *Notifier) Notify(level Level, message string) Notification {
	item := Notification{
		ID:        uuid.NewString(),
		Message:   message,
		Level:     level,
		Timestamp: n.now(),
	}

	n.mu.Lock()
	n.items = append(n.items, item)
	if n.ttl > 0 {
		n.timers[item.ID] = time.AfterFunc(n.ttl, func() { n.Dismiss(item.ID) })
	}
	listeners := slices.Clone(n.listeners)
	n.mu.Unlock()

	for _, fn := range listeners {
		fn(item)
	}
	return item
}

func (n *Notifier) Error(message string) Notification {
	return n.Notify(LevelError, message)
}

func (n *Notifier) Warning(message string) Notification {
	return n.Notify(LevelWarning, message)
}

func (n *Notifier) Info(message string) Notification {
	return n.Notify(LevelInfo, message)
}

// Notifications returns the live notifications, oldest first.
func (n *Notifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.items)
}

func (n *Notifier) Dismiss(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.timers[id]; ok {
		t.Stop()
		delete(n.timers, id)
	}
	n.items = slices.DeleteFunc(n.items, func(item Notification) bool { return item.ID == id })
}

func (n *Notifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, t := range n.timers {
		t.Stop()
		delete(n.timers, id)
	}
	n.items = nil
}
