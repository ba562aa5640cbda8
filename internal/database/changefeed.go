package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-erd/internal/persist"
)

const (
	roomChangesChannel = "room_changes"
	listenerPing       = 90 * time.Second
)

// changeFeed fans notifications from a single LISTEN connection out to
// every subscriber.
type changeFeed struct {
	mu       sync.Mutex
	listener *pq.Listener
	subs     map[int]func(RoomEvent)
	nextId   int
	log      *log.Logger
	done     chan struct{}
}

func newChangeFeed(dsn string, l *log.Logger) (*changeFeed, error) {
	f := &changeFeed{
		subs: make(map[int]func(RoomEvent)),
		log:  l,
		done: make(chan struct{}),
	}
	f.listener = pq.NewListener(dsn, 100*time.Millisecond, time.Minute, f.listenerEvent)
	if err := f.listener.Listen(roomChangesChannel); err != nil {
		f.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", roomChangesChannel, err)
	}

	go f.run()
	return f, nil
}

func (f *changeFeed) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		f.log.Printf("room change listener: %v", err)
	case pq.ListenerEventReconnected:
		f.log.Println("room change listener reconnected")
	}
}

func (f *changeFeed) run() {
	defer close(f.done)
	for {
		select {
		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect, anything sent meanwhile is lost
			if n == nil {
				continue
			}
			ev, err := decodeRoomEvent(n.Extra)
			if err != nil {
				f.log.Printf("room change listener: %v", err)
				continue
			}
			f.dispatch(ev)
		case <-time.After(listenerPing):
			go f.listener.Ping()
		}
	}
}

func decodeRoomEvent(payload string) (RoomEvent, error) {
	var ev RoomEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return RoomEvent{}, fmt.Errorf("decode notification %q: %w", payload, err)
	}
	if ev.RoomId == "" || (ev.Op != RoomUpdated && ev.Op != RoomDeleted) {
		return RoomEvent{}, fmt.Errorf("unexpected notification %q", payload)
	}
	return ev, nil
}

func (f *changeFeed) dispatch(ev RoomEvent) {
	f.mu.Lock()
	fns := make([]func(RoomEvent), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// subscribe registers fn until the returned subscription is released or
// ctx is done.
func (f *changeFeed) subscribe(ctx context.Context, fn func(RoomEvent)) persist.Subscription {
	f.mu.Lock()
	id := f.nextId
	f.nextId++
	f.subs[id] = fn
	f.mu.Unlock()

	remove := func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
	stop := context.AfterFunc(ctx, remove)

	return persist.SubscriptionFunc(func() error {
		stop()
		remove()
		return nil
	})
}

func (f *changeFeed) close() {
	f.listener.Close()
	<-f.done
}
