package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-erd/internal/broadcast"
	"github.com/npezzotti/go-erd/internal/persist"
	"github.com/npezzotti/go-erd/internal/server"
)

const (
	writeWait    = 10 * time.Second
	sendQueueLen = 256
	topicPrefix  = "room:"
)

// Conn is a websocket session with the server. Room channels and change
// feed subscriptions share one join per room.
type Conn struct {
	ws   *websocket.Conn
	log  *log.Logger
	send chan *server.ClientMessage

	mu      sync.Mutex
	nextId  int
	pending map[int]chan *server.Response
	rooms   map[string]*roomState
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

type roomState struct {
	refs      int
	channels  map[int]channelHooks
	snapshots map[int]func(persist.RoomRow)
	presence  map[string][]broadcast.Presence
}

// channelHooks are the callbacks one subscribed room channel registered.
type channelHooks struct {
	handlers map[string][]func(json.RawMessage)
	syncs    []func()
}

// Dial opens the websocket with the client's session cookie.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/ws"
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		Jar:              c.jar,
	}

	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	conn := &Conn{
		ws:      ws,
		log:     c.log,
		send:    make(chan *server.ClientMessage, sendQueueLen),
		pending: make(map[int]chan *server.Response),
		rooms:   make(map[string]*roomState),
		done:    make(chan struct{}),
	}
	go conn.writeLoop()
	go conn.readLoop()
	return conn, nil
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) writeLoop() {
	defer c.ws.Close()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Printf("write message: %v", err)
				c.shutdown(err)
				return
			}
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Conn) readLoop() {
	for {
		var msg server.ServerMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Printf("read message: %v", err)
			}
			c.shutdown(err)
			return
		}

		switch {
		case msg.Response != nil:
			c.handleResponse(msg.Id, msg.Response)
		case msg.Broadcast != nil:
			c.handleBroadcast(msg.Broadcast)
		case msg.Notification != nil:
			c.handleNotification(msg.Notification)
		}
	}
}

func (c *Conn) handleResponse(id int, resp *server.Response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if ok {
		ch <- resp
		return
	}
	if resp.ResponseCode >= http.StatusBadRequest {
		c.log.Printf("request %d failed: %d %s", id, resp.ResponseCode, resp.Error)
	}
}

func (c *Conn) handleBroadcast(b *server.Broadcast) {
	c.mu.Lock()
	var fns []func(json.RawMessage)
	if rs, ok := c.rooms[b.RoomId]; ok {
		for _, key := range slices.Sorted(maps.Keys(rs.channels)) {
			fns = append(fns, rs.channels[key].handlers[b.Event]...)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(b.Payload)
	}
}

func (c *Conn) handleNotification(n *server.Notification) {
	switch {
	case n.PresenceSync != nil:
		c.mu.Lock()
		var fns []func()
		if rs, ok := c.rooms[n.PresenceSync.RoomId]; ok {
			rs.presence = n.PresenceSync.State
			for _, key := range slices.Sorted(maps.Keys(rs.channels)) {
				fns = append(fns, rs.channels[key].syncs...)
			}
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	case n.Snapshot != nil:
		c.mu.Lock()
		var fns []func(persist.RoomRow)
		if rs, ok := c.rooms[n.Snapshot.RoomId]; ok {
			fns = slices.Collect(maps.Values(rs.snapshots))
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(n.Snapshot.Room)
		}
	case n.RoomDeleted != nil:
		c.log.Printf("room %q was deleted", n.RoomDeleted.RoomId)
		c.mu.Lock()
		delete(c.rooms, n.RoomDeleted.RoomId)
		c.mu.Unlock()
	}
}

// post queues msg without waiting for the server.
func (c *Conn) post(msg *server.ClientMessage) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	c.nextId++
	msg.Id = c.nextId
	c.mu.Unlock()

	select {
	case c.send <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// call sends msg and waits for the server's response.
func (c *Conn) call(ctx context.Context, msg *server.ClientMessage) (*server.Response, error) {
	c.mu.Lock()
	c.nextId++
	msg.Id = c.nextId
	ch := make(chan *server.Response, 1)
	c.pending[msg.Id] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, msg.Id)
		c.mu.Unlock()
	}

	select {
	case c.send <- msg:
	case <-c.done:
		cleanup()
		return nil, ErrClosed
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}

	select {
	case resp := <-ch:
		if resp.ResponseCode >= http.StatusBadRequest {
			return resp, &ResponseError{Code: resp.ResponseCode, Message: resp.Error}
		}
		return resp, nil
	case <-c.done:
		cleanup()
		return nil, ErrClosed
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// acquire joins roomID on first use.
func (c *Conn) acquire(ctx context.Context, roomID string) error {
	c.mu.Lock()
	rs := c.room(roomID)
	rs.refs++
	first := rs.refs == 1
	c.mu.Unlock()

	if !first {
		return nil
	}

	if _, err := c.call(ctx, &server.ClientMessage{Join: &server.Join{RoomId: roomID}}); err != nil {
		c.mu.Lock()
		rs.refs--
		if rs.refs == 0 {
			delete(c.rooms, roomID)
		}
		c.mu.Unlock()
		return fmt.Errorf("join room %q: %w", roomID, err)
	}
	return nil
}

// release leaves roomID once nothing uses it.
func (c *Conn) release(ctx context.Context, roomID string) error {
	c.mu.Lock()
	rs, ok := c.rooms[roomID]
	if !ok || rs.refs == 0 {
		c.mu.Unlock()
		return nil
	}
	rs.refs--
	last := rs.refs == 0
	if last {
		delete(c.rooms, roomID)
	}
	c.mu.Unlock()

	if !last {
		return nil
	}
	_, err := c.call(ctx, &server.ClientMessage{Leave: &server.Leave{RoomId: roomID}})
	return err
}

// room returns the state of roomID, creating it. c.mu must be held.
func (c *Conn) room(roomID string) *roomState {
	rs, ok := c.rooms[roomID]
	if !ok {
		rs = &roomState{
			channels:  make(map[int]channelHooks),
			snapshots: make(map[int]func(persist.RoomRow)),
			presence:  make(map[string][]broadcast.Presence),
		}
		c.rooms[roomID] = rs
	}
	return rs
}

// SubscribeChanges calls cb with every stored row of the room selected by
// filter ("id=eq.<room id>"). Only the rooms table is published.
func (c *Conn) SubscribeChanges(ctx context.Context, table, filter string, cb func(persist.RoomRow)) (persist.Subscription, error) {
	if table != persist.RoomsTable {
		return nil, fmt.Errorf("no change feed for table %q", table)
	}
	roomID, ok := strings.CutPrefix(filter, "id=eq.")
	if !ok || roomID == "" {
		return nil, fmt.Errorf("unsupported filter %q", filter)
	}

	if err := c.acquire(ctx, roomID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.nextId++
	key := c.nextId
	c.room(roomID).snapshots[key] = cb
	c.mu.Unlock()

	var once sync.Once
	return persist.SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			c.mu.Lock()
			if rs, ok := c.rooms[roomID]; ok {
				delete(rs.snapshots, key)
			}
			c.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			err = c.release(ctx, roomID)
		})
		return err
	}), nil
}

// Channel returns the room channel for a "room:<id>" topic.
func (c *Conn) Channel(topic string) broadcast.Channel {
	return &roomChannel{conn: c, roomID: strings.TrimPrefix(topic, topicPrefix)}
}

type roomChannel struct {
	conn   *Conn
	roomID string

	mu         sync.Mutex
	handlers   map[string][]func(json.RawMessage)
	syncs      []func()
	key        int
	subscribed bool
	closed     bool
}

func (ch *roomChannel) On(event string, fn func(json.RawMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.handlers == nil {
		ch.handlers = make(map[string][]func(json.RawMessage))
	}
	ch.handlers[event] = append(ch.handlers[event], fn)
}

func (ch *roomChannel) OnPresenceSync(fn func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.syncs = append(ch.syncs, fn)
}

func (ch *roomChannel) Subscribe(ctx context.Context) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return broadcast.ErrChannelClosed
	}
	if ch.subscribed {
		ch.mu.Unlock()
		return nil
	}
	hooks := channelHooks{handlers: maps.Clone(ch.handlers), syncs: slices.Clone(ch.syncs)}
	ch.mu.Unlock()

	// hooks go in before the join so the first presence sync is seen
	c := ch.conn
	c.mu.Lock()
	c.nextId++
	key := c.nextId
	c.room(ch.roomID).channels[key] = hooks
	c.mu.Unlock()

	if err := c.acquire(ctx, ch.roomID); err != nil {
		c.dropHooks(ch.roomID, key)
		return err
	}

	ch.mu.Lock()
	ch.key = key
	ch.subscribed = true
	ch.mu.Unlock()
	return nil
}

// dropHooks removes a channel's callbacks while other references may
// still hold the room.
func (c *Conn) dropHooks(roomID string, key int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rs, ok := c.rooms[roomID]; ok {
		delete(rs.channels, key)
	}
}

// Send queues a broadcast without waiting for delivery.
func (ch *roomChannel) Send(_ context.Context, event string, payload json.RawMessage) error {
	if err := ch.ready(); err != nil {
		return err
	}
	return ch.conn.post(&server.ClientMessage{
		Broadcast: &server.Broadcast{RoomId: ch.roomID, Event: event, Payload: payload},
	})
}

// Track publishes this connection's presence. The server records the
// session's user id regardless of p.UserID.
func (ch *roomChannel) Track(ctx context.Context, p broadcast.Presence) error {
	if err := ch.ready(); err != nil {
		return err
	}
	_, err := ch.conn.call(ctx, &server.ClientMessage{
		Track: &server.Track{RoomId: ch.roomID, OnlineAt: p.OnlineAt},
	})
	return err
}

func (ch *roomChannel) PresenceState() map[string][]broadcast.Presence {
	c := ch.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	state := make(map[string][]broadcast.Presence)
	if rs, ok := c.rooms[ch.roomID]; ok {
		for k, v := range rs.presence {
			state[k] = slices.Clone(v)
		}
	}
	return state
}

func (ch *roomChannel) Unsubscribe(ctx context.Context) error {
	ch.mu.Lock()
	wasSubscribed := ch.subscribed
	ch.subscribed = false
	ch.closed = true
	ch.mu.Unlock()

	if !wasSubscribed {
		return nil
	}
	ch.conn.dropHooks(ch.roomID, ch.key)
	return ch.conn.release(ctx, ch.roomID)
}

func (ch *roomChannel) ready() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return broadcast.ErrChannelClosed
	}
	if !ch.subscribed {
		return broadcast.ErrNotSubscribed
	}
	return nil
}
