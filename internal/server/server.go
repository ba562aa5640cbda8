package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-erd/internal/database"
	"github.com/npezzotti/go-erd/internal/persist"
	"github.com/npezzotti/go-erd/internal/stats"
)

const (
	defaultIdleRoomTimeout = 5 * time.Second
	dbTimeout              = 5 * time.Second
)

type unloadRoomRequest struct {
	roomId  string
	deleted bool
}

type Option func(*DiagramServer)

// WithRelay forwards room broadcasts to other server instances.
func WithRelay(r Relay) Option {
	return func(s *DiagramServer) { s.relay = r }
}

func WithIdleRoomTimeout(d time.Duration) Option {
	return func(s *DiagramServer) { s.idleTimeout = d }
}

// DiagramServer routes websocket clients into per-room actors.
type DiagramServer struct {
	log            *log.Logger
	db             database.Repository
	stats          stats.StatsProvider
	relay          Relay
	idleTimeout    time.Duration
	joinChan       chan *ClientMessage
	unloadRoomChan chan unloadRoomRequest
	rooms          map[string]*Room
	roomsLock      sync.RWMutex
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	stop           chan struct{}
	stopOnce       sync.Once
	done           chan struct{}
}

func NewDiagramServer(logger *log.Logger, db database.Repository, su stats.StatsProvider, opts ...Option) *DiagramServer {
	s := &DiagramServer{
		log:            logger,
		db:             db,
		stats:          su,
		idleTimeout:    defaultIdleRoomTimeout,
		joinChan:       make(chan *ClientMessage, 256),
		unloadRoomChan: make(chan unloadRoomRequest, 256),
		rooms:          make(map[string]*Room),
		clients:        make(map[*Client]struct{}),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *DiagramServer) Run() {
	for {
		select {
		case msg := <-s.joinChan:
			s.handleJoinRoom(msg)
		case req := <-s.unloadRoomChan:
			s.unloadRoom(req.roomId, req.deleted)
		case <-s.stop:
			s.log.Println("shutting down rooms")
			s.unloadAllRooms()
			close(s.done)
			return
		}
	}
}

// WatchDeletes unloads rooms deleted by any server sharing the database.
func (s *DiagramServer) WatchDeletes(ctx context.Context) (persist.Subscription, error) {
	return s.db.WatchRooms(ctx, func(ev database.RoomEvent) {
		if ev.Op != database.RoomDeleted || !s.hasRoom(ev.RoomId) {
			return
		}
		if err := s.UnloadRoom(ctx, ev.RoomId, true); err != nil {
			s.log.Printf("unload deleted room %q: %v", ev.RoomId, err)
		}
	})
}

func (s *DiagramServer) handleJoinRoom(msg *ClientMessage) {
	if room, ok := s.getRoom(msg.Join.RoomId); ok {
		select {
		case room.joinChan <- msg:
		default:
			s.log.Printf("join channel full on room %q", room.externalId)
			msg.client.queueMessage(ErrServiceUnavailable(msg.Id))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	dbRoom, err := s.db.GetRoomByExternalId(ctx, msg.Join.RoomId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			msg.client.queueMessage(ErrRoomNotFound(msg.Id))
		} else {
			s.log.Println("GetRoomByExternalId:", err)
			msg.client.queueMessage(ErrInternalError(msg.Id))
		}
		return
	}

	room := newRoom(s, dbRoom)
	if err := room.subscribe(); err != nil {
		s.log.Printf("subscribe room %q: %v", room.externalId, err)
		room.unsubscribe()
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	s.addRoom(room.externalId, room)
	room.joinChan <- msg
	go room.start()
}

func (s *DiagramServer) RegisterClient(c *Client) {
	s.log.Printf("adding connection from %q", c.user.Username)
	s.addClient(c)
}

func (s *DiagramServer) DeRegisterClient(c *Client) {
	s.log.Printf("removing connection from %q", c.user.Username)
	s.removeClient(c)
}

func (s *DiagramServer) addClient(c *Client) {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()
	s.clients[c] = struct{}{}
	s.stats.Incr(stats.ActiveClients)
}

func (s *DiagramServer) removeClient(c *Client) {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	s.stats.Decr(stats.ActiveClients)
}

func (s *DiagramServer) addRoom(id string, r *Room) {
	s.roomsLock.Lock()
	defer s.roomsLock.Unlock()
	s.rooms[id] = r
	s.stats.Incr(stats.ActiveRooms)
}

func (s *DiagramServer) getRoom(id string) (*Room, bool) {
	s.roomsLock.RLock()
	defer s.roomsLock.RUnlock()
	r, ok := s.rooms[id]
	return r, ok
}

func (s *DiagramServer) hasRoom(id string) bool {
	_, ok := s.getRoom(id)
	return ok
}

func (s *DiagramServer) removeRoom(id string) {
	s.roomsLock.Lock()
	defer s.roomsLock.Unlock()
	if _, ok := s.rooms[id]; !ok {
		return
	}
	delete(s.rooms, id)
	s.stats.Decr(stats.ActiveRooms)
}

// UnloadRoom asks the server loop to stop the room. Deleted rooms notify
// their clients first.
func (s *DiagramServer) UnloadRoom(ctx context.Context, roomId string, deleted bool) error {
	if roomId == "" {
		return fmt.Errorf("roomId cannot be empty")
	}

	select {
	case s.unloadRoomChan <- unloadRoomRequest{roomId: roomId, deleted: deleted}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *DiagramServer) unloadRoom(roomId string, deleted bool) {
	r, ok := s.getRoom(roomId)
	if !ok {
		return
	}

	s.log.Printf("unloading room %q", roomId)
	s.removeRoom(roomId)

	done := make(chan string, 1)
	r.exit <- exitReq{deleted: deleted, done: done}
	<-done
}

func (s *DiagramServer) unloadAllRooms() {
	s.roomsLock.RLock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	s.roomsLock.RUnlock()

	for _, id := range ids {
		s.unloadRoom(id, false)
	}
}

// Shutdown disconnects every client, stops all rooms and waits for the
// server loop to exit or ctx to be done.
func (s *DiagramServer) Shutdown(ctx context.Context) error {
	s.log.Println("received shutdown signal")

	s.clientsLock.Lock()
	for c := range s.clients {
		c.stopClient()
	}
	s.clientsLock.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveUsers returns the ids of users connected to a loaded room.
func (s *DiagramServer) ActiveUsers(roomId string) []int {
	r, ok := s.getRoom(roomId)
	if !ok {
		return []int{}
	}
	return r.activeUsers()
}
