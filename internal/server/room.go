package server

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/npezzotti/go-erd/internal/broadcast"
	"github.com/npezzotti/go-erd/internal/database"
	"github.com/npezzotti/go-erd/internal/persist"
	"github.com/npezzotti/go-erd/internal/stats"
	"github.com/npezzotti/go-erd/internal/types"
)

type exitReq struct {
	deleted bool
	done    chan string
}

type Room struct {
	id            int
	externalId    string
	info          types.Room
	srv           *DiagramServer
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	snapshotChan  chan persist.RoomRow
	relayChan     chan *Broadcast
	clients       map[*Client]struct{}
	userMap       map[int]map[*Client]struct{}
	roles         map[int]types.Role
	presence      map[*Client]broadcast.Presence
	clientLock    sync.RWMutex
	log           *log.Logger
	// killTimer unloads the room once it has been empty for the idle timeout
	killTimer *time.Timer
	exit      chan exitReq
	cancel    context.CancelFunc
	subs      []persist.Subscription
}

func newRoom(s *DiagramServer, dbRoom database.Room) *Room {
	return &Room{
		id:         dbRoom.Id,
		externalId: dbRoom.ExternalId,
		info: types.Room{
			Id:          dbRoom.ExternalId,
			Name:        dbRoom.Name,
			Description: dbRoom.Description,
			HostId:      dbRoom.HostId,
			IsPublic:    dbRoom.IsPublic,
			CreatedAt:   dbRoom.CreatedAt,
			UpdatedAt:   dbRoom.UpdatedAt,
		},
		srv:           s,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		snapshotChan:  make(chan persist.RoomRow, 16),
		relayChan:     make(chan *Broadcast, 256),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[int]map[*Client]struct{}),
		roles:         make(map[int]types.Role),
		presence:      make(map[*Client]broadcast.Presence),
		log:           s.log,
		exit:          make(chan exitReq),
	}
}

// subscribe starts the store change feed and, if configured, the relay
// for the room.
func (r *Room) subscribe() error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	sub, err := r.srv.db.SubscribeChanges(ctx, persist.RoomsTable, persist.RoomFilter(r.externalId), r.onStoreChange)
	if err != nil {
		return err
	}
	r.subs = append(r.subs, sub)

	if r.srv.relay != nil {
		sub, err := r.srv.relay.Subscribe(ctx, r.externalId, r.onRelay)
		if err != nil {
			return err
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *Room) unsubscribe() {
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			r.log.Printf("unsubscribe room %q: %v", r.externalId, err)
		}
	}
	r.subs = nil
	if r.cancel != nil {
		r.cancel()
	}
}

// onStoreChange runs on the change feed's goroutine.
func (r *Room) onStoreChange(row persist.RoomRow) {
	select {
	case r.snapshotChan <- row:
	default:
		r.log.Printf("snapshot channel full for room %q", r.externalId)
	}
}

func (r *Room) onRelay(b *Broadcast) {
	select {
	case r.relayChan <- b:
	default:
		r.log.Printf("relay channel full for room %q", r.externalId)
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(r.srv.idleTimeout)
	r.killTimer.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.clientMsgChan:
			switch {
			case msg.Broadcast != nil:
				r.handleBroadcast(msg)
			case msg.Track != nil:
				r.handleTrack(msg)
			}
		case row := <-r.snapshotChan:
			r.handleSnapshot(row)
		case b := <-r.relayChan:
			r.broadcast(&ServerMessage{Broadcast: b})
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.externalId)
	select {
	case r.srv.unloadRoomChan <- unloadRoomRequest{roomId: r.externalId}:
	default:
		r.log.Printf("unload channel full, retrying room %q later", r.externalId)
		r.killTimer.Reset(r.srv.idleTimeout)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.externalId)
	r.unsubscribe()

	if e.deleted {
		r.broadcast(&ServerMessage{
			Notification: &Notification{
				RoomDeleted: &RoomDeleted{RoomId: r.externalId},
			},
		})
	}

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
	}
	r.clientLock.Unlock()

	if e.done != nil {
		e.done <- r.externalId
	}
}

// role returns the participant role of userId, adding it as an editor of
// a public room on first join.
func (r *Room) role(userId int) (types.Role, error) {
	if role, ok := r.roles[userId]; ok {
		return role, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	p, err := r.srv.db.GetParticipant(ctx, r.id, userId)
	if errors.Is(err, sql.ErrNoRows) && r.info.IsPublic {
		p, err = r.srv.db.AddParticipant(ctx, r.id, userId, string(types.RoleEditor))
	}
	if err != nil {
		return "", err
	}

	role := types.Role(p.Role)
	r.roles[userId] = role
	return role, nil
}

func (r *Room) handleJoin(join *ClientMessage) {
	// stop the kill timer since we have a new client
	r.killTimer.Stop()

	c := join.client
	role, err := r.role(c.user.Id)
	if err != nil {
		if len(r.clients) == 0 {
			r.killTimer.Reset(r.srv.idleTimeout)
		}
		if errors.Is(err, sql.ErrNoRows) {
			c.queueMessage(ErrForbidden(join.Id))
			return
		}
		r.log.Println("participant role:", err)
		c.queueMessage(ErrInternalError(join.Id))
		return
	}

	r.addClient(c)

	info := r.info
	info.Role = role
	c.queueMessage(NoErrOK(join.Id, info))
	c.queueMessage(r.presenceSync())
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	client := leaveMsg.client
	_, tracked := r.presence[client]
	r.removeClient(client)

	if leaveMsg.Id > 0 {
		client.queueMessage(NoErrOK(leaveMsg.Id, nil))
	}

	if tracked {
		r.broadcast(r.presenceSync())
	}
}

func (r *Room) handleBroadcast(msg *ClientMessage) {
	if _, ok := r.getClient(msg.client); !ok {
		msg.client.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}
	if !r.roles[msg.GetUserId()].CanEdit() {
		msg.client.queueMessage(ErrForbidden(msg.Id))
		return
	}
	if msg.Broadcast.Event == "" {
		msg.client.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	b := &Broadcast{RoomId: r.externalId, Event: msg.Broadcast.Event, Payload: msg.Broadcast.Payload}
	r.srv.stats.Incr(stats.Broadcasts)
	msg.client.queueMessage(NoErrAccepted(msg.Id))
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Id: msg.Id},
		Broadcast:   b,
		SkipClient:  msg.client,
	})

	if r.srv.relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
		defer cancel()
		if err := r.srv.relay.Publish(ctx, r.externalId, b); err != nil {
			r.log.Printf("relay broadcast for room %q: %v", r.externalId, err)
		}
	}
}

func (r *Room) handleTrack(msg *ClientMessage) {
	if _, ok := r.getClient(msg.client); !ok {
		msg.client.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	onlineAt := msg.Track.OnlineAt
	if onlineAt.IsZero() {
		onlineAt = Now()
	}
	r.presence[msg.client] = broadcast.Presence{
		UserID:   strconv.Itoa(msg.GetUserId()),
		OnlineAt: onlineAt,
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))
	r.broadcast(r.presenceSync())
}

func (r *Room) handleSnapshot(row persist.RoomRow) {
	r.srv.stats.Incr(stats.Snapshots)
	r.broadcast(&ServerMessage{
		Notification: &Notification{
			Snapshot: &Snapshot{RoomId: r.externalId, Room: row},
		},
	})
}

func (r *Room) presenceSync() *ServerMessage {
	state := make(map[string][]broadcast.Presence, len(r.presence))
	for c, p := range r.presence {
		state[c.id] = []broadcast.Presence{p}
	}
	return &ServerMessage{
		Notification: &Notification{
			PresenceSync: &PresenceSync{RoomId: r.externalId, State: state},
		},
	}
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) getClient(c *Client) (*Client, bool) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	_, ok := r.clients[c]
	return c, ok
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		r.log.Printf("client %q not found in room %q", c.user.Username, r.externalId)
		return
	}

	delete(r.clients, c)
	delete(r.presence, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	r.log.Printf("removed client %q from room %q", c.user.Username, r.externalId)

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		r.killTimer.Reset(r.srv.idleTimeout)
	}
}

// activeUsers lists the ids of users with at least one connection.
func (r *Room) activeUsers() []int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	return slices.Sorted(maps.Keys(r.userMap))
}

func (r *Room) broadcast(msg *ServerMessage) {
	msg.Timestamp = Now()

	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
