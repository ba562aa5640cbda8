package server

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-erd/internal/database"
	"github.com/npezzotti/go-erd/internal/stats"
	"github.com/npezzotti/go-erd/internal/testutil"
	"github.com/npezzotti/go-erd/internal/types"
)

func newTestServer(t *testing.T, db database.Repository, su stats.StatsProvider) *DiagramServer {
	t.Helper()
	if su == nil {
		su = stats.NoopStats{}
	}
	return NewDiagramServer(testutil.TestLogger(t), db, su, WithIdleRoomTimeout(time.Hour))
}

func newTestRoom(s *DiagramServer, public bool) *Room {
	r := newRoom(s, database.Room{Id: 1, ExternalId: "room1", Name: "Shop", HostId: 1, IsPublic: public})
	r.killTimer = time.NewTimer(time.Hour)
	r.killTimer.Stop()
	return r
}

func newTestClient(t *testing.T, s *DiagramServer, id int, name string) *Client {
	return &Client{
		id:    uuid.NewString(),
		srv:   s,
		log:   testutil.TestLogger(t),
		user:  types.User{Id: id, Username: name},
		send:  make(chan *ServerMessage, 16),
		rooms: make(map[string]*Room),
		stop:  make(chan struct{}),
	}
}

func recv(t *testing.T, c *Client) *ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("no message for %s", c.user.Username)
		return nil
	}
}

func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Errorf("unexpected message for %s: %+v", c.user.Username, msg)
	default:
	}
}

// joinAs adds c to r with the given role without touching the database.
func joinAs(r *Room, c *Client, role types.Role) {
	r.roles[c.user.Id] = role
	r.addClient(c)
}
