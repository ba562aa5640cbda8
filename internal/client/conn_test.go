package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/go-erd/internal/api"
	"github.com/npezzotti/go-erd/internal/broadcast"
	"github.com/npezzotti/go-erd/internal/config"
	"github.com/npezzotti/go-erd/internal/database"
	"github.com/npezzotti/go-erd/internal/persist"
	"github.com/npezzotti/go-erd/internal/server"
	"github.com/npezzotti/go-erd/internal/stats"
	"github.com/npezzotti/go-erd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	url  string
	db   *database.MockRepository
	feed chan func(persist.RoomRow)
}

// newTestEnv runs the HTTP API and the diagram server against a mocked
// repository holding alice (host) and bob (editor) of public room "room1".
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testutil.TestLogger(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	db := &database.MockRepository{}
	env := &testEnv{db: db, feed: make(chan func(persist.RoomRow), 1)}

	users := []database.User{
		{Id: 1, Username: "alice", EmailAddress: "alice@example.com", PasswordHash: string(hash)},
		{Id: 2, Username: "bob", EmailAddress: "bob@example.com", PasswordHash: string(hash)},
	}
	for _, u := range users {
		db.On("GetAccountByEmail", mock.Anything, u.EmailAddress).Return(u, nil)
		db.On("GetAccountById", mock.Anything, u.Id).Return(u, nil)
	}
	db.On("GetRoomByExternalId", mock.Anything, "room1").
		Return(database.Room{Id: 1, ExternalId: "room1", Name: "Shop", HostId: 1, IsPublic: true}, nil)
	db.On("GetParticipant", mock.Anything, 1, 1).
		Return(database.Participant{RoomId: 1, AccountId: 1, Username: "alice", Role: "host"}, nil)
	db.On("GetParticipant", mock.Anything, 1, 2).
		Return(database.Participant{RoomId: 1, AccountId: 2, Username: "bob", Role: "editor"}, nil)
	db.On("SubscribeChanges", mock.Anything, persist.RoomsTable, "id=eq.room1", mock.Anything).
		Run(func(args mock.Arguments) {
			env.feed <- args.Get(3).(func(persist.RoomRow))
		}).
		Return(persist.SubscriptionFunc(func() error { return nil }), nil)

	ds := server.NewDiagramServer(logger, db, stats.NoopStats{}, server.WithIdleRoomTimeout(time.Hour))
	go ds.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ds.Shutdown(ctx)
	})

	cfg, err := config.NewConfig("127.0.0.1:0", "postgres://unused", base64.StdEncoding.EncodeToString([]byte("secret")), nil)
	require.NoError(t, err)

	app := api.NewApp(http.NewServeMux(), logger, ds, db, nil, cfg)
	ts := httptest.NewServer(app.Handler())
	t.Cleanup(ts.Close)

	env.url = ts.URL
	return env
}

func (e *testEnv) dial(t *testing.T, email string) (*Client, *Conn) {
	t.Helper()
	ctx := context.Background()

	c, err := New(e.url, testutil.TestLogger(t))
	require.NoError(t, err)
	_, err = c.Login(ctx, email, "secret")
	require.NoError(t, err)

	conn, err := c.Dial(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return c, conn
}

func TestConn_Dial_Unauthorized(t *testing.T) {
	env := newTestEnv(t)

	c, err := New(env.url, testutil.TestLogger(t))
	require.NoError(t, err)

	_, err = c.Dial(context.Background())
	assert.Error(t, err)
}

func TestConn_Broadcast(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.dial(t, "alice@example.com")
	_, bob := env.dial(t, "bob@example.com")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var _ broadcast.Transport = alice

	received := make(chan json.RawMessage, 1)
	chA := alice.Channel(broadcast.Topic("room1"))
	chA.On(broadcast.EventDiagramChange, func(p json.RawMessage) { received <- p })
	require.NoError(t, chA.Subscribe(ctx))

	echoed := make(chan json.RawMessage, 1)
	chB := bob.Channel(broadcast.Topic("room1"))
	chB.On(broadcast.EventDiagramChange, func(p json.RawMessage) { echoed <- p })

	assert.ErrorIs(t, chB.Send(ctx, broadcast.EventDiagramChange, json.RawMessage(`{}`)), broadcast.ErrNotSubscribed)
	require.NoError(t, chB.Subscribe(ctx))

	require.NoError(t, chB.Send(ctx, broadcast.EventDiagramChange, json.RawMessage(`{"type":"entity_deleted","data":{"id":"e1"}}`)))

	select {
	case p := <-received:
		assert.JSONEq(t, `{"type":"entity_deleted","data":{"id":"e1"}}`, string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered")
	}

	// the sender never gets its own message
	select {
	case p := <-echoed:
		t.Fatalf("sender received own broadcast: %s", p)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, chB.Unsubscribe(ctx))
	assert.ErrorIs(t, chB.Send(ctx, broadcast.EventDiagramChange, json.RawMessage(`{}`)), broadcast.ErrChannelClosed)
	assert.ErrorIs(t, chB.Subscribe(ctx), broadcast.ErrChannelClosed)
}

func TestConn_Presence(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.dial(t, "alice@example.com")
	_, bob := env.dial(t, "bob@example.com")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chA := alice.Channel(broadcast.Topic("room1"))
	require.NoError(t, chA.Subscribe(ctx))

	synced := make(chan struct{}, 8)
	chB := bob.Channel(broadcast.Topic("room1"))
	chB.OnPresenceSync(func() { synced <- struct{}{} })
	require.NoError(t, chB.Subscribe(ctx))

	onlineAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, chA.Track(ctx, broadcast.Presence{UserID: "ignored", OnlineAt: onlineAt}))

	assert.Eventually(t, func() bool {
		for _, metas := range chB.PresenceState() {
			for _, p := range metas {
				if p.UserID == "1" && p.OnlineAt.Equal(onlineAt) {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, synced)

	// leaving drops the tracked presence
	require.NoError(t, chA.Unsubscribe(ctx))
	assert.Eventually(t, func() bool { return len(chB.PresenceState()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConn_SubscribeChanges(t *testing.T) {
	env := newTestEnv(t)
	bobClient, bob := env.dial(t, "bob@example.com")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := bobClient.Store(bob)

	_, err := store.SubscribeChanges(ctx, "accounts", "id=eq.room1", func(persist.RoomRow) {})
	assert.Error(t, err)
	_, err = store.SubscribeChanges(ctx, persist.RoomsTable, "name=eq.Shop", func(persist.RoomRow) {})
	assert.Error(t, err)

	rows := make(chan persist.RoomRow, 1)
	sub, err := store.SubscribeChanges(ctx, persist.RoomsTable, persist.RoomFilter("room1"), func(row persist.RoomRow) { rows <- row })
	require.NoError(t, err)

	var publish func(persist.RoomRow)
	select {
	case publish = <-env.feed:
	case <-time.After(2 * time.Second):
		t.Fatal("room did not subscribe to the change feed")
	}

	publish(persist.RoomRow{ID: "room1", Name: "Shop", DiagramData: json.RawMessage(`{"version":3}`)})

	select {
	case row := <-rows:
		assert.Equal(t, "room1", row.ID)
		assert.JSONEq(t, `{"version":3}`, string(row.DiagramData))
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot not delivered")
	}

	require.NoError(t, sub.Unsubscribe())
	// idempotent
	require.NoError(t, sub.Unsubscribe())
}

func TestConn_UnsubscribeDropsHandlers(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.dial(t, "alice@example.com")
	bobClient, bob := env.dial(t, "bob@example.com")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// the change feed keeps bob in the room across channel lifetimes
	sub, err := bobClient.Store(bob).SubscribeChanges(ctx, persist.RoomsTable, persist.RoomFilter("room1"), func(persist.RoomRow) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	stale := make(chan json.RawMessage, 4)
	first := bob.Channel(broadcast.Topic("room1"))
	first.On(broadcast.EventDiagramChange, func(p json.RawMessage) { stale <- p })
	require.NoError(t, first.Subscribe(ctx))
	require.NoError(t, first.Unsubscribe(ctx))

	fresh := make(chan json.RawMessage, 4)
	second := bob.Channel(broadcast.Topic("room1"))
	second.On(broadcast.EventDiagramChange, func(p json.RawMessage) { fresh <- p })
	require.NoError(t, second.Subscribe(ctx))

	chA := alice.Channel(broadcast.Topic("room1"))
	require.NoError(t, chA.Subscribe(ctx))
	require.NoError(t, chA.Send(ctx, broadcast.EventDiagramChange, json.RawMessage(`{"type":"entity_deleted","data":{"id":"e1"}}`)))

	select {
	case <-fresh:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered")
	}

	select {
	case p := <-fresh:
		t.Fatalf("broadcast delivered twice: %s", p)
	case p := <-stale:
		t.Fatalf("unsubscribed channel received: %s", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConn_Close(t *testing.T) {
	env := newTestEnv(t)
	_, conn := env.dial(t, "alice@example.com")

	require.NoError(t, conn.Close())

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not done after close")
	}

	assert.ErrorIs(t, conn.Err(), ErrClosed)

	ch := conn.Channel(broadcast.Topic("room1"))
	assert.ErrorIs(t, ch.Subscribe(context.Background()), ErrClosed)
}
