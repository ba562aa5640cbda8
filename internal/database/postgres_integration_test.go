//go:build integration

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/npezzotti/go-erd/internal/diagram"
	"github.com/npezzotti/go-erd/internal/persist"
	"github.com/npezzotti/go-erd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestRepository(t *testing.T) *PgRepository {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("erd"),
		tcpostgres.WithUsername("erd"),
		tcpostgres.WithPassword("erd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	repo, err := NewPgRepository(dsn, testutil.TestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	require.NoError(t, repo.Migrate())
	// a second run is a no-op
	require.NoError(t, repo.Migrate())
	return repo
}

func TestPgRepository(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	host, err := repo.CreateAccount(ctx, CreateAccountParams{Username: "alice", EmailAddress: "alice@example.com", PasswordHash: "x"})
	require.NoError(t, err)
	guest, err := repo.CreateAccount(ctx, CreateAccountParams{Username: "bob", EmailAddress: "bob@example.com", PasswordHash: "y"})
	require.NoError(t, err)

	_, err = repo.CreateAccount(ctx, CreateAccountParams{Username: "alice2", EmailAddress: "alice@example.com", PasswordHash: "z"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	byEmail, err := repo.GetAccountByEmail(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "y", byEmail.PasswordHash)

	_, err = repo.GetAccountById(ctx, 9999)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	room, err := repo.CreateRoom(ctx, CreateRoomParams{Name: "Shop", ExternalId: "shop1", HostId: host.Id})
	require.NoError(t, err)
	assert.Equal(t, "host", room.Role)

	stored, err := diagram.Validate(room.DiagramData)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Version)

	p, err := repo.AddParticipant(ctx, room.Id, guest.Id, "viewer")
	require.NoError(t, err)
	assert.Equal(t, "viewer", p.Role)
	p, err = repo.AddParticipant(ctx, room.Id, guest.Id, "editor")
	require.NoError(t, err)
	assert.Equal(t, "viewer", p.Role, "existing participants keep their role")

	full, err := repo.GetRoomByExternalId(ctx, "shop1")
	require.NoError(t, err)
	require.Len(t, full.Participants, 2)
	assert.Equal(t, "alice", full.Participants[0].Username)

	rooms, err := repo.ListRooms(ctx, guest.Id)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "viewer", rooms[0].Role)

	t.Run("update diagram", func(t *testing.T) {
		changes := make(chan persist.RoomRow, 4)
		sub, err := repo.SubscribeChanges(ctx, persist.RoomsTable, persist.RoomFilter("shop1"), func(row persist.RoomRow) {
			changes <- row
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		d := diagram.Empty()
		d.Version = 1
		d.Entities = append(d.Entities, diagram.Entity{ID: "e1", Name: "Customer", Attributes: []diagram.EntityAttribute{}})
		raw, err := diagram.Marshal(d)
		require.NoError(t, err)

		require.NoError(t, repo.UpdateDiagram(ctx, "shop1", raw, time.Now()))
		assert.ErrorIs(t, repo.UpdateDiagram(ctx, "shop1", raw, time.Now()), persist.ErrVersionConflict)
		assert.ErrorIs(t, repo.UpdateDiagram(ctx, "missing", raw, time.Now()), persist.ErrRoomNotFound)

		var invalid *diagram.ValidationError
		assert.ErrorAs(t, repo.UpdateDiagram(ctx, "shop1", json.RawMessage(`{"entities":{}}`), time.Now()), &invalid)

		select {
		case row := <-changes:
			got, err := diagram.Unmarshal(row.DiagramData)
			require.NoError(t, err)
			assert.Equal(t, 1, got.Version)
			assert.Equal(t, "Customer", got.Entities[0].Name)
		case <-time.After(5 * time.Second):
			t.Fatal("no change notification")
		}

		row, err := repo.GetRoom(ctx, "shop1")
		require.NoError(t, err)
		assert.JSONEq(t, string(raw), string(row.DiagramData))
	})

	t.Run("delete room", func(t *testing.T) {
		events := make(chan RoomEvent, 4)
		sub, err := repo.WatchRooms(ctx, func(ev RoomEvent) { events <- ev })
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, repo.DeleteRoom(ctx, room.Id))

		select {
		case ev := <-events:
			assert.Equal(t, RoomEvent{Op: RoomDeleted, RoomId: "shop1"}, ev)
		case <-time.After(5 * time.Second):
			t.Fatal("no delete notification")
		}

		_, err = repo.GetRoom(ctx, "shop1")
		assert.ErrorIs(t, err, persist.ErrRoomNotFound)
		participants, err := repo.ListParticipants(ctx, room.Id)
		require.NoError(t, err)
		assert.Empty(t, participants)
	})
}
