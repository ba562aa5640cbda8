package persist

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-erd/internal/diagram"
	"github.com/npezzotti/go-erd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestLoadInitial(t *testing.T) {
	tcases := []struct {
		name        string
		row         RoomRow
		err         error
		wantVersion int
		wantErr     error
	}{
		{
			name:        "stored diagram",
			row:         RoomRow{ID: "r1", DiagramData: json.RawMessage(`{"entities":[{"id":"e1","name":"User","attributes":null,"position":{"x":1,"y":2}}],"relationships":[],"version":4}`)},
			wantVersion: 4,
		},
		{
			name: "never edited",
			row:  RoomRow{ID: "r1", DiagramData: json.RawMessage(`null`)},
		},
		{
			name: "seeded without version",
			row:  RoomRow{ID: "r1", DiagramData: json.RawMessage(`{"entities":[],"relationships":[]}`)},
		},
		{
			name:    "missing room",
			err:     ErrRoomNotFound,
			wantErr: ErrRoomNotFound,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			store := new(MockDocumentStore)
			store.On("GetRoom", mock.Anything, "r1").Return(tc.row, tc.err)
			s := NewSynchronizer(store, testutil.TestLogger(t))

			d, err := s.LoadInitial(context.Background(), "r1")
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantVersion, d.Version)
			assert.NotNil(t, d.Entities)
			assert.NotNil(t, d.Relationships)
			for _, e := range d.Entities {
				assert.NotNil(t, e.Attributes)
			}
			store.AssertExpectations(t)
		})
	}
}

func TestPersist(t *testing.T) {
	store := new(MockDocumentStore)
	s := NewSynchronizer(store, testutil.TestLogger(t))
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return now }

	snap := diagram.Empty()
	snap.Version = 3
	raw, err := diagram.Marshal(snap)
	require.NoError(t, err)

	store.On("UpdateDiagram", mock.Anything, "r1", json.RawMessage(raw), now).Return(nil).Once()
	assert.NoError(t, s.Persist(context.Background(), "r1", snap))

	store.On("UpdateDiagram", mock.Anything, "r1", mock.Anything, now).Return(errors.New("connection reset")).Once()
	err = s.Persist(context.Background(), "r1", snap)

	var perr *PersistError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "r1", perr.RoomID)
	assert.Equal(t, 3, perr.Version)
	assert.False(t, perr.IsConflict())
	assert.EqualError(t, err, "persist room r1 at version 3: connection reset")
	store.AssertExpectations(t)
}

func TestSubscribeRemoteUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(RoomRow{ID: "r1"})
	store.Put(RoomRow{ID: "r2"})
	s := NewSynchronizer(store, testutil.TestLogger(t))

	var got []diagram.Data
	sub, err := s.SubscribeRemoteUpdates(ctx, "r1", func(d diagram.Data) { got = append(got, d) })
	require.NoError(t, err)

	next := diagram.Empty()
	next.Version = 1
	next.Relationships = []diagram.Relationship{{ID: "rel", FromEntity: "a", ToEntity: "b", Type: diagram.ManyToMany}}
	require.NoError(t, s.Persist(ctx, "r1", next))

	other := diagram.Empty()
	other.Version = 1
	require.NoError(t, s.Persist(ctx, "r2", other))

	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Version)
	assert.Equal(t, next.Relationships, got[0].Relationships)

	require.NoError(t, sub.Unsubscribe())
	next.Version = 2
	require.NoError(t, s.Persist(ctx, "r1", next))
	assert.Len(t, got, 1)
	assert.Equal(t, 0, store.Subscribers())
}

func TestSubscribeRemoteUpdates_DropsInvalid(t *testing.T) {
	store := new(MockDocumentStore)
	s := NewSynchronizer(store, testutil.TestLogger(t))

	var cb func(RoomRow)
	store.On("SubscribeChanges", mock.Anything, RoomsTable, "id=eq.r1", mock.Anything).
		Run(func(args mock.Arguments) { cb = args.Get(3).(func(RoomRow)) }).
		Return(SubscriptionFunc(func() error { return nil }), nil)

	var got []diagram.Data
	_, err := s.SubscribeRemoteUpdates(context.Background(), "r1", func(d diagram.Data) { got = append(got, d) })
	require.NoError(t, err)
	require.NotNil(t, cb)

	for _, payload := range []string{
		`{"relationships":[],"version":2}`,
		`{"entities":{},"relationships":[],"version":2}`,
		`{"entities":[],"relationships":[],"version":"2"}`,
		`[]`,
	} {
		cb(RoomRow{ID: "r1", DiagramData: json.RawMessage(payload)})
	}
	assert.Empty(t, got)

	cb(RoomRow{ID: "r1", DiagramData: json.RawMessage(`{"entities":[],"relationships":[],"version":2}`)})
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Version)
}

func TestSubscribeRemoteUpdates_Error(t *testing.T) {
	store := new(MockDocumentStore)
	store.On("SubscribeChanges", mock.Anything, RoomsTable, "id=eq.r1", mock.Anything).Return(nil, errors.New("listener down"))
	s := NewSynchronizer(store, testutil.TestLogger(t))

	_, err := s.SubscribeRemoteUpdates(context.Background(), "r1", func(diagram.Data) {})
	assert.ErrorContains(t, err, "listener down")
}

func TestMemoryStore_VersionGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(RoomRow{ID: "r1", DiagramData: json.RawMessage(`{"entities":[],"relationships":[],"version":0}`)})
	s := NewSynchronizer(store, testutil.TestLogger(t))

	d := diagram.Empty()
	d.Version = 2
	require.NoError(t, s.Persist(ctx, "r1", d))

	d.Version = 2
	err := s.Persist(ctx, "r1", d)
	var perr *PersistError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.IsConflict())
	assert.ErrorIs(t, err, ErrVersionConflict)

	assert.ErrorIs(t, s.Persist(ctx, "missing", d), ErrRoomNotFound)
}
