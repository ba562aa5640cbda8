package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/npezzotti/go-erd/internal/broadcast"
	"github.com/npezzotti/go-erd/internal/canvas"
	"github.com/npezzotti/go-erd/internal/diagram"
	"github.com/npezzotti/go-erd/internal/persist"
	"github.com/npezzotti/go-erd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRoom = "room1"
	waitFor  = 2 * time.Second
	tick     = 5 * time.Millisecond
)

type staticAuth string

func (a staticAuth) CurrentUserID() (string, bool) { return string(a), a != "" }
func (staticAuth) OnAuthChange(func(string, bool)) {}

type testEnv struct {
	store persist.DocumentStore
	mem   *persist.MemoryStore
	hub   *broadcast.LocalHub
}

func newTestEnv(t *testing.T) *testEnv {
	mem := persist.NewMemoryStore()
	mem.Put(persist.RoomRow{
		ID:          testRoom,
		Name:        "Shop",
		DiagramData: json.RawMessage(`{"entities":[],"relationships":[],"version":0}`),
	})
	return &testEnv{store: mem, mem: mem, hub: broadcast.NewLocalHub()}
}

func (e *testEnv) newController(t *testing.T, userID string, role Role) (*Controller, *canvas.Headless) {
	logger := testutil.TestLogger(t)
	cv := canvas.NewHeadless()
	bc := broadcast.New(e.hub, staticAuth(userID), logger)
	c := New(Config{UserID: userID, Role: role}, cv, bc, persist.NewSynchronizer(e.store, logger), logger)
	t.Cleanup(func() { c.Teardown(context.Background()) })
	return c, cv
}

func (e *testEnv) join(t *testing.T, userID string, role Role) (*Controller, *canvas.Headless) {
	c, cv := e.newController(t, userID, role)
	require.NoError(t, c.Initialize(context.Background(), testRoom))
	return c, cv
}

func (e *testEnv) storedVersion(t *testing.T) int {
	row, err := e.mem.GetRoom(context.Background(), testRoom)
	require.NoError(t, err)
	d, err := diagram.Unmarshal(row.DiagramData)
	require.NoError(t, err)
	return d.Version
}

func hasLevel(c *Controller, level Level) bool {
	for _, n := range c.Notifications() {
		if n.Level == level {
			return true
		}
	}
	return false
}

func TestInitialize(t *testing.T) {
	env := newTestEnv(t)
	env.mem.Put(persist.RoomRow{
		ID:          testRoom,
		DiagramData: json.RawMessage(`{"entities":[{"id":"e1","name":"User","attributes":[],"position":{"x":10,"y":20}}],"relationships":[],"version":3}`),
	})

	c, cv := env.newController(t, "alice", RoleHost)
	assert.Equal(t, StateUninitialized, c.State())

	require.NoError(t, c.Initialize(context.Background(), testRoom))
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, testRoom, c.RoomID())
	assert.Equal(t, 3, c.Snapshot().Version)

	n, ok := cv.Node("e1")
	require.True(t, ok)
	assert.Equal(t, "10 20", n.Loc)

	assert.Equal(t, 1, env.hub.Members(broadcast.Topic(testRoom)))
	assert.Equal(t, 1, env.mem.Subscribers())

	assert.ErrorIs(t, c.Initialize(context.Background(), testRoom), ErrAlreadyInitialized)
}

func TestInitialize_Failure(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.newController(t, "alice", RoleHost)

	err := c.Initialize(context.Background(), "missing")

	var ierr *InitializationError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "missing", ierr.RoomID)
	assert.ErrorIs(t, err, persist.ErrRoomNotFound)
	assert.Equal(t, StateUninitialized, c.State())
	assert.True(t, hasLevel(c, LevelError))

	_, err = c.AddEntity(diagram.EntityInput{Name: "User"})
	assert.ErrorIs(t, err, ErrNotReady)
}

// Two clients in one room: A's structural edits reach B through the store
// and the live channel.
func TestScenario_AddEntitiesAndRelationship(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.join(t, "alice", RoleHost)
	b, bCanvas := env.join(t, "bob", RoleEditor)

	user, err := a.AddEntity(diagram.EntityInput{Name: "User", Position: diagram.Position{X: 0, Y: 0}})
	require.NoError(t, err)
	order, err := a.AddEntity(diagram.EntityInput{Name: "Order", Position: diagram.Position{X: 300, Y: 0}})
	require.NoError(t, err)
	rel, err := a.AddRelationship(diagram.RelationshipInput{FromEntity: user.ID, ToEntity: order.ID, Type: diagram.OneToMany})
	require.NoError(t, err)

	assert.Equal(t, 3, a.Snapshot().Version)
	assert.Equal(t, "alice", a.Snapshot().LastModifiedBy)

	assert.Eventually(t, func() bool { return env.storedVersion(t) == 3 }, waitFor, tick)
	assert.Eventually(t, func() bool { return b.Snapshot().Version == 3 }, waitFor, tick)

	snap := b.Snapshot()
	assert.Len(t, snap.Entities, 2)
	got, ok := snap.Relationship(rel.ID)
	require.True(t, ok)
	assert.Equal(t, rel, got)
	assert.Eventually(t, func() bool { return len(bCanvas.Links()) == 1 }, waitFor, tick)
}

func TestScenario_DragIsEphemeralUntilDrop(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.join(t, "alice", RoleHost)
	b, bCanvas := env.join(t, "bob", RoleEditor)

	e, err := a.AddEntity(diagram.EntityInput{Name: "User"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Snapshot().Version == 1 && env.storedVersion(t) == 1 }, waitFor, tick)

	pos := diagram.Position{X: 120, Y: 80}
	require.NoError(t, a.OnCanvasEntityMoved(e.ID, pos, false))
	assert.Equal(t, 1, a.Snapshot().Version)

	assert.Eventually(t, func() bool {
		got, ok := b.Snapshot().Entity(e.ID)
		return ok && got.Position == pos
	}, waitFor, tick)
	assert.Equal(t, 1, b.Snapshot().Version)
	assert.Equal(t, 1, env.storedVersion(t))
	assert.Eventually(t, func() bool {
		n, _ := bCanvas.Node(e.ID)
		return n.Loc == "120 80"
	}, waitFor, tick)

	// applying the same move twice leaves the same state
	move, _ := json.Marshal(EntityMove{ID: e.ID, Position: pos})
	before := b.Snapshot()
	require.NoError(t, b.OnRemoteBroadcastChange(broadcast.Change{Type: broadcast.EntityMoved, UserID: "alice", Data: move}))
	assert.Equal(t, before, b.Snapshot())

	drop := diagram.Position{X: 200, Y: 90}
	require.NoError(t, a.OnCanvasEntityMoved(e.ID, drop, true))
	assert.Equal(t, 2, a.Snapshot().Version)
	assert.Eventually(t, func() bool { return env.storedVersion(t) == 2 }, waitFor, tick)
	assert.Eventually(t, func() bool {
		got, _ := b.Snapshot().Entity(e.ID)
		return b.Snapshot().Version == 2 && got.Position == drop
	}, waitFor, tick)
}

func TestSameUserSessionsShareDrags(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.join(t, "alice", RoleHost)
	b, bCanvas := env.join(t, "alice", RoleEditor)
	require.NotEqual(t, a.SessionID(), b.SessionID())

	e, err := a.AddEntity(diagram.EntityInput{Name: "User"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Snapshot().Version == 1 }, waitFor, tick)

	pos := diagram.Position{X: 40, Y: 60}
	require.NoError(t, a.OnCanvasEntityMoved(e.ID, pos, false))

	assert.Eventually(t, func() bool {
		got, ok := b.Snapshot().Entity(e.ID)
		return ok && got.Position == pos
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		n, _ := bCanvas.Node(e.ID)
		return n.Loc == "40 60"
	}, waitFor, tick)
}

func TestNonFinitePositionsAreRejected(t *testing.T) {
	env := newTestEnv(t)
	c, cv := env.join(t, "alice", RoleHost)

	e, err := c.AddEntity(diagram.EntityInput{Name: "User"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.storedVersion(t) == 1 }, waitFor, tick)

	cv.DragNode(e.ID, diagram.Position{X: math.NaN(), Y: 0}, true)

	var verr *diagram.ValidationError
	nan := diagram.Position{X: math.NaN(), Y: 0}
	assert.ErrorAs(t, c.OnCanvasEntityMoved(e.ID, nan, true), &verr)
	assert.ErrorAs(t, c.OnCanvasEntityMoved(e.ID, diagram.Position{X: 1, Y: math.Inf(1)}, false), &verr)
	_, err = c.AddEntity(diagram.EntityInput{Name: "Bad", Position: diagram.Position{X: math.Inf(-1)}})
	assert.ErrorAs(t, err, &verr)
	assert.ErrorAs(t, c.UpdateEntity(e.ID, diagram.EntityPatch{Position: &nan}), &verr)

	got, _ := c.Snapshot().Entity(e.ID)
	assert.Equal(t, e.Position, got.Position)

	_, err = c.AddEntity(diagram.EntityInput{Name: "Order"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return env.storedVersion(t) == 2 }, waitFor, tick)
}

func TestCanvasTransactions(t *testing.T) {
	env := newTestEnv(t)
	c, cv := env.join(t, "alice", RoleHost)

	e, err := c.AddEntity(diagram.EntityInput{Name: "User"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.storedVersion(t) == 1 }, waitFor, tick)

	// finished render transactions are not edits
	cv.BeginTransaction("render")
	cv.CommitTransaction("render")
	require.NoError(t, c.queue.do(func() error { return nil }))
	assert.Equal(t, 1, c.Snapshot().Version)

	// a gesture that ends with its transaction rather than a final move
	pos := diagram.Position{X: 30, Y: 45}
	cv.BeginTransaction("move")
	cv.DragNode(e.ID, pos, false)
	cv.CommitTransaction("move")

	assert.Eventually(t, func() bool {
		got, _ := c.Snapshot().Entity(e.ID)
		return c.Snapshot().Version == 2 && got.Position == pos
	}, waitFor, tick)
	assert.Eventually(t, func() bool { return env.storedVersion(t) == 2 }, waitFor, tick)

	// nothing left to commit
	cv.BeginTransaction("move")
	cv.CommitTransaction("move")
	require.NoError(t, c.queue.do(func() error { return nil }))
	assert.Equal(t, 2, c.Snapshot().Version)
}

func TestStructuralEdits(t *testing.T) {
	env := newTestEnv(t)
	c, cv := env.join(t, "alice", RoleHost)

	e, err := c.AddEntity(diagram.EntityInput{Name: "User"})
	require.NoError(t, err)

	attr, err := c.AddAttribute(e.ID, diagram.EntityAttribute{Name: "id", IsPrimaryKey: true})
	require.NoError(t, err)
	assert.NotEmpty(t, attr.ID)
	assert.Equal(t, diagram.AttributeString, attr.Type)

	num := diagram.AttributeNumber
	require.NoError(t, c.UpdateAttribute(e.ID, attr.ID, diagram.AttributePatch{Type: &num}))

	bad := diagram.AttributeType("uuid")
	var verr *diagram.ValidationError
	assert.ErrorAs(t, c.UpdateAttribute(e.ID, attr.ID, diagram.AttributePatch{Type: &bad}), &verr)

	name := "Account"
	require.NoError(t, c.UpdateEntity(e.ID, diagram.EntityPatch{Name: &name}))

	r, err := c.AddRelationship(diagram.RelationshipInput{FromEntity: e.ID, ToEntity: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, diagram.OneToMany, r.Type)

	mm := diagram.ManyToMany
	require.NoError(t, c.UpdateRelationship(r.ID, diagram.RelationshipPatch{Type: &mm}))
	require.NoError(t, c.RemoveAttribute(e.ID, attr.ID))

	snap := c.Snapshot()
	assert.Equal(t, 7, snap.Version)
	got, _ := snap.Entity(e.ID)
	assert.Equal(t, "Account", got.Name)
	assert.Empty(t, got.Attributes)

	n, ok := cv.Node(e.ID)
	require.True(t, ok)
	assert.Equal(t, "Account", n.Name)

	assert.ErrorIs(t, c.RemoveEntity("nope"), diagram.ErrNotFound)
	assert.ErrorIs(t, c.RemoveRelationship("nope"), diagram.ErrNotFound)
	assert.Equal(t, 7, c.Snapshot().Version)

	require.NoError(t, c.RemoveEntity(e.ID))
	assert.Len(t, c.Snapshot().Relationships, 1, "relationships are never cascaded")
	require.NoError(t, c.RemoveRelationship(r.ID))

	require.NoError(t, c.ClearDiagram())
	snap = c.Snapshot()
	assert.Equal(t, 10, snap.Version)
	assert.Empty(t, snap.Entities)

	assert.Eventually(t, func() bool { return env.storedVersion(t) == 10 }, waitFor, tick)
}

func TestViewerCannotEdit(t *testing.T) {
	env := newTestEnv(t)
	c, cv := env.join(t, "victor", RoleViewer)

	_, err := c.AddEntity(diagram.EntityInput{Name: "User"})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.ErrorIs(t, c.ClearDiagram(), ErrPermissionDenied)
	assert.ErrorIs(t, c.OnCanvasEntityMoved("e1", diagram.Position{}, true), ErrPermissionDenied)
	assert.Equal(t, 0, c.Snapshot().Version)

	cv.AddNode("User", diagram.Position{})
	assert.Eventually(t, func() bool { return hasLevel(c, LevelWarning) }, waitFor, tick)
	assert.Empty(t, c.Snapshot().Entities)

	// viewers still follow remote updates
	next := diagram.Empty()
	next.Version = 4
	assert.True(t, c.OnRemoteSnapshotUpdate(next))

	c.SetRole(RoleEditor)
	_, err = c.AddEntity(diagram.EntityInput{Name: "User"})
	assert.NoError(t, err)
}

func TestOnRemoteSnapshotUpdate(t *testing.T) {
	env := newTestEnv(t)
	c, cv := env.join(t, "alice", RoleHost)

	_, err := c.AddEntity(diagram.EntityInput{Name: "Local"})
	require.NoError(t, err)
	_, err = c.AddEntity(diagram.EntityInput{Name: "Local2"})
	require.NoError(t, err)

	incoming := diagram.Empty()
	incoming.Entities = []diagram.Entity{{ID: "remote", Name: "Remote", Attributes: []diagram.EntityAttribute{}}}

	for _, v := range []int{1, 2} {
		incoming.Version = v
		assert.False(t, c.OnRemoteSnapshotUpdate(incoming), "version %d", v)
	}

	renders := cv.Renders()
	incoming.Version = 3
	assert.True(t, c.OnRemoteSnapshotUpdate(incoming))
	assert.Equal(t, incoming.Entities, c.Snapshot().Entities)
	assert.Greater(t, cv.Renders(), renders)
	_, ok := cv.Node("remote")
	assert.True(t, ok)
}

func TestOnRemoteBroadcastChange(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.join(t, "alice", RoleHost)

	entity, _ := json.Marshal(diagram.Entity{ID: "e9", Name: "Remote", Position: diagram.Position{X: 1, Y: 2}})
	require.NoError(t, c.OnRemoteBroadcastChange(broadcast.Change{Type: broadcast.EntityUpdated, UserID: "bob", Data: entity}))
	got, ok := c.Snapshot().Entity("e9")
	require.True(t, ok)
	assert.NotNil(t, got.Attributes)
	assert.Equal(t, 0, c.Snapshot().Version)

	rel, _ := json.Marshal(diagram.Relationship{ID: "r9", FromEntity: "e9", ToEntity: "x", Type: diagram.OneToOne})
	require.NoError(t, c.OnRemoteBroadcastChange(broadcast.Change{Type: broadcast.RelationshipCreated, UserID: "bob", Data: rel}))
	assert.Len(t, c.Snapshot().Relationships, 1)

	own, _ := json.Marshal(diagram.Entity{ID: "mine", Name: "Echo"})
	require.NoError(t, c.OnRemoteBroadcastChange(broadcast.Change{Type: broadcast.EntityUpdated, UserID: "alice", SessionID: c.SessionID(), Data: own}))
	_, ok = c.Snapshot().Entity("mine")
	assert.False(t, ok, "own session echoes are ignored")

	other, _ := json.Marshal(diagram.Entity{ID: "tab2", Name: "OtherTab"})
	require.NoError(t, c.OnRemoteBroadcastChange(broadcast.Change{Type: broadcast.EntityUpdated, UserID: "alice", SessionID: "another-session", Data: other}))
	_, ok = c.Snapshot().Entity("tab2")
	assert.True(t, ok, "same user in another session is applied")

	var verr *diagram.ValidationError
	assert.ErrorAs(t, c.OnRemoteBroadcastChange(broadcast.Change{Type: "entity_exploded", UserID: "bob"}), &verr)
	assert.ErrorAs(t, c.OnRemoteBroadcastChange(broadcast.Change{Type: broadcast.EntityUpdated, UserID: "bob", Data: json.RawMessage(`{}`)}), &verr)

	move, _ := json.Marshal(EntityMove{ID: "ghost"})
	assert.ErrorIs(t, c.OnRemoteBroadcastChange(broadcast.Change{Type: broadcast.EntityMoved, UserID: "bob", Data: move}), diagram.ErrNotFound)
}

func TestCanvasEvents(t *testing.T) {
	env := newTestEnv(t)
	c, cv := env.join(t, "alice", RoleHost)

	cv.AddNode("User", diagram.Position{X: 10, Y: 20})
	require.Eventually(t, func() bool { return len(cv.Nodes()) == 1 }, waitFor, tick)
	key := c.Snapshot().Entities[0].ID

	n, ok := cv.Node(key)
	require.True(t, ok, "new entity is rendered back with its key")
	assert.Equal(t, "10 20", n.Loc)

	cv.AddAttribute(key, diagram.EntityAttribute{Name: "email", Type: diagram.AttributeString, IsRequired: true})
	cv.RenameNode(key, "Account")
	cv.DragNode(key, diagram.Position{X: 50, Y: 60}, true)
	cv.LinkNodes(key, "missing", diagram.OneToOne, "profile")
	cv.Select(key)

	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		e, _ := snap.Entity(key)
		return len(snap.Relationships) == 1 && e.Position == diagram.Position{X: 50, Y: 60} && len(c.Selection()) == 1
	}, waitFor, tick)

	snap := c.Snapshot()
	e, _ := snap.Entity(key)
	assert.Equal(t, "Account", e.Name)
	require.Len(t, e.Attributes, 1)
	assert.True(t, e.Attributes[0].IsRequired)
	assert.Equal(t, 5, snap.Version)
	assert.Equal(t, []string{key}, c.Selection())

	attr := e.Attributes[0]
	attr.Name = "email_address"
	cv.UpdateAttribute(key, attr)
	linkKey := snap.Relationships[0].ID
	cv.UpdateLink(linkKey, diagram.ManyToMany, "")

	require.Eventually(t, func() bool { return c.Snapshot().Version == 7 }, waitFor, tick)
	e, _ = c.Snapshot().Entity(key)
	assert.Equal(t, "email_address", e.Attributes[0].Name)
	assert.Equal(t, diagram.AttributeString, e.Attributes[0].Type)
	r, _ := c.Snapshot().Relationship(linkKey)
	assert.Equal(t, diagram.ManyToMany, r.Type)

	cv.ContextMenu("delete", key)
	require.Eventually(t, func() bool { return len(c.Snapshot().Entities) == 0 }, waitFor, tick)
	assert.Len(t, c.Snapshot().Relationships, 1)

	cv.RemoveNode("gone")
	assert.Eventually(t, func() bool { return hasLevel(c, LevelWarning) }, waitFor, tick)

	cv.ContextMenu("clear", "")
	require.Eventually(t, func() bool { return len(c.Snapshot().Relationships) == 0 }, waitFor, tick)
}

func TestExportDiagram(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.join(t, "alice", RoleHost)

	u, err := c.AddEntity(diagram.EntityInput{
		Name:       "User",
		Attributes: []diagram.EntityAttribute{{Name: "id", Type: diagram.AttributeNumber, IsPrimaryKey: true}},
	})
	require.NoError(t, err)
	_, err = c.AddRelationship(diagram.RelationshipInput{FromEntity: u.ID, ToEntity: "deleted", Type: diagram.OneToMany})
	require.NoError(t, err)

	out, err := c.ExportDiagram(FormatJSON)
	require.NoError(t, err)
	d, err := diagram.Validate(out)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Version)

	out, err = c.ExportDiagram(FormatCode)
	require.NoError(t, err)
	assert.Contains(t, string(out), "public class User {")
	assert.Contains(t, string(out), "private List<Object> relatedList")

	out, err = c.ExportDiagram(FormatSVG)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("<svg")))

	out, err = c.ExportDiagram(FormatPNG)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("\x89PNG")))

	_, err = c.ExportDiagram("pdf")
	assert.ErrorIs(t, err, ErrUnknownFormat)
	assert.Equal(t, 2, c.Snapshot().Version)
}

func TestRenderExport(t *testing.T) {
	d := diagram.Empty()
	d.Entities = []diagram.Entity{{ID: "u", Name: "User", Attributes: []diagram.EntityAttribute{}, Position: diagram.Position{X: 10, Y: 20}}}
	d.Relationships = []diagram.Relationship{{ID: "r", FromEntity: "u", ToEntity: "missing", Type: diagram.ManyToMany}}

	out, err := RenderExport(d, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(out), "User")

	out, err = RenderExport(d, FormatPNG)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("\x89PNG")))

	out, err = RenderExport(d, FormatCode)
	require.NoError(t, err)
	assert.Contains(t, string(out), "public class User {")

	_, err = RenderExport(d, "pdf")
	assert.ErrorIs(t, err, ErrUnknownFormat)

	assert.Equal(t, "image/svg+xml", FormatSVG.ContentType())
	assert.Equal(t, "text/plain; charset=utf-8", FormatCode.ContentType())
}

type failingStore struct {
	*persist.MemoryStore
	err error
}

func (s *failingStore) UpdateDiagram(context.Context, string, json.RawMessage, time.Time) error {
	return s.err
}

func TestPersistFailureKeepsOptimisticState(t *testing.T) {
	env := newTestEnv(t)
	env.store = &failingStore{MemoryStore: env.mem, err: errors.New("connection refused")}
	c, _ := env.join(t, "alice", RoleHost)

	e, err := c.AddEntity(diagram.EntityInput{Name: "User"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return hasLevel(c, LevelError) }, waitFor, tick)
	_, ok := c.Snapshot().Entity(e.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, c.Snapshot().Version)
	assert.Equal(t, 0, env.storedVersion(t))
}

func TestVersionConflictReconciles(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.join(t, "alice", RoleHost)

	// someone else wrote version 5 while we were offline from the feed
	env.mem.Put(persist.RoomRow{
		ID:          testRoom,
		DiagramData: json.RawMessage(`{"entities":[{"id":"theirs","name":"Theirs","attributes":[],"position":{"x":0,"y":0}}],"relationships":[],"version":5}`),
	})

	_, err := c.AddEntity(diagram.EntityInput{Name: "Mine"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return c.Snapshot().Version == 5 }, waitFor, tick)
	_, ok := c.Snapshot().Entity("theirs")
	assert.True(t, ok)
	assert.True(t, hasLevel(c, LevelWarning))
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.join(t, "alice", RoleHost)

	env.mem.Put(persist.RoomRow{ID: testRoom, DiagramData: json.RawMessage(`{"entities":[],"relationships":[],"version":2}`)})
	require.NoError(t, c.Reconcile(context.Background()))
	assert.Equal(t, 2, c.Snapshot().Version)

	env.mem.Put(persist.RoomRow{ID: testRoom, DiagramData: json.RawMessage(`{"entities":[],"relationships":[],"version":1}`)})
	require.NoError(t, c.Reconcile(context.Background()))
	assert.Equal(t, 2, c.Snapshot().Version)
}

func TestPeriodicReconcile(t *testing.T) {
	env := newTestEnv(t)
	logger := testutil.TestLogger(t)
	c := New(
		Config{UserID: "alice", ReconcileInterval: 10 * time.Millisecond},
		canvas.NewHeadless(),
		broadcast.New(env.hub, staticAuth("alice"), logger),
		persist.NewSynchronizer(env.store, logger),
		logger,
	)
	t.Cleanup(func() { c.Teardown(context.Background()) })
	require.NoError(t, c.Initialize(context.Background(), testRoom))

	env.mem.Put(persist.RoomRow{ID: testRoom, DiagramData: json.RawMessage(`{"entities":[],"relationships":[],"version":9}`)})
	assert.Eventually(t, func() bool { return c.Snapshot().Version == 9 }, waitFor, tick)
}

func TestTeardown(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.join(t, "alice", RoleHost)

	_, err := c.AddEntity(diagram.EntityInput{Name: "User"})
	require.NoError(t, err)

	require.NoError(t, c.Teardown(context.Background()))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, env.storedVersion(t), "pending snapshot is flushed")
	assert.Equal(t, 0, env.hub.Members(broadcast.Topic(testRoom)))
	assert.Equal(t, 0, env.mem.Subscribers())

	_, err = c.AddEntity(diagram.EntityInput{Name: "Late"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, c.OnRemoteSnapshotUpdate(diagram.Data{Version: 99}))
	assert.Equal(t, 1, c.Snapshot().Version)

	assert.NoError(t, c.Teardown(context.Background()))
}

func TestTeardown_Uninitialized(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.newController(t, "alice", RoleHost)

	assert.NoError(t, c.Teardown(context.Background()))
	assert.ErrorIs(t, c.Initialize(context.Background(), testRoom), ErrAlreadyInitialized)
}
