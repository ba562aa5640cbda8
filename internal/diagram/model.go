package diagram

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ChangeKind string

const (
	EntityAdded         ChangeKind = "entity_added"
	EntityUpdated       ChangeKind = "entity_updated"
	EntityRemoved       ChangeKind = "entity_removed"
	EntityMoved         ChangeKind = "entity_moved"
	AttributeAdded      ChangeKind = "attribute_added"
	AttributeUpdated    ChangeKind = "attribute_updated"
	AttributeRemoved    ChangeKind = "attribute_removed"
	RelationshipAdded   ChangeKind = "relationship_added"
	RelationshipUpdated ChangeKind = "relationship_updated"
	RelationshipRemoved ChangeKind = "relationship_removed"
	DiagramCleared      ChangeKind = "diagram_cleared"
	SnapshotApplied     ChangeKind = "snapshot_applied"
	DiagramReset        ChangeKind = "diagram_reset"
)

// Change is pushed to listeners after every mutation of the model.
// Durable is false for overwrites that did not bump the version.
type Change struct {
	Kind    ChangeKind
	ID      string
	Version int
	Durable bool
}

// Model holds the canonical diagram of one open room. Durable mutations
// bump the version by exactly one; ephemeral overwrites leave it alone.
type Model struct {
	mu        sync.RWMutex
	data      Data
	userID    string
	listeners []func(Change)

	now   func() time.Time
	newID func() string
}

// NewModel creates an empty model at version 0. userID is stamped into
// last_modified_by on every durable mutation.
func NewModel(userID string) *Model {
	return &Model{
		data:   Empty(),
		userID: userID,
		now:    Now,
		newID:  NewID,
	}
}

// NewID allocates an id for an entity, attribute or relationship.
func NewID() string {
	return uuid.NewString()
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

// OnChange registers a listener. Listeners run synchronously on the
// goroutine that performed the mutation, after the model lock is released.
func (m *Model) OnChange(fn func(Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Model) SetUserID(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userID = userID
}

func (m *Model) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Version
}

// Snapshot returns a deep copy of the current diagram.
func (m *Model) Snapshot() Data {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Clone()
}

func (m *Model) Entity(id string) (Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data.Entity(id)
	if !ok {
		return Entity{}, false
	}
	return e.Clone(), true
}

func (m *Model) AddEntity(in EntityInput) Entity {
	e := Entity{
		ID:         m.newID(),
		Name:       in.Name,
		Attributes: make([]EntityAttribute, len(in.Attributes)),
		Position:   in.Position,
	}
	copy(e.Attributes, in.Attributes)
	for i := range e.Attributes {
		if e.Attributes[i].ID == "" {
			e.Attributes[i].ID = m.newID()
		}
	}

	m.mu.Lock()
	m.data.Entities = append(m.data.Entities, e)
	c := m.commit(EntityAdded, e.ID)
	m.mu.Unlock()

	m.notify(c)
	return e.Clone()
}

func (m *Model) UpdateEntity(id string, patch EntityPatch) error {
	m.mu.Lock()
	i := m.entityIndex(id)
	if i < 0 {
		m.mu.Unlock()
		return notFound("entity", id)
	}

	e := &m.data.Entities[i]
	if patch.Name != nil {
		e.Name = *patch.Name
	}
	if patch.Attributes != nil {
		e.Attributes = slices.Clone(patch.Attributes)
	}
	if patch.Position != nil {
		e.Position = *patch.Position
	}
	c := m.commit(EntityUpdated, id)
	m.mu.Unlock()

	m.notify(c)
	return nil
}

// RemoveEntity deletes the entity only. Relationships that reference it
// are left in place.
func (m *Model) RemoveEntity(id string) error {
	m.mu.Lock()
	i := m.entityIndex(id)
	if i < 0 {
		m.mu.Unlock()
		return notFound("entity", id)
	}

	m.data.Entities = slices.Delete(m.data.Entities, i, i+1)
	c := m.commit(EntityRemoved, id)
	m.mu.Unlock()

	m.notify(c)
	return nil
}

func (m *Model) AddAttribute(entityID string, attr EntityAttribute) (EntityAttribute, error) {
	if attr.ID == "" {
		attr.ID = m.newID()
	}

	m.mu.Lock()
	i := m.entityIndex(entityID)
	if i < 0 {
		m.mu.Unlock()
		return EntityAttribute{}, notFound("entity", entityID)
	}

	m.data.Entities[i].Attributes = append(m.data.Entities[i].Attributes, attr)
	c := m.commit(AttributeAdded, attr.ID)
	m.mu.Unlock()

	m.notify(c)
	return attr, nil
}

func (m *Model) UpdateAttribute(entityID, attrID string, patch AttributePatch) error {
	m.mu.Lock()
	a, err := m.attribute(entityID, attrID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	if patch.Name != nil {
		a.Name = *patch.Name
	}
	if patch.Type != nil {
		a.Type = *patch.Type
	}
	if patch.IsPrimaryKey != nil {
		a.IsPrimaryKey = *patch.IsPrimaryKey
	}
	if patch.IsForeignKey != nil {
		a.IsForeignKey = *patch.IsForeignKey
	}
	if patch.IsRequired != nil {
		a.IsRequired = *patch.IsRequired
	}
	if patch.ClearDefault {
		a.DefaultValue = nil
	} else if patch.DefaultValue != nil {
		a.DefaultValue = patch.DefaultValue
	}
	c := m.commit(AttributeUpdated, attrID)
	m.mu.Unlock()

	m.notify(c)
	return nil
}

func (m *Model) RemoveAttribute(entityID, attrID string) error {
	m.mu.Lock()
	i := m.entityIndex(entityID)
	if i < 0 {
		m.mu.Unlock()
		return notFound("entity", entityID)
	}

	attrs := m.data.Entities[i].Attributes
	j := slices.IndexFunc(attrs, func(a EntityAttribute) bool { return a.ID == attrID })
	if j < 0 {
		m.mu.Unlock()
		return notFound("attribute", attrID)
	}

	m.data.Entities[i].Attributes = slices.Delete(attrs, j, j+1)
	c := m.commit(AttributeRemoved, attrID)
	m.mu.Unlock()

	m.notify(c)
	return nil
}

// AddRelationship does not check that either endpoint exists.
func (m *Model) AddRelationship(in RelationshipInput) Relationship {
	r := Relationship{
		ID:         m.newID(),
		FromEntity: in.FromEntity,
		ToEntity:   in.ToEntity,
		Type:       in.Type,
		Name:       in.Name,
	}

	m.mu.Lock()
	m.data.Relationships = append(m.data.Relationships, r)
	c := m.commit(RelationshipAdded, r.ID)
	m.mu.Unlock()

	m.notify(c)
	return r
}

func (m *Model) UpdateRelationship(id string, patch RelationshipPatch) error {
	m.mu.Lock()
	i := m.relationshipIndex(id)
	if i < 0 {
		m.mu.Unlock()
		return notFound("relationship", id)
	}

	r := &m.data.Relationships[i]
	if patch.FromEntity != nil {
		r.FromEntity = *patch.FromEntity
	}
	if patch.ToEntity != nil {
		r.ToEntity = *patch.ToEntity
	}
	if patch.Type != nil {
		r.Type = *patch.Type
	}
	if patch.Name != nil {
		r.Name = *patch.Name
	}
	c := m.commit(RelationshipUpdated, id)
	m.mu.Unlock()

	m.notify(c)
	return nil
}

func (m *Model) RemoveRelationship(id string) error {
	m.mu.Lock()
	i := m.relationshipIndex(id)
	if i < 0 {
		m.mu.Unlock()
		return notFound("relationship", id)
	}

	m.data.Relationships = slices.Delete(m.data.Relationships, i, i+1)
	c := m.commit(RelationshipRemoved, id)
	m.mu.Unlock()

	m.notify(c)
	return nil
}

// Clear removes every entity and relationship as one durable mutation.
func (m *Model) Clear() {
	m.mu.Lock()
	m.data.Entities = []Entity{}
	m.data.Relationships = []Relationship{}
	c := m.commit(DiagramCleared, "")
	m.mu.Unlock()

	m.notify(c)
}

// ApplyRemoteSnapshot replaces the whole diagram if incoming is strictly
// newer than the local copy and reports whether it did.
func (m *Model) ApplyRemoteSnapshot(incoming Data) bool {
	m.mu.Lock()
	if incoming.Version <= m.data.Version {
		m.mu.Unlock()
		return false
	}

	m.data = incoming.Clone()
	c := Change{Kind: SnapshotApplied, Version: m.data.Version, Durable: true}
	m.mu.Unlock()

	m.notify(c)
	return true
}

// Reset replaces the diagram regardless of version. It is used to hydrate
// the model on join and to adopt the stored copy after a write conflict.
func (m *Model) Reset(d Data) {
	m.mu.Lock()
	m.data = d.Clone()
	c := Change{Kind: DiagramReset, Version: m.data.Version, Durable: true}
	m.mu.Unlock()

	m.notify(c)
}

// MoveEntity overwrites an entity's position without bumping the version.
func (m *Model) MoveEntity(id string, pos Position) error {
	m.mu.Lock()
	i := m.entityIndex(id)
	if i < 0 {
		m.mu.Unlock()
		return notFound("entity", id)
	}

	m.data.Entities[i].Position = pos
	c := Change{Kind: EntityMoved, ID: id, Version: m.data.Version}
	m.mu.Unlock()

	m.notify(c)
	return nil
}

// PutEntity inserts or overwrites an entity without bumping the version.
func (m *Model) PutEntity(e Entity) {
	e = e.Clone()

	m.mu.Lock()
	if i := m.entityIndex(e.ID); i >= 0 {
		m.data.Entities[i] = e
	} else {
		m.data.Entities = append(m.data.Entities, e)
	}
	c := Change{Kind: EntityUpdated, ID: e.ID, Version: m.data.Version}
	m.mu.Unlock()

	m.notify(c)
}

// PutRelationship inserts or overwrites a relationship without bumping the version.
func (m *Model) PutRelationship(r Relationship) {
	m.mu.Lock()
	kind := RelationshipUpdated
	if i := m.relationshipIndex(r.ID); i >= 0 {
		m.data.Relationships[i] = r
	} else {
		m.data.Relationships = append(m.data.Relationships, r)
		kind = RelationshipAdded
	}
	c := Change{Kind: kind, ID: r.ID, Version: m.data.Version}
	m.mu.Unlock()

	m.notify(c)
}

// commit must be called with mu held.
func (m *Model) commit(kind ChangeKind, id string) Change {
	m.data.Version++
	m.data.LastModified = m.now()
	m.data.LastModifiedBy = m.userID
	return Change{Kind: kind, ID: id, Version: m.data.Version, Durable: true}
}

func (m *Model) notify(c Change) {
	m.mu.RLock()
	listeners := slices.Clone(m.listeners)
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(c)
	}
}

func (m *Model) entityIndex(id string) int {
	return slices.IndexFunc(m.data.Entities, func(e Entity) bool { return e.ID == id })
}

func (m *Model) relationshipIndex(id string) int {
	return slices.IndexFunc(m.data.Relationships, func(r Relationship) bool { return r.ID == id })
}

func (m *Model) attribute(entityID, attrID string) (*EntityAttribute, error) {
	i := m.entityIndex(entityID)
	if i < 0 {
		return nil, notFound("entity", entityID)
	}

	attrs := m.data.Entities[i].Attributes
	for j := range attrs {
		if attrs[j].ID == attrID {
			return &attrs[j], nil
		}
	}
	return nil, notFound("attribute", attrID)
}
