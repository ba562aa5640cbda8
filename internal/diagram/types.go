package diagram

import "time"

type AttributeType string

const (
	AttributeString  AttributeType = "string"
	AttributeNumber  AttributeType = "number"
	AttributeDate    AttributeType = "date"
	AttributeBoolean AttributeType = "boolean"
	AttributeDecimal AttributeType = "decimal"
)

func (t AttributeType) Valid() bool {
	switch t {
	case AttributeString, AttributeNumber, AttributeDate, AttributeBoolean, AttributeDecimal:
		return true
	}
	return false
}

type RelationType string

const (
	OneToOne   RelationType = "1-1"
	OneToMany  RelationType = "1-N"
	ManyToMany RelationType = "N-M"
)

func (t RelationType) Valid() bool {
	switch t {
	case OneToOne, OneToMany, ManyToMany:
		return true
	}
	return false
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// EntityAttribute is a single column of an entity. DefaultValue holds a
// JSON scalar (string, float64, bool) or nil.
type EntityAttribute struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Type         AttributeType `json:"type"`
	IsPrimaryKey bool          `json:"isPrimaryKey"`
	IsForeignKey bool          `json:"isForeignKey"`
	IsRequired   bool          `json:"isRequired"`
	DefaultValue any           `json:"defaultValue,omitempty"`
}

type Entity struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Attributes []EntityAttribute `json:"attributes"`
	Position   Position          `json:"position"`
}

// Relationship references two entities by id. The referenced entities are
// not required to exist.
type Relationship struct {
	ID         string       `json:"id"`
	FromEntity string       `json:"fromEntity"`
	ToEntity   string       `json:"toEntity"`
	Type       RelationType `json:"type"`
	Name       string       `json:"name,omitempty"`
}

// Data is a complete, versioned copy of a room's diagram.
type Data struct {
	Entities       []Entity       `json:"entities"`
	Relationships  []Relationship `json:"relationships"`
	Version        int            `json:"version"`
	LastModified   time.Time      `json:"last_modified"`
	LastModifiedBy string         `json:"last_modified_by"`
}

// Empty returns the diagram a newly created room starts with.
func Empty() Data {
	return Data{
		Entities:      []Entity{},
		Relationships: []Relationship{},
	}
}

// Entity returns the entity with the given id.
func (d Data) Entity(id string) (Entity, bool) {
	for _, e := range d.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return Entity{}, false
}

func (d Data) Relationship(id string) (Relationship, bool) {
	for _, r := range d.Relationships {
		if r.ID == id {
			return r, true
		}
	}
	return Relationship{}, false
}

// Clone returns a deep copy of d with nil slices replaced by empty ones.
func (d Data) Clone() Data {
	out := Data{
		Entities:       make([]Entity, len(d.Entities)),
		Relationships:  make([]Relationship, len(d.Relationships)),
		Version:        d.Version,
		LastModified:   d.LastModified,
		LastModifiedBy: d.LastModifiedBy,
	}
	for i, e := range d.Entities {
		out.Entities[i] = e.Clone()
	}
	copy(out.Relationships, d.Relationships)
	return out
}

func (e Entity) Clone() Entity {
	attrs := make([]EntityAttribute, len(e.Attributes))
	copy(attrs, e.Attributes)
	e.Attributes = attrs
	return e
}

// EntityInput is the caller supplied part of a new entity.
type EntityInput struct {
	Name       string
	Attributes []EntityAttribute
	Position   Position
}

// EntityPatch lists the fields to overwrite. Nil fields are left unchanged.
type EntityPatch struct {
	Name       *string
	Attributes []EntityAttribute
	Position   *Position
}

type AttributePatch struct {
	Name         *string
	Type         *AttributeType
	IsPrimaryKey *bool
	IsForeignKey *bool
	IsRequired   *bool
	// DefaultValue replaces the default when non-nil; ClearDefault removes it.
	DefaultValue any
	ClearDefault bool
}

type RelationshipInput struct {
	FromEntity string
	ToEntity   string
	Type       RelationType
	Name       string
}

type RelationshipPatch struct {
	FromEntity *string
	ToEntity   *string
	Type       *RelationType
	Name       *string
}
