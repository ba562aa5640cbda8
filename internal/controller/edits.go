package controller

import (
	"fmt"
	"math"

	"github.com/npezzotti/go-erd/internal/broadcast"
	"github.com/npezzotti/go-erd/internal/canvas"
	"github.com/npezzotti/go-erd/internal/diagram"
)

// OnCanvasEntityMoved records a drag. Intermediate positions only reach
// peers through the broadcaster; the final position of a drag is also
// committed to the model and persisted.
func (c *Controller) OnCanvasEntityMoved(id string, pos diagram.Position, final bool) error {
	return c.queue.do(func() error { return c.moveEntity(id, pos, final) })
}

func (c *Controller) AddEntity(in diagram.EntityInput) (diagram.Entity, error) {
	var e diagram.Entity
	err := c.queue.do(func() (err error) {
		e, err = c.addEntity(in)
		return err
	})
	return e, err
}

func (c *Controller) UpdateEntity(id string, patch diagram.EntityPatch) error {
	return c.queue.do(func() error { return c.updateEntity(id, patch) })
}

func (c *Controller) RemoveEntity(id string) error {
	return c.queue.do(func() error { return c.removeEntity(id) })
}

func (c *Controller) AddAttribute(entityID string, attr diagram.EntityAttribute) (diagram.EntityAttribute, error) {
	var a diagram.EntityAttribute
	err := c.queue.do(func() (err error) {
		a, err = c.addAttribute(entityID, attr)
		return err
	})
	return a, err
}

func (c *Controller) UpdateAttribute(entityID, attrID string, patch diagram.AttributePatch) error {
	return c.queue.do(func() error { return c.updateAttribute(entityID, attrID, patch) })
}

func (c *Controller) RemoveAttribute(entityID, attrID string) error {
	return c.queue.do(func() error { return c.removeAttribute(entityID, attrID) })
}

func (c *Controller) AddRelationship(in diagram.RelationshipInput) (diagram.Relationship, error) {
	var r diagram.Relationship
	err := c.queue.do(func() (err error) {
		r, err = c.addRelationship(in)
		return err
	})
	return r, err
}

func (c *Controller) UpdateRelationship(id string, patch diagram.RelationshipPatch) error {
	return c.queue.do(func() error { return c.updateRelationship(id, patch) })
}

func (c *Controller) RemoveRelationship(id string) error {
	return c.queue.do(func() error { return c.removeRelationship(id) })
}

// ClearDiagram removes every entity and relationship.
func (c *Controller) ClearDiagram() error {
	return c.queue.do(c.clearDiagram)
}

func (c *Controller) moveEntity(id string, pos diagram.Position, final bool) error {
	if err := c.editable(); err != nil {
		return err
	}
	if err := validPosition(pos); err != nil {
		return err
	}
	if err := c.model.MoveEntity(id, pos); err != nil {
		return err
	}
	if h := hint(broadcast.EntityMoved, EntityMove{ID: id, Position: pos}); h != nil {
		c.broadcast(*h)
	}

	if !final {
		c.drags[id] = pos
		return nil
	}
	delete(c.drags, id)
	return c.mutate(func() (*broadcast.Change, error) {
		return nil, c.model.UpdateEntity(id, diagram.EntityPatch{Position: &pos})
	})
}

// commitDrags makes the last position of every unfinished drag durable.
// Canvases that group a gesture in a transaction may only signal its end
// by finishing the transaction.
func (c *Controller) commitDrags() error {
	if len(c.drags) == 0 {
		return nil
	}
	if err := c.editable(); err != nil {
		clear(c.drags)
		return err
	}

	drags := make(map[string]diagram.Position, len(c.drags))
	for id, pos := range c.drags {
		if _, ok := c.model.Entity(id); ok {
			drags[id] = pos
		}
	}
	clear(c.drags)
	if len(drags) == 0 {
		return nil
	}

	return c.mutate(func() (*broadcast.Change, error) {
		for id, pos := range drags {
			if err := c.model.UpdateEntity(id, diagram.EntityPatch{Position: &pos}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
}

func (c *Controller) addEntity(in diagram.EntityInput) (diagram.Entity, error) {
	if err := validPosition(in.Position); err != nil {
		return diagram.Entity{}, err
	}
	for _, a := range in.Attributes {
		if err := validAttributeType(a.Type); err != nil {
			return diagram.Entity{}, err
		}
	}

	var e diagram.Entity
	err := c.mutate(func() (*broadcast.Change, error) {
		e = c.model.AddEntity(in)
		return hint(broadcast.EntityUpdated, e), nil
	})
	return e, err
}

func (c *Controller) updateEntity(id string, patch diagram.EntityPatch) error {
	if patch.Position != nil {
		if err := validPosition(*patch.Position); err != nil {
			return err
		}
	}
	for _, a := range patch.Attributes {
		if err := validAttributeType(a.Type); err != nil {
			return err
		}
	}

	return c.mutate(func() (*broadcast.Change, error) {
		if err := c.model.UpdateEntity(id, patch); err != nil {
			return nil, err
		}
		return c.entityHint(id), nil
	})
}

func (c *Controller) removeEntity(id string) error {
	return c.mutate(func() (*broadcast.Change, error) {
		return nil, c.model.RemoveEntity(id)
	})
}

func (c *Controller) addAttribute(entityID string, attr diagram.EntityAttribute) (diagram.EntityAttribute, error) {
	if attr.Type == "" {
		attr.Type = diagram.AttributeString
	}
	if err := validAttributeType(attr.Type); err != nil {
		return diagram.EntityAttribute{}, err
	}

	var a diagram.EntityAttribute
	err := c.mutate(func() (*broadcast.Change, error) {
		var err error
		if a, err = c.model.AddAttribute(entityID, attr); err != nil {
			return nil, err
		}
		return c.entityHint(entityID), nil
	})
	return a, err
}

func (c *Controller) updateAttribute(entityID, attrID string, patch diagram.AttributePatch) error {
	if patch.Type != nil {
		if err := validAttributeType(*patch.Type); err != nil {
			return err
		}
	}

	return c.mutate(func() (*broadcast.Change, error) {
		if err := c.model.UpdateAttribute(entityID, attrID, patch); err != nil {
			return nil, err
		}
		return c.entityHint(entityID), nil
	})
}

func (c *Controller) removeAttribute(entityID, attrID string) error {
	return c.mutate(func() (*broadcast.Change, error) {
		if err := c.model.RemoveAttribute(entityID, attrID); err != nil {
			return nil, err
		}
		return c.entityHint(entityID), nil
	})
}

func (c *Controller) addRelationship(in diagram.RelationshipInput) (diagram.Relationship, error) {
	if in.Type == "" {
		in.Type = diagram.OneToMany
	}
	if !in.Type.Valid() {
		return diagram.Relationship{}, &diagram.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown relationship type %q", in.Type)}
	}

	var r diagram.Relationship
	err := c.mutate(func() (*broadcast.Change, error) {
		r = c.model.AddRelationship(in)
		return hint(broadcast.RelationshipCreated, r), nil
	})
	return r, err
}

func (c *Controller) updateRelationship(id string, patch diagram.RelationshipPatch) error {
	if patch.Type != nil && !patch.Type.Valid() {
		return &diagram.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown relationship type %q", *patch.Type)}
	}

	return c.mutate(func() (*broadcast.Change, error) {
		if err := c.model.UpdateRelationship(id, patch); err != nil {
			return nil, err
		}
		r, _ := c.model.Snapshot().Relationship(id)
		return hint(broadcast.RelationshipUpdated, r), nil
	})
}

func (c *Controller) removeRelationship(id string) error {
	return c.mutate(func() (*broadcast.Change, error) {
		return nil, c.model.RemoveRelationship(id)
	})
}

func (c *Controller) clearDiagram() error {
	return c.mutate(func() (*broadcast.Change, error) {
		c.model.Clear()
		return nil, nil
	})
}

func validAttributeType(t diagram.AttributeType) error {
	if !t.Valid() {
		return &diagram.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown attribute type %q", t)}
	}
	return nil
}

// validPosition rejects coordinates that cannot be encoded as JSON.
func validPosition(p diagram.Position) error {
	for _, f := range []float64{p.X, p.Y} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &diagram.ValidationError{Field: "position", Reason: fmt.Sprintf("non-finite coordinate in %v", p)}
		}
	}
	return nil
}

// onCanvasEvent runs on the canvas's goroutine and only queues the edit.
func (c *Controller) onCanvasEvent(ev canvas.EditEvent) {
	c.queue.push(func() { c.report(c.handleCanvasEvent(ev)) })
}

func (c *Controller) handleCanvasEvent(ev canvas.EditEvent) error {
	switch ev.Kind {
	case canvas.NodeMoved:
		pos, err := canvas.ParseLoc(ev.Loc)
		if err != nil {
			return &diagram.ValidationError{Field: "loc", Reason: err.Error()}
		}
		return c.moveEntity(ev.Key, pos, ev.Final)
	case canvas.NodeAdded:
		pos, _ := canvas.ParseLoc(ev.Loc)
		name := ev.Name
		if name == "" {
			name = "NewEntity"
		}
		_, err := c.addEntity(diagram.EntityInput{Name: name, Position: pos})
		return err
	case canvas.NodeRemoved:
		return c.removeEntity(ev.Key)
	case canvas.NodeRenamed:
		name := ev.Name
		return c.updateEntity(ev.Key, diagram.EntityPatch{Name: &name})
	case canvas.AttributeAdded:
		_, err := c.addAttribute(ev.Key, ev.Attribute)
		return err
	case canvas.AttributeUpdated:
		return c.updateAttribute(ev.Key, ev.Attribute.ID, attributePatch(ev.Attribute))
	case canvas.AttributeRemoved:
		return c.removeAttribute(ev.Key, ev.Attribute.ID)
	case canvas.LinkAdded:
		_, err := c.addRelationship(diagram.RelationshipInput{
			FromEntity: ev.From,
			ToEntity:   ev.To,
			Type:       ev.LinkType,
			Name:       ev.Name,
		})
		return err
	case canvas.LinkUpdated:
		name := ev.Name
		patch := diagram.RelationshipPatch{Name: &name}
		if ev.LinkType != "" {
			t := ev.LinkType
			patch.Type = &t
		}
		return c.updateRelationship(ev.Key, patch)
	case canvas.LinkRemoved:
		return c.removeRelationship(ev.Key)
	case canvas.SelectionChanged:
		c.mu.Lock()
		c.selection = ev.Selection
		c.mu.Unlock()
	case canvas.ContextMenuAction:
		return c.contextAction(ev.Action, ev.Key)
	case canvas.ModelChanged:
		if !ev.TransactionFinished || ev.Name == renderTransaction {
			return nil
		}
		return c.commitDrags()
	default:
		c.log.Printf("ignoring canvas event %q", ev.Kind)
	}
	return nil
}

func (c *Controller) contextAction(action, key string) error {
	switch action {
	case "delete":
		snap := c.model.Snapshot()
		if _, ok := snap.Entity(key); ok {
			return c.removeEntity(key)
		}
		if _, ok := snap.Relationship(key); ok {
			return c.removeRelationship(key)
		}
		return &diagram.NotFoundError{Kind: "element", ID: key}
	case "clear":
		return c.clearDiagram()
	}
	c.log.Printf("ignoring context menu action %q", action)
	return nil
}

// attributePatch overwrites every field of an attribute. An empty type
// keeps the current one.
func attributePatch(a diagram.EntityAttribute) diagram.AttributePatch {
	p := diagram.AttributePatch{
		Name:         &a.Name,
		IsPrimaryKey: &a.IsPrimaryKey,
		IsForeignKey: &a.IsForeignKey,
		IsRequired:   &a.IsRequired,
		DefaultValue: a.DefaultValue,
		ClearDefault: a.DefaultValue == nil,
	}
	if a.Type != "" {
		p.Type = &a.Type
	}
	return p
}
