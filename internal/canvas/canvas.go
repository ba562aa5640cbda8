// Package canvas defines the narrow interface the diagram controller uses
// to drive a visual graph editor, and the node/link data it exchanges.
package canvas

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/npezzotti/go-erd/internal/diagram"
)

// Canvas renders node and link data and reports user edits.
type Canvas interface {
	Configure(t Templates) error
	Render(nodes []NodeData, links []LinkData)
	OnEditEvent(fn func(EditEvent))
	BeginTransaction(name string)
	CommitTransaction(name string)
	RollbackTransaction()
	MakeSVG() (string, error)
	MakeImage() ([]byte, error)
}

// NodeData is the canvas form of an entity. Loc holds the position as "x y".
type NodeData struct {
	Key        string                    `json:"key"`
	Name       string                    `json:"name"`
	Attributes []diagram.EntityAttribute `json:"attributes"`
	Loc        string                    `json:"loc"`
}

type LinkData struct {
	Key  string               `json:"key"`
	From string               `json:"from"`
	To   string               `json:"to"`
	Type diagram.RelationType `json:"type"`
	Name string               `json:"name,omitempty"`
}

type NodeTemplate struct {
	Width        float64
	HeaderHeight float64
	RowHeight    float64
	Fill         string
	HeaderFill   string
	Stroke       string
}

type LinkTemplate struct {
	Stroke string
	// Labels maps a relationship type to the from/to end labels.
	Labels map[diagram.RelationType][2]string
}

type Templates struct {
	Node NodeTemplate
	Link LinkTemplate
}

// DefaultTemplates is the entity box and link styling used by the controller.
func DefaultTemplates() Templates {
	return Templates{
		Node: NodeTemplate{
			Width:        180,
			HeaderHeight: 28,
			RowHeight:    20,
			Fill:         "#ffffff",
			HeaderFill:   "#1e88e5",
			Stroke:       "#37474f",
		},
		Link: LinkTemplate{
			Stroke: "#546e7a",
			Labels: map[diagram.RelationType][2]string{
				diagram.OneToOne:   {"1", "1"},
				diagram.OneToMany:  {"1", "N"},
				diagram.ManyToMany: {"N", "M"},
			},
		},
	}
}

type EditKind string

const (
	NodeMoved         EditKind = "node_moved"
	NodeAdded         EditKind = "node_added"
	NodeRemoved       EditKind = "node_removed"
	NodeRenamed       EditKind = "node_renamed"
	AttributeAdded    EditKind = "attribute_added"
	AttributeUpdated  EditKind = "attribute_updated"
	AttributeRemoved  EditKind = "attribute_removed"
	LinkAdded         EditKind = "link_added"
	LinkUpdated       EditKind = "link_updated"
	LinkRemoved       EditKind = "link_removed"
	SelectionChanged  EditKind = "selection_changed"
	ContextMenuAction EditKind = "context_menu_action"
	ModelChanged      EditKind = "model_changed"
)

// EditEvent is a raw edit reported by the canvas. Which fields are set
// depends on Kind.
type EditEvent struct {
	Kind EditKind

	// Key is the node or link the event applies to.
	Key   string
	Loc   string
	Final bool
	Name  string

	Attribute diagram.EntityAttribute

	From     string
	To       string
	LinkType diagram.RelationType

	Selection []string
	Action    string

	TransactionFinished bool
}

// FormatLoc encodes a position the way the canvas stores it.
func FormatLoc(p diagram.Position) string {
	return strconv.FormatFloat(p.X, 'f', -1, 64) + " " + strconv.FormatFloat(p.Y, 'f', -1, 64)
}

// ParseLoc decodes a "x y" location string.
func ParseLoc(loc string) (diagram.Position, error) {
	parts := strings.Fields(loc)
	if len(parts) != 2 {
		return diagram.Position{}, fmt.Errorf("invalid location %q", loc)
	}

	x, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return diagram.Position{}, fmt.Errorf("invalid location %q: %w", loc, err)
	}
	y, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return diagram.Position{}, fmt.Errorf("invalid location %q: %w", loc, err)
	}
	if !finite(x) || !finite(y) {
		return diagram.Position{}, fmt.Errorf("invalid location %q", loc)
	}

	return diagram.Position{X: x, Y: y}, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Nodes converts entities to canvas nodes.
func Nodes(entities []diagram.Entity) []NodeData {
	nodes := make([]NodeData, len(entities))
	for i, e := range entities {
		attrs := make([]diagram.EntityAttribute, len(e.Attributes))
		copy(attrs, e.Attributes)
		nodes[i] = NodeData{
			Key:        e.ID,
			Name:       e.Name,
			Attributes: attrs,
			Loc:        FormatLoc(e.Position),
		}
	}
	return nodes
}

func Links(relationships []diagram.Relationship) []LinkData {
	links := make([]LinkData, len(relationships))
	for i, r := range relationships {
		links[i] = LinkData{
			Key:  r.ID,
			From: r.FromEntity,
			To:   r.ToEntity,
			Type: r.Type,
			Name: r.Name,
		}
	}
	return links
}

// RenderData pushes the whole diagram into c.
func RenderData(c Canvas, d diagram.Data) {
	c.Render(Nodes(d.Entities), Links(d.Relationships))
}
