package canvas

import (
	"errors"
	"slices"
	"sync"

	"github.com/npezzotti/go-erd/internal/diagram"
)

var ErrNotConfigured = errors.New("canvas not configured")

type txState struct {
	name  string
	nodes []NodeData
	links []LinkData
}

// Headless is an in-memory canvas. It keeps the rendered node and link
// arrays, and its user-action methods emit the same edit events an
// interactive editor would.
type Headless struct {
	mu         sync.Mutex
	templates  Templates
	configured bool
	nodes      []NodeData
	links      []LinkData
	selection  []string
	handlers   []func(EditEvent)
	tx         *txState
	renders    int
}

func NewHeadless() *Headless {
	return &Headless{}
}

func (h *Headless) Configure(t Templates) error {
	if t.Node.Width <= 0 || t.Node.HeaderHeight <= 0 || t.Node.RowHeight <= 0 {
		return errors.New("node template dimensions must be positive")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.templates = t
	h.configured = true
	return nil
}

func (h *Headless) Render(nodes []NodeData, links []LinkData) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes = slices.Clone(nodes)
	h.links = slices.Clone(links)
	h.renders++
}

func (h *Headless) OnEditEvent(fn func(EditEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, fn)
}

func (h *Headless) BeginTransaction(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tx != nil {
		return
	}
	h.tx = &txState{
		name:  name,
		nodes: slices.Clone(h.nodes),
		links: slices.Clone(h.links),
	}
}

// CommitTransaction ends the open transaction if it has the given name.
// Transactions do not nest; a begin inside an open one is ignored.
func (h *Headless) CommitTransaction(name string) {
	h.mu.Lock()
	if h.tx == nil || h.tx.name != name {
		h.mu.Unlock()
		return
	}
	h.tx = nil
	h.mu.Unlock()

	h.emit(EditEvent{Kind: ModelChanged, Name: name, TransactionFinished: true})
}

func (h *Headless) RollbackTransaction() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tx == nil {
		return
	}
	h.nodes = h.tx.nodes
	h.links = h.tx.links
	h.tx = nil
}

// Nodes returns a copy of the rendered node array.
func (h *Headless) Nodes() []NodeData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.nodes)
}

func (h *Headless) Links() []LinkData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.links)
}

func (h *Headless) Node(key string) (NodeData, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := slices.IndexFunc(h.nodes, func(n NodeData) bool { return n.Key == key })
	if i < 0 {
		return NodeData{}, false
	}
	return h.nodes[i], true
}

func (h *Headless) Renders() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.renders
}

func (h *Headless) Selection() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.selection)
}

// DragNode moves a node. final marks the end of the drag gesture.
func (h *Headless) DragNode(key string, p diagram.Position, final bool) {
	loc := FormatLoc(p)
	h.mu.Lock()
	if i := slices.IndexFunc(h.nodes, func(n NodeData) bool { return n.Key == key }); i >= 0 {
		h.nodes[i].Loc = loc
	}
	h.mu.Unlock()

	h.emit(EditEvent{Kind: NodeMoved, Key: key, Loc: loc, Final: final})
}

// AddNode asks for a new entity. The key is assigned once the model
// renders the entity back.
func (h *Headless) AddNode(name string, p diagram.Position) {
	h.emit(EditEvent{Kind: NodeAdded, Name: name, Loc: FormatLoc(p)})
}

func (h *Headless) RemoveNode(key string) {
	h.emit(EditEvent{Kind: NodeRemoved, Key: key})
}

func (h *Headless) RenameNode(key, name string) {
	h.emit(EditEvent{Kind: NodeRenamed, Key: key, Name: name})
}

func (h *Headless) AddAttribute(key string, attr diagram.EntityAttribute) {
	h.emit(EditEvent{Kind: AttributeAdded, Key: key, Attribute: attr})
}

func (h *Headless) UpdateAttribute(key string, attr diagram.EntityAttribute) {
	h.emit(EditEvent{Kind: AttributeUpdated, Key: key, Attribute: attr})
}

func (h *Headless) RemoveAttribute(key, attrID string) {
	h.emit(EditEvent{Kind: AttributeRemoved, Key: key, Attribute: diagram.EntityAttribute{ID: attrID}})
}

func (h *Headless) LinkNodes(from, to string, t diagram.RelationType, name string) {
	h.emit(EditEvent{Kind: LinkAdded, From: from, To: to, LinkType: t, Name: name})
}

func (h *Headless) UpdateLink(key string, t diagram.RelationType, name string) {
	h.emit(EditEvent{Kind: LinkUpdated, Key: key, LinkType: t, Name: name})
}

func (h *Headless) RemoveLink(key string) {
	h.emit(EditEvent{Kind: LinkRemoved, Key: key})
}

func (h *Headless) Select(keys ...string) {
	h.mu.Lock()
	h.selection = slices.Clone(keys)
	h.mu.Unlock()

	h.emit(EditEvent{Kind: SelectionChanged, Selection: slices.Clone(keys)})
}

func (h *Headless) ContextMenu(action, key string) {
	h.emit(EditEvent{Kind: ContextMenuAction, Action: action, Key: key})
}

func (h *Headless) emit(ev EditEvent) {
	h.mu.Lock()
	handlers := slices.Clone(h.handlers)
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
