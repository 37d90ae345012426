// Package tech holds the research tree: nodes bought with energy whose
// effects are permanent curve biases.
package tech

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"hearthwake.ai/internal/sim/curves"
)

var (
	ErrUnknownNode = errors.New("unknown tech node")
	ErrLocked      = errors.New("tech node is locked")
)

// Node is one research option. Effects are additive bias deltas, the same
// shape a curve_bias milestone effect has.
type Node struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Cost        float64 `json:"cost"`
	Parent      string  `json:"parent,omitempty"`

	// Extra gates on top of the parent.
	RequiresMilestone string `json:"requires_milestone,omitempty"`
	RequiresZones     int    `json:"requires_zones,omitempty"` // active zones

	Effects curves.Overlay `json:"effects,omitempty"`
}

func (n Node) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("tech: empty id")
	}
	if !curves.Finite(n.Cost) {
		return fmt.Errorf("tech %s: cost must be finite and >= 0", n.ID)
	}
	if n.Parent == n.ID {
		return fmt.Errorf("tech %s: is its own parent", n.ID)
	}
	if n.RequiresZones < 0 {
		return fmt.Errorf("tech %s: requires_zones must be >= 0", n.ID)
	}
	for k, v := range n.Effects {
		if !curves.KnownBiasKey(k) {
			return fmt.Errorf("tech %s: unknown curve bias %q", n.ID, k)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("tech %s: effect %s=%v is not finite", n.ID, k, v)
		}
	}
	return nil
}

// Tree is a validated, immutable set of nodes.
type Tree struct {
	order []string
	byID  map[string]Node
}

// NewTree validates nodes and checks that every parent exists and that
// parent links never loop. A nil or empty slice is a valid empty tree.
func NewTree(nodes []Node) (*Tree, error) {
	t := &Tree{byID: make(map[string]Node, len(nodes))}
	for _, n := range nodes {
		if err := n.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byID[n.ID]; dup {
			return nil, fmt.Errorf("tech %s: duplicate id", n.ID)
		}
		t.byID[n.ID] = n
		t.order = append(t.order, n.ID)
	}
	sort.Strings(t.order)
	for _, id := range t.order {
		seen := map[string]bool{id: true}
		for p := t.byID[id].Parent; p != ""; p = t.byID[p].Parent {
			if _, ok := t.byID[p]; !ok {
				return nil, fmt.Errorf("tech %s: unknown parent %q", id, p)
			}
			if seen[p] {
				return nil, fmt.Errorf("tech %s: parent cycle through %q", id, p)
			}
			seen[p] = true
		}
	}
	return t, nil
}

func (t *Tree) Node(id string) (Node, bool) {
	if t == nil {
		return Node{}, false
	}
	n, ok := t.byID[id]
	return n, ok
}

// Nodes returns every node in id order.
func (t *Tree) Nodes() []Node {
	if t == nil {
		return nil
	}
	out := make([]Node, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.order)
}

// State is what the research gates look at.
type State struct {
	Researched  map[string]bool
	Fired       map[string]bool
	ActiveZones int
}

// Check reports whether id may be researched now. It does not look at cost;
// paying is the caller's business.
func (t *Tree) Check(id string, s State) (Node, error) {
	n, ok := t.Node(id)
	if !ok {
		return Node{}, fmt.Errorf("tech %q: %w", id, ErrUnknownNode)
	}
	switch {
	case s.Researched[id]:
		return n, fmt.Errorf("tech %s: already researched: %w", id, ErrLocked)
	case n.Parent != "" && !s.Researched[n.Parent]:
		return n, fmt.Errorf("tech %s: needs %s first: %w", id, n.Parent, ErrLocked)
	case n.RequiresMilestone != "" && !s.Fired[n.RequiresMilestone]:
		return n, fmt.Errorf("tech %s: needs milestone %s: %w", id, n.RequiresMilestone, ErrLocked)
	case s.ActiveZones < n.RequiresZones:
		return n, fmt.Errorf("tech %s: needs %d active zones, have %d: %w", id, n.RequiresZones, s.ActiveZones, ErrLocked)
	}
	return n, nil
}

// Available lists the nodes Check would accept, in id order.
func (t *Tree) Available(s State) []Node {
	var out []Node
	for _, n := range t.Nodes() {
		if _, err := t.Check(n.ID, s); err == nil {
			out = append(out, n)
		}
	}
	return out
}
