// Package dagrouter dispatches an entity to the transformer(s) and
// destination(s) bound to its type in a sync's configured DAG (§3, §4.F).
//
// The DAG itself has three node kinds — exactly one source, zero-or-more
// transformers, one-or-more destinations — connected by edges typed with
// the entity type(s) that may flow along them. The router never executes
// the DAG at the graph level; it resolves, once per run, a flat
// producer-node -> outgoing-edges index, then does a pure in-memory lookup
// per entity.
package dagrouter

import (
	"context"
	"fmt"

	"github.com/hashicorp/golang-lru/v2"

	"syncmesh.dev/engine/entity"
)

// NodeKind discriminates the three DAG node kinds.
type NodeKind int

const (
	NodeSource NodeKind = iota
	NodeTransformer
	NodeDestination
)

// Node is one vertex of the DAG.
type Node struct {
	ID   string
	Kind NodeKind
	// Name is the transformer name resolved against the catalog; empty for
	// source/destination nodes.
	Name string
}

// Edge connects a producer node to a consumer node for a declared set of
// entity types. EntityTypes nil or containing "*" matches every type.
type Edge struct {
	From        string
	To          string
	EntityTypes []string
}

func (e Edge) matches(typ string) bool {
	if len(e.EntityTypes) == 0 {
		return true
	}
	for _, t := range e.EntityTypes {
		if t == "*" || t == typ {
			return true
		}
	}
	return false
}

// Transformer is a pure function of its input entity: no external state,
// zero-to-many outputs (§4.F). A transformer error is the caller's to
// handle — the router does not swallow it, the Entity Processor does
// (§4.G TRANSFORM).
type Transformer func(ctx context.Context, e *entity.Entity) ([]*entity.Entity, error)

// Catalog resolves transformer names to callables, read once at
// context-build time (§4.F "Transformer cache").
type Catalog interface {
	Resolve(name string) (Transformer, error)
}

// DAG is the validated, configured graph for one sync.
type DAG struct {
	Nodes []Node
	Edges []Edge
}

// Validate checks for cycles among transformer nodes using Kahn's
// algorithm, grounded on the teacher's graph package topological sort.
// Source and destination nodes are leaves of the DAG by construction (a
// destination has no outgoing edges, a source has no incoming edges) so
// only transformer->transformer chains can cycle.
func (d DAG) Validate() error {
	inDegree := make(map[string]int, len(d.Nodes))
	adj := make(map[string][]string)
	kindOf := make(map[string]NodeKind, len(d.Nodes))
	for _, n := range d.Nodes {
		inDegree[n.ID] = 0
		kindOf[n.ID] = n.Kind
	}
	for _, e := range d.Edges {
		if kindOf[e.From] != NodeTransformer || kindOf[e.To] != NodeTransformer {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
		inDegree[e.To]++
	}

	var queue []string
	for id, deg := range inDegree {
		if kindOf[id] == NodeTransformer && deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	transformerCount := 0
	for _, n := range d.Nodes {
		if n.Kind == NodeTransformer {
			transformerCount++
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[cur] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != transformerCount {
		return fmt.Errorf("dagrouter: cycle detected among transformer nodes")
	}
	return nil
}

// Router dispatches entities through a validated DAG, resolving
// transformer names against catalog exactly once per name and caching the
// result in an LRU so a pathologically large DAG can't grow the cache
// unbounded (§4.F).
type Router struct {
	dag      DAG
	catalog  Catalog
	outgoing map[string][]Edge
	cache    *lru.Cache[string, Transformer]
}

// New resolves the DAG's transformer name->callable map once, per §4.F's
// "single database read" requirement, and indexes outgoing edges by
// producer node id.
func New(dag DAG, catalog Catalog, cacheSize int) (*Router, error) {
	if err := dag.Validate(); err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, Transformer](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("dagrouter: build transformer cache: %w", err)
	}

	r := &Router{dag: dag, catalog: catalog, outgoing: make(map[string][]Edge), cache: cache}
	for _, e := range dag.Edges {
		r.outgoing[e.From] = append(r.outgoing[e.From], e)
	}
	for _, n := range dag.Nodes {
		if n.Kind != NodeTransformer || n.Name == "" {
			continue
		}
		if _, ok := r.cache.Get(n.Name); ok {
			continue
		}
		fn, err := catalog.Resolve(n.Name)
		if err != nil {
			return nil, fmt.Errorf("dagrouter: resolve transformer %q: %w", n.Name, err)
		}
		r.cache.Add(n.Name, fn)
	}
	return r, nil
}

func (r *Router) nodeByID(id string) (Node, bool) {
	for _, n := range r.dag.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

func (r *Router) transformerFor(node Node) (Transformer, error) {
	fn, ok := r.cache.Get(node.Name)
	if ok {
		return fn, nil
	}
	// Cold path: a node added after New() ran. Hot-path dispatch never
	// reaches here once the cache has been warmed.
	fn, err := r.catalog.Resolve(node.Name)
	if err != nil {
		return nil, err
	}
	r.cache.Add(node.Name, fn)
	return fn, nil
}

// ProcessEntity is the §4.F contract: find the outgoing edges of
// producerNodeID whose declared type matches e's type, recurse through
// transformers, and return the flat list of entities that reached any
// destination node.
func (r *Router) ProcessEntity(ctx context.Context, producerNodeID string, e *entity.Entity) ([]*entity.Entity, error) {
	edges, ok := r.outgoing[producerNodeID]
	if !ok {
		return nil, nil
	}

	var out []*entity.Entity
	for _, edge := range edges {
		if !edge.matches(e.Type) {
			continue
		}
		target, ok := r.nodeByID(edge.To)
		if !ok {
			return nil, fmt.Errorf("dagrouter: edge targets unknown node %q", edge.To)
		}

		switch target.Kind {
		case NodeDestination:
			out = append(out, e)
		case NodeTransformer:
			fn, err := r.transformerFor(target)
			if err != nil {
				return nil, err
			}
			produced, err := fn(ctx, e)
			if err != nil {
				return nil, fmt.Errorf("dagrouter: transformer %q: %w", target.Name, err)
			}
			for _, p := range produced {
				downstream, err := r.ProcessEntity(ctx, target.ID, p)
				if err != nil {
					return nil, err
				}
				out = append(out, downstream...)
			}
		default:
			return nil, fmt.Errorf("dagrouter: edge targets a source node %q", edge.To)
		}
	}
	return out, nil
}

// SourceNode returns the DAG's single source node, per §3's "exactly one"
// invariant.
func (d DAG) SourceNode() (Node, error) {
	var found *Node
	for i := range d.Nodes {
		if d.Nodes[i].Kind == NodeSource {
			if found != nil {
				return Node{}, fmt.Errorf("dagrouter: DAG has more than one source node")
			}
			n := d.Nodes[i]
			found = &n
		}
	}
	if found == nil {
		return Node{}, fmt.Errorf("dagrouter: DAG has no source node")
	}
	return *found, nil
}
