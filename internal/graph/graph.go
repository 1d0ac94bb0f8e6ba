// Package graph holds the bidirectional adjacency between traffic-light nodes.
//
// A Graph is not safe for concurrent use. The coordinator owns one instance
// and serialises every access behind its own lock.
package graph

import (
	"strings"

	"golang.org/x/exp/slices"
)

// Graph is an undirected graph keyed by node id.
// Every edge is stored in both endpoint sets, so Has(a, b) == Has(b, a).
type Graph struct {
	adj map[string]map[string]struct{}
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{adj: make(map[string]map[string]struct{})}
}

func (g *Graph) addNode(id string) {
	if _, ok := g.adj[id]; !ok {
		g.adj[id] = make(map[string]struct{})
	}
}

// Connect adds the edge a–b. It reports whether a new edge was created;
// connecting an existing pair, or a node to itself, changes nothing.
func (g *Graph) Connect(a, b string) bool {
	if a == b {
		return false
	}
	if g.Has(a, b) {
		return false
	}
	g.addNode(a)
	g.addNode(b)
	g.adj[a][b] = struct{}{}
	g.adj[b][a] = struct{}{}
	return true
}

// Disconnect removes the edge a–b and reports whether it existed.
func (g *Graph) Disconnect(a, b string) bool {
	if !g.Has(a, b) {
		return false
	}
	delete(g.adj[a], b)
	delete(g.adj[b], a)
	return true
}

// Has reports whether a and b are connected.
func (g *Graph) Has(a, b string) bool {
	_, ok := g.adj[a][b]
	return ok
}

// Neighbors returns the ids connected to id, sorted. Unknown ids have none.
func (g *Graph) Neighbors(id string) []string {
	set, ok := g.adj[id]
	if !ok {
		return []string{}
	}
	return sortedKeys(set)
}

// Edges returns each edge once as an (a, b) pair with a < b, sorted.
func (g *Graph) Edges() [][2]string {
	var out [][2]string
	for a, set := range g.adj {
		for b := range set {
			if a < b {
				out = append(out, [2]string{a, b})
			}
		}
	}
	slices.SortFunc(out, func(x, y [2]string) int {
		if c := strings.Compare(x[0], y[0]); c != 0 {
			return c
		}
		return strings.Compare(x[1], y[1])
	})
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
