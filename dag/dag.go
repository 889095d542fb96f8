// Package dag is a small named-node wrapper around a gonum directed graph,
// used to order saga steps and render them as Graphviz.
package dag

import (
	"fmt"
	"slices"
	"strconv"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

type Graph struct {
	*simple.DirectedGraph
	name  string
	attrs encoding.Attributes
}

func New(name string) *Graph {
	return &Graph{DirectedGraph: simple.NewDirectedGraph(), name: name}
}

// DOTID names the graph in DOT output.
func (g *Graph) DOTID() string {
	return g.name
}

func (g *Graph) Attributes() []encoding.Attribute {
	return g.attrs.Attributes()
}

func (g *Graph) SetAttribute(attr encoding.Attribute) error {
	return g.attrs.SetAttribute(attr)
}

type Node struct {
	graph.Node
	name  string
	attrs encoding.Attributes
}

// Name returns the name the node was added with.
func (n *Node) Name() string {
	return n.name
}

// DOTID names the node in DOT output.
func (n *Node) DOTID() string {
	return n.name
}

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

// AddNamed adds a node with a DOT label.
func (g *Graph) AddNamed(name, label string) *Node {
	n := &Node{Node: g.DirectedGraph.NewNode(), name: name}
	if label != "" {
		_ = n.SetAttribute(encoding.Attribute{Key: "label", Value: strconv.Quote(label)})
	}
	g.AddNode(n)
	return n
}

// Connect adds a dependency edge so that from is ordered before to.
func (g *Graph) Connect(from, to *Node) {
	g.SetEdge(g.NewEdge(from, to))
}

func (g *Graph) NewEdge(from, to graph.Node) graph.Edge {
	return &edge{Edge: g.DirectedGraph.NewEdge(from, to)}
}

// Sorted returns the nodes in dependency order. Nodes with no ordering
// constraint between them come out in insertion order.
func (g *Graph) Sorted() ([]*Node, error) {
	sorted, err := topo.SortStabilized(g, func(nodes []graph.Node) {
		slices.SortFunc(nodes, func(a, b graph.Node) int {
			switch {
			case a.ID() < b.ID():
				return -1
			case a.ID() > b.ID():
				return 1
			}
			return 0
		})
	})
	if err != nil {
		return nil, fmt.Errorf("graph %s is not acyclic: %w", g.name, err)
	}
	nodes := make([]*Node, 0, len(sorted))
	for _, n := range sorted {
		nodes = append(nodes, n.(*Node))
	}
	return nodes, nil
}

// ExportToDot exports the graph to Graphviz .dot format.
func (g *Graph) ExportToDot() (string, error) {
	data, err := dot.Marshal(g, g.name, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export DAG to DOT format: %v", err)
	}
	return string(data), nil
}

type edge struct {
	graph.Edge
	attrs encoding.Attributes
}

func (e *edge) Attributes() []encoding.Attribute {
	return e.attrs.Attributes()
}

func (e *edge) SetAttribute(attr encoding.Attribute) error {
	return e.attrs.SetAttribute(attr)
}
