package engine

import (
	"fmt"
	"sort"
	"strings"
)

// RoleGraph is the producer graph of a catalog. Role B depends on role A when
// an operation returning a B instance takes an A instance as argument.
type RoleGraph struct {
	// Nodes maps role names to their nodes.
	Nodes map[string]*RoleNode `json:"nodes"`

	// Edges are the producer dependencies, sorted.
	Edges []RoleEdge `json:"edges"`

	// Levels groups roles by the shortest producer chain that reaches them.
	Levels [][]string `json:"levels"`

	// Unreachable lists roles no operation chain can produce.
	Unreachable []string `json:"unreachable,omitempty"`

	// Cycles lists dependency cycles between roles (self-loops excluded).
	Cycles [][]string `json:"cycles,omitempty"`
}

// RoleNode is one role in the graph.
type RoleNode struct {
	Role         string   `json:"role"`
	Level        int      `json:"level"`
	Producers    []string `json:"producers"`
	Releasers    []string `json:"releasers"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// RoleEdge records that Operation needs a From instance to produce a To instance.
type RoleEdge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Operation string `json:"operation"`
}

// GraphBuilder derives a RoleGraph from a validated catalog.
type GraphBuilder struct {
	catalog *Catalog

	// adjacency maps a role to the roles produced from it.
	adjacency map[string][]string

	// reverse maps a role to the roles its producers consume.
	reverse map[string][]string

	edges  []RoleEdge
	levels map[string]int
}

// NewGraphBuilder creates a builder for catalog.
func NewGraphBuilder(catalog *Catalog) *GraphBuilder {
	return &GraphBuilder{
		catalog:   catalog,
		adjacency: make(map[string][]string),
		reverse:   make(map[string][]string),
		levels:    make(map[string]int),
	}
}

// Build computes edges, levels, unreachable roles and cycles.
func (b *GraphBuilder) Build() (*RoleGraph, error) {
	if len(b.catalog.Roles) == 0 {
		return &RoleGraph{Nodes: make(map[string]*RoleNode), Edges: []RoleEdge{}}, nil
	}

	b.initialize()
	b.computeLevels()

	graph := &RoleGraph{
		Nodes: make(map[string]*RoleNode, len(b.catalog.Roles)),
		Edges: b.edges,
	}

	producers := b.catalog.RoleProducers()
	releasers := make(map[string][]string)
	for i := range b.catalog.Operations {
		op := &b.catalog.Operations[i]
		for _, e := range op.Effects {
			if e.Kind != EffectFree {
				continue
			}
			if p, _ := op.Param(e.Target); p != nil {
				releasers[p.Role] = append(releasers[p.Role], op.Name)
			}
		}
	}

	depth := 0
	for _, r := range b.catalog.Roles {
		level, ok := b.levels[r.Name]
		if !ok {
			level = -1
			graph.Unreachable = append(graph.Unreachable, r.Name)
		} else if level+1 > depth {
			depth = level + 1
		}
		graph.Nodes[r.Name] = &RoleNode{
			Role:         r.Name,
			Level:        level,
			Producers:    producers[r.Name],
			Releasers:    dedupe(releasers[r.Name]),
			Dependencies: dedupe(b.reverse[r.Name]),
			Dependents:   dedupe(b.adjacency[r.Name]),
		}
	}

	graph.Levels = make([][]string, depth)
	for _, r := range b.catalog.Roles {
		if level := graph.Nodes[r.Name].Level; level >= 0 {
			graph.Levels[level] = append(graph.Levels[level], r.Name)
		}
	}
	graph.Cycles = b.detectCycles()

	if len(graph.Unreachable) > 0 {
		return graph, NewCatalogError(
			fmt.Sprintf("roles cannot be produced: %s", strings.Join(graph.Unreachable, ", ")), nil)
	}
	return graph, nil
}

func (b *GraphBuilder) initialize() {
	for i := range b.catalog.Operations {
		op := &b.catalog.Operations[i]
		if !op.Creates() {
			continue
		}
		to := op.Returns.Role
		for _, p := range op.Params {
			if p.Kind != ParamResource {
				continue
			}
			b.adjacency[p.Role] = append(b.adjacency[p.Role], to)
			b.reverse[to] = append(b.reverse[to], p.Role)
			b.edges = append(b.edges, RoleEdge{From: p.Role, To: to, Operation: op.Name})
		}
	}
	sort.Slice(b.edges, func(i, j int) bool {
		if b.edges[i].From != b.edges[j].From {
			return b.edges[i].From < b.edges[j].From
		}
		if b.edges[i].To != b.edges[j].To {
			return b.edges[i].To < b.edges[j].To
		}
		return b.edges[i].Operation < b.edges[j].Operation
	})
}

// computeLevels assigns each role the length of its shortest producer chain.
// A producer is usable once every role it consumes has a level; it puts its
// role one level above the deepest role it consumes.
func (b *GraphBuilder) computeLevels() {
	for changed := true; changed; {
		changed = false
		for i := range b.catalog.Operations {
			op := &b.catalog.Operations[i]
			if !op.Creates() {
				continue
			}
			level, ok := 0, true
			for _, p := range op.Params {
				if p.Kind != ParamResource {
					continue
				}
				dep, has := b.levels[p.Role]
				if !has {
					ok = false
					break
				}
				if dep+1 > level {
					level = dep + 1
				}
			}
			if !ok {
				continue
			}
			if cur, has := b.levels[op.Returns.Role]; !has || level < cur {
				b.levels[op.Returns.Role] = level
				changed = true
			}
		}
	}
}

// detectCycles uses depth-first search to find role cycles.
func (b *GraphBuilder) detectCycles() [][]string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var cycles [][]string

	var visit func(role string, path []string)
	visit = func(role string, path []string) {
		visited[role] = true
		onStack[role] = true
		path = append(path, role)
		for _, next := range dedupe(b.adjacency[role]) {
			if next == role {
				continue
			}
			if !visited[next] {
				visit(next, path)
			} else if onStack[next] {
				for i, id := range path {
					if id == next {
						cycle := append(append([]string{}, path[i:]...), next)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		onStack[role] = false
	}

	for _, r := range b.catalog.Roles {
		if !visited[r.Name] {
			visit(r.Name, nil)
		}
	}
	return cycles
}

// ToDOT renders the graph in DOT format for Graphviz. Roles are grouped by
// level; unreachable roles are drawn red.
func (g *RoleGraph) ToDOT(library string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", library))
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, roles := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, role := range roles {
			node := g.Nodes[role]
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\\n+%d -%d\", fillcolor=%q, style=\"filled,rounded\"];\n",
				role, role, len(node.Producers), len(node.Releasers), roleColor(node)))
		}
		sb.WriteString("  }\n\n")
	}
	for _, role := range g.Unreachable {
		sb.WriteString(fmt.Sprintf("  %q [fillcolor=\"lightcoral\", style=\"filled,rounded\"];\n", role))
	}

	for _, e := range g.Edges {
		style := "style=solid, color=black"
		if e.From == e.To {
			style = "style=dotted, color=gray"
		}
		sb.WriteString(fmt.Sprintf("  %q -> %q [label=%q, %s];\n", e.From, e.To, e.Operation, style))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// roleColor marks roles without a release operation.
func roleColor(n *RoleNode) string {
	switch {
	case len(n.Releasers) == 0:
		return "lightyellow"
	case n.Level == 0:
		return "lightgreen"
	default:
		return "lightblue"
	}
}

func dedupe(xs []string) []string {
	if len(xs) == 0 {
		return []string{}
	}
	seen := make(map[string]bool, len(xs))
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	sort.Strings(out)
	return out
}
