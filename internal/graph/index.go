package graph

import (
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Index is an integer-keyed view of a validated workflow. Nodes and edges
// are addressed by their position in the workflow's slices. Edges that close
// a loop (back edges) are classified once, by depth-first search from the
// run's entry nodes.
type Index struct {
	Nodes []types.Node
	Edges []types.Edge

	pos  map[string]int
	in   [][]int
	out  [][]int
	back []bool
}

// NewIndex builds the index for wf. entries are the IDs the run starts from;
// they seed the back-edge search so loops are classified relative to where
// execution actually begins.
func NewIndex(wf *types.Workflow, entries []string) *Index {
	idx := &Index{
		Nodes: wf.Nodes,
		Edges: wf.Edges,
		pos:   make(map[string]int, len(wf.Nodes)),
		in:    make([][]int, len(wf.Nodes)),
		out:   make([][]int, len(wf.Nodes)),
		back:  make([]bool, len(wf.Edges)),
	}
	for i, n := range wf.Nodes {
		idx.pos[n.ID] = i
	}
	for ei, e := range wf.Edges {
		from, ok1 := idx.pos[e.From]
		to, ok2 := idx.pos[e.To]
		if !ok1 || !ok2 {
			continue
		}
		idx.out[from] = append(idx.out[from], ei)
		idx.in[to] = append(idx.in[to], ei)
	}
	idx.classify(entries)
	return idx
}

// classify marks back edges with an iterative three-colour DFS.
func (x *Index) classify(entries []string) {
	const (
		white = iota
		grey
		black
	)
	colour := make([]int, len(x.Nodes))

	type frame struct {
		node int
		next int
	}
	visit := func(root int) {
		if colour[root] != white {
			return
		}
		stack := []frame{{node: root}}
		colour[root] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next >= len(x.out[top.node]) {
				colour[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			ei := x.out[top.node][top.next]
			top.next++
			to := x.pos[x.Edges[ei].To]
			switch colour[to] {
			case grey:
				x.back[ei] = true
			case white:
				colour[to] = grey
				stack = append(stack, frame{node: to})
			}
		}
	}

	for _, id := range entries {
		if i, ok := x.pos[id]; ok {
			visit(i)
		}
	}
	for i := range x.Nodes {
		visit(i)
	}
}

// Pos returns the index of the node with the given ID.
func (x *Index) Pos(id string) (int, bool) {
	i, ok := x.pos[id]
	return i, ok
}

// Source returns the node index an edge leaves from.
func (x *Index) Source(edge int) int { return x.pos[x.Edges[edge].From] }

// Target returns the node index an edge points to.
func (x *Index) Target(edge int) int { return x.pos[x.Edges[edge].To] }

// IsBackEdge reports whether the edge closes a loop.
func (x *Index) IsBackEdge(edge int) bool { return x.back[edge] }

// Out returns all outgoing edge indices of a node.
func (x *Index) Out(node int) []int { return x.out[node] }

// ForwardIn returns the incoming edges of a node that are not back edges.
// These are the edges a node waits on before it is ready.
func (x *Index) ForwardIn(node int) []int {
	var res []int
	for _, ei := range x.in[node] {
		if !x.back[ei] {
			res = append(res, ei)
		}
	}
	return res
}

// ForwardOut returns the outgoing edges of a node that are not back edges.
func (x *Index) ForwardOut(node int) []int {
	var res []int
	for _, ei := range x.out[node] {
		if !x.back[ei] {
			res = append(res, ei)
		}
	}
	return res
}

// LoopBody returns the nodes that lie on a forward path from the target of
// a back edge to its source, both included.
func (x *Index) LoopBody(edge int) []int {
	head := x.Target(edge)
	tail := x.Source(edge)

	fromHead := x.reach(head, func(n int) []int {
		var next []int
		for _, ei := range x.ForwardOut(n) {
			next = append(next, x.Target(ei))
		}
		return next
	})
	toTail := x.reach(tail, func(n int) []int {
		var prev []int
		for _, ei := range x.ForwardIn(n) {
			prev = append(prev, x.Source(ei))
		}
		return prev
	})

	var body []int
	for i := range x.Nodes {
		if fromHead[i] && toTail[i] {
			body = append(body, i)
		}
	}
	return body
}

// Downstream returns the nodes reachable by forward edges from any of the
// given nodes, excluding the nodes themselves.
func (x *Index) Downstream(from []int) []int {
	start := make(map[int]bool, len(from))
	for _, n := range from {
		start[n] = true
	}
	seen := make(map[int]bool)
	queue := append([]int(nil), from...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, ei := range x.ForwardOut(n) {
			t := x.Target(ei)
			if seen[t] || start[t] {
				continue
			}
			seen[t] = true
			queue = append(queue, t)
		}
	}
	var res []int
	for i := range x.Nodes {
		if seen[i] {
			res = append(res, i)
		}
	}
	return res
}

func (x *Index) reach(start int, next func(int) []int) []bool {
	seen := make([]bool, len(x.Nodes))
	seen[start] = true
	queue := []int{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, m := range next(n) {
			if !seen[m] {
				seen[m] = true
				queue = append(queue, m)
			}
		}
	}
	return seen
}
