// Package layout maps node/edge sets to 2D coordinates for rendering. All
// three algorithms are pure functions of (nodes, edges, options): no hidden
// state, deterministic given identical input ordering, and total over any
// well-typed input. Dangling edges are filtered out, never raised.
package layout

import (
	"math"
	"sort"

	"github.com/xkilldash9x/kbgraph/api/schemas"
)

// Direction orients the layered layout.
type Direction string

const (
	TopBottom Direction = "top-bottom"
	BottomTop Direction = "bottom-top"
	LeftRight Direction = "left-right"
	RightLeft Direction = "right-left"
)

// Options tunes the layout algorithms. Zero values fall back to defaults.
type Options struct {
	Direction Direction

	// Layered layout spacing.
	NodeWidth  float64
	NodeHeight float64
	RankSep    float64
	NodeSep    float64

	// Radial layout.
	Radius float64

	// Grid layout.
	Columns    int
	CellWidth  float64
	CellHeight float64
	Padding    float64
}

func (o Options) withDefaults() Options {
	if o.Direction == "" {
		o.Direction = TopBottom
	}
	if o.NodeWidth <= 0 {
		o.NodeWidth = 160
	}
	if o.NodeHeight <= 0 {
		o.NodeHeight = 48
	}
	if o.RankSep <= 0 {
		o.RankSep = 80
	}
	if o.NodeSep <= 0 {
		o.NodeSep = 40
	}
	if o.Radius <= 0 {
		o.Radius = 240
	}
	if o.Columns <= 0 {
		o.Columns = 4
	}
	if o.CellWidth <= 0 {
		o.CellWidth = o.NodeWidth
	}
	if o.CellHeight <= 0 {
		o.CellHeight = o.NodeHeight
	}
	if o.Padding <= 0 {
		o.Padding = 24
	}
	return o
}

// PositionedNode is a node id with its computed render position.
type PositionedNode struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// Layered assigns coordinates via longest-path layering and barycenter
// ordering (a Sugiyama-style pipeline). Edges are treated as directed; back
// edges found in cycles are ignored during ranking so cyclic input degrades
// gracefully instead of failing.
func Layered(nodes []schemas.Node, edges []schemas.Edge, opts Options) []PositionedNode {
	opts = opts.withDefaults()
	if len(nodes) == 0 {
		return []PositionedNode{}
	}

	ids := make([]string, 0, len(nodes))
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		ids = append(ids, n.ID)
		index[n.ID] = i
	}
	usable := filterDangling(edges, index)

	ranks := longestPathRanks(ids, usable)

	// Group nodes into layers preserving input order, then run barycenter
	// sweeps to reduce crossings.
	maxRank := 0
	for _, r := range ranks {
		if r > maxRank {
			maxRank = r
		}
	}
	layers := make([][]string, maxRank+1)
	for _, id := range ids {
		r := ranks[id]
		layers[r] = append(layers[r], id)
	}
	barycenterSweeps(layers, usable, 4)

	out := make([]PositionedNode, 0, len(nodes))
	for r, layer := range layers {
		stepMain := pickMain(opts)
		stepCross := pickCross(opts)
		offset := -float64(len(layer)-1) / 2 * stepCross
		for i, id := range layer {
			main := float64(r) * stepMain
			cross := offset + float64(i)*stepCross
			out = append(out, place(id, main, cross, opts.Direction))
		}
	}
	sortByInput(out, index)
	return out
}

// Radial places the designated center node at the origin and the remaining
// nodes evenly around a circle, angle = index * (2π / n).
func Radial(nodes []schemas.Node, centerID string, opts Options) []PositionedNode {
	opts = opts.withDefaults()
	if len(nodes) == 0 {
		return []PositionedNode{}
	}

	others := make([]string, 0, len(nodes)-1)
	centerFound := false
	for _, n := range nodes {
		if n.ID == centerID && !centerFound {
			centerFound = true
			continue
		}
		others = append(others, n.ID)
	}
	// An absent center id degrades to placing everything on the circle.
	out := make([]PositionedNode, 0, len(nodes))
	if centerFound {
		out = append(out, PositionedNode{ID: centerID, X: 0, Y: 0})
	}
	n := len(others)
	for i, id := range others {
		angle := float64(i) * (2 * math.Pi / float64(n))
		out = append(out, PositionedNode{
			ID: id,
			X:  opts.Radius * math.Cos(angle),
			Y:  opts.Radius * math.Sin(angle),
		})
	}
	return out
}

// Grid places nodes row-major into a fixed column count with uniform cells.
func Grid(nodes []schemas.Node, opts Options) []PositionedNode {
	opts = opts.withDefaults()
	out := make([]PositionedNode, 0, len(nodes))
	for i, n := range nodes {
		row := i / opts.Columns
		col := i % opts.Columns
		out = append(out, PositionedNode{
			ID: n.ID,
			X:  float64(col) * (opts.CellWidth + opts.Padding),
			Y:  float64(row) * (opts.CellHeight + opts.Padding),
		})
	}
	return out
}

// -- Layered internals --

type edgePair struct {
	from, to string
}

// filterDangling drops edges whose endpoints are absent from the node set,
// plus self-loops, which carry no layout information.
func filterDangling(edges []schemas.Edge, index map[string]int) []edgePair {
	out := make([]edgePair, 0, len(edges))
	for _, e := range edges {
		if _, ok := index[e.SourceID]; !ok {
			continue
		}
		if _, ok := index[e.TargetID]; !ok {
			continue
		}
		if e.SourceID == e.TargetID {
			continue
		}
		out = append(out, edgePair{from: e.SourceID, to: e.TargetID})
	}
	return out
}

// longestPathRanks assigns each node the length of the longest forward path
// reaching it. Back edges discovered by a DFS ancestor check are excluded so
// cycles cannot wedge the ranking.
func longestPathRanks(ids []string, edges []edgePair) map[string]int {
	succ := make(map[string][]string)
	for _, e := range edges {
		succ[e.from] = append(succ[e.from], e.to)
	}

	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(ids))
	forward := make(map[string][]string)
	indegree := make(map[string]int, len(ids))

	var dfs func(string)
	dfs = func(id string) {
		state[id] = onStack
		for _, next := range succ[id] {
			if state[next] == onStack {
				continue // Back edge: ignore for ranking.
			}
			forward[id] = append(forward[id], next)
			indegree[next]++
			if state[next] == unvisited {
				dfs(next)
			}
		}
		state[id] = done
	}
	for _, id := range ids {
		if state[id] == unvisited {
			dfs(id)
		}
	}

	// Kahn's ordering over the acyclic forward edges, taking the longest
	// incoming path at each step.
	ranks := make(map[string]int, len(ids))
	queue := []string{}
	for _, id := range ids {
		ranks[id] = 0
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range forward[id] {
			if ranks[id]+1 > ranks[next] {
				ranks[next] = ranks[id] + 1
			}
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return ranks
}

// barycenterSweeps reorders each layer by the mean position of its neighbors
// in the adjacent layer, alternating sweep direction.
func barycenterSweeps(layers [][]string, edges []edgePair, rounds int) {
	down := make(map[string][]string) // successor lists
	up := make(map[string][]string)   // predecessor lists
	for _, e := range edges {
		down[e.from] = append(down[e.from], e.to)
		up[e.to] = append(up[e.to], e.from)
	}

	position := func(layer []string) map[string]int {
		pos := make(map[string]int, len(layer))
		for i, id := range layer {
			pos[id] = i
		}
		return pos
	}

	order := func(layer []string, neighborPos map[string]int, neighbors map[string][]string) {
		current := position(layer)
		bary := make(map[string]float64, len(layer))
		for _, id := range layer {
			sum, count := 0.0, 0
			for _, n := range neighbors[id] {
				if p, ok := neighborPos[n]; ok {
					sum += float64(p)
					count++
				}
			}
			if count == 0 {
				bary[id] = float64(current[id])
			} else {
				bary[id] = sum / float64(count)
			}
		}
		sort.SliceStable(layer, func(i, j int) bool {
			return bary[layer[i]] < bary[layer[j]]
		})
	}

	for round := 0; round < rounds; round++ {
		if round%2 == 0 {
			for r := 1; r < len(layers); r++ {
				order(layers[r], position(layers[r-1]), up)
			}
		} else {
			for r := len(layers) - 2; r >= 0; r-- {
				order(layers[r], position(layers[r+1]), down)
			}
		}
	}
}

// pickMain is the spacing along the rank axis; pickCross along the in-rank axis.
func pickMain(o Options) float64 {
	if o.Direction == LeftRight || o.Direction == RightLeft {
		return o.NodeWidth + o.RankSep
	}
	return o.NodeHeight + o.RankSep
}

func pickCross(o Options) float64 {
	if o.Direction == LeftRight || o.Direction == RightLeft {
		return o.NodeHeight + o.NodeSep
	}
	return o.NodeWidth + o.NodeSep
}

// place maps (rank axis, in-rank axis) distances onto x/y per direction.
func place(id string, main, cross float64, d Direction) PositionedNode {
	switch d {
	case BottomTop:
		return PositionedNode{ID: id, X: cross, Y: -main}
	case LeftRight:
		return PositionedNode{ID: id, X: main, Y: cross}
	case RightLeft:
		return PositionedNode{ID: id, X: -main, Y: cross}
	default:
		return PositionedNode{ID: id, X: cross, Y: main}
	}
}

// sortByInput restores the caller's node ordering in the result.
func sortByInput(out []PositionedNode, index map[string]int) {
	sort.SliceStable(out, func(i, j int) bool {
		return index[out[i].ID] < index[out[j].ID]
	})
}
