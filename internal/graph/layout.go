package graph

import (
	"math"

	"github.com/kpauljoseph/merkwerk/pkg/models"
)

type point struct {
	X, Y float64
}

// tree is the concept graph viewed as a forest: roots are nodes without an
// incoming edge, children follow edge order. Nodes reachable only through a
// cycle are attached to the first root.
type tree struct {
	roots    []string
	children map[string][]string
	depth    map[string]int
}

func buildTree(g models.ConceptGraph) tree {
	t := tree{
		children: make(map[string][]string, len(g.Nodes)),
		depth:    make(map[string]int, len(g.Nodes)),
	}

	incoming := make(map[string]int, len(g.Nodes))
	for _, e := range g.Edges {
		incoming[e.Target()]++
	}
	for _, n := range g.Nodes {
		if incoming[n] == 0 {
			t.roots = append(t.roots, n)
		}
	}
	if len(t.roots) == 0 && len(g.Nodes) > 0 {
		t.roots = []string{g.Nodes[0]}
	}

	adjacent := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		adjacent[e.Source()] = append(adjacent[e.Source()], e.Target())
	}

	queue := make([]string, 0, len(g.Nodes))
	for _, r := range t.roots {
		t.depth[r] = 0
		queue = append(queue, r)
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, c := range adjacent[n] {
			if _, seen := t.depth[c]; seen {
				continue
			}
			t.depth[c] = t.depth[n] + 1
			t.children[n] = append(t.children[n], c)
			queue = append(queue, c)
		}
	}

	for _, n := range g.Nodes {
		if _, seen := t.depth[n]; !seen {
			t.depth[n] = 1
			t.children[t.roots[0]] = append(t.children[t.roots[0]], n)
		}
	}
	return t
}

// radialLayout places every depth level on its own ring around the center.
// A single root sits in the middle; several roots share the first ring.
func radialLayout(g models.ConceptGraph, t tree, size, ring float64) map[string]point {
	center := point{size / 2, size / 2}
	levels := map[int][]string{}
	maxDepth := 0
	for _, n := range g.Nodes {
		d := t.depth[n]
		if len(t.roots) > 1 {
			d++
		}
		levels[d] = append(levels[d], n)
		maxDepth = max(maxDepth, d)
	}

	pos := make(map[string]point, len(g.Nodes))
	for d := 0; d <= maxDepth; d++ {
		nodes := levels[d]
		if d == 0 {
			for _, n := range nodes {
				pos[n] = center
			}
			continue
		}
		radius := ring * float64(d)
		for i, n := range nodes {
			angle := 2*math.Pi*float64(i)/float64(len(nodes)) - math.Pi/2
			pos[n] = point{
				X: center.X + radius*math.Cos(angle),
				Y: center.Y + radius*math.Sin(angle),
			}
		}
	}
	return pos
}

func maxDepthOf(t tree) int {
	d := 0
	for _, v := range t.depth {
		d = max(d, v)
	}
	if len(t.roots) > 1 {
		d++
	}
	return d
}
