package models

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidGraph = errors.New("invalid concept graph")

// Edge is a directed [source, target] pair.
type Edge [2]string

func (e Edge) Source() string { return e[0] }
func (e Edge) Target() string { return e[1] }

type ConceptGraph struct {
	Nodes []string `json:"nodes"`
	Edges []Edge   `json:"edges"`
}

// Validate reports empty or duplicate nodes and edges that reference
// nodes which were never declared. A graph that fails here is a producer
// defect; callers must not try to patch it.
func (g ConceptGraph) Validate() error {
	var problems []string

	declared := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if strings.TrimSpace(n) == "" {
			problems = append(problems, "empty node name")
			continue
		}
		if _, dup := declared[n]; dup {
			problems = append(problems, fmt.Sprintf("duplicate node %q", n))
			continue
		}
		declared[n] = struct{}{}
	}

	for i, e := range g.Edges {
		for _, end := range e {
			if _, ok := declared[end]; !ok {
				problems = append(problems, fmt.Sprintf("edge %d references undeclared node %q", i, end))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidGraph, strings.Join(problems, "; "))
	}
	return nil
}
