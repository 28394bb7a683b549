// Package graph walks typed dependency edges breadth-first. The walk is
// deterministic: neighbours are visited in the order given by the caller's
// less function, so the same graph always yields the same closure.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrInvalidWalk  = errors.New("invalid graph walk")
	ErrClosureLimit = errors.New("closure too large")
)

// GraphError wraps walk failures with a stable kind for errors.Is.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

// Neighbor is one outgoing hop. Label explains why the hop exists.
type Neighbor[N comparable] struct {
	Node  N
	Label string
}

// Step is one node reached by the walk, with the hop that first reached it.
type Step[N comparable] struct {
	Node  N
	From  N
	Depth int
	Label string
}

// NeighborFunc lists the hops out of a node.
type NeighborFunc[N comparable] func(ctx context.Context, node N) ([]Neighbor[N], error)

type Options struct {
	// MaxDepth bounds the hop count from the start node. Zero returns nothing.
	MaxDepth int
	// MaxNodes caps the closure size; zero means unbounded.
	MaxNodes int
}

// Closure returns every node reachable from start within opts.MaxDepth hops,
// excluding start itself, ordered by depth and then by less.
func Closure[N comparable](ctx context.Context, start N, next NeighborFunc[N], less func(a, b N) bool, opts Options) ([]Step[N], error) {
	if next == nil || less == nil {
		return nil, &GraphError{Kind: ErrInvalidWalk, Msg: "neighbour and ordering functions are required"}
	}
	if opts.MaxDepth < 0 {
		return nil, &GraphError{Kind: ErrInvalidWalk, Msg: fmt.Sprintf("negative depth %d", opts.MaxDepth)}
	}
	seen := map[N]struct{}{start: {}}
	frontier := []N{start}
	var out []Step[N]
	for depth := 1; depth <= opts.MaxDepth && len(frontier) > 0; depth++ {
		var level []Step[N]
		for _, node := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			hops, err := next(ctx, node)
			if err != nil {
				return nil, fmt.Errorf("neighbours: %w", err)
			}
			sort.SliceStable(hops, func(i, j int) bool { return less(hops[i].Node, hops[j].Node) })
			for _, h := range hops {
				if _, ok := seen[h.Node]; ok {
					continue
				}
				seen[h.Node] = struct{}{}
				level = append(level, Step[N]{Node: h.Node, From: node, Depth: depth, Label: h.Label})
			}
		}
		sort.SliceStable(level, func(i, j int) bool { return less(level[i].Node, level[j].Node) })
		out = append(out, level...)
		if opts.MaxNodes > 0 && len(out) > opts.MaxNodes {
			return nil, &GraphError{Kind: ErrClosureLimit, Msg: fmt.Sprintf("more than %d nodes", opts.MaxNodes)}
		}
		frontier = frontier[:0]
		for _, s := range level {
			frontier = append(frontier, s.Node)
		}
	}
	return out, nil
}
