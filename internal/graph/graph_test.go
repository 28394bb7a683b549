package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adjacency(edges map[string][]string) NeighborFunc[string] {
	return func(_ context.Context, n string) ([]Neighbor[string], error) {
		var out []Neighbor[string]
		for _, to := range edges[n] {
			out = append(out, Neighbor[string]{Node: to, Label: n + "->" + to})
		}
		return out, nil
	}
}

func less(a, b string) bool { return a < b }

func nodes(steps []Step[string]) []string {
	var out []string
	for _, s := range steps {
		out = append(out, s.Node)
	}
	return out
}

func TestClosureRespectsDepth(t *testing.T) {
	next := adjacency(map[string][]string{
		"a": {"c", "b"},
		"b": {"d"},
		"c": {"d", "a"},
		"d": {"e"},
	})
	steps, err := Closure(context.Background(), "a", next, less, Options{MaxDepth: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, nodes(steps))
	assert.Equal(t, 2, steps[2].Depth)
	assert.Equal(t, "b", steps[2].From)
	assert.Equal(t, "b->d", steps[2].Label)
}

func TestClosureZeroDepthIsEmpty(t *testing.T) {
	steps, err := Closure(context.Background(), "a", adjacency(map[string][]string{"a": {"b"}}), less, Options{})
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestClosureHandlesCycles(t *testing.T) {
	next := adjacency(map[string][]string{"a": {"b"}, "b": {"a", "c"}, "c": {"b"}})
	steps, err := Closure(context.Background(), "a", next, less, Options{MaxDepth: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, nodes(steps))
}

func TestClosureLimit(t *testing.T) {
	next := adjacency(map[string][]string{"a": {"b", "c", "d"}})
	_, err := Closure(context.Background(), "a", next, less, Options{MaxDepth: 1, MaxNodes: 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClosureLimit))
}

func TestClosureNeighbourError(t *testing.T) {
	boom := errors.New("registry down")
	next := func(context.Context, string) ([]Neighbor[string], error) { return nil, boom }
	_, err := Closure(context.Background(), "a", next, less, Options{MaxDepth: 1})
	assert.ErrorIs(t, err, boom)
}

func TestClosureRejectsNegativeDepth(t *testing.T) {
	_, err := Closure(context.Background(), "a", adjacency(nil), less, Options{MaxDepth: -1})
	var gerr *GraphError
	require.ErrorAs(t, err, &gerr)
	assert.ErrorIs(t, err, ErrInvalidWalk)
}
