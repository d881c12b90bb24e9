package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spec(kind, name string, deps ...Addr) ResourceSpec {
	return ResourceSpec{
		Addr:      Addr{Kind: kind, Name: name},
		DependsOn: deps,
	}
}

func TestParseAddr(t *testing.T) {
	addr, err := ParseAddr("hcloud_network.main")
	require.NoError(t, err)
	assert.Equal(t, Addr{Kind: "hcloud_network", Name: "main"}, addr)

	_, err = ParseAddr("no-dot")
	assert.Error(t, err)

	_, err = ParseAddr(".name")
	assert.Error(t, err)
}

func TestBuild_ExplicitEdges(t *testing.T) {
	network := Addr{Kind: "net", Name: "main"}
	g, err := Build([]ResourceSpec{
		spec("net", "main"),
		spec("cluster", "prod", network),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, g.Len())
	assert.Equal(t, []Addr{network}, g.Dependencies(Addr{Kind: "cluster", Name: "prod"}))
	assert.Equal(t, []Addr{{Kind: "cluster", Name: "prod"}}, g.Dependents(network))
}

func TestBuild_InferredEdges(t *testing.T) {
	g, err := Build([]ResourceSpec{
		{Addr: Addr{Kind: "net", Name: "main"}},
		{
			Addr: Addr{Kind: "cluster", Name: "prod"},
			Attributes: map[string]any{
				"network_id": "${net.main.id}",
			},
		},
	})
	require.NoError(t, err)

	deps := g.Dependencies(Addr{Kind: "cluster", Name: "prod"})
	assert.Equal(t, []Addr{{Kind: "net", Name: "main"}}, deps)
}

func TestBuild_DuplicateAddr(t *testing.T) {
	_, err := Build([]ResourceSpec{
		spec("net", "main"),
		spec("net", "main"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate resource net.main")
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, err := Build([]ResourceSpec{
		spec("cluster", "prod", Addr{Kind: "net", Name: "missing"}),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared resource net.missing")
}

func TestBuild_CycleDetected(t *testing.T) {
	a := Addr{Kind: "res", Name: "a"}
	b := Addr{Kind: "res", Name: "b"}
	c := Addr{Kind: "res", Name: "c"}

	_, err := Build([]ResourceSpec{
		spec("res", "a", b),
		spec("res", "b", c),
		spec("res", "c", a),
		spec("res", "independent"),
	})
	require.Error(t, err)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Len(t, cycleErr.Edges, 3)
	// Every reported edge involves only resources on the cycle.
	for _, e := range cycleErr.Edges {
		assert.NotEqual(t, "independent", e.From.Name)
		assert.NotEqual(t, "independent", e.To.Name)
	}
}

func TestBuild_SelfReference(t *testing.T) {
	a := Addr{Kind: "res", Name: "a"}
	_, err := Build([]ResourceSpec{spec("res", "a", a)})

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
}

func TestTopoOrder_CreateOrder(t *testing.T) {
	net := Addr{Kind: "net", Name: "main"}
	cluster := Addr{Kind: "cluster", Name: "prod"}
	pool := Addr{Kind: "pool", Name: "workers"}

	g, err := Build([]ResourceSpec{
		spec("pool", "workers", cluster),
		spec("cluster", "prod", net),
		spec("net", "main"),
	})
	require.NoError(t, err)

	order := g.TopoOrder(CreateOrder)
	assert.Equal(t, []Addr{net, cluster, pool}, order)
}

func TestTopoOrder_DestroyOrderIsReversed(t *testing.T) {
	g, err := Build([]ResourceSpec{
		spec("net", "main"),
		spec("cluster", "prod", Addr{Kind: "net", Name: "main"}),
	})
	require.NoError(t, err)

	order := g.TopoOrder(DestroyOrder)
	assert.Equal(t, []Addr{
		{Kind: "cluster", Name: "prod"},
		{Kind: "net", Name: "main"},
	}, order)
}

func TestTopoOrder_EveryResourceExactlyOnce(t *testing.T) {
	specs := []ResourceSpec{
		spec("a", "1"),
		spec("a", "2", Addr{Kind: "a", Name: "1"}),
		spec("b", "1", Addr{Kind: "a", Name: "1"}),
		spec("b", "2", Addr{Kind: "a", Name: "2"}, Addr{Kind: "b", Name: "1"}),
		spec("c", "1"),
	}
	g, err := Build(specs)
	require.NoError(t, err)

	order := g.TopoOrder(CreateOrder)
	require.Len(t, order, len(specs))

	position := make(map[Addr]int, len(order))
	for i, addr := range order {
		_, dup := position[addr]
		require.False(t, dup, "resource %s appears twice", addr)
		position[addr] = i
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			assert.Less(t, position[dep], position[s.Addr],
				"%s must precede %s", dep, s.Addr)
		}
	}
}

func TestTopoOrder_DeterministicTieBreak(t *testing.T) {
	build := func() []Addr {
		g, err := Build([]ResourceSpec{
			spec("res", "c"),
			spec("res", "a"),
			spec("res", "b"),
		})
		require.NoError(t, err)
		return g.TopoOrder(CreateOrder)
	}

	first := build()
	assert.Equal(t, []Addr{
		{Kind: "res", Name: "a"},
		{Kind: "res", Name: "b"},
		{Kind: "res", Name: "c"},
	}, first)

	for range 10 {
		assert.Equal(t, first, build())
	}
}
