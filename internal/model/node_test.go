package model_test

import (
	"testing"

	"github.com/sbcm-osx/sheepdog/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNode(t *testing.T, host string, port uint16, zone uint32, vnodes uint16) model.Node {
	t.Helper()
	n, err := model.NewNode(host, port, zone, vnodes)
	require.NoError(t, err)
	return n
}

func TestNodeOrdering(t *testing.T) {
	a := mustNode(t, "10.0.0.1", 7000, 1, 64)
	b := mustNode(t, "10.0.0.1", 7001, 1, 64)
	c := mustNode(t, "10.0.0.2", 7000, 2, 64)

	nodes := []model.Node{c, b, a}
	model.SortNodes(nodes)

	assert.Equal(t, []model.Node{a, b, c}, nodes)

	// sorting is stable across any input permutation
	nodes = []model.Node{b, a, c}
	model.SortNodes(nodes)
	assert.Equal(t, []model.Node{a, b, c}, nodes)
}

func TestNodeEquality(t *testing.T) {
	a := mustNode(t, "10.0.0.1", 7000, 1, 64)
	sameIdentity := mustNode(t, "10.0.0.1", 7000, 9, 128)
	other := mustNode(t, "10.0.0.1", 7001, 1, 64)

	assert.True(t, a.Equal(sameIdentity), "equality is structural over identity only")
	assert.False(t, a.Equal(other))
}

func TestNodeMarshalRoundTrip(t *testing.T) {
	n := mustNode(t, "192.168.1.10", 7000, 42, 128)

	buf := make([]byte, model.NodeBinarySize)
	n.Marshal(buf)

	got, err := model.UnmarshalNode(buf)
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestZonesOfSkipsGateways(t *testing.T) {
	nodes := []model.Node{
		mustNode(t, "10.0.0.1", 7000, 1, 64),
		mustNode(t, "10.0.0.2", 7000, 1, 64),
		mustNode(t, "10.0.0.3", 7000, 2, 64),
		mustNode(t, "10.0.0.4", 7000, 3, 0), // pure gateway
	}
	assert.Equal(t, 2, model.ZonesOf(nodes))
}

func TestFindNode(t *testing.T) {
	a := mustNode(t, "10.0.0.1", 7000, 1, 64)
	b := mustNode(t, "10.0.0.2", 7000, 1, 64)
	nodes := []model.Node{a, b}

	assert.Equal(t, 1, model.FindNode(nodes, b))
	assert.Equal(t, -1, model.FindNode(nodes, mustNode(t, "10.0.0.3", 7000, 1, 64)))
}

func TestDefaultZone(t *testing.T) {
	a := mustNode(t, "10.0.0.1", 7000, 0, 64)
	b := mustNode(t, "10.0.0.2", 7000, 0, 64)

	assert.NotZero(t, model.DefaultZone(a))
	assert.NotEqual(t, model.DefaultZone(a), model.DefaultZone(b))
}
