package epochlog_test

import (
	"testing"

	"github.com/sbcm-osx/sheepdog/internal/epochlog"
	"github.com/sbcm-osx/sheepdog/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testNodes(t *testing.T, hosts ...string) []model.Node {
	t.Helper()
	nodes := make([]model.Node, len(hosts))
	for i, h := range hosts {
		n, err := model.NewNode(h, 7000, uint32(i+1), 64)
		require.NoError(t, err)
		nodes[i] = n
	}
	return nodes
}

func TestAppendReadLatest(t *testing.T) {
	l, err := epochlog.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	assert.Zero(t, l.Latest())

	e1 := testNodes(t, "10.0.0.1", "10.0.0.2")
	e2 := testNodes(t, "10.0.0.1", "10.0.0.2", "10.0.0.3")

	require.NoError(t, l.Append(1, e1))
	require.NoError(t, l.Append(2, e2))

	assert.Equal(t, uint32(2), l.Latest())

	got1, err := l.Read(1)
	require.NoError(t, err)
	assert.Equal(t, e1, got1)

	got2, err := l.Read(2)
	require.NoError(t, err)
	assert.Equal(t, e2, got2)

	assert.Equal(t, 3, l.NrNodesAt(2))
}

func TestReadAbsentEpoch(t *testing.T) {
	l, err := epochlog.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	nodes, err := l.Read(5)
	require.NoError(t, err)
	assert.Nil(t, nodes)
	assert.Zero(t, l.NrNodesAt(5))
}

func TestAppendIdempotent(t *testing.T) {
	l, err := epochlog.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	nodes := testNodes(t, "10.0.0.1", "10.0.0.2")
	require.NoError(t, l.Append(1, nodes))
	require.NoError(t, l.Append(1, nodes), "same tuple twice is a no-op")

	// order-insensitive: the log stores the sorted membership
	reversed := []model.Node{nodes[1], nodes[0]}
	require.NoError(t, l.Append(1, reversed))
}

func TestAppendConflict(t *testing.T) {
	l, err := epochlog.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, l.Append(1, testNodes(t, "10.0.0.1")))
	err = l.Append(1, testNodes(t, "10.0.0.2"))
	assert.Error(t, err, "a committed epoch is immutable")
}

func TestReopenRecoversLatest(t *testing.T) {
	dir := t.TempDir()

	l, err := epochlog.Open(dir, zap.NewNop())
	require.NoError(t, err)
	nodes := testNodes(t, "10.0.0.1", "10.0.0.2")
	require.NoError(t, l.Append(1, nodes))
	require.NoError(t, l.Append(2, nodes))
	require.NoError(t, l.SetCtime(12345))

	reopened, err := epochlog.Open(dir, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), reopened.Latest())

	ctime, err := reopened.Ctime()
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), ctime)

	got, err := reopened.Read(1)
	require.NoError(t, err)
	assert.Equal(t, nodes, got)
}

func TestCtimeUnformatted(t *testing.T) {
	l, err := epochlog.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	ctime, err := l.Ctime()
	require.NoError(t, err)
	assert.Zero(t, ctime)
}
