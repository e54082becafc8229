package cluster

import (
	"testing"

	"github.com/sbcm-osx/sheepdog/internal/model"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func probeFrom(reachable map[string]bool) Prober {
	return func(addr string) bool { return reachable[addr] }
}

func TestCheckMajority(t *testing.T) {
	n1 := admNode(t, "10.0.0.1", 7000)
	n2 := admNode(t, "10.0.0.2", 7000)
	n3 := admNode(t, "10.0.0.3", 7000)
	n4 := admNode(t, "10.0.0.4", 7000)

	tests := []struct {
		name      string
		nodes     []model.Node
		reachable []model.Node
		want      bool
	}{
		{
			name:  "small clusters always pass",
			nodes: []model.Node{n1, n2},
			want:  true,
		},
		{
			name:      "majority reachable",
			nodes:     []model.Node{n1, n2, n3},
			reachable: []model.Node{n1, n2},
			want:      true,
		},
		{
			name:      "exactly half is not a majority",
			nodes:     []model.Node{n1, n2, n3, n4},
			reachable: []model.Node{n1, n2},
			want:      false,
		},
		{
			name:      "all unreachable",
			nodes:     []model.Node{n1, n2, n3},
			reachable: nil,
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reach := make(map[string]bool)
			for _, n := range tt.reachable {
				reach[n.String()] = true
			}
			got := checkMajority(tt.nodes, probeFrom(reach), zap.NewNop())
			assert.Equal(t, tt.want, got)
		})
	}
}
