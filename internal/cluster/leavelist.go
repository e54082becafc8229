package cluster

import "github.com/sbcm-osx/sheepdog/internal/model"

// leaveList tracks members known to have departed between a pre-failure
// epoch and the next quorum that accounts for them. Only the event
// serializer mutates it.
type leaveList struct {
	nodes []model.Node
}

// Contains reports whether node is on the list
func (l *leaveList) Contains(node model.Node) bool {
	return model.FindNode(l.nodes, node) >= 0
}

// Add appends node unless already present
func (l *leaveList) Add(node model.Node) {
	if l.Contains(node) {
		return
	}
	l.nodes = append(l.nodes, node)
}

// Remove drops node from the list
func (l *leaveList) Remove(node model.Node) {
	if i := model.FindNode(l.nodes, node); i >= 0 {
		l.nodes = append(l.nodes[:i], l.nodes[i+1:]...)
	}
}

// Clear empties the list
func (l *leaveList) Clear() {
	l.nodes = nil
}

// Size returns the number of departed members on the list
func (l *leaveList) Size() int {
	return len(l.nodes)
}

// Nodes returns a copy of the list
func (l *leaveList) Nodes() []model.Node {
	return model.CopyNodes(l.nodes)
}
