package model

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
)

// NodeBinarySize is the wire size of one encoded node
const NodeBinarySize = 24

// Node identifies a sheep daemon by address and port. Zone is the failure
// domain the node belongs to; NrVnodes is the vnode weight, zero for a pure
// gateway that stores no data.
type Node struct {
	Addr     [16]byte // IPv6 or IPv4-mapped address
	Port     uint16
	NrVnodes uint16
	Zone     uint32
}

// NewNode creates a node from a textual host address
func NewNode(host string, port uint16, zone uint32, nrVnodes uint16) (Node, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return Node{}, fmt.Errorf("invalid node address %q", host)
	}
	var n Node
	copy(n.Addr[:], ip.To16())
	n.Port = port
	n.Zone = zone
	n.NrVnodes = nrVnodes
	return n, nil
}

// IP returns the node address as a net.IP
func (n Node) IP() net.IP {
	return net.IP(n.Addr[:])
}

// Equal reports structural equality over the node identity (address, port)
func (n Node) Equal(other Node) bool {
	return n.Addr == other.Addr && n.Port == other.Port
}

// Compare orders nodes by address then port. The ordering is total and
// stable across all members, so every node sorts a membership list the
// same way.
func (n Node) Compare(other Node) int {
	if c := bytes.Compare(n.Addr[:], other.Addr[:]); c != 0 {
		return c
	}
	switch {
	case n.Port < other.Port:
		return -1
	case n.Port > other.Port:
		return 1
	default:
		return 0
	}
}

// IsGateway reports whether the node stores no data
func (n Node) IsGateway() bool {
	return n.NrVnodes == 0
}

// String returns the node identity as host:port
func (n Node) String() string {
	return net.JoinHostPort(n.IP().String(), fmt.Sprintf("%d", n.Port))
}

// Marshal encodes the node into its wire representation
func (n Node) Marshal(buf []byte) {
	copy(buf[0:16], n.Addr[:])
	binary.BigEndian.PutUint16(buf[16:18], n.Port)
	binary.BigEndian.PutUint16(buf[18:20], n.NrVnodes)
	binary.BigEndian.PutUint32(buf[20:24], n.Zone)
}

// UnmarshalNode decodes a node from its wire representation
func UnmarshalNode(buf []byte) (Node, error) {
	if len(buf) < NodeBinarySize {
		return Node{}, fmt.Errorf("short node buffer: %d bytes", len(buf))
	}
	var n Node
	copy(n.Addr[:], buf[0:16])
	n.Port = binary.BigEndian.Uint16(buf[16:18])
	n.NrVnodes = binary.BigEndian.Uint16(buf[18:20])
	n.Zone = binary.BigEndian.Uint32(buf[20:24])
	return n, nil
}

// SortNodes sorts a membership list in place by the node total order
func SortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Compare(nodes[j]) < 0
	})
}

// FindNode returns the index of node in nodes, -1 if absent
func FindNode(nodes []Node, node Node) int {
	for i := range nodes {
		if nodes[i].Equal(node) {
			return i
		}
	}
	return -1
}

// SameNodes reports whether two sorted membership lists are identical,
// including attributes
func SameNodes(a, b []Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CopyNodes returns a copy of a membership list
func CopyNodes(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	copy(out, nodes)
	return out
}

// ZonesOf counts the distinct zones among data-carrying nodes. Pure
// gateways don't contribute to the redundancy level.
func ZonesOf(nodes []Node) int {
	zones := make(map[uint32]struct{})
	for _, n := range nodes {
		if n.IsGateway() {
			continue
		}
		zones[n.Zone] = struct{}{}
	}
	return len(zones)
}

// MarshalNodes encodes a membership list into its wire representation
func MarshalNodes(nodes []Node) []byte {
	buf := make([]byte, len(nodes)*NodeBinarySize)
	for i, n := range nodes {
		n.Marshal(buf[i*NodeBinarySize:])
	}
	return buf
}

// UnmarshalNodes decodes a membership list of nr nodes
func UnmarshalNodes(buf []byte, nr int) ([]Node, error) {
	if len(buf) < nr*NodeBinarySize {
		return nil, fmt.Errorf("short node list buffer: %d bytes for %d nodes", len(buf), nr)
	}
	nodes := make([]Node, nr)
	for i := 0; i < nr; i++ {
		n, err := UnmarshalNode(buf[i*NodeBinarySize:])
		if err != nil {
			return nil, err
		}
		nodes[i] = n
	}
	return nodes, nil
}

// DefaultZone derives a zone id from the low bytes of the address, used
// when no zone was configured
func DefaultZone(n Node) uint32 {
	b := n.Addr[12:16]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
