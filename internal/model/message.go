package model

import (
	"encoding/binary"
	"fmt"

	"github.com/sbcm-osx/sheepdog/internal/errors"
)

const (
	// ProtoVer is the sheep membership protocol version
	ProtoVer = 2

	// StoreLen is the fixed wire length of the backend store name
	StoreLen = 16

	// joinHeaderSize is the encoded size of JoinMessage before the
	// trailing node array
	joinHeaderSize = 45

	// ReqHeaderSize and RspHeaderSize are the encoded sizes of the
	// request and response headers
	ReqHeaderSize = 32
	RspHeaderSize = 8
)

// JoinMessage is the opaque payload that travels with a membership
// proposal. The same trailing node array carries either the joiner's
// claimed membership (nr_nodes) or the cluster's leave list
// (nr_leave_nodes) depending on direction; only one is non-zero in a
// given message.
type JoinMessage struct {
	ProtoVer      uint8
	NrCopies      uint8
	ClusterFlags  uint16
	ClusterStatus ClusterStatus
	Epoch         uint32
	Ctime         uint64
	Result        errors.ResultCode
	IncEpoch      bool
	Store         string

	Nodes      []Node
	LeaveNodes []Node
}

// Marshal encodes the join message into its bit-exact wire layout
func (m *JoinMessage) Marshal() ([]byte, error) {
	if len(m.Nodes) > 0 && len(m.LeaveNodes) > 0 {
		return nil, fmt.Errorf("join message carries both nodes and leave nodes")
	}
	if len(m.Store) > StoreLen {
		return nil, fmt.Errorf("store name %q exceeds %d bytes", m.Store, StoreLen)
	}

	trailing := m.Nodes
	if len(m.LeaveNodes) > 0 {
		trailing = m.LeaveNodes
	}

	buf := make([]byte, joinHeaderSize+len(trailing)*NodeBinarySize)
	buf[0] = m.ProtoVer
	buf[1] = m.NrCopies
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(m.Nodes)))
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(m.LeaveNodes)))
	binary.BigEndian.PutUint16(buf[6:8], m.ClusterFlags)
	binary.BigEndian.PutUint32(buf[8:12], uint32(m.ClusterStatus))
	binary.BigEndian.PutUint32(buf[12:16], m.Epoch)
	binary.BigEndian.PutUint64(buf[16:24], m.Ctime)
	binary.BigEndian.PutUint32(buf[24:28], uint32(m.Result))
	if m.IncEpoch {
		buf[28] = 1
	}
	copy(buf[29:29+StoreLen], m.Store)

	for i, n := range trailing {
		n.Marshal(buf[joinHeaderSize+i*NodeBinarySize:])
	}
	return buf, nil
}

// UnmarshalJoinMessage decodes a join message from its wire layout
func UnmarshalJoinMessage(buf []byte) (*JoinMessage, error) {
	if len(buf) < joinHeaderSize {
		return nil, fmt.Errorf("short join message: %d bytes", len(buf))
	}
	m := &JoinMessage{
		ProtoVer:      buf[0],
		NrCopies:      buf[1],
		ClusterFlags:  binary.BigEndian.Uint16(buf[6:8]),
		ClusterStatus: ClusterStatus(binary.BigEndian.Uint32(buf[8:12])),
		Epoch:         binary.BigEndian.Uint32(buf[12:16]),
		Ctime:         binary.BigEndian.Uint64(buf[16:24]),
		Result:        errors.ResultCode(binary.BigEndian.Uint32(buf[24:28])),
		IncEpoch:      buf[28] != 0,
	}
	store := buf[29 : 29+StoreLen]
	for i, b := range store {
		if b == 0 {
			store = store[:i]
			break
		}
	}
	m.Store = string(store)

	nrNodes := int(binary.BigEndian.Uint16(buf[2:4]))
	nrLeave := int(binary.BigEndian.Uint16(buf[4:6]))
	nr := nrNodes
	if nrLeave > nr {
		nr = nrLeave
	}
	nodes, err := UnmarshalNodes(buf[joinHeaderSize:], nr)
	if err != nil {
		return nil, fmt.Errorf("join message node list: %w", err)
	}
	if nrLeave > 0 {
		m.LeaveNodes = nodes[:nrLeave]
	} else {
		m.Nodes = nodes[:nrNodes]
	}
	return m, nil
}

// ReqHeader is the request half of a cluster operation notification
type ReqHeader struct {
	Opcode     uint32
	Flags      uint32
	Epoch      uint32
	DataLength uint32
	ID         [16]byte
}

// RspHeader is the response half of a cluster operation notification
type RspHeader struct {
	Result     errors.ResultCode
	DataLength uint32
}

// MarshalReq encodes a request header alone, for the peer exchange
// protocol
func (h *ReqHeader) MarshalReq() []byte {
	buf := make([]byte, ReqHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Opcode)
	binary.BigEndian.PutUint32(buf[4:8], h.Flags)
	binary.BigEndian.PutUint32(buf[8:12], h.Epoch)
	binary.BigEndian.PutUint32(buf[12:16], h.DataLength)
	copy(buf[16:32], h.ID[:])
	return buf
}

// UnmarshalReqHeader decodes a request header alone
func UnmarshalReqHeader(buf []byte) (ReqHeader, error) {
	var h ReqHeader
	if len(buf) < ReqHeaderSize {
		return h, fmt.Errorf("short request header: %d bytes", len(buf))
	}
	h.Opcode = binary.BigEndian.Uint32(buf[0:4])
	h.Flags = binary.BigEndian.Uint32(buf[4:8])
	h.Epoch = binary.BigEndian.Uint32(buf[8:12])
	h.DataLength = binary.BigEndian.Uint32(buf[12:16])
	copy(h.ID[:], buf[16:32])
	return h, nil
}

// MarshalRsp encodes a response header alone
func (h *RspHeader) MarshalRsp() []byte {
	buf := make([]byte, RspHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Result))
	binary.BigEndian.PutUint32(buf[4:8], h.DataLength)
	return buf
}

// UnmarshalRspHeader decodes a response header alone
func UnmarshalRspHeader(buf []byte) (RspHeader, error) {
	var h RspHeader
	if len(buf) < RspHeaderSize {
		return h, fmt.Errorf("short response header: %d bytes", len(buf))
	}
	h.Result = errors.ResultCode(binary.BigEndian.Uint32(buf[0:4]))
	h.DataLength = binary.BigEndian.Uint32(buf[4:8])
	return h, nil
}

// NotifyMessage is the totally-ordered broadcast payload of a
// cluster-wide operation: request header, response header, then an
// optional body of Req.DataLength bytes.
type NotifyMessage struct {
	Req  ReqHeader
	Rsp  RspHeader
	Data []byte
}

// Marshal encodes the notify message into its wire layout
func (m *NotifyMessage) Marshal() ([]byte, error) {
	if len(m.Data) != int(m.Req.DataLength) {
		return nil, fmt.Errorf("notify body length %d does not match header %d",
			len(m.Data), m.Req.DataLength)
	}
	buf := make([]byte, ReqHeaderSize+RspHeaderSize+len(m.Data))
	binary.BigEndian.PutUint32(buf[0:4], m.Req.Opcode)
	binary.BigEndian.PutUint32(buf[4:8], m.Req.Flags)
	binary.BigEndian.PutUint32(buf[8:12], m.Req.Epoch)
	binary.BigEndian.PutUint32(buf[12:16], m.Req.DataLength)
	copy(buf[16:32], m.Req.ID[:])
	binary.BigEndian.PutUint32(buf[32:36], uint32(m.Rsp.Result))
	binary.BigEndian.PutUint32(buf[36:40], m.Rsp.DataLength)
	copy(buf[40:], m.Data)
	return buf, nil
}

// UnmarshalNotifyMessage decodes a notify message from its wire layout
func UnmarshalNotifyMessage(buf []byte) (*NotifyMessage, error) {
	if len(buf) < ReqHeaderSize+RspHeaderSize {
		return nil, fmt.Errorf("short notify message: %d bytes", len(buf))
	}
	m := &NotifyMessage{}
	m.Req.Opcode = binary.BigEndian.Uint32(buf[0:4])
	m.Req.Flags = binary.BigEndian.Uint32(buf[4:8])
	m.Req.Epoch = binary.BigEndian.Uint32(buf[8:12])
	m.Req.DataLength = binary.BigEndian.Uint32(buf[12:16])
	copy(m.Req.ID[:], buf[16:32])
	m.Rsp.Result = errors.ResultCode(binary.BigEndian.Uint32(buf[32:36]))
	m.Rsp.DataLength = binary.BigEndian.Uint32(buf[36:40])

	body := buf[ReqHeaderSize+RspHeaderSize:]
	if len(body) < int(m.Req.DataLength) {
		return nil, fmt.Errorf("notify body truncated: %d of %d bytes",
			len(body), m.Req.DataLength)
	}
	if m.Req.DataLength > 0 {
		m.Data = make([]byte, m.Req.DataLength)
		copy(m.Data, body)
	}
	return m, nil
}
