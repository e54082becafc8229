package model_test

import (
	"testing"

	"github.com/sbcm-osx/sheepdog/internal/errors"
	"github.com/sbcm-osx/sheepdog/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinMessageRoundTrip(t *testing.T) {
	nodes := []model.Node{
		mustNode(t, "10.0.0.1", 7000, 1, 64),
		mustNode(t, "10.0.0.2", 7000, 2, 64),
	}

	jm := &model.JoinMessage{
		ProtoVer:      model.ProtoVer,
		NrCopies:      3,
		ClusterFlags:  0x0001,
		ClusterStatus: model.StatusOK,
		Epoch:         7,
		Ctime:         0xdeadbeef12345678,
		Result:        errors.ResOK,
		IncEpoch:      true,
		Store:         "plain",
		Nodes:         nodes,
	}

	buf, err := jm.Marshal()
	require.NoError(t, err)

	got, err := model.UnmarshalJoinMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, jm, got)

	// the wire form is stable: re-encoding yields identical bytes
	buf2, err := got.Marshal()
	require.NoError(t, err)
	assert.Equal(t, buf, buf2)
}

func TestJoinMessageLeaveNodesDirection(t *testing.T) {
	leave := []model.Node{mustNode(t, "10.0.0.9", 7000, 9, 64)}

	jm := &model.JoinMessage{
		ProtoVer:      model.ProtoVer,
		ClusterStatus: model.StatusWaitJoin,
		LeaveNodes:    leave,
	}
	buf, err := jm.Marshal()
	require.NoError(t, err)

	got, err := model.UnmarshalJoinMessage(buf)
	require.NoError(t, err)
	assert.Empty(t, got.Nodes, "the trailing array aliases one direction at a time")
	assert.Equal(t, leave, got.LeaveNodes)
}

func TestJoinMessageRejectsBothDirections(t *testing.T) {
	jm := &model.JoinMessage{
		ProtoVer:   model.ProtoVer,
		Nodes:      []model.Node{mustNode(t, "10.0.0.1", 7000, 1, 64)},
		LeaveNodes: []model.Node{mustNode(t, "10.0.0.2", 7000, 2, 64)},
	}
	_, err := jm.Marshal()
	assert.Error(t, err)
}

func TestNotifyMessageRoundTrip(t *testing.T) {
	msg := &model.NotifyMessage{
		Req: model.ReqHeader{
			Opcode:     0x0101,
			Epoch:      3,
			DataLength: 4,
			ID:         [16]byte{1, 2, 3, 4},
		},
		Rsp:  model.RspHeader{Result: errors.ResOK},
		Data: []byte{0xca, 0xfe, 0xba, 0xbe},
	}

	buf, err := msg.Marshal()
	require.NoError(t, err)

	got, err := model.UnmarshalNotifyMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestNotifyMessageTruncatedBody(t *testing.T) {
	msg := &model.NotifyMessage{
		Req:  model.ReqHeader{DataLength: 8},
		Data: make([]byte, 8),
	}
	buf, err := msg.Marshal()
	require.NoError(t, err)

	_, err = model.UnmarshalNotifyMessage(buf[:len(buf)-2])
	assert.Error(t, err)
}

func TestVdiBitmapMerge(t *testing.T) {
	var a, b model.VdiBitmap
	a.Set(1)
	a.Set(100)
	b.Set(100)
	b.Set(65535)

	a.Merge(&b)

	assert.True(t, a.Test(1))
	assert.True(t, a.Test(100))
	assert.True(t, a.Test(65535))
	assert.Equal(t, 3, a.Count())

	buf := a.Marshal()
	got, err := model.UnmarshalVdiBitmap(buf)
	require.NoError(t, err)
	assert.Equal(t, &a, got)
}
