package service_test

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sbcm-osx/sheepdog/internal/model"
	"github.com/sbcm-osx/sheepdog/internal/service"
)

type fixedBitmap struct {
	bm model.VdiBitmap
}

func (f *fixedBitmap) VdiBitmapCopy() *model.VdiBitmap {
	bm := f.bm
	return &bm
}

func TestPeerBitmapExchange(t *testing.T) {
	src := &fixedBitmap{}
	src.bm.Set(7)
	src.bm.Set(4242)

	srv, err := service.NewPeerServer("127.0.0.1:0", src, nil, zap.NewNop())
	require.NoError(t, err)
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	node, err := model.NewNode(host, uint16(port), 1, 64)
	require.NoError(t, err)

	client := service.NewPeerTCPClient(zap.NewNop())
	got, err := client.FetchVdiBitmap(context.Background(), node)
	require.NoError(t, err)

	assert.True(t, got.Test(7))
	assert.True(t, got.Test(4242))
	assert.False(t, got.Test(8))
	assert.Equal(t, 2, got.Count())
}

func TestPeerFetchUnreachable(t *testing.T) {
	node, err := model.NewNode("127.0.0.1", 1, 1, 64)
	require.NoError(t, err)

	client := service.NewPeerTCPClient(zap.NewNop())
	_, err = client.FetchVdiBitmap(context.Background(), node)
	assert.Error(t, err)
}
