package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/sbcm-osx/sheepdog/internal/errors"
	"github.com/sbcm-osx/sheepdog/internal/model"
)

const (
	peerDialTimeout = 2 * time.Second
	peerRWTimeout   = 5 * time.Second

	// opReadVdis asks a peer for its in-use VDI bitmap
	opReadVdis uint32 = 0x0201
)

// BitmapSource exposes the local VDI bitmap to peers
type BitmapSource interface {
	VdiBitmapCopy() *model.VdiBitmap
}

// PeerServer answers peer requests on the sheep port. The listener
// also doubles as the reachability target for majority probes.
type PeerServer struct {
	listener net.Listener
	source   BitmapSource
	submit   func(fn func(context.Context) error) error
	logger   *zap.Logger
}

// NewPeerServer starts listening on addr. Connections are handled on
// the given pool; a nil submit falls back to plain goroutines.
func NewPeerServer(addr string, source BitmapSource,
	submit func(fn func(context.Context) error) error, logger *zap.Logger) (*PeerServer, error) {

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s := &PeerServer{listener: ln, source: source, submit: submit, logger: logger}
	go s.serve()
	logger.Info("Peer server listening", zap.String("addr", addr))
	return s, nil
}

func (s *PeerServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		if s.submit != nil {
			conn := conn
			if err := s.submit(func(ctx context.Context) error {
				s.handle(conn)
				return nil
			}); err == nil {
				continue
			}
			// pool saturated; the probe target must stay responsive
		}
		go s.handle(conn)
	}
}

func (s *PeerServer) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(peerRWTimeout))

	hdr := make([]byte, model.ReqHeaderSize)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return
	}
	req, err := model.UnmarshalReqHeader(hdr)
	if err != nil {
		return
	}

	var rsp model.RspHeader
	var body []byte

	switch req.Opcode {
	case opReadVdis:
		body = s.source.VdiBitmapCopy().Marshal()
		rsp.Result = errors.ResOK
		rsp.DataLength = uint32(len(body))
	default:
		rsp.Result = errors.ResEIO
	}

	if _, err := conn.Write(rsp.MarshalRsp()); err != nil {
		return
	}
	if len(body) > 0 {
		conn.Write(body)
	}
}

// Addr returns the bound listener address
func (s *PeerServer) Addr() string {
	return s.listener.Addr().String()
}

// Close stops accepting peer requests
func (s *PeerServer) Close() error {
	return s.listener.Close()
}

// PeerTCPClient fetches remote cluster state over the sheep port
type PeerTCPClient struct {
	logger *zap.Logger
}

// NewPeerTCPClient creates a peer client
func NewPeerTCPClient(logger *zap.Logger) *PeerTCPClient {
	return &PeerTCPClient{logger: logger}
}

// FetchVdiBitmap retrieves the in-use VDI bitmap from node
func (c *PeerTCPClient) FetchVdiBitmap(ctx context.Context, node model.Node) (*model.VdiBitmap, error) {
	var d net.Dialer
	d.Timeout = peerDialTimeout

	conn, err := d.DialContext(ctx, "tcp", node.String())
	if err != nil {
		return nil, fmt.Errorf("unable to reach %s: %w", node.String(), err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(peerRWTimeout))

	req := model.ReqHeader{Opcode: opReadVdis}
	if _, err := conn.Write(req.MarshalReq()); err != nil {
		return nil, fmt.Errorf("failed to send bitmap request: %w", err)
	}

	hdr := make([]byte, model.RspHeaderSize)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, fmt.Errorf("failed to read bitmap response: %w", err)
	}
	rsp, err := model.UnmarshalRspHeader(hdr)
	if err != nil {
		return nil, err
	}
	if rsp.Result != errors.ResOK {
		return nil, errors.NewClusterError(rsp.Result)
	}

	body := make([]byte, rsp.DataLength)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("failed to read bitmap body: %w", err)
	}
	return model.UnmarshalVdiBitmap(body)
}
