package rpc

import (
	"net"
	"net/rpc"

	"github.com/hashicorp/go-hclog"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
)

// Server is the connection-accepting half of C5: one goroutine per
// connection, each served with its own msgpack-rpc codec (grounded on
// command/agent/node_endpoint_test.go's `s.Agent.RPC("Node.Register",
// ...)`, which is net/rpc's Service.Method dispatch over exactly this
// codec).
type Server struct {
	rpcServer *rpc.Server
	logger    hclog.Logger
}

func NewServer(d *Dispatcher) (*Server, error) {
	s := rpc.NewServer()
	for name, svc := range d.Services() {
		if err := s.RegisterName(name, svc); err != nil {
			return nil, err
		}
	}
	return &Server{rpcServer: s, logger: d.Logger}, nil
}

// Serve accepts connections from ln until it returns an error (typically
// because ln was closed during shutdown).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	codec := msgpackrpc.NewServerCodec(conn)
	if err := s.rpcServer.ServeCodec(codec); err != nil {
		s.logger.Debug("rpc connection closed", "remote", conn.RemoteAddr(), "error", err)
	}
}
