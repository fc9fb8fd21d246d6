// Package transport connects agents to the session bus over a bidirectional gRPC stream. Agents identify
// themselves with request metadata; each connected host has one reader feeding the bus and one writer draining
// the host's outbound queue.
package transport

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/whamcloud/lmgr/internal/agent/bus"
	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
)

const (
	ServiceName = "lmgr.agent.AgentBus"
	streamName  = "Connect"

	// MetadataFqdn names the connecting host.
	MetadataFqdn = "lmgr-fqdn"
	// MetadataClientStartTime is when the agent process started, RFC 3339. A change means the agent restarted.
	MetadataClientStartTime = "lmgr-client-start-time"
)

var errStreamClosed = errors.New("stream closed by agent")

// AgentBusServer is the service agents connect to.
type AgentBusServer interface {
	Connect(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentBusServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamName,
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func connectHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(AgentBusServer).Connect(stream)
}

type connection struct {
	cancel func()
}

type Server struct {
	bus *bus.Bus

	mu          sync.Mutex
	connections map[string]*connection
}

func NewServer(b *bus.Bus) *Server {
	return &Server{
		bus:         b,
		connections: map[string]*connection{},
	}
}

// Register adds the agent bus service to a gRPC server.
func (s *Server) Register(server *grpc.Server) {
	server.RegisterService(&serviceDesc, s)
}

// Connect serves one agent connection until the agent goes away. A new connection from the same host replaces
// the old one.
func (s *Server) Connect(stream grpc.ServerStream) error {
	fqdn, clientStartTime, err := identify(stream)
	if err != nil {
		return err
	}
	ctx, cancel := mgrcontext.WithCancel(mgrcontext.WithLogField(mgrcontext.FromGrpcCtx(stream.Context()), "fqdn", fqdn))
	defer cancel()
	conn := s.attach(ctx, fqdn, cancel)
	defer s.detach(fqdn, conn)

	ctx.Log.Infof("Agent connected, started at %s", clientStartTime.Format(time.RFC3339))
	s.bus.Hello(ctx, fqdn, clientStartTime)

	// RecvMsg only returns once the stream ends, so wait for whichever side finishes first.
	done := make(chan error, 2)
	go func() { done <- s.read(ctx, fqdn, stream) }()
	go func() { done <- s.write(ctx, fqdn, stream) }()
	select {
	case err = <-done:
	case <-ctx.Done():
	}
	if err == nil || errors.Is(err, errStreamClosed) || ctx.Err() != nil {
		ctx.Log.Info("Agent disconnected")
		return nil
	}
	ctx.Log.WithError(err).Warn("Agent connection failed")
	return err
}

func (s *Server) read(ctx *mgrcontext.Context, fqdn string, stream grpc.ServerStream) error {
	for {
		var msg bus.Message
		if err := stream.RecvMsg(&msg); err != nil {
			if err == io.EOF {
				return errStreamClosed
			}
			return errors.WithStack(err)
		}
		msg.Fqdn = fqdn
		if err := s.bus.Receive(ctx, msg); err != nil {
			ctx.Log.WithError(err).Warn("Rejected message from agent")
		}
	}
}

func (s *Server) write(ctx *mgrcontext.Context, fqdn string, stream grpc.ServerStream) error {
	for {
		msg, err := s.bus.Next(ctx, fqdn)
		if err != nil {
			return nil
		}
		// replaced or closed while waiting; the message belongs to the next connection
		if ctx.Err() != nil {
			s.bus.Requeue(msg)
			return nil
		}
		if err := stream.SendMsg(&msg); err != nil {
			s.bus.Requeue(msg)
			return errors.WithStack(err)
		}
	}
}

func (s *Server) attach(ctx *mgrcontext.Context, fqdn string, cancel func()) *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if previous, ok := s.connections[fqdn]; ok {
		ctx.Log.Warn("Replacing existing connection")
		previous.cancel()
	}
	conn := &connection{cancel: cancel}
	s.connections[fqdn] = conn
	return conn
}

func (s *Server) detach(fqdn string, conn *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connections[fqdn] == conn {
		delete(s.connections, fqdn)
	}
}

// Connected reports whether the host currently has a stream open.
func (s *Server) Connected(fqdn string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.connections[fqdn]
	return ok
}

func identify(stream grpc.ServerStream) (string, time.Time, error) {
	md, _ := metadata.FromIncomingContext(stream.Context())
	fqdns := md.Get(MetadataFqdn)
	if len(fqdns) != 1 || fqdns[0] == "" {
		return "", time.Time{}, errors.WithStack(&mgrerrors.ErrInvalidArgument{
			Name:    MetadataFqdn,
			Value:   fqdns,
			Message: "agents must send exactly one fqdn",
		})
	}
	startTimes := md.Get(MetadataClientStartTime)
	if len(startTimes) != 1 {
		return "", time.Time{}, errors.WithStack(&mgrerrors.ErrInvalidArgument{
			Name:    MetadataClientStartTime,
			Value:   startTimes,
			Message: "agents must send exactly one start time",
		})
	}
	clientStartTime, err := time.Parse(time.RFC3339Nano, startTimes[0])
	if err != nil {
		return "", time.Time{}, errors.WithStack(&mgrerrors.ErrInvalidArgument{
			Name:    MetadataClientStartTime,
			Value:   startTimes[0],
			Message: err.Error(),
		})
	}
	return fqdns[0], clientStartTime, nil
}
