package transport

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/whamcloud/lmgr/internal/agent/bus"
	mgrgrpc "github.com/whamcloud/lmgr/internal/common/grpc"
)

// Client is the agent end of the agent bus.
type Client struct {
	conn            *grpc.ClientConn
	fqdn            string
	clientStartTime time.Time
}

// NewClient wraps an open connection to the manager. clientStartTime must stay the same for the life of the
// agent process.
func NewClient(conn *grpc.ClientConn, fqdn string, clientStartTime time.Time) *Client {
	return &Client{conn: conn, fqdn: fqdn, clientStartTime: clientStartTime}
}

// Stream is an open agent connection.
type Stream struct {
	stream grpc.ClientStream
}

// Connect opens a stream to the manager. The stream ends when ctx is cancelled.
func (c *Client) Connect(ctx context.Context) (*Stream, error) {
	ctx = metadata.AppendToOutgoingContext(ctx,
		MetadataFqdn, c.fqdn,
		MetadataClientStartTime, c.clientStartTime.Format(time.RFC3339Nano),
	)
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], "/"+ServiceName+"/"+streamName,
		grpc.CallContentSubtype(mgrgrpc.CodecName))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Stream{stream: stream}, nil
}

func (s *Stream) Send(msg bus.Message) error {
	return errors.WithStack(s.stream.SendMsg(&msg))
}

// Recv blocks for the next message from the manager.
func (s *Stream) Recv() (bus.Message, error) {
	var msg bus.Message
	if err := s.stream.RecvMsg(&msg); err != nil {
		return bus.Message{}, err
	}
	return msg, nil
}

// Close tells the manager the agent has nothing more to send.
func (s *Stream) Close() error {
	return errors.WithStack(s.stream.CloseSend())
}
