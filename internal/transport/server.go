package transport

import (
	"errors"
	"io"
	"log/slog"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"kexclusion/internal/wire"
)

const deliverMethod = "/kexclusion.Peer/Deliver"

// deliverer is implemented by the receiving side of the Peer service.
type deliverer interface {
	deliver(stream grpc.ServerStream) error
}

// peerServiceDesc describes the Peer service: a single client stream of
// wire records answered by one Empty when the sender closes.
var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: "kexclusion.Peer",
	HandlerType: (*deliverer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Deliver",
			Handler:       deliverHandler,
			ClientStreams: true,
		},
	},
	Metadata: "kexclusion/peer.proto",
}

func deliverHandler(srv any, stream grpc.ServerStream) error {
	return srv.(deliverer).deliver(stream)
}

// Server receives Deliver streams and feeds decoded messages into a
// mailbox.
type Server struct {
	box    *mailbox
	logger *slog.Logger
}

func newServer(box *mailbox, logger *slog.Logger) *Server {
	return &Server{box: box, logger: logger}
}

func (s *Server) deliver(stream grpc.ServerStream) error {
	from, session := -1, ""
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		if v := md.Get(peerMetadataKey); len(v) > 0 {
			if id, err := strconv.Atoi(v[0]); err == nil {
				from = id
			}
		}
		if v := md.Get(sessionMetadataKey); len(v) > 0 {
			session = v[0]
		}
	}
	s.logger.Info("peer stream opened", "from", from, "session", session)

	for {
		in := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(in); err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("peer stream closed", "from", from)
				return stream.SendMsg(&emptypb.Empty{})
			}
			s.logger.Warn("peer stream failed", "from", from, "err", err)
			return err
		}

		msg, err := wire.Decode(in.GetValue())
		if err != nil {
			s.logger.Warn("dropping malformed record", "from", from, "err", err)
			continue
		}
		if from >= 0 && msg.Sender != from {
			s.logger.Warn("record sender does not match stream", "from", from, "sender", msg.Sender)
		}
		if !s.box.push(msg) {
			return nil
		}
	}
}
