package server

import (
	"context"

	"github.com/vietddude/courier/internal/infra/rpc/provider"
	"google.golang.org/grpc"
)

// peerService is implemented by *Server.
type peerService interface {
	handle(ctx context.Context, frame *provider.CallFrame) (*Reply, error)
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: provider.ServiceName,
	HandlerType: (*peerService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: provider.CallMethodName,
			Handler:    callHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    provider.StreamName,
			Handler:       callStreamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "courier/peer",
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	frame := new(provider.CallFrame)
	if err := dec(frame); err != nil {
		return nil, err
	}

	s := srv.(*Server)
	invoke := func(ctx context.Context, req any) (any, error) {
		return s.call(ctx, req.(*provider.CallFrame))
	}
	if interceptor == nil {
		return invoke(ctx, frame)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: provider.CallMethod}
	return interceptor(ctx, frame, info, invoke)
}

func callStreamHandler(srv any, stream grpc.ServerStream) error {
	frame := new(provider.CallFrame)
	if err := stream.RecvMsg(frame); err != nil {
		return err
	}
	return srv.(*Server).callStream(frame, stream)
}

func (s *Server) call(ctx context.Context, frame *provider.CallFrame) (*provider.ReplyFrame, error) {
	reply, err := s.handle(ctx, frame)
	if err != nil {
		s.logFailure(frame, err)
		return nil, provider.ToStatus(err).Err()
	}
	return &provider.ReplyFrame{
		OK:      reply.OK,
		Headers: reply.Headers,
		Arg2:    reply.Arg2,
		Arg3:    reply.Arg3,
	}, nil
}

// callStream sends the head frame, then arg2 and arg3 in chunks.
func (s *Server) callStream(frame *provider.CallFrame, stream grpc.ServerStream) error {
	reply, err := s.handle(stream.Context(), frame)
	if err != nil {
		s.logFailure(frame, err)
		return provider.ToStatus(err).Err()
	}

	if err := stream.SendMsg(&provider.ReplyFrame{OK: reply.OK, Headers: reply.Headers}); err != nil {
		return err
	}

	size := s.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	for _, chunk := range chunks(reply.Arg2, size) {
		if err := stream.SendMsg(&provider.ReplyFrame{OK: reply.OK, Arg2: chunk}); err != nil {
			return err
		}
	}
	for _, chunk := range chunks(reply.Arg3, size) {
		if err := stream.SendMsg(&provider.ReplyFrame{OK: reply.OK, Arg3: chunk}); err != nil {
			return err
		}
	}
	return nil
}

func chunks(b []byte, size int) [][]byte {
	var out [][]byte
	for len(b) > size {
		out = append(out, b[:size])
		b = b[size:]
	}
	if len(b) > 0 {
		out = append(out, b)
	}
	return out
}
