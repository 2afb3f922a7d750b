package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vietddude/courier/internal/core/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultStreamBodyTimeout bounds how long a streamed body may take after
// its first frame arrived.
const DefaultStreamBodyTimeout = 30 * time.Second

var callStreamDesc = grpc.StreamDesc{
	StreamName:    StreamName,
	ServerStreams: true,
}

// GRPCConn implements Conn over a shared gRPC client connection.
type GRPCConn struct {
	address string
	cc      *grpc.ClientConn
	monitor *PeerMonitor

	streamBodyTimeout time.Duration

	// active counts pool leases, calls in flight and streams still
	// receiving a body. lastUsed is unix nanos of the last lease.
	active   atomic.Int32
	lastUsed atomic.Int64
}

// NewGRPCConn creates a lazily connecting gRPC connection to address.
func NewGRPCConn(address string, opts ...grpc.DialOption) (*GRPCConn, error) {
	target, dialOpts := dialTarget(address)
	dialOpts = append(dialOpts, opts...)

	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", address, err)
	}

	return &GRPCConn{
		address:           address,
		cc:                cc,
		monitor:           NewPeerMonitor(),
		streamBodyTimeout: DefaultStreamBodyTimeout,
	}, nil
}

// dialTarget strips the scheme and picks transport credentials.
func dialTarget(address string) (string, []grpc.DialOption) {
	if strings.HasPrefix(address, "https://") || strings.HasSuffix(address, ":443") {
		creds := credentials.NewTLS(&tls.Config{})
		return strings.TrimPrefix(address, "https://"), []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	}
	return strings.TrimPrefix(address, "http://"),
		[]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
}

// Address returns the peer address.
func (c *GRPCConn) Address() string {
	return c.address
}

// Monitor returns the peer's monitor.
func (c *GRPCConn) Monitor() *PeerMonitor {
	return c.monitor
}

// State returns the connectivity state of the underlying connection.
func (c *GRPCConn) State() connectivity.State {
	return c.cc.GetState()
}

// WaitReady blocks until the connection is ready. A connection that fails
// or does not become ready before ctx is done yields a connection error.
func (c *GRPCConn) WaitReady(ctx context.Context) error {
	c.cc.Connect()
	for {
		state := c.cc.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			c.monitor.RecordConnectFailure()
			return &TransportError{
				Kind:    domain.ErrorKindConnectionError,
				Message: fmt.Sprintf("connection is %s", strings.ToLower(state.String())),
				Peer:    c.address,
			}
		}

		if !c.cc.WaitForStateChange(ctx, state) {
			c.monitor.RecordConnectFailure()
			return &TransportError{
				Kind:    domain.ErrorKindConnectionError,
				Message: "peer did not become ready",
				Peer:    c.address,
				Cause:   ctx.Err(),
			}
		}
	}
}

// Idle reports whether nothing is using the connection.
func (c *GRPCConn) Idle() bool {
	return c.active.Load() == 0
}

// LastUsed returns when the connection was last handed out by a pool.
func (c *GRPCConn) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

func (c *GRPCConn) acquire(now time.Time) {
	c.active.Add(1)
	c.lastUsed.Store(now.UnixNano())
}

func (c *GRPCConn) release() {
	c.active.Add(-1)
}

// Send performs one call and records its outcome on the monitor.
func (c *GRPCConn) Send(ctx context.Context, req *Request) (*Response, error) {
	c.active.Add(1)
	defer c.active.Add(-1)

	start := c.monitor.Begin()
	res, err := c.send(ctx, req)
	if err != nil {
		te := FromStatus(err, c.address)
		c.monitor.Done(start, te.Kind)
		return nil, te
	}
	c.monitor.Done(start, "")
	return res, nil
}

func (c *GRPCConn) send(ctx context.Context, req *Request) (*Response, error) {
	frame := &CallFrame{
		Service:   req.Service,
		Operation: req.Operation,
		Headers:   req.Headers,
		Arg2:      req.Arg2,
		Arg3:      req.Arg3,
	}

	if req.Stream {
		return c.sendStream(ctx, frame, req.Timeout)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var reply ReplyFrame
	if err := c.cc.Invoke(ctx, CallMethod, frame, &reply, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return NewResponse(reply.OK, reply.Headers, reply.Arg2, reply.Arg3), nil
}

// sendStream waits for the head frame under ctx and timeout, then detaches
// the stream so the body keeps arriving after the attempt returned.
func (c *GRPCConn) sendStream(ctx context.Context, frame *CallFrame, timeout time.Duration) (*Response, error) {
	headCtx := ctx
	if timeout > 0 {
		var cancelHead context.CancelFunc
		headCtx, cancelHead = context.WithTimeout(ctx, timeout)
		defer cancelHead()
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(headCtx, cancel)

	stream, err := c.cc.NewStream(streamCtx, &callStreamDesc, StreamMethod, grpc.CallContentSubtype(CodecName))
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	if err := stream.SendMsg(frame); err != nil {
		stop()
		cancel()
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		stop()
		cancel()
		return nil, err
	}

	var head ReplyFrame
	if err := stream.RecvMsg(&head); err != nil {
		stop()
		cancel()
		if headCtx.Err() != nil {
			return nil, headCtx.Err()
		}
		return nil, err
	}
	if !stop() {
		// headCtx fired after the head arrived; the stream is already cancelled.
		return nil, headCtx.Err()
	}

	res := &Response{
		OK:       head.OK,
		Headers:  head.Headers,
		Arg2:     NewStreamArg(),
		Arg3:     NewStreamArg(),
		Streamed: true,
	}

	body := time.AfterFunc(c.streamBodyTimeout, cancel)
	c.active.Add(1)
	go func() {
		defer c.active.Add(-1)
		defer cancel()
		defer body.Stop()
		pumpBody(stream, res)
	}()

	return res, nil
}

// pumpBody feeds chunk frames into the response arguments. Arg2 is complete
// once the first Arg3 chunk arrives.
func pumpBody(stream grpc.ClientStream, res *Response) {
	for {
		var chunk ReplyFrame
		err := stream.RecvMsg(&chunk)
		if errors.Is(err, io.EOF) {
			res.Arg2.Finish(nil)
			res.Arg3.Finish(nil)
			return
		}
		if err != nil {
			err = fmt.Errorf("stream body: %w", err)
			res.Arg2.Finish(err)
			res.Arg3.Finish(err)
			return
		}

		if len(chunk.Arg2) > 0 {
			if _, err := res.Arg2.Write(chunk.Arg2); err != nil {
				res.Arg3.Finish(fmt.Errorf("arg2 chunk after arg3: %w", err))
				return
			}
		}
		if len(chunk.Arg3) > 0 {
			res.Arg2.Finish(nil)
			_, _ = res.Arg3.Write(chunk.Arg3)
		}
	}
}

// Close releases the underlying connection.
func (c *GRPCConn) Close() error {
	return c.cc.Close()
}
