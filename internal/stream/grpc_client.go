// Package stream pushes watchdog notifications to a remote collector over a
// long-lived gRPC client stream with JSON-coded frames.
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"

	"guest-watchdog/internal/metrics"
	"guest-watchdog/internal/model"
	"guest-watchdog/internal/notify"
)

const (
	DefaultEventMethod = "/watchdog.events.v1.EventService/StreamEvents"

	defaultQueueSize   = 256
	defaultSendTimeout = 10 * time.Second
)

var (
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("event stream closed")
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type Option func(*GRPCClient)

// WithDialOptions appends extra dial options, e.g. a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *GRPCClient) {
		c.dialOpts = append(c.dialOpts, opts...)
	}
}

func WithTLS(cfg *tls.Config) Option {
	return func(c *GRPCClient) {
		c.tlsConfig = cfg
	}
}

// WithQueueSize sets how many frames may wait for delivery before Send
// starts rejecting them.
func WithQueueSize(n int) Option {
	return func(c *GRPCClient) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithSendTimeout bounds opening the stream and writing one frame. A stream
// that exceeds it is cancelled and reopened for the next frame.
func WithSendTimeout(d time.Duration) Option {
	return func(c *GRPCClient) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

// GRPCClient is a notify.Channel that forwards every message as an event
// frame. Send only enqueues; one worker owns the stream, opens it lazily
// and reopens it once on a failed write.
type GRPCClient struct {
	logger      *slog.Logger
	addr        string
	method      string
	token       string
	agentID     string
	tlsConfig   *tls.Config
	dialOpts    []grpc.DialOption
	queueSize   int
	sendTimeout time.Duration

	queue     chan EventFrame
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64

	// ctx ends every stream on Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conn         *grpc.ClientConn
	stream       grpc.ClientStream
	streamCancel context.CancelFunc
}

func NewGRPCClient(addr, method, token, agentID string, logger *slog.Logger, opts ...Option) *GRPCClient {
	if method == "" {
		method = DefaultEventMethod
	}
	c := &GRPCClient{
		logger:      logger.With("component", "event_stream"),
		addr:        addr,
		method:      method,
		token:       token,
		agentID:     agentID,
		queueSize:   defaultQueueSize,
		sendTimeout: defaultSendTimeout,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.queue = make(chan EventFrame, c.queueSize)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.run()
	return c
}

func (c *GRPCClient) Type() string { return "grpc" }

// Send enqueues the frame and never waits on the network.
func (c *GRPCClient) Send(_ context.Context, msg notify.Message) error {
	frame := NewEventFrame(c.agentID, model.NewNotificationEvent(msg.Machine, msg.Body, msg.Timestamp))

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dropped is the number of queued frames that could not be delivered.
func (c *GRPCClient) Dropped() uint64 { return c.dropped.Load() }

// Close stops the worker, abandoning queued frames, and closes the
// connection.
func (c *GRPCClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		<-c.stopped

		if n := len(c.queue); n > 0 {
			c.logger.Warn("event stream closed with undelivered frames", "frames", n)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.closeStreamLocked()
		if c.conn != nil {
			err = c.conn.Close()
			c.conn = nil
		}
	})
	return err
}

func (c *GRPCClient) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.done:
			return
		default:
		}
		select {
		case <-c.done:
			return
		case frame := <-c.queue:
			if err := c.deliver(frame); err != nil {
				c.dropped.Add(1)
				metrics.RecordEventFrameDropped()
				c.logger.Warn("event frame dropped", "event_id", frame.Event.ID, "error", err)
			}
		}
	}
}

func (c *GRPCClient) deliver(frame EventFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnLocked(); err != nil {
		return err
	}
	err := c.sendLocked(&frame)
	if err == nil {
		return nil
	}
	if c.ctx.Err() != nil {
		return err
	}
	c.logger.Warn("grpc event send failed, reopening stream", "error", err)
	c.closeStreamLocked()
	if err := c.sendLocked(&frame); err != nil {
		c.closeStreamLocked()
		return fmt.Errorf("send event frame: %w", err)
	}
	return nil
}

// sendLocked opens the stream if needed and writes one frame, cancelling
// the stream when either step outlives sendTimeout.
func (c *GRPCClient) sendLocked(frame *EventFrame) error {
	opening := c.stream == nil
	cancel := c.streamCancel
	var streamCtx context.Context
	if opening {
		streamCtx, cancel = context.WithCancel(c.ctx)
	}

	timer := time.AfterFunc(c.sendTimeout, cancel)
	var err error
	if opening {
		err = c.openStreamLocked(streamCtx, cancel)
	}
	if err == nil {
		err = c.stream.SendMsg(frame)
	}
	if !timer.Stop() {
		// The stream is cancelled either way; a frame that made it out
		// is not sent again.
		c.closeStreamLocked()
		if err == nil {
			return nil
		}
		return fmt.Errorf("event frame not sent within %s: %w", c.sendTimeout, err)
	}
	if err != nil && c.stream == nil {
		cancel()
	}
	return err
}

func (c *GRPCClient) ensureConnLocked() error {
	if c.conn != nil {
		return nil
	}

	var creds credentials.TransportCredentials
	if c.tlsConfig != nil {
		creds = credentials.NewTLS(c.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	}, c.dialOpts...)
	conn, err := grpc.NewClient(c.addr, opts...)
	if err != nil {
		return fmt.Errorf("grpc dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.logger.Info("grpc event stream configured", "addr", c.addr)
	return nil
}

// openStreamLocked binds the stream to streamCtx, which lives until the
// stream is closed or times out.
func (c *GRPCClient) openStreamLocked(streamCtx context.Context, cancel context.CancelFunc) error {
	if c.conn == nil {
		return fmt.Errorf("grpc conn is nil")
	}
	if c.token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "authorization", "Bearer "+c.token)
	}
	s, err := c.conn.NewStream(streamCtx, &grpc.StreamDesc{ClientStreams: true}, c.method)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	c.stream = s
	c.streamCancel = cancel
	return nil
}

func (c *GRPCClient) closeStreamLocked() {
	if c.stream != nil {
		_ = c.stream.CloseSend()
		c.stream = nil
	}
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}
}
