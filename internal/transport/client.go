package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/posesync/internal/frames"
	"github.com/banshee-data/posesync/internal/monitoring"
	"github.com/banshee-data/posesync/internal/pose"
	"github.com/banshee-data/posesync/internal/subscription"
	"github.com/banshee-data/posesync/internal/wire"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Exclude lists entity ids this client publishes itself.
	Exclude []string
	// Tolerance is used by the registry's resolvers.
	Tolerance pose.Tolerance
	// RequestTimeout bounds each subscribe round trip. Zero means 10s.
	RequestTimeout time.Duration
	// DeferUpdates holds received state until the registry's ApplyPending,
	// for a graph that a Synchronizer also serves.
	DeferUpdates bool
}

// Client is the consumer end of a session. It is the Upstream of the
// registry it owns and applies every pushed update to that registry's graph.
type Client struct {
	stream   grpc.ClientStream
	cancel   context.CancelFunc
	registry *subscription.Registry
	logf     func(string, ...interface{})

	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *wire.SubscribeAck
	err     error
	done    chan struct{}
}

var _ subscription.Upstream = (*Client)(nil)

// Connect opens a session on cc and returns a client whose registry keeps
// graph in sync with the manager. The session lasts until ctx ends, Close is
// called or the stream fails.
func Connect(ctx context.Context, cc grpc.ClientConnInterface, graph *frames.Graph, cfg ClientConfig) (*Client, error) {
	ctx, cancel := context.WithCancel(ctx)
	if len(cfg.Exclude) > 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, excludeKey, strings.Join(cfg.Exclude, ","))
	}
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], ConnectMethod,
		grpc.CallContentSubtype(wire.CodecName),
		grpc.MaxCallRecvMsgSize(maxMsgSize),
		grpc.MaxCallSendMsgSize(maxMsgSize),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open session: %w", err)
	}

	c := &Client{
		stream:  stream,
		cancel:  cancel,
		logf:    monitoring.Component("Client"),
		pending: make(map[string]chan *wire.SubscribeAck),
		done:    make(chan struct{}),
	}
	c.registry = subscription.NewRegistry(graph, subscription.Config{
		Upstream:       c,
		Tolerance:      cfg.Tolerance,
		RequestTimeout: cfg.RequestTimeout,
		DeferUpdates:   cfg.DeferUpdates,
	})
	go c.recvLoop()
	return c, nil
}

// Registry returns the registry fed by this session.
func (c *Client) Registry() *subscription.Registry { return c.registry }

// Done is closed when the session has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the session ended, or nil while it is open or after a
// clean close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the session.
func (c *Client) Close() error {
	c.sendMu.Lock()
	err := c.stream.CloseSend()
	c.sendMu.Unlock()
	c.cancel()
	<-c.done
	return err
}

func (c *Client) send(m *wire.ClientMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(m)
}

// Subscribe sends entity.subscribe and waits for its ack.
func (c *Client) Subscribe(ctx context.Context, id string, opts wire.Options) (*wire.EntityState, error) {
	reqID := uuid.NewString()
	ch := make(chan *wire.SubscribeAck, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe %q: %w", id, wire.ErrSessionClosed)
	default:
	}
	c.pending[reqID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}

	req := &wire.ClientMessage{Subscribe: &wire.SubscribeRequest{RequestID: reqID, EntityID: id, Options: opts}}
	if err := c.send(req); err != nil {
		forget()
		return nil, fmt.Errorf("send subscribe %q: %w", id, err)
	}

	select {
	case a := <-ch:
		if a.Reason != wire.ReasonNone {
			return nil, a.Reason.Err(a.Message)
		}
		return a.State, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// Unsubscribe sends entity.unsubscribe.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	if err := c.send(&wire.ClientMessage{Unsubscribe: &wire.UnsubscribeRequest{EntityID: id}}); err != nil {
		return fmt.Errorf("send unsubscribe %q: %w", id, err)
	}
	return nil
}

func (c *Client) recvLoop() {
	for {
		var msg wire.ServerMessage
		if err := c.stream.RecvMsg(&msg); err != nil {
			c.shutdown(err)
			return
		}
		switch {
		case msg.Ack != nil:
			c.mu.Lock()
			ch, ok := c.pending[msg.Ack.RequestID]
			delete(c.pending, msg.Ack.RequestID)
			c.mu.Unlock()
			if ok {
				ch <- msg.Ack
			}
		case msg.Update != nil:
			c.registry.ApplyStateUpdate(msg.Update)
		}
	}
}

// shutdown rejects every outstanding request with ErrSessionClosed and
// closes the registry.
func (c *Client) shutdown(err error) {
	clean := errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled
	c.mu.Lock()
	if !clean {
		c.err = err
	}
	pending := c.pending
	c.pending = make(map[string]chan *wire.SubscribeAck)
	close(c.done)
	c.mu.Unlock()

	for reqID, ch := range pending {
		ch <- &wire.SubscribeAck{RequestID: reqID, Reason: wire.ReasonSessionClosed}
	}
	c.registry.Close()
	c.cancel()
	if !clean {
		c.logf("session ended: %v", err)
	}
}
