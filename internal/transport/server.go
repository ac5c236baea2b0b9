package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/banshee-data/posesync/internal/monitoring"
	"github.com/banshee-data/posesync/internal/statesync"
	"github.com/banshee-data/posesync/internal/wire"
)

// errQueueFull is returned by Push when a slow client's queue is full.
var errQueueFull = errors.New("session queue full, update dropped")

// Server serves sessions for a Synchronizer.
type Server struct {
	sync   *statesync.Synchronizer
	buffer int
	logf   func(string, ...interface{})

	sessionCount atomic.Int32
	dropped      atomic.Uint64
}

// NewServer returns a Server. buffer is the number of state updates queued
// per session before further updates are dropped; values below 1 mean 64.
func NewServer(s *statesync.Synchronizer, buffer int) *Server {
	if buffer < 1 {
		buffer = 64
	}
	return &Server{sync: s, buffer: buffer, logf: monitoring.Component("gRPC")}
}

// Register adds the session service to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// ServerStats reports connected sessions and dropped updates.
type ServerStats struct {
	Sessions       int32
	DroppedUpdates uint64
}

// Stats returns current server statistics.
func (s *Server) Stats() ServerStats {
	return ServerStats{Sessions: s.sessionCount.Load(), DroppedUpdates: s.dropped.Load()}
}

// session is one connected client. Acks and updates share one ordered
// outbox, so an entity's ack always precedes the first update carrying it.
// Updates beyond the buffer are dropped; acks never are.
type session struct {
	id      statesync.SessionID
	buffer  int
	dropped *atomic.Uint64

	mu      sync.Mutex
	outbox  []*wire.ServerMessage
	updates int // queued updates in outbox
	closed  bool
	ready   chan struct{} // capacity 1
	done    chan struct{}
}

func newSession(id statesync.SessionID, buffer int, dropped *atomic.Uint64) *session {
	return &session{
		id:      id,
		buffer:  buffer,
		dropped: dropped,
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (ss *session) ID() statesync.SessionID { return ss.id }

// Push queues u without blocking.
func (ss *session) Push(u *wire.StateUpdate) error {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return wire.ErrSessionClosed
	}
	if ss.updates >= ss.buffer {
		ss.mu.Unlock()
		ss.dropped.Add(1)
		return errQueueFull
	}
	ss.outbox = append(ss.outbox, &wire.ServerMessage{Update: u})
	ss.updates++
	ss.mu.Unlock()
	ss.signal()
	return nil
}

// ack queues a without blocking. It is called from the frame pass.
func (ss *session) ack(a *wire.SubscribeAck) {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	ss.outbox = append(ss.outbox, &wire.ServerMessage{Ack: a})
	ss.mu.Unlock()
	ss.signal()
}

func (ss *session) signal() {
	select {
	case ss.ready <- struct{}{}:
	default:
	}
}

// take empties the outbox.
func (ss *session) take() []*wire.ServerMessage {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	msgs := ss.outbox
	ss.outbox = nil
	ss.updates = 0
	return msgs
}

func (ss *session) close() {
	ss.mu.Lock()
	ss.closed = true
	ss.outbox = nil
	ss.mu.Unlock()
	close(ss.done)
}

func (s *Server) connect(stream grpc.ServerStream) error {
	ctx := stream.Context()
	md, _ := metadata.FromIncomingContext(ctx)
	excluded := excludedFromMetadata(md)

	ss := newSession(statesync.SessionID(uuid.NewString()), s.buffer, &s.dropped)
	s.sync.OpenSession(ss, excluded...)
	s.sessionCount.Add(1)
	s.logf("Client connected: %s (total: %d, excluded: %v)", ss.id, s.sessionCount.Load(), excluded)

	var wg sync.WaitGroup
	sendErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sendErr <- s.sendLoop(ss, stream)
	}()

	var pending sync.WaitGroup
	err := s.recvLoop(ss, stream, &pending)

	ss.close()
	s.sync.CloseSession(ss.id)
	pending.Wait()
	wg.Wait()
	s.sessionCount.Add(-1)
	s.logf("Client disconnected: %s (remaining: %d)", ss.id, s.sessionCount.Load())

	if err != nil {
		return err
	}
	return <-sendErr
}

func (s *Server) sendLoop(ss *session, stream grpc.ServerStream) error {
	for {
		select {
		case <-ss.done:
			return nil
		case <-ss.ready:
		}
		for _, msg := range ss.take() {
			if err := stream.SendMsg(msg); err != nil {
				return fmt.Errorf("send to %s: %w", ss.id, err)
			}
		}
	}
}

// recvLoop dispatches client requests until the stream ends. Each subscribe
// runs the permission gate on its own goroutine, tracked by pending; its ack
// is queued when a frame settles it.
func (s *Server) recvLoop(ss *session, stream grpc.ServerStream, pending *sync.WaitGroup) error {
	ctx := stream.Context()

	for {
		var msg wire.ClientMessage
		if err := stream.RecvMsg(&msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch {
		case msg.Subscribe != nil:
			req := msg.Subscribe
			pending.Add(1)
			go func() {
				defer pending.Done()
				s.sync.SubscribeFunc(ctx, ss.id, req.EntityID, req.Options, func(st *wire.EntityState, err error) {
					a := &wire.SubscribeAck{RequestID: req.RequestID, EntityID: req.EntityID, State: st, Reason: wire.ReasonFor(err)}
					if err != nil {
						a.Message = err.Error()
					}
					ss.ack(a)
				})
			}()
		case msg.Unsubscribe != nil:
			s.sync.Unsubscribe(ss.id, msg.Unsubscribe.EntityID)
		}
	}
}
