package peerlink

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/peerlink/identity"
	"github.com/prxssh/peerlink/transport"
	"github.com/prxssh/peerlink/wire"
)

// frameSender is the writer worker's view of an endpoint.
type frameSender interface {
	Send(payload []byte) error
}

// ConnStats holds per-connection counters. All counters are atomic and
// monotonically increasing for the lifetime of the connection.
type ConnStats struct {
	BytesSent        atomic.Uint64
	BytesReceived    atomic.Uint64
	MessagesSent     atomic.Uint64
	MessagesReceived atomic.Uint64
}

// ConnMetrics is a snapshot of one active connection.
type ConnMetrics struct {
	PeerID           identity.PeerID
	RemoteAddr       netip.AddrPort
	Direction        transport.Direction
	Category         string
	Transport        transport.Type
	BytesSent        uint64
	BytesReceived    uint64
	MessagesSent     uint64
	MessagesReceived uint64
	ConnectedAt      time.Time
}

// ActiveConnection is an admitted peer: the shared endpoint plus the pair
// of worker goroutines exchanging frames on it.
//
// Outgoing messages travel through two bounded queues; the writer empties
// the high-priority queue before taking a regular item, and within each
// queue order is FIFO.
type ActiveConnection struct {
	log *slog.Logger

	id         identity.PeerID
	direction  transport.Direction
	category   string
	remoteAddr netip.AddrPort

	endpoint *transport.Endpoint
	handler  MessagesHandler

	sendQueue     chan []byte
	priorityQueue chan []byte

	done      chan struct{}
	closeOnce sync.Once

	stats       ConnStats
	connectedAt time.Time
}

func newActiveConnection(
	log *slog.Logger,
	id identity.PeerID,
	dir transport.Direction,
	category string,
	ep *transport.Endpoint,
	handler MessagesHandler,
	queueSize int,
) *ActiveConnection {
	return &ActiveConnection{
		log:           log.With("src", "connection", "peer", id, "addr", ep.TargetAddr()),
		id:            id,
		direction:     dir,
		category:      category,
		remoteAddr:    ep.TargetAddr(),
		endpoint:      ep,
		handler:       handler,
		sendQueue:     make(chan []byte, queueSize),
		priorityQueue: make(chan []byte, queueSize),
		done:          make(chan struct{}),
		connectedAt:   time.Now(),
	}
}

func (c *ActiveConnection) PeerID() identity.PeerID         { return c.id }
func (c *ActiveConnection) Direction() transport.Direction  { return c.direction }
func (c *ActiveConnection) Category() string                { return c.category }
func (c *ActiveConnection) RemoteAddr() netip.AddrPort      { return c.remoteAddr }
func (c *ActiveConnection) Transport() transport.Type       { return c.endpoint.Transport() }

// Stats returns a snapshot of the connection's counters.
func (c *ActiveConnection) Stats() ConnMetrics {
	return ConnMetrics{
		PeerID:           c.id,
		RemoteAddr:       c.remoteAddr,
		Direction:        c.direction,
		Category:         c.category,
		Transport:        c.endpoint.Transport(),
		BytesSent:        c.stats.BytesSent.Load(),
		BytesReceived:    c.stats.BytesReceived.Load(),
		MessagesSent:     c.stats.MessagesSent.Load(),
		MessagesReceived: c.stats.MessagesReceived.Load(),
		ConnectedAt:      c.connectedAt,
	}
}

// Send serializes msg with s and enqueues the frame. High-priority
// messages are delivered before any queued regular ones. Send blocks while
// the target queue is full and fails once the connection shuts down.
func (c *ActiveConnection) Send(s MessagesSerializer, msg []byte, highPriority bool) error {
	var buf bytes.Buffer
	if err := s.SerializeID(msg, &buf); err != nil {
		return fmt.Errorf("serialize message id: %w", err)
	}
	if err := s.Serialize(msg, &buf); err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	queue := c.sendQueue
	if highPriority {
		queue = c.priorityQueue
	}

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case queue <- buf.Bytes():
		return nil
	case <-c.done:
		return ErrConnectionClosed
	}
}

// Close signals both workers to stop and shuts the endpoint down. It is
// idempotent and returns without waiting for the workers.
func (c *ActiveConnection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.endpoint.Shutdown()
		c.log.Debug("connection closing")
	})
}

// run drives the reader and writer workers and blocks until both have
// exited; that join is the connection's lifetime boundary. onExit runs
// afterwards, with the connection already torn down.
func (c *ActiveConnection) run(onExit func()) {
	defer onExit()

	g := new(errgroup.Group)
	writerEndpoint := c.endpoint.Clone()

	g.Go(func() error {
		defer c.Close()
		return c.readLoop()
	})
	g.Go(func() error {
		defer c.Close()
		return c.writeLoop(writerEndpoint)
	})

	_ = g.Wait()
}

func (c *ActiveConnection) readLoop() (err error) {
	l := c.log.With("component", "read loop")
	l.Debug("started")

	// A panicking message handler must not take the registry down with
	// it; the connection is simply torn down.
	defer func() {
		if r := recover(); r != nil {
			l.Error("read loop panic", "panic", r)
			err = fmt.Errorf("%w: read loop panic", ErrFatalHandler)
		}
	}()

	for {
		select {
		case <-c.done:
			return nil
		default:
		}

		payload, err := c.endpoint.Receive()
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}

			select {
			case <-c.done:
			default:
				if errors.Is(err, wire.ErrOversizeFrame) {
					l.Warn("oversize frame, dropping connection", "error", err.Error())
				} else {
					l.Debug("receive failed, exiting", "error", err.Error())
				}
			}
			return err
		}

		c.stats.BytesReceived.Add(uint64(wire.LengthPrefixSize + len(payload)))
		c.stats.MessagesReceived.Add(1)

		rest, id, err := c.handler.DeserializeID(payload, c.id)
		if err != nil {
			l.Warn("invalid message id, dropping connection", "error", err.Error())
			return err
		}

		if err := c.handler.Handle(id, rest, c.id); err != nil {
			if errors.Is(err, ErrFatalHandler) {
				l.Warn("handler failed fatally, exiting", "error", err.Error())
				return err
			}
			l.Warn("handler failed", "id", id, "error", err.Error())
		}
	}
}

func (c *ActiveConnection) writeLoop(ep frameSender) (err error) {
	l := c.log.With("component", "write loop")
	l.Debug("started")

	defer func() {
		if r := recover(); r != nil {
			l.Error("write loop panic", "panic", r)
			err = fmt.Errorf("%w: write loop panic", ErrFatalHandler)
		}
	}()

	for {
		// Everything already queued as high priority goes out before
		// any regular item is considered.
		select {
		case frame := <-c.priorityQueue:
			if err := c.write(ep, frame); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-c.done:
			c.drain(ep)
			return nil
		case frame := <-c.priorityQueue:
			if err := c.write(ep, frame); err != nil {
				return err
			}
		case frame := <-c.sendQueue:
			if err := c.write(ep, frame); err != nil {
				return err
			}
		}
	}
}

// drain makes a best effort to flush queued frames on shutdown, priority
// first. Write failures are expected here (the endpoint may already be
// down) and end the flush.
func (c *ActiveConnection) drain(ep frameSender) {
	for {
		select {
		case frame := <-c.priorityQueue:
			if err := c.write(ep, frame); err != nil {
				return
			}
			continue
		default:
		}

		select {
		case frame := <-c.sendQueue:
			if err := c.write(ep, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *ActiveConnection) write(ep frameSender, frame []byte) error {
	if err := ep.Send(frame); err != nil {
		select {
		case <-c.done:
		default:
			c.log.Debug("send failed, exiting", "error", err.Error())
		}
		return err
	}

	c.stats.BytesSent.Add(uint64(wire.LengthPrefixSize + len(frame)))
	c.stats.MessagesSent.Add(1)
	return nil
}
