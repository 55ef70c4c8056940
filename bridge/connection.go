// Package bridge implements the serial request/response protocol engine:
// the Connection that multiplexes concurrent requests over a single serial
// link, the reader task that dispatches replies and device events, the
// discovery handshake, and the event fan-out socket.
package bridge

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"hal-bridge/protocol"
	"hal-bridge/serial"
)

// Connection composes the codec, sequence table, and reader task described
// by the wire protocol. It is created by Open and destroyed by Close.
type Connection struct {
	opts Options

	port  serial.Port
	codec *protocol.Codec

	mu         sync.Mutex
	seq        *seqTable
	currentSeq byte

	running  int32 // atomic; guards RunReader/StopReader/readLoop/acceptLoop
	stopCh   chan struct{}
	readerWG sync.WaitGroup

	listener     net.Listener
	listenerOnce sync.Once
	listeners    []net.Conn

	unknownEvents uint64 // atomic
	start         time.Time
}

// Open opens the serial device at opts.SerialPath and the event socket at
// opts.SocketPath, returning a Connection ready for discovery and, once
// RunReader is called, for Request.
func Open(opts Options) (*Connection, error) {
	if opts.ListenerCap <= 0 {
		opts.ListenerCap = DefaultListenerCap
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	port, err := serial.Open(serial.DefaultConfig(opts.SerialPath))
	if err != nil {
		return nil, errors.Annotatef(err, "open serial port %q", opts.SerialPath)
	}

	codec := protocol.NewCodec(port)
	if opts.PollPause > 0 {
		codec.PollPause = opts.PollPause
	}

	l, err := listenEventSocket(opts.SocketPath)
	if err != nil {
		port.Close()
		return nil, errors.Annotatef(err, "listen event socket %q", opts.SocketPath)
	}

	return &Connection{
		opts:      opts,
		port:      port,
		codec:     codec,
		seq:       newSeqTable(),
		listener:  l,
		listeners: make([]net.Conn, 0, opts.ListenerCap),
		start:     time.Now(),
	}, nil
}

// listenEventSocket binds the event fan-out socket at path, mode 0777.
// net's unix listener has no explicit backlog knob; the listener array's
// ListenerCap bounds concurrent listeners at accept time instead.
func listenEventSocket(path string) (net.Listener, error) {
	_ = os.Remove(path) // stale socket from a prior unclean shutdown

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0777); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// Request sends msg, waits for its matching reply, and copies the response
// back into msg: it acquires the connection mutex (blocking until it is
// free), assigns the next round-robin sequence number, writes the frame, and
// waits with a deadline on the slot's completion channel.
func (c *Connection) Request(msg *protocol.Message) error {
	c.mu.Lock()

	id := (c.currentSeq + 1) & protocol.SeqMask
	if !c.seq.reserve(id) {
		c.mu.Unlock()
		return protocol.ErrSeq
	}
	c.currentSeq = id

	msg.Seq = id // driver-origin: high bit clear
	msg.Chk = msg.Checksum()

	if err := c.codec.WriteFrame(msg); err != nil {
		c.seq.release(id)
		c.mu.Unlock()
		return err
	}

	done := c.seq.slots[id].done
	deadline := time.NewTimer(c.opts.RequestTimeout)
	defer deadline.Stop()

	c.mu.Unlock()

	var waitErr error
	select {
	case <-done:
	case <-deadline.C:
		waitErr = protocol.ErrTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if waitErr != nil {
		c.seq.release(id)
		return waitErr
	}
	*msg = c.seq.slots[id].resp
	c.seq.release(id)
	return nil
}

// Stats is a read-only snapshot of the connection's observability counters.
type Stats struct {
	RxBytes       uint64
	TxBytes       uint64
	Uptime        time.Duration
	SockPath      string
	UnknownEvents uint64
	Listeners     int
}

// Stats returns a snapshot of the connection's counters, per spec.md §4.6.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		RxBytes:       c.codec.RxBytes(),
		TxBytes:       c.codec.TxBytes(),
		Uptime:        time.Since(c.start),
		SockPath:      c.opts.SocketPath,
		UnknownEvents: atomic.LoadUint64(&c.unknownEvents),
		Listeners:     len(c.listeners),
	}
}

// RxBytes returns cumulative bytes read from the serial port.
func (c *Connection) RxBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec.RxBytes()
}

// TxBytes returns cumulative bytes written to the serial port.
func (c *Connection) TxBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec.TxBytes()
}

// Uptime returns the time elapsed since Open.
func (c *Connection) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.start)
}

// SockPath returns the event socket's filesystem path.
func (c *Connection) SockPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.SocketPath
}

// Close stops the reader task if running, closes all event listeners and
// the listening socket, removes the socket file, and closes the serial
// port.
func (c *Connection) Close() error {
	c.StopReader()

	c.mu.Lock()
	for _, ln := range c.listeners {
		ln.Close()
	}
	c.listeners = nil
	sockPath := c.opts.SocketPath
	c.mu.Unlock()

	c.closeListener()

	var firstErr error
	_ = os.Remove(sockPath)
	if err := c.port.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// closeListener closes the event-socket listener exactly once, whether
// triggered by StopReader (to unblock its accept loop) or by Close (if the
// reader was never started).
func (c *Connection) closeListener() {
	c.listenerOnce.Do(func() {
		if c.listener != nil {
			c.listener.Close()
		}
	})
}

// Port exposes the underlying serial port for the discovery handshake,
// which talks to the device directly through the codec before the reader
// task exists.
func (c *Connection) Port() serial.Port { return c.port }

// Codec exposes the underlying codec for the discovery handshake.
func (c *Connection) Codec() *protocol.Codec { return c.codec }

func logBoot() {
	glog.Warning("device reported BOOT")
}
