package protocol

import (
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultPollPause is the pause between zero-byte reads on a non-blocking
// transport, matching the ~10us polling interval the wire format assumes.
const DefaultPollPause = 10 * time.Microsecond

// ReadWriter is the minimal transport a Codec needs: byte-at-a-time reads
// that return (0, nil) when nothing is currently available (a non-blocking
// read), and writes that report how many bytes actually landed.
type ReadWriter interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// deadlineSetter is implemented by net.Conn and similar transports. When
// present, Codec.Poll uses it instead of a sleep loop, so in-memory test
// transports (net.Pipe) don't need non-blocking semantics of their own.
type deadlineSetter interface {
	SetReadDeadline(time.Time) error
}

// timeoutError is implemented by net's timeout errors (and most others that
// follow the convention).
type timeoutError interface {
	Timeout() bool
}

// Codec translates between Message values and a SYNC/ESC byte-stuffed
// stream on a ReadWriter. It is safe for use by a single reader and a
// single writer concurrently (as the engine does: one reader task, one
// writer under the connection mutex), but not for concurrent readers or
// concurrent writers.
type Codec struct {
	rw ReadWriter

	// PollPause is the sleep between zero-byte reads when rw does not
	// support read deadlines. Defaults to DefaultPollPause.
	PollPause time.Duration

	rxBytes uint64
	txBytes uint64

	hasPeek bool
	peek    byte
}

// NewCodec wraps rw in a Codec with default polling parameters.
func NewCodec(rw ReadWriter) *Codec {
	return &Codec{rw: rw, PollPause: DefaultPollPause}
}

// RxBytes returns the cumulative number of bytes consumed from the port.
func (c *Codec) RxBytes() uint64 { return atomic.LoadUint64(&c.rxBytes) }

// TxBytes returns the cumulative number of bytes emitted to the port,
// including preamble and escape bytes.
func (c *Codec) TxBytes() uint64 { return atomic.LoadUint64(&c.txBytes) }

// WriteFrame computes msg's checksum and emits it as a SYNC SYNC SYNC
// preamble followed by the escaped body (chk, seq, cmd, rid, len, data).
func (c *Codec) WriteFrame(msg *Message) error {
	msg.Chk = msg.Checksum()

	for i := 0; i < 3; i++ {
		if err := c.writeByte(Sync); err != nil {
			return err
		}
	}

	header := [HeaderSize]byte{msg.Chk, msg.Seq, msg.Cmd, msg.Rid, msg.Len}
	for _, b := range header {
		if err := c.writeEscaped(b); err != nil {
			return err
		}
	}
	for i := 0; i < int(msg.Len); i++ {
		if err := c.writeEscaped(msg.Data[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Codec) writeEscaped(b byte) error {
	if b == Sync || b == Esc {
		if err := c.writeByte(Esc); err != nil {
			return err
		}
	}
	return c.writeByte(b)
}

func (c *Codec) writeByte(b byte) error {
	n, err := c.rw.Write([]byte{b})
	atomic.AddUint64(&c.txBytes, uint64(n))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if n != 1 {
		return ErrWrite
	}
	return nil
}

// ReadFrame resynchronizes on the next triple-SYNC preamble, then parses a
// complete frame into msg. On any error msg is zeroed before returning, so
// callers that ignore the error still don't observe a partial frame.
func (c *Codec) ReadFrame(msg *Message) error {
	if err := c.syncPreamble(); err != nil {
		msg.Reset()
		return err
	}

	var header [HeaderSize]byte
	for i := range header {
		b, err := c.readBodyByte()
		if err != nil {
			msg.Reset()
			return err
		}
		header[i] = b
	}

	msg.Chk, msg.Seq, msg.Cmd, msg.Rid, msg.Len = header[0], header[1], header[2], header[3], header[4]

	for i := 0; i < int(msg.Len); i++ {
		b, err := c.readBodyByte()
		if err != nil {
			msg.Reset()
			return err
		}
		msg.Data[i] = b
	}

	if !msg.Verify() {
		msg.Reset()
		return ErrChecksum
	}
	return nil
}

// syncPreamble consumes raw bytes until three consecutive SYNC bytes have
// been seen.
func (c *Codec) syncPreamble() error {
	consecutive := 0
	for consecutive < 3 {
		b, err := c.readRawByte()
		if err != nil {
			return err
		}
		if b == Sync {
			consecutive++
		} else {
			consecutive = 0
		}
	}
	return nil
}

// readBodyByte reads one logical body byte, resolving ESC escapes. A SYNC
// byte encountered unescaped inside the body means the parser lost framing
// mid-message.
func (c *Codec) readBodyByte() (byte, error) {
	b, err := c.readRawByte()
	if err != nil {
		return 0, err
	}
	if b == Sync {
		return 0, ErrOutOfSync
	}
	if b == Esc {
		b, err = c.readRawByte()
		if err != nil {
			return 0, err
		}
	}
	return b, nil
}

// readRawByte returns the next raw byte from the transport, blocking
// (with PollPause sleeps) until one is available.
func (c *Codec) readRawByte() (byte, error) {
	if c.hasPeek {
		c.hasPeek = false
		return c.peek, nil
	}
	for {
		b, ok, err := c.tryReadByte()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRead, err)
		}
		if ok {
			return b, nil
		}
		c.sleep()
	}
}

func (c *Codec) tryReadByte() (byte, bool, error) {
	var buf [1]byte
	n, err := c.rw.Read(buf[:])
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	atomic.AddUint64(&c.rxBytes, 1)
	return buf[0], true, nil
}

func (c *Codec) sleep() {
	pause := c.PollPause
	if pause <= 0 {
		pause = DefaultPollPause
	}
	time.Sleep(pause)
}

// Poll reports whether a byte is available to read within timeout, without
// consuming it from the caller's point of view (it is buffered internally
// and returned by the next readRawByte call). This is the non-blocking
// multiplexing point the reader task uses to avoid holding the connection
// mutex while waiting on serial I/O.
func (c *Codec) Poll(timeout time.Duration) (bool, error) {
	if c.hasPeek {
		return true, nil
	}

	if ds, ok := c.rw.(deadlineSetter); ok {
		_ = ds.SetReadDeadline(time.Now().Add(timeout))
		defer ds.SetReadDeadline(time.Time{})

		b, ok2, err := c.tryReadByte()
		if err != nil {
			var te timeoutError
			if asTimeout(err, &te) && te.Timeout() {
				return false, nil
			}
			return false, fmt.Errorf("%w: %v", ErrRead, err)
		}
		if ok2 {
			c.peek, c.hasPeek = b, true
			return true, nil
		}
		return false, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		b, ok2, err := c.tryReadByte()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrRead, err)
		}
		if ok2 {
			c.peek, c.hasPeek = b, true
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		c.sleep()
	}
}

func asTimeout(err error, target *timeoutError) bool {
	if te, ok := err.(timeoutError); ok {
		*target = te
		return true
	}
	return false
}
