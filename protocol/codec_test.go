package protocol

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport is a loopback, non-blocking ReadWriter: Read returns
// (0, nil) when its buffer is empty instead of blocking, matching the
// VMIN=0/VTIME=0 serial semantics the codec is written against.
type fakeTransport struct {
	mu         sync.Mutex
	buf        []byte
	writeShort bool
	writeErr   error
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.writeShort {
		return 0, nil
	}
	f.buf = append(f.buf, p...)
	return len(p), nil
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buf) == 0 {
		return 0, nil
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

func encodeFrame(t *testing.T, msg *Message) []byte {
	t.Helper()
	tr := &fakeTransport{}
	c := NewCodec(tr)
	if err := c.WriteFrame(msg); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	return append([]byte(nil), tr.buf...)
}

func TestCodecRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 2, 55, 254, 255} {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i*37 + n)
		}
		if n >= 2 {
			// Exercise both special bytes when the payload is big enough.
			data[0] = Sync
			data[1] = Esc
		}

		msg := Message{Cmd: CmdSensor | ChangeFlag, Rid: 7}
		if err := msg.SetPayload(data); err != nil {
			t.Fatalf("len=%d: SetPayload: %v", n, err)
		}

		encoded := encodeFrame(t, &msg)

		tr := &fakeTransport{buf: append([]byte(nil), encoded...)}
		c := NewCodec(tr)
		var decoded Message
		if err := c.ReadFrame(&decoded); err != nil {
			t.Fatalf("len=%d: ReadFrame: %v", n, err)
		}
		if decoded != msg {
			t.Fatalf("len=%d: round trip mismatch:\n got %+v\nwant %+v", n, decoded, msg)
		}
	}
}

func TestCodecEscapesSpecialBytes(t *testing.T) {
	msg := Message{Cmd: CmdSensor}
	if err := msg.SetPayload([]byte{Sync, Esc, 0x01, Sync, Sync}); err != nil {
		t.Fatal(err)
	}
	encoded := encodeFrame(t, &msg)

	body := encoded[3:] // skip the triple-SYNC preamble
	for i := 0; i < len(body); i++ {
		if body[i] == Sync {
			t.Fatalf("found unescaped 0xFF in body at offset %d: % x", i, body)
		}
		if body[i] == Esc {
			i++ // the following byte is the literal escaped value
		}
	}
}

func TestCodecResyncsOverLeadingNoise(t *testing.T) {
	msg := Message{Cmd: CmdVersion}
	if err := msg.SetPayload([]byte("HAL-v1.0 2020-01-01")); err != nil {
		t.Fatal(err)
	}
	encoded := encodeFrame(t, &msg)

	// Noise with no three consecutive 0xFF bytes.
	noise := []byte{0x01, 0x02, Sync, 0x03, Sync, Sync, 0x04}
	stream := append(append([]byte(nil), noise...), encoded...)

	tr := &fakeTransport{buf: stream}
	c := NewCodec(tr)
	var decoded Message
	if err := c.ReadFrame(&decoded); err != nil {
		t.Fatalf("ReadFrame after noise: %v", err)
	}
	if decoded != msg {
		t.Fatalf("decoded = %+v, want %+v", decoded, msg)
	}
}

func TestCodecOutOfSyncThenResyncs(t *testing.T) {
	good := Message{Cmd: CmdPing}
	encodedGood := encodeFrame(t, &good)

	// A hand-built frame with a stray, unescaped SYNC landing inside the
	// header (at the cmd byte), followed by a well-formed frame.
	broken := []byte{Sync, Sync, Sync, 0x00, 0x01, Sync, 0x02, 0x03}
	stream := append(append([]byte(nil), broken...), encodedGood...)

	tr := &fakeTransport{buf: stream}
	c := NewCodec(tr)

	var m1 Message
	err := c.ReadFrame(&m1)
	if !errors.Is(err, ErrOutOfSync) {
		t.Fatalf("first ReadFrame err = %v, want ErrOutOfSync", err)
	}
	if m1 != (Message{}) {
		t.Fatalf("message not zeroed after OUTOFSYNC: %+v", m1)
	}

	var m2 Message
	if err := c.ReadFrame(&m2); err != nil {
		t.Fatalf("second ReadFrame (after resync): %v", err)
	}
	if m2 != good {
		t.Fatalf("m2 = %+v, want %+v", m2, good)
	}
}

func TestCodecChecksumMismatch(t *testing.T) {
	msg := Message{Cmd: CmdSwitch | ChangeFlag, Rid: 3}
	_ = msg.SetPayload([]byte{1})
	encoded := encodeFrame(t, &msg)
	encoded[3] ^= 0x01 // corrupt the checksum byte (first byte after preamble)

	tr := &fakeTransport{buf: encoded}
	c := NewCodec(tr)
	var decoded Message
	err := c.ReadFrame(&decoded)
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("err = %v, want ErrChecksum", err)
	}
	if decoded != (Message{}) {
		t.Fatalf("message not zeroed after CHKERR: %+v", decoded)
	}
}

func TestCodecWriteErrorOnShortWrite(t *testing.T) {
	tr := &fakeTransport{writeShort: true}
	c := NewCodec(tr)
	msg := Message{Cmd: CmdPing}
	if err := c.WriteFrame(&msg); !errors.Is(err, ErrWrite) {
		t.Fatalf("err = %v, want ErrWrite", err)
	}
}

func TestCodecPollTimesOutWhenEmpty(t *testing.T) {
	tr := &fakeTransport{}
	c := NewCodec(tr)
	c.PollPause = time.Millisecond

	ready, err := c.Poll(5 * time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if ready {
		t.Fatal("expected Poll to report not-ready on an empty transport")
	}
}

func TestCodecPollReadyWhenDataPresent(t *testing.T) {
	tr := &fakeTransport{buf: []byte{0xAB}}
	c := NewCodec(tr)

	ready, err := c.Poll(time.Second)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !ready {
		t.Fatal("expected Poll to report ready")
	}

	// The peeked byte must still be delivered to the next read.
	var b [1]byte
	raw, err := c.readRawByte()
	if err != nil {
		t.Fatalf("readRawByte: %v", err)
	}
	b[0] = raw
	if b[0] != 0xAB {
		t.Fatalf("readRawByte() = %#x, want 0xAB", b[0])
	}
}
