package bridge

import "time"

// DefaultListenerCap is the event-socket listener capacity spec.md names
// ("e.g. 42").
const DefaultListenerCap = 42

// DefaultRequestTimeout is the per-request wall-clock deadline.
const DefaultRequestTimeout = 500 * time.Millisecond

// DefaultDiscoveryTimeout bounds the one-time discovery handshake so a
// misbehaving device can't hang startup forever.
const DefaultDiscoveryTimeout = 10 * time.Second

// DefaultPollInterval is the reader task's poll timeout on the serial and
// event-socket descriptors.
const DefaultPollInterval = 1 * time.Second

// Options configures a Connection.
type Options struct {
	// SerialPath is the character device the engine talks to the
	// microcontroller over.
	SerialPath string
	// SocketPath is the filesystem path for the event fan-out socket.
	SocketPath string
	// ListenerCap bounds the number of simultaneously connected event
	// listeners.
	ListenerCap int
	// RequestTimeout bounds how long Request waits for a matching reply.
	RequestTimeout time.Duration
	// DiscoveryTimeout bounds the one-time catalog discovery handshake.
	DiscoveryTimeout time.Duration
	// PollInterval is the reader task's poll timeout.
	PollInterval time.Duration
	// PollPause is the codec's sleep between non-blocking zero-byte reads.
	PollPause time.Duration
}

// DefaultOptions returns Options wired to serialPath and socketPath with the
// spec's default timing parameters.
func DefaultOptions(serialPath, socketPath string) Options {
	return Options{
		SerialPath:       serialPath,
		SocketPath:       socketPath,
		ListenerCap:      DefaultListenerCap,
		RequestTimeout:   DefaultRequestTimeout,
		DiscoveryTimeout: DefaultDiscoveryTimeout,
		PollInterval:     DefaultPollInterval,
		PollPause:        0, // zero means protocol.DefaultPollPause
	}
}
