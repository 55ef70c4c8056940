package protocol

import "errors"

// Sentinel errors matching the engine's error taxonomy. Lower-level code
// (codec, sequence table) returns these directly, or wrapped with fmt.Errorf's
// %w so errors.Is still matches; callers that need richer context annotate
// them with github.com/juju/errors at the package boundary instead of
// inventing new error values.
var (
	// ErrTimeout means no response arrived within the request deadline.
	ErrTimeout = errors.New("protocol: timeout waiting for response")
	// ErrSeq means the next sequence slot in round-robin order is still in use.
	ErrSeq = errors.New("protocol: sequence slot in use")
	// ErrLock is the taxonomy's lock-failure error. Request acquires the
	// connection mutex with a blocking Lock, which cannot fail, so no code
	// path in this module returns it.
	ErrLock = errors.New("protocol: connection busy")
	// ErrChecksum means a received frame's checksum did not match.
	ErrChecksum = errors.New("protocol: checksum mismatch")
	// ErrRead wraps an OS-level serial read failure.
	ErrRead = errors.New("protocol: serial read error")
	// ErrWrite wraps an OS-level serial write failure, including a short write.
	ErrWrite = errors.New("protocol: serial write error")
	// ErrOutOfSync means a SYNC byte appeared unexpectedly inside a frame body.
	ErrOutOfSync = errors.New("protocol: unexpected sync byte mid-frame")
	// ErrUnknown is the taxonomy's catch-all error. No code path in this
	// module returns it: Request's wait has only the reply and timeout
	// outcomes, and serial.Open reports open/termios failures as wrapped OS
	// errors.
	ErrUnknown = errors.New("protocol: unexpected error")
	// ErrPayloadTooLarge means a payload exceeds MaxPayload (255 bytes).
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds 255 bytes")
)
