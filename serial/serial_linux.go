//go:build linux

package serial

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// baudRates maps the standard rates this package accepts to their termios
// constant. Only the rates the hardware firmware actually advertises are
// listed; anything else is rejected rather than silently rounded.
var baudRates = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
}

// linuxPort is a raw, non-blocking serial port. It talks directly to the fd
// via unix.Read/unix.Write rather than os.File, because os.File's runtime
// netpoller integration retries short reads internally and would hide the
// zero-byte-read semantics VMIN=0/VTIME=0 is meant to expose to the codec's
// polling loop.
type linuxPort struct {
	fd int
}

// Open configures and opens cfg.Device as a raw, non-blocking serial port.
func Open(cfg Config) (Port, error) {
	rate, ok := baudRates[cfg.Baud]
	if !ok {
		return nil, fmt.Errorf("serial: unsupported baud rate %d", cfg.Baud)
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}

	t.Iflag = 0
	t.Oflag = 0
	t.Lflag = 0
	t.Cflag = unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Ispeed = rate
	t.Ospeed = rate
	for i := range t.Cc {
		t.Cc[i] = 0
	}
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}

	return &linuxPort{fd: fd}, nil
}

func (p *linuxPort) Read(b []byte) (int, error) {
	n, err := unix.Read(p.fd, b)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("serial: read: %w", err)
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

func (p *linuxPort) Write(b []byte) (int, error) {
	n, err := unix.Write(p.fd, b)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("serial: write: %w", err)
	}
	return n, nil
}

func (p *linuxPort) Flush() error {
	return unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIOFLUSH)
}

func (p *linuxPort) Close() error {
	return unix.Close(p.fd)
}
