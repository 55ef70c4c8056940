package bridge

import (
	"bytes"
	"time"

	"github.com/juju/errors"

	"hal-bridge/protocol"
)

// versionLen is the fixed length of the firmware version field in a
// VERSION reply.
const versionLen = 40

// treeCategories enumerates the four resource categories, in the order the
// device reports them.
var treeCategories = []byte{
	protocol.CatSensor,
	protocol.CatTrigger,
	protocol.CatSwitch,
	protocol.CatAnimation,
}

// Discover runs the one-time catalog handshake directly over the codec,
// before the reader task starts: await BOOT, ask VERSION, ask TREE once and
// read its four category blocks. It implements spec.md §4.5.
func (c *Connection) Discover() (*Catalog, error) {
	deadline := time.Now().Add(c.opts.DiscoveryTimeout)

	if err := c.awaitBoot(deadline); err != nil {
		c.port.Close()
		return nil, errors.Annotate(err, "await BOOT")
	}

	cat := &Catalog{}

	version, err := c.discoverVersion(deadline)
	if err != nil {
		c.port.Close()
		return nil, errors.Annotate(err, "discover version")
	}
	cat.Version = version

	if err := c.discoverTree(cat, deadline); err != nil {
		c.port.Close()
		return nil, errors.Annotate(err, "discover tree")
	}

	return cat, nil
}

// awaitBoot waits for the device's initial BOOT frame, discarding any other
// frames read before it. A later BOOT is handled by discoverVersion, which
// re-sends its VERSION ask.
func (c *Connection) awaitBoot(deadline time.Time) error {
	for {
		var msg protocol.Message
		if err := c.readUntilDeadline(&msg, deadline); err != nil {
			return err
		}
		if msg.IsDeviceOrigin() && msg.CmdType() == protocol.CmdBoot {
			return nil
		}
	}
}

// discoverVersion asks VERSION and waits for a reply carrying at least
// versionLen bytes of firmware version string.
func (c *Connection) discoverVersion(deadline time.Time) (string, error) {
	ask := protocol.Message{Cmd: protocol.CmdVersion}
	if err := c.codec.WriteFrame(&ask); err != nil {
		return "", err
	}

	for {
		var msg protocol.Message
		if err := c.readUntilDeadline(&msg, deadline); err != nil {
			return "", err
		}
		if msg.IsDeviceOrigin() && msg.CmdType() == protocol.CmdBoot {
			// Device rebooted mid-handshake; re-ask.
			if err := c.codec.WriteFrame(&ask); err != nil {
				return "", err
			}
			continue
		}
		if msg.CmdType() != protocol.CmdVersion {
			continue
		}
		if int(msg.Len) < versionLen {
			return "", errors.Errorf("version reply too short: len=%d", msg.Len)
		}
		return string(bytes.TrimRight(msg.Payload()[:versionLen], "\x00")), nil
	}
}

// discoverTree asks TREE once, then reads four category blocks, each
// carrying a count N followed by N named-resource frames.
func (c *Connection) discoverTree(cat *Catalog, deadline time.Time) error {
	ask := protocol.Message{Cmd: protocol.CmdTree}
	if err := c.codec.WriteFrame(&ask); err != nil {
		return err
	}

	for range treeCategories {
		category, count, err := c.readTreeHeader(deadline)
		if err != nil {
			return err
		}

		names := make([]Resource, 0, count)
		for j := 0; j < count; j++ {
			var msg protocol.Message
			if err := c.readUntilDeadline(&msg, deadline); err != nil {
				return err
			}
			name := string(bytes.TrimRight(msg.Payload(), "\x00"))
			names = append(names, Resource{ID: byte(j), Name: name})
		}

		switch category {
		case protocol.CatSensor:
			cat.Sensors = names
		case protocol.CatTrigger:
			cat.Triggers = names
		case protocol.CatSwitch:
			cat.Switches = names
		case protocol.CatAnimation:
			cat.Animations = names
		default:
			return errors.Errorf("tree: unknown category %q", category)
		}
	}
	return nil
}

// readTreeHeader reads frames until one of type TREE arrives, returning its
// category discriminator (data[0]) and resource count (rid).
func (c *Connection) readTreeHeader(deadline time.Time) (category byte, count int, err error) {
	for {
		var msg protocol.Message
		if err := c.readUntilDeadline(&msg, deadline); err != nil {
			return 0, 0, err
		}
		if msg.CmdType() != protocol.CmdTree {
			continue
		}
		if msg.Len < 1 {
			return 0, 0, errors.New("TREE header missing category byte")
		}
		return msg.Payload()[0], int(msg.Rid), nil
	}
}

// readUntilDeadline reads one frame via the codec, failing with
// protocol.ErrTimeout once deadline has passed. Used only during discovery,
// before the reader task exists, matching spec.md §4.5 ("the caller is the
// sole consumer of the inbound stream during this phase").
func (c *Connection) readUntilDeadline(msg *protocol.Message, deadline time.Time) error {
	for {
		if time.Now().After(deadline) {
			return protocol.ErrTimeout
		}
		remaining := time.Until(deadline)
		ready, err := c.codec.Poll(remaining)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		if err := c.codec.ReadFrame(msg); err != nil {
			// CHKERR/OUTOFSYNC: resync on the next preamble, matching the
			// reader task's own recovery behavior.
			continue
		}
		return nil
	}
}
