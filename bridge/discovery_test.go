package bridge

import (
	"testing"
	"time"

	"hal-bridge/protocol"
)

// runSimDiscoveryDevice plays BOOT -> VERSION -> TREE*4 against lb, exactly
// once, matching spec.md §4.5.
func runSimDiscoveryDevice(t *testing.T, lb *loopback) {
	t.Helper()
	codec := protocol.NewCodec(deviceSide{lb})
	codec.PollPause = time.Millisecond

	readOne := func() protocol.Message {
		for {
			ready, err := codec.Poll(2 * time.Second)
			if err != nil {
				t.Fatalf("device poll: %v", err)
			}
			if !ready {
				continue
			}
			var msg protocol.Message
			if err := codec.ReadFrame(&msg); err != nil {
				continue
			}
			return msg
		}
	}

	go func() {
		boot := protocol.Message{Seq: protocol.DeviceOriginFlag, Cmd: protocol.CmdBoot}
		if err := codec.WriteFrame(&boot); err != nil {
			return
		}

		ask := readOne() // VERSION ask
		if ask.CmdType() != protocol.CmdVersion {
			return
		}
		version := make([]byte, versionLen)
		copy(version, "HAL-v1.0 2020-01-01")
		reply := protocol.Message{Cmd: protocol.CmdVersion}
		reply.SetPayload(version)
		codec.WriteFrame(&reply)

		if ask = readOne(); ask.CmdType() != protocol.CmdTree {
			return
		}

		categories := []struct {
			cat   byte
			names []string
		}{
			{protocol.CatSensor, []string{"temp"}},
			{protocol.CatTrigger, []string{"doorbell", "motion", "button"}},
			{protocol.CatSwitch, []string{"relay1", "relay2"}},
			{protocol.CatAnimation, nil},
		}
		for _, cat := range categories {
			header := protocol.Message{Cmd: protocol.CmdTree, Rid: byte(len(cat.names))}
			header.SetPayload([]byte{cat.cat})
			codec.WriteFrame(&header)
			for _, name := range cat.names {
				item := protocol.Message{Cmd: protocol.CmdTree}
				item.SetPayload([]byte(name))
				codec.WriteFrame(&item)
			}
		}
	}()
}

func TestDiscoverPopulatesCatalog(t *testing.T) {
	lb := &loopback{}
	runSimDiscoveryDevice(t, lb)

	c := newTestConnection(t, lb, Options{DiscoveryTimeout: 2 * time.Second})
	cat, err := c.Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if got := cat.Version; got[:8] != "HAL-v1.0" {
		t.Fatalf("Version = %q, want prefix HAL-v1.0", got)
	}
	if len(cat.Sensors) != 1 || cat.Sensors[0].Name != "temp" {
		t.Fatalf("Sensors = %+v", cat.Sensors)
	}
	if len(cat.Triggers) != 3 || cat.Triggers[2].Name != "button" {
		t.Fatalf("Triggers = %+v", cat.Triggers)
	}
	if len(cat.Switches) != 2 {
		t.Fatalf("Switches = %+v", cat.Switches)
	}
	if len(cat.Animations) != 0 {
		t.Fatalf("Animations = %+v", cat.Animations)
	}

	names := cat.TriggerNames()
	if names[2] != "button" {
		t.Fatalf("TriggerNames()[2] = %q, want button", names[2])
	}
}

func TestDiscoverRestartsOnSecondBoot(t *testing.T) {
	lb := &loopback{}
	codec := protocol.NewCodec(deviceSide{lb})
	codec.PollPause = time.Millisecond

	go func() {
		boot := protocol.Message{Seq: protocol.DeviceOriginFlag, Cmd: protocol.CmdBoot}
		codec.WriteFrame(&boot)
		time.Sleep(10 * time.Millisecond)
		codec.WriteFrame(&boot) // a second BOOT before the handshake proceeds

		for {
			ready, err := codec.Poll(2 * time.Second)
			if err != nil || !ready {
				if err != nil {
					return
				}
				continue
			}
			var msg protocol.Message
			if err := codec.ReadFrame(&msg); err != nil {
				continue
			}
			if msg.CmdType() == protocol.CmdVersion {
				version := make([]byte, versionLen)
				copy(version, "HAL-v1.0 test")
				reply := protocol.Message{Cmd: protocol.CmdVersion}
				reply.SetPayload(version)
				codec.WriteFrame(&reply)
				return
			}
		}
	}()

	c := newTestConnection(t, lb, Options{DiscoveryTimeout: 2 * time.Second})
	version, err := c.discoverVersionAfterBoot()
	if err != nil {
		t.Fatalf("discovery after repeated BOOT: %v", err)
	}
	if version[:8] != "HAL-v1.0" {
		t.Fatalf("version = %q", version)
	}
}

// discoverVersionAfterBoot exercises awaitBoot then discoverVersion exactly
// as Discover does, without requiring the TREE phase to also be simulated.
func (c *Connection) discoverVersionAfterBoot() (string, error) {
	deadline := time.Now().Add(c.opts.DiscoveryTimeout)
	if err := c.awaitBoot(deadline); err != nil {
		return "", err
	}
	return c.discoverVersion(deadline)
}
