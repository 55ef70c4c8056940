package bridge

import (
	"fmt"
	"sync/atomic"

	"github.com/golang/glog"

	"hal-bridge/protocol"
)

// RunReader starts the single reader task and the event-socket accept
// loop. triggerNames labels TRIGGER events for broadcast. It is an error to
// call RunReader twice without an intervening StopReader.
func (c *Connection) RunReader(triggerNames map[byte]string) error {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return fmt.Errorf("bridge: reader already running")
	}
	c.stopCh = make(chan struct{})
	c.readerWG.Add(2)
	go c.readLoop(triggerNames)
	go c.acceptLoop()
	return nil
}

// StopReader signals the reader and accept loops to exit and joins them.
// It is a no-op if the reader is not running.
func (c *Connection) StopReader() {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return
	}
	close(c.stopCh)
	// Accept() only returns on a new connection or a closed listener, so
	// the accept loop needs the listener closed to observe stopCh.
	c.closeListener()
	c.readerWG.Wait()
}

// IsRunning reports whether the reader task is currently active.
func (c *Connection) IsRunning() bool {
	return atomic.LoadInt32(&c.running) == 1
}

// readLoop is the engine's single dedicated reader task (spec.md §4.3):
// poll for readiness without holding the mutex, then acquire it only to
// perform the actual frame read and dispatch.
func (c *Connection) readLoop(triggerNames map[byte]string) {
	defer c.readerWG.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		ready, err := c.codec.Poll(c.opts.PollInterval)
		if err != nil {
			glog.Errorf("bridge: poll serial: %v", err)
			continue
		}
		if !ready {
			continue
		}

		c.mu.Lock()
		var msg protocol.Message
		err = c.codec.ReadFrame(&msg)
		if err != nil {
			glog.V(2).Infof("bridge: read frame: %v", err)
			c.mu.Unlock()
			continue
		}
		c.dispatch(&msg, triggerNames)
		c.mu.Unlock()
	}
}

// acceptLoop accepts new event-socket listeners, dropping connections once
// the listener array is at capacity.
func (c *Connection) acceptLoop() {
	defer c.readerWG.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
				glog.V(2).Infof("bridge: accept event listener: %v", err)
				continue
			}
		}

		c.mu.Lock()
		if len(c.listeners) >= c.opts.ListenerCap {
			c.mu.Unlock()
			conn.Close()
			continue
		}
		c.listeners = append(c.listeners, conn)
		c.mu.Unlock()
	}
}

// dispatch routes one parsed frame, called with the mutex held.
func (c *Connection) dispatch(msg *protocol.Message, triggerNames map[byte]string) {
	if !msg.IsDeviceOrigin() {
		c.seq.complete(msg.SeqID(), *msg)
		return
	}

	switch {
	case msg.CmdType() == protocol.CmdPing:
		reply := *msg
		if err := c.codec.WriteFrame(&reply); err != nil {
			glog.V(2).Infof("bridge: ping echo: %v", err)
		}
	case msg.CmdType() == protocol.CmdBoot:
		logBoot()
	case msg.CmdType() == protocol.CmdTrigger && msg.IsChange():
		c.broadcastTrigger(msg, triggerNames)
	default:
		atomic.AddUint64(&c.unknownEvents, 1)
	}
}

// broadcastTrigger writes "<name>:<state>\n" to every connected listener,
// evicting any that fail the write by swapping in the last listener and
// shrinking the slice (spec.md §4.3/§4.4).
func (c *Connection) broadcastTrigger(msg *protocol.Message, triggerNames map[byte]string) {
	name, ok := triggerNames[msg.Rid]
	if !ok {
		name = fmt.Sprintf("rid%d", msg.Rid)
	}
	state := byte(0)
	if len(msg.Payload()) > 0 {
		state = msg.Payload()[0]
	}
	line := []byte(fmt.Sprintf("%s:%d\n", name, state))

	i := 0
	for i < len(c.listeners) {
		if _, err := c.listeners[i].Write(line); err != nil {
			c.listeners[i].Close()
			last := len(c.listeners) - 1
			c.listeners[i] = c.listeners[last]
			c.listeners = c.listeners[:last]
			continue
		}
		i++
	}
}
