// Command hal-bridged connects to a microcontroller over a serial link,
// discovers its resource catalog, and serves trigger events over a local
// event socket until interrupted.
package main

import (
	"bufio"
	goflag "flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"hal-bridge/bridge"
	"hal-bridge/protocol"
)

var (
	serialPath       = flag.String("serial", "/dev/ttyACM0", "serial device the microcontroller is attached to")
	socketPath       = flag.String("socket", "/run/hal-bridge/events.sock", "event fan-out socket path")
	requestTimeout   = flag.Duration("timeout", bridge.DefaultRequestTimeout, "per-request response timeout")
	listenerCap      = flag.Int("listener-cap", bridge.DefaultListenerCap, "maximum simultaneous event-socket listeners")
	discoveryTimeout = flag.Duration("discovery-timeout", bridge.DefaultDiscoveryTimeout, "bound on the startup discovery handshake")
)

func main() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine) // picks up glog's -v, -logtostderr, ...
	flag.Parse()
	defer glog.Flush()

	cmd := "serve"
	if args := flag.Args(); len(args) > 0 {
		cmd = args[0]
	}

	opts := bridge.DefaultOptions(*serialPath, *socketPath)
	opts.RequestTimeout = *requestTimeout
	opts.ListenerCap = *listenerCap
	opts.DiscoveryTimeout = *discoveryTimeout

	var err error
	switch cmd {
	case "serve":
		err = runServe(opts)
	case "status":
		err = runStatus(opts)
	case "ping":
		err = runPing(opts)
	case "version":
		err = runVersion(opts)
	case "tree":
		err = runTree(opts)
	case "watch":
		err = runWatch(opts)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		glog.Errorf("hal-bridged: %v", errors.ErrorStack(err))
		fmt.Fprintf(os.Stderr, "hal-bridged: %v\n", err)
		os.Exit(1)
	}
}

// connect opens the connection and runs the discovery handshake, the
// sequence every sub-command except watch needs before it can talk to the
// device.
func connect(opts bridge.Options) (*bridge.Connection, *bridge.Catalog, error) {
	conn, err := bridge.Open(opts)
	if err != nil {
		return nil, nil, errors.Annotate(err, "open connection")
	}
	cat, err := conn.Discover()
	if err != nil {
		return nil, nil, errors.Annotate(err, "discover catalog")
	}
	return conn, cat, nil
}

// runServe is the long-running default: connect, discover, start the
// reader and event socket, and block until a signal arrives.
func runServe(opts bridge.Options) error {
	conn, cat, err := connect(opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	glog.Infof("discovered catalog: %s", cat)

	if err := conn.RunReader(cat.TriggerNames()); err != nil {
		return errors.Annotate(err, "run reader")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	glog.Info("shutting down")
	return nil
}

func runStatus(opts bridge.Options) error {
	conn, cat, err := connect(opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.RunReader(cat.TriggerNames()); err != nil {
		return errors.Annotate(err, "run reader")
	}
	time.Sleep(100 * time.Millisecond) // let counters settle

	stats := conn.Stats()
	fmt.Printf("catalog:   %s\n", cat)
	fmt.Printf("rx_bytes:  %d\n", stats.RxBytes)
	fmt.Printf("tx_bytes:  %d\n", stats.TxBytes)
	fmt.Printf("uptime:    %s\n", stats.Uptime)
	fmt.Printf("sock_path: %s\n", stats.SockPath)
	fmt.Printf("listeners: %d\n", stats.Listeners)
	fmt.Printf("unknown:   %d\n", stats.UnknownEvents)
	return nil
}

func runPing(opts bridge.Options) error {
	conn, cat, err := connect(opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.RunReader(cat.TriggerNames()); err != nil {
		return errors.Annotate(err, "run reader")
	}

	msg := protocol.Message{Cmd: protocol.CmdPing}
	start := time.Now()
	if err := conn.Request(&msg); err != nil {
		return errors.Annotate(err, "ping")
	}
	fmt.Printf("pong in %s\n", time.Since(start))
	return nil
}

func runVersion(opts bridge.Options) error {
	conn, cat, err := connect(opts)
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Println(cat.Version)
	return nil
}

func runTree(opts bridge.Options) error {
	conn, cat, err := connect(opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	printCategory := func(label string, resources []bridge.Resource) {
		fmt.Printf("%s (%d):\n", label, len(resources))
		for _, r := range resources {
			fmt.Printf("  %d: %s\n", r.ID, r.Name)
		}
	}
	fmt.Printf("version: %s\n", cat.Version)
	printCategory("sensors", cat.Sensors)
	printCategory("triggers", cat.Triggers)
	printCategory("switches", cat.Switches)
	printCategory("animations", cat.Animations)
	return nil
}

// runWatch connects to a running hal-bridged's event socket and prints
// trigger lines as they arrive; it does not open the serial port itself.
func runWatch(opts bridge.Options) error {
	conn, err := net.Dial("unix", opts.SocketPath)
	if err != nil {
		return errors.Annotatef(err, "dial event socket %q", opts.SocketPath)
	}
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		fmt.Println(scanner.Text())
	}
	return scanner.Err()
}
