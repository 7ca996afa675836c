// Command tcplb runs the reverse-proxy load balancer: a userspace TCP/IP
// stack terminating client connections and a pool of warm connections to a
// fixed set of backend nodes (spec.md §1-2).
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/ustack/tcplb/balancer"
	"github.com/ustack/tcplb/internal/balancercfg"
	"github.com/ustack/tcplb/netloop"
	"github.com/ustack/tcplb/tcpip"
	"github.com/ustack/tcplb/tcpip/transport/tcp"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	configPath = flag.String("config", "tcplb.yaml", "Path to the balancer configuration document")
	promAddr   = flag.String("prom", ":9090", "Prometheus metrics export address and port")
	poolTarget = flag.Int("pool-target", 4, "Desired warm connections per active backend node")
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	cfg, err := balancercfg.Load(*configPath)
	rtx.Must(err, "failed to load balancer configuration from %s", *configPath)

	promSrv := prometheusx.MustStartPrometheus(*promAddr)
	defer promSrv.Close()

	loop := netloop.New()

	clientOutput := func(packet []byte) {
		// The link/IP downstream (spec.md §1's "collaborator, not
		// implemented here") would transmit packet on the public
		// interface named by cfg.Clients.Iface.
		_ = packet
	}
	upstreamOutput := func(packet []byte) {
		// Likewise for cfg.Nodes.Iface on the backend-facing side.
		_ = packet
	}

	clientAddr := tcpip.Address{127, 0, 0, 1}
	upstreamAddr := tcpip.Address{127, 0, 0, 1}

	clientHost := tcp.NewHost(loop, clientAddr, clientOutput, tcp.HostConfig{
		OfferWindowScale: true,
		OfferTimestamps:  true,
	})
	upstreamHost := tcp.NewHost(loop, upstreamAddr, upstreamOutput, tcp.HostConfig{
		OfferWindowScale: true,
		OfferTimestamps:  true,
	})

	var backends []tcpip.FullAddress
	for _, n := range cfg.Nodes.List {
		backends = append(backends, tcpip.FullAddress{Addr: parseAddr(n.Address), Port: n.Port})
	}

	pool := balancer.NewPool(upstreamHost, loop, backends, *poolTarget)
	engine := balancer.NewEngine(pool, loop, cfg.Clients.WaitQLimit, cfg.Clients.SessionLimit)

	_, err = clientHost.Listen(uint16(cfg.Clients.Port), engine.OnAccept)
	rtx.Must(err, "failed to listen on port %d", cfg.Clients.Port)

	log.Printf("tcplb: listening on port %d, balancing across %d backends", cfg.Clients.Port, len(backends))

	pool.Signal()
	runLoop(loop)
}

// runLoop drives the event loop forever, the way a real deployment's
// packet-arrival interrupt handler would feed Deliver() and then call
// RunReady(); here, in the absence of a wired link/IP layer, it just keeps
// timers firing.
func runLoop(loop *netloop.Loop) {
	for {
		loop.RunReady()
		time.Sleep(10 * time.Millisecond)
	}
}

// parseAddr decodes a dotted-quad IPv4 literal from the configuration
// document. This module has no other use for "net"'s socket-level types,
// so fmt.Sscanf covers the one bit of address-literal parsing it needs.
func parseAddr(s string) tcpip.Address {
	var a tcpip.Address
	var p0, p1, p2, p3 int
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &p0, &p1, &p2, &p3)
	if err != nil || n != 4 {
		return a
	}
	a[0], a[1], a[2], a[3] = byte(p0), byte(p1), byte(p2), byte(p3)
	return a
}
