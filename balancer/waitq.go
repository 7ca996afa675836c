package balancer

import "github.com/ustack/tcplb/tcpip/transport/tcp"

// waitingClient is one client accepted but not yet paired with an upstream
// connection: its buffered bytes (bounded by maxReadQPerNode, the
// bufferbloat guard) ride along until a backend becomes available (spec.md
// §4.7).
type waitingClient struct {
	client *tcp.Connection
	buf    []byte
}
