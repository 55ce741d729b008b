package hw

import (
	"sync"

	"github.com/embeddedbus/ecan/internal/can"
)

// Node is anything attached to a Bus. Deliver hands the node a frame
// and reports whether the node acknowledged it at the link layer;
// acknowledgement is independent of acceptance filtering.
type Node interface {
	Deliver(m can.Message) bool
}

// Bus wires ECAN models together the way a twisted pair would. A frame
// transmitted by one node reaches every other node; the transmission
// succeeds if at least one of them acknowledges. SetDown simulates a
// severed or shorted bus.
type Bus struct {
	mu    sync.Mutex
	nodes []Node
	down  bool
}

// NewBus returns an empty bus.
func NewBus() *Bus { return &Bus{} }

// Attach adds a node to the bus.
func (b *Bus) Attach(n Node) {
	b.mu.Lock()
	b.nodes = append(b.nodes, n)
	b.mu.Unlock()
}

// Detach removes a node from the bus.
func (b *Bus) Detach(n Node) {
	b.mu.Lock()
	for i, x := range b.nodes {
		if x == n {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

// SetDown severs or restores the wire. While down no frame reaches any
// node and no transmission is acknowledged.
func (b *Bus) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// Transmit delivers m to every node except from and reports whether
// anyone acknowledged. Delivery runs without the bus lock held so that
// receivers may inspect the bus from their callbacks.
func (b *Bus) Transmit(from Node, m can.Message) bool {
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return false
	}
	peers := make([]Node, len(b.nodes))
	copy(peers, b.nodes)
	b.mu.Unlock()

	acked := false
	for _, n := range peers {
		if n == from {
			continue
		}
		if n.Deliver(m) {
			acked = true
		}
	}
	return acked
}
