package federation

import (
	"fmt"
	"sync"
)

// Network connects servers in-process.
//
// Thread-safety: All methods are safe for concurrent use.
type Network struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	partitions map[[2]string]bool
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		handlers:   make(map[string]Handler),
		partitions: make(map[[2]string]bool),
	}
}

// Register attaches a server's handler, replacing any previous one.
func (n *Network) Register(server string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[server] = h
}

// Partition cuts traffic between a and b in both directions.
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions[pairKey(a, b)] = true
}

// Heal restores traffic between a and b.
func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitions, pairKey(a, b))
}

// HealAll removes every partition.
func (n *Network) HealAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.partitions)
}

// Reachable reports whether from can currently talk to to.
func (n *Network) Reachable(from, to string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.handlers[to]
	return ok && !n.partitions[pairKey(from, to)]
}

// route returns the handler for to as seen from from.
func (n *Network) route(from, to string) (Handler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[to]
	if !ok {
		return nil, fmt.Errorf("%s: unknown server: %w", to, ErrUnreachable)
	}
	if n.partitions[pairKey(from, to)] {
		return nil, fmt.Errorf("%s -> %s: partitioned: %w", from, to, ErrUnreachable)
	}
	return h, nil
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}
