package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates predictable order ids ("order-1", "order-2", ...).
//
// This keeps engine tests deterministic where production code uses UUIDv7.
//
// Thread-safety: SequentialIDs is safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix means "order".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "order"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
