package message

import (
	"strconv"
	"sync/atomic"
)

// IDGenerator hands out request identifiers for sub and method messages.
// Identifiers are a monotonic counter, so they never collide for the lifetime
// of the generator.
type IDGenerator struct {
	prefix string
	n      atomic.Uint64
}

// NewIDGenerator returns a generator whose identifiers start with prefix.
func NewIDGenerator(prefix string) *IDGenerator {
	return &IDGenerator{prefix: prefix}
}

// Next returns a fresh identifier.
func (g *IDGenerator) Next() string {
	return g.prefix + strconv.FormatUint(g.n.Add(1), 10)
}
