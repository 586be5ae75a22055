package plb

import (
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
)

// PassKey uniquely identifies a reproducible pass over a scenario.
// Two self-checks with the same PassKey and scenario draw identical movements.
type PassKey int64

// SubsystemDecisions drives the accept-or-discard choice of self-check probes.
// Uses the master seed directly so --seed values map one to one.
const SubsystemDecisions = "decisions"

// SubsystemDomain returns the movement subsystem name for service domain N,
// so concurrent domains draw from independent streams.
func SubsystemDomain(id int) string {
	return fmt.Sprintf("domain_%d", id)
}

// PartitionedRNG hands out one random stream per consumer of a pass:
// the self-check's accept decisions, and the movement generator of each
// service domain. Domain streams are keyed by name rather than by draw order,
// so adding a domain or reordering goroutines never shifts another domain's
// movements. Streams are created lazily and cached; take them all before
// fanning out because the cache is not guarded.
type PartitionedRNG struct {
	key     PassKey
	streams map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a PassKey.
func NewPartitionedRNG(key PassKey) *PartitionedRNG {
	return &PartitionedRNG{key: key, streams: make(map[string]*rand.Rand)}
}

// ForSubsystem returns the stream for name, creating it on first use.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	rng, ok := p.streams[name]
	if !ok {
		rng = rand.New(rand.NewSource(p.seedFor(name)))
		p.streams[name] = rng
	}
	return rng
}

// seedFor keeps the decisions stream on the bare key and mixes a hash of the
// name into every other stream's seed.
func (p *PartitionedRNG) seedFor(name string) int64 {
	if name == SubsystemDecisions {
		return int64(p.key)
	}
	h := fnv.New64a()
	_, _ = io.WriteString(h, name)
	return int64(p.key) ^ int64(h.Sum64())
}

// Key returns the PassKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() PassKey { return p.key }
