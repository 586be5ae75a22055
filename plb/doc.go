// Package plb provides the incremental placement-accounting core of the
// cluster resource manager.
//
// # Reading Guide
//
// Start with these three files to understand the core:
//   - arena.go: the read-only entity graph for one scheduling pass (nodes,
//     applications, services, partitions, replicas) addressed by integer handles
//   - load.go: LoadEntry, the per-metric load vector every aggregate uses
//   - movement.go: Movement, the single-step relocation value every tracker consumes
//
// # Architecture
//
// The plb package defines the entity graph and value types; the stateful
// parts live in sub-packages:
//   - plb/cow/: CopyOnWriteMap, the overlay/base container behind every tracker
//   - plb/tracker/: per-dimension trackers (placement, domain trees, loads,
//     replica counts, reservations, in-build throttling) and TempState, which
//     bundles them for one candidate state
//   - plb/scenario/: YAML scenario files that stand in for the entity-graph builder
//   - plb/pass/: replay of movement scripts, including concurrent execution of
//     independent service domains
//   - plb/trace/: probe/accept decision records
//   - plb/report/: read-only summaries over a tracker state
//
// # Key Contract
//
// Every tracker implements ChangeMovement(old, new): undo the previously tried
// movement (possibly Invalid) and apply the candidate (possibly Invalid). A
// search loop opens an overlay with Derive, probes candidates through it, and
// either keeps the overlay as the next base or drops it. Overlays never write
// into their base, so a promoted base may be read from several goroutines.
package plb
