// Package coordinator implements the central registry of the traffic-light
// simulation: it records node heartbeats, owns the connection graph, and relays
// failure and revival notices from a node to the nodes connected to it.
//
// # Overview
//
// Nodes call the coordinator; the coordinator calls nodes back only through
// the Peer interface and only for neighbor status updates:
//
//	┌────────┐ heartbeat / failure / revival ┌───────────────┐
//	│ Node A │ ─────────────────────────────▶│  Coordinator  │
//	└────────┘                               │               │
//	                                         │  heartbeats   │
//	┌────────┐  UpdateNeighborStatus(A, …)   │  graph        │
//	│ Node B │ ◀─────────────────────────────│  dispatch     │
//	└────────┘                               └───────────────┘
//
// # Core Components
//
// Heartbeat registry: node id → time of last heartbeat
//   - Overwritten on every heartbeat; entries are never removed
//   - Read by the API for liveness display and by the HeartbeatMonitor
//
// Connection graph: undirected adjacency between node ids
//   - RegisterConnection is idempotent and symmetric
//   - Self-loops are ignored
//
// Dispatch table: node id → Peer, replaced wholesale by SetNodes
//   - Used only to deliver notices; the coordinator owns no node
//   - Neighbors missing from the table are skipped without error
//
// HeartbeatMonitor: periodic scan of the registry
//   - Reports every stale node on each scan, and once when it resumes
//   - Never turns staleness into a failure
//
// # Concurrency
//
// All state sits behind one RWMutex. Dispatch copies the targets under the
// read lock and calls them after releasing it, so a Peer may call back into
// the coordinator without deadlocking.
//
// # Usage Example
//
//	coord := coordinator.New(broker, coordinator.WithLogger(log))
//	coord.Start(ctx)
//	defer coord.Stop()
//
//	coord.RegisterConnection("Node1", "Node2")
//	coord.SetNodes(map[string]coordinator.Peer{"Node1": n1, "Node2": n2})
//	coord.NotifyFailure("Node1") // Node2 learns Node1 is down
package coordinator
