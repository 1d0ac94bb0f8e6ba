// Package cluster defines the shared vocabulary of the traffic-light network:
// the phase enum, the read-only snapshots handed to dashboards, and the small
// JSON-over-HTTP helpers used by the command line client.
//
// # Overview
//
// Every other package speaks in terms of the types declared here. The node
// state machine drives a Phase, the simulation context renders NodeSnapshot
// and HeartbeatStatus values, and the HTTP API serialises them unchanged.
// Keeping them in one leaf package avoids import cycles between the node
// and coordinator packages, which reference each other only via interfaces.
//
// # Phase Cycle
//
// A traffic light cycles strictly through three phases:
//
//	RED ──► GREEN ──► YELLOW ──► RED ──► ...
//
// Phase.Next encodes the cycle. There is no way to request an arbitrary
// phase from outside; the node's own timer is the only driver.
//
// # Snapshots
//
// NodeSnapshot carries everything a renderer needs to paint a light and a
// countdown:
//
//	{
//	  "id": "Node2",
//	  "phase": "GREEN",
//	  "last_transition": "2024-05-01T10:00:03Z",
//	  "disabled": false,
//	  "red_duration_ms": 7500,
//	  "green_duration_ms": 15000,
//	  "yellow_duration_ms": 3000
//	}
//
// HeartbeatStatus separates a node that never reported (NeverReported) from
// one whose last heartbeat is merely old (AgeMs above a threshold). The
// threshold used for Stale is chosen by the consumer and is independent of
// the coordinator's own staleness threshold.
//
// # HTTP Helpers
//
// PostJSON, GetJSON and DeleteJSON wrap a shared http.Client with a 5s
// timeout. Non-2xx responses are turned into errors, including the server's
// ErrorResponse message when one is present.
//
//	var nodes []cluster.NodeSnapshot
//	if err := cluster.GetJSON(ctx, base+"/nodes", &nodes); err != nil {
//	    return err
//	}
//
// # See Also
//
//   - internal/node: the state machine producing snapshots
//   - internal/simulation: the context that aggregates snapshots
//   - cmd/trafficctl: the client built on these helpers
package cluster
