// Package cluster holds the wire types shared by the atlas coordinator, its
// workers and its peers, together with small JSON-over-HTTP helpers.
//
// # Topology
//
// Atlas is the hub of a set of cooperating daemons:
//
//	         peers (websocket, /ws/{name})
//	                    │
//	             ┌──────▼──────┐        ┌──────────────┐
//	             │    atlas    │───────▶│   storage    │
//	             │ coordinator │        │ kv/queue/log │
//	             └──────┬──────┘        └──────────────┘
//	                    │ POST /execute
//	      ┌─────────────┼─────────────┐
//	┌─────▼─────┐ ┌─────▼─────┐ ┌─────▼─────┐
//	│ worker 1  │ │ worker 2  │ │ worker 3  │
//	└───────────┘ └───────────┘ └───────────┘
//
// Workers register with the coordinator (RegisterRequest), report load through
// heartbeats (HeartbeatRequest) and execute tasks (ExecuteRequest /
// ExecuteResponse). Peers exchange Message values, delivered live as Delivery
// frames or persisted for later.
//
// # Helpers
//
// PostJSON and GetJSON use a shared client with a 5s timeout and are meant for
// control-plane calls (registration, heartbeats). Execute uses a client with no
// timeout of its own so that a task's deadline, carried by the context, is the
// single bound on the call.
//
// Non-2xx responses are reported as *StatusError so callers can tell transport
// failures from rejected requests.
package cluster
