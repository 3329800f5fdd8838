// Package registry records which agents exist, for routing decisions.
//
// An agent registration binds a target name to the completion capability
// behind it. Workers register themselves at start; the router also learns
// agents from their heartbeats via Observe. With strict routing enabled the
// router consults Known before forwarding a task.
//
// # Available Implementations
//
//   - MemoryRegistry: in-process, for tests and single-node use
//   - StoreRegistry: on a state.StateStore, shared by every process using
//     the same Redis or NATS KV
//
// # Basic Usage
//
//	reg := registry.NewMemoryRegistry(registry.MemoryConfig{TTL: 30 * time.Second})
//	reg.Register(registry.AgentInfo{Name: "grok", Provider: "xai", Static: true})
//	if registry.Known(reg, "grok") {
//	    // forward
//	}
//
// Entries marked Static (configured agents) never expire; the rest are
// forgotten after TTL without a heartbeat.
package registry
