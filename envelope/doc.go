// Package envelope defines the wire schema for every message that crosses
// the plasma bus, and validates raw bytes against it.
//
// Three variants travel on the bus:
//
//	task       {"task_id", "target", "prompt", "params": {"max_tokens"}}
//	result     {"task_id", "agent", "result" | "error"}
//	heartbeat  {"agent", "status": "alive", "timestamp"}
//
// Fields the core inspects are typed. Every other field is kept in Extra
// and written back unchanged, so provider-specific data survives a hop.
//
// Validation comes in two strengths. Relaxed is the canonical shape at the
// bus boundary and is what the router applies to the inbox. Strict demands
// the full six-field envelope (type, task_id, source, target, payload,
// timestamp) and is available for internal traffic checks.
package envelope
