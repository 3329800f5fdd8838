// Package tasks records which worker answered which task.
//
// The bus delivers a task to every subscriber of an agent topic. On
// backends without queue groups, several workers of one agent would all
// answer it. A worker that claims the task first in the shared state
// store is the only one that answers:
//
//	mgr := tasks.NewManager(store)
//
//	ok, err := mgr.Claim(ctx, task.TaskID, "grok", "grok-7f3a")
//	if err == nil && !ok {
//	    return // another grok worker has it
//	}
//	// ... complete ...
//	err = mgr.Complete(ctx, task.TaskID, "grok-7f3a", "")
//
// The same records back "plasma tasks", which shows task status.
//
// # Task Lifecycle
//
//	Claimed → Completed
//	        ↘ Failed
//
// Records expire after a TTL (24h by default) on backends that support
// per-key expiry.
package tasks
