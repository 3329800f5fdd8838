// Package bus provides message bus clients for plasma components.
//
// # Overview
//
// Every plasma component talks over a broadcast bus with these topics:
//
//	plasma_inbox            client -> router
//	plasma_tasks:<agent>    router -> worker
//	plasma_results          worker -> every client
//	plasma_heartbeats       every component -> monitor
//	plasma_capacity         worker -> worker (provider rate limits)
//
// Delivery is at-most-once. A message published while nobody is
// subscribed is lost, and a subscriber whose buffer is full misses
// messages rather than stalling the publisher.
//
// # Available Implementations
//
//   - RedisBus: Redis Pub/Sub, wire-compatible with existing deployments
//   - NATSBus: NATS core, with queue groups for competing workers
//   - MemoryBus: In-memory implementation for testing and single-process use
//
// Open picks a backend from configuration and retries the initial
// connection with exponential backoff.
//
// # Patterns
//
// Pub/Sub - broadcast to all subscribers:
//
//	b.Publish(bus.TopicResults, data)
//	sub, _ := b.Subscribe(bus.TopicResults)
//	for msg := range sub.Messages() {
//	    // Handle message
//	}
//
// Queue Groups - load balanced across workers:
//
//	sub, _ := b.QueueSubscribe(bus.TaskTopic("grok"), "grok")
//	// Only one worker in the group receives each message
package bus
