// Package heartbeat provides agent liveness signalling and observation.
//
// # Overview
//
// Every long-running plasma process (router, agent workers, standalone
// emitters) periodically publishes {agent, status:"alive", timestamp} on
// plasma_heartbeats. The Monitor keeps the latest timestamp per agent and
// classifies each as ONLINE or STALE against a threshold.
//
// # Architecture
//
//	┌─────────────┐    plasma_heartbeats    ┌─────────────┐
//	│   Sender    │ ──────────────────────> │   Monitor   │
//	│  (worker)   │                         │  (observer) │
//	└─────────────┘                         └─────────────┘
//
// # Usage
//
// Sending heartbeats:
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Bus:      b,
//	    Agent:    "router",
//	    Interval: time.Second,
//	    Store:    store,
//	    StateKey: state.KeyBrokerHeartbeat,
//	})
//	sender.Start(ctx)
//
// Workers call Beat once per tick instead of Start.
//
// Monitoring:
//
//	monitor, _ := heartbeat.NewMonitor(heartbeat.MonitorConfig{
//	    Bus:        b,
//	    StaleAfter: 30 * time.Second,
//	})
//	monitor.OnStale(func(agent string, age time.Duration) {
//	    log.Printf("%s stale for %s", agent, age)
//	})
//	monitor.Start(ctx)
//
// Ages are measured against the sender's timestamp, so sender and monitor
// clocks should be roughly in sync.
package heartbeat
