// Package state provides point-in-time key-value storage shared by plasma
// processes.
//
// The router records its liveness under KeyBrokerHeartbeat so that health
// checks can judge the broker without listening on the bus. Values are
// plain bytes; PutTime and GetTime encode timestamps as fractional unix
// seconds.
//
// # Backends
//
//   - RedisStore: Redis strings, sharing the bus connection
//   - NATSStore: NATS JetStream KV
//   - MemoryStore: in-memory, for tests and single-process use
//
// # Usage
//
//	b, _ := bus.NewRedisBus(ctx, bus.DefaultRedisConfig())
//	store := state.NewRedisStore(b.Client())
//
//	state.PutTime(store, state.KeyBrokerHeartbeat, time.Now(), 0)
//	last, err := state.GetTime(store, state.KeyBrokerHeartbeat)
package state
