// Package broadcast implements the pooled publish/subscribe broadcaster.
//
// Consumers are admitted with Connect(ctx, consumerID, role, client) into a
// capacity-bounded pool chosen by role (unknown roles share the "default"
// pool). Each connection joins "user:<consumerID>", "role:<role>" and the
// role's topic rooms on connect; further rooms are joined explicitly.
//
// Broadcast(rooms, event, batched) fans an event out:
//   - unbatched: delivered at once to the members present at call time
//   - batched: queued per room and flushed after BatchDelay as a single
//     events.BatchUpdate, in broadcast order, to the members present at
//     flush time
//
// Delivery goes through a Transport (see internal/ws and internal/relay).
// Failures are counted in Stats and logged; they never reach the caller.
// Run(ctx) disconnects idle connections every HeartbeatInterval and calls
// Stop on shutdown, which flushes pending batches.
package broadcast
