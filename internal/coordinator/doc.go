// Package coordinator is the composition root of the engine.
//
// New builds the cache, loader, broadcaster, watcher, query stats source,
// audit recorder and monitor from one config.Config and wires them
// together: the watcher invalidates the cache and publishes through the
// broadcaster, and every monitor sample is forwarded to the health reporter
// and broadcast to the system_status room.
//
// OptimizeOperation wraps an upstream call. The result is served from the
// cache or computed once for all concurrent callers; afterwards the
// coordinator plans the operation's side effects (query timing, an
// OperationComplete broadcast, an audit record) and executes them. Side
// effects never change the caller's result.
package coordinator
