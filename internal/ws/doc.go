// Package ws implements the WebSocket transport for the broadcaster.
//
// Hub.ServeHTTP admits a consumer into the broadcaster (query parameters
// consumer_id, role, client), upgrades the request and keeps one socket per
// connection id. Hub.Deliver, the broadcast.Transport method, encodes an
// event with events.Marshal and queues it on the socket; a socket whose
// buffer is full is dropped. Pong frames and client messages refresh the
// connection's activity. Hub.Run(ctx) closes every socket on shutdown.
//
// Message format sent to clients:
//
//	{
//	  "event": "task_update",
//	  "data":  { "task_id": "t-1", "status": "done", ... }
//	}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The endpoint is mounted at /ws/stream by the server.
package ws
