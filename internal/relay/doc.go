// Package relay provides broadcast transports that forward deliveries beyond
// this process: Redis queues each event and publishes it from a background
// worker on a per-connection pub/sub channel, and Fanout combines several
// transports.
package relay
