// Package cache provides a bounded in-memory key/value store with key-prefix
// TTL policies, least-recently-used eviction and a background expiry sweep.
package cache
