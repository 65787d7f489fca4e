// Package loader coalesces concurrent loads of the same key into a single
// upstream fetch and stores the result in the cache.
//
// Load(ctx, key, ttl, fetch) returns a cached value when one is live;
// otherwise it joins or starts the in-flight fetch for key. LoadPage layers
// pagination on top: page fetchers are registered per resource type, pages
// are cached under "<resource>:<params>:<page>", and resource types in the
// preload set fetch their next page in the background.
//
// CancelLoading releases every waiter of a key with ErrCancelled without
// interrupting the fetch itself; its result is then discarded.
package loader
