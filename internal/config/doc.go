// Package config loads and watches the engine configuration file
// (config.yaml).
//
// Every component has its own section: log, cache, loader, watcher,
// broadcaster, monitor, query_stats, coordinator, audit, server, redis,
// tracing and sentry. Secrets are never stored in the file; *_env fields
// name the environment variable holding them and accessor methods (Key,
// URL, Password, DSN) resolve them.
//
// Load(path) applies defaults, unmarshals the YAML over them and validates.
// Watch(ctx, path, onChange) reloads on every write and hands the new
// Config to onChange; invalid edits are logged and ignored.
package config
