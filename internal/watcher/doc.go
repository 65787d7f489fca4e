// Package watcher watches resource directories and turns bursts of
// filesystem events into one change set per resource.
//
// With Debounce on, every accepted event restarts the resource's timer and
// the change set is emitted once the directory has been quiet for
// DebounceDelay. With only Batch on, events are collected for a fixed
// BatchDelay window. With both off, every event is emitted on its own.
// Events for the same path collapse; the last one wins.
//
// Emitting a change set drops the resource's file_tree, file_content,
// git_status and repo cache entries and broadcasts the change to the
// "repo:<resource>" room.
package watcher
