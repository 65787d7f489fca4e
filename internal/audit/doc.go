// Package audit records what the engine did on behalf of callers.
//
// Recorder is the one-way sink the coordinator writes to. LogRecorder only
// logs. Sink buffers records (dropping the oldest when full) and posts each
// one to slack or generic http webhooks from its Run loop, rate limited and
// retried with jittered exponential backoff. Client errors other than 429
// are not retried. Recording never blocks or fails the caller.
package audit
