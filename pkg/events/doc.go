// Package events defines the typed payloads that flow through the broadcaster.
//
// Every variant implements Event and is identified on the wire by its Kind:
//
//	{
//	  "event": "file_change_batch",
//	  "data":  { "resource": "repo-1", "changes": [ ... ] }
//	}
//
// Marshal wraps an Event in an Envelope; Unmarshal restores the concrete
// variant. BatchUpdate nests one envelope per queued event so a client can
// decode batched and unbatched deliveries with the same code path.
package events
