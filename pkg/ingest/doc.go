// Package ingest drives the resumable ingestion pipeline: a state machine
// (Idle, Resuming, Streaming, Paused, Draining) that pages through channel
// history from the last committed checkpoint, feeds messages into batched
// storage commits, and dispatches attachment downloads to a bounded worker
// pool.
//
// The checkpoint never advances past a message not yet durably committed.
// Rate-limit signals pause the loop without advancing the pagination cursor,
// and a stop request is honored cooperatively at iteration boundaries after
// the in-flight batch is flushed.
package ingest
