// Package store is the durable storage layer: a SQLite message store with
// batched transactional writes, and an atomic file store for downloaded
// media.
//
// Message writes use INSERT OR IGNORE keyed by (channel, message_id), so
// re-ingesting a window of messages after a crash produces no duplicate
// rows. A batch is committed in full or not at all.
package store
