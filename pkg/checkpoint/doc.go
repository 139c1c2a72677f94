// Package checkpoint provides durable resume markers for channel ingestion.
//
// A checkpoint stores the identifier of the last message whose containing
// batch was durably committed, together with a generation counter. It is
// written atomically (temp file, fsync, rename) so that a crash at any point
// leaves either the old or the new value on disk, never a torn file.
//
// Checkpoints are read at the start of every run and advanced only after a
// successful batch commit. An un-advanced checkpoint is always safe: at
// worst the next run re-fetches a window of messages, which storage-level
// deduplication makes harmless.
package checkpoint
