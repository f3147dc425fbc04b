// Package syncd runs the incremental sync loop between the live
// chat.db and the destination analytics database.
//
// The Syncer ties the other components together: the change detector
// signals that the source moved, the extractor reads bounded batches
// past each stream's watermark, the stream's transformer loads them,
// and the watermark store records progress. Cycles are serialized on a
// single goroutine; triggers that arrive while a cycle runs coalesce
// into at most one follow-up cycle.
//
// A cycle walks the streams in dependency order (messages before
// attachments, so attachment rows never reference a message that has
// not been loaded yet) and drains each stream's backlog in full
// batches. The watermark for a batch is committed only after its
// transformer succeeds, which makes delivery at-least-once: a batch
// whose commit failed is re-extracted with identical boundaries on the
// next cycle, and the transformers are idempotent under that
// redelivery.
//
// Errors never stop the loop. A failed cycle leaves the watermark
// where it was and the next trigger (or the fallback tick) retries.
package syncd
