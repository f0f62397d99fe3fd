package stream

import (
	"context"
	"log"
)

// Flusher checkpoints accumulated content to the primary datastore on a
// fixed chunk-count cadence. A failed checkpoint is logged and retried
// at the next cadence point; every write is a full replacement, so
// repeats are harmless.
type Flusher struct {
	store MessageStore
	every int

	deltasSinceFlush int
}

func NewFlusher(store MessageStore, every int) *Flusher {
	if every <= 0 {
		every = 20
	}
	return &Flusher{store: store, every: every}
}

// OnDelta is called once per relayed delta. It checkpoints when the
// cadence is due.
func (f *Flusher) OnDelta(ctx context.Context, messageID, content string, reasoning *string) {
	f.deltasSinceFlush++
	if f.deltasSinceFlush < f.every {
		return
	}
	if err := f.store.CheckpointMessage(ctx, messageID, content, reasoning); err != nil {
		// keep counting so the next delta retries immediately
		log.Printf("[flusher] checkpoint failed message=%s err=%v", messageID, err)
		f.deltasSinceFlush = f.every
		return
	}
	f.deltasSinceFlush = 0
}

// Complete is the terminal commit for a normally finished stream.
func (f *Flusher) Complete(ctx context.Context, messageID, content string, reasoning *string, thinkingTimeMs *int64) {
	if err := f.store.CompleteMessage(ctx, messageID, content, reasoning, thinkingTimeMs); err != nil {
		log.Printf("[flusher] terminal commit failed message=%s err=%v", messageID, err)
	}
}

// Interrupt is the terminal commit for a cancelled or failed stream.
// Partial content is preserved.
func (f *Flusher) Interrupt(ctx context.Context, messageID, partialContent string, reasoning *string) {
	if err := f.store.MarkInterrupted(ctx, messageID, partialContent, reasoning); err != nil {
		log.Printf("[flusher] interrupt commit failed message=%s err=%v", messageID, err)
	}
}
