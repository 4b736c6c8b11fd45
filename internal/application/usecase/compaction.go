package usecase

import (
	"context"
	"fmt"

	domaincontext "github.com/jimiagent/jimi/internal/domain/context"
	"go.uber.org/zap"
)

// CompactKeepRecentMessages is the size of the verbatim tail kept below the
// synthetic summary message when the Context Store collapses (spec.md §8
// Scenario S5: "tail of 2 latest user/assistant turns preserved").
const CompactKeepRecentMessages = 4

// MemoryFlusher persists a fact extracted from history about to be
// collapsed, so it survives compaction in durable form elsewhere (e.g. a
// vector memory store) even though the raw messages themselves don't.
type MemoryFlusher interface {
	FlushToMemory(ctx context.Context, content string, metadata map[string]interface{}) error
}

// Compactor implements service.ContextCompactor (dependency inversion: the
// interface lives in the domain layer, this concrete type is injected into
// the Step Engine via SetCompactor). Where the AgentLoop's own in-run
// compaction only ever touched the ephemeral message slice sent to the LLM,
// Compactor performs the durable counterpart — it collapses the Context
// Store itself once AgentLoop hands it a summary worth persisting.
type Compactor struct {
	memoryFlusher MemoryFlusher
	logger        *zap.Logger
}

// NewCompactor creates a Compactor.
func NewCompactor(logger *zap.Logger) *Compactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{logger: logger}
}

// SetMemoryFlusher optionally wires a flusher that receives the dropped
// assistant messages just before they're discarded.
func (c *Compactor) SetMemoryFlusher(flusher MemoryFlusher) {
	c.memoryFlusher = flusher
}

// Apply collapses store's durable history down to a synthetic summary
// message plus the most recent CompactKeepRecentMessages messages, via
// Store.Compact — the checkpoint-revert-style reset spec.md §8 Scenario S5
// names: post-compaction history begins with the summary, keeps the recent
// tail, and checkpoint 0 is re-established over the collapsed state.
func (c *Compactor) Apply(ctx context.Context, store *domaincontext.Store, summary string) error {
	history := store.History()
	if len(history) <= CompactKeepRecentMessages {
		c.logger.Debug("compaction skipped, history already short",
			zap.Int("messages", len(history)),
		)
		return nil
	}

	dropped := history[:len(history)-CompactKeepRecentMessages]
	tail := history[len(history)-CompactKeepRecentMessages:]

	if c.memoryFlusher != nil {
		c.preFlushToMemory(ctx, dropped)
	}

	summaryMsg := domaincontext.Message{Role: domaincontext.RoleAssistant, Content: summary}
	ordinal, err := store.Compact(summaryMsg, tail)
	if err != nil {
		return fmt.Errorf("compact context store: %w", err)
	}

	c.logger.Info("context store compacted",
		zap.Int("checkpoint", ordinal),
		zap.Int("dropped", len(dropped)),
		zap.Int("kept_tail", len(tail)),
	)
	return nil
}

// preFlushToMemory hands assistant messages about to be dropped to the
// memory flusher before Store.Compact discards them for good.
func (c *Compactor) preFlushToMemory(ctx context.Context, messages []domaincontext.Message) {
	flushed := 0
	for _, msg := range messages {
		if msg.Role != domaincontext.RoleAssistant {
			continue
		}
		text := msg.Content
		if len(text) < 50 {
			continue
		}
		if len(text) > 2000 {
			text = text[:2000]
		}

		metadata := map[string]interface{}{"source": "compaction_flush"}
		if err := c.memoryFlusher.FlushToMemory(ctx, text, metadata); err != nil {
			c.logger.Warn("failed to flush message to memory", zap.Error(err))
			continue
		}
		flushed++
	}

	if flushed > 0 {
		c.logger.Info("pre-compaction memory flush complete", zap.Int("flushed_count", flushed))
	}
}
