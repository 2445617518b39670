package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/hession/mnemo/internal/metrics"
)

// retrieveContext races memory lookup against the context timeout. Whichever
// finishes first wins; a late lookup is cancelled and its result discarded.
func (o *Orchestrator) retrieveContext(ctx context.Context, query string, excludeOwnerID int64) string {
	if o.memory == nil {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.ContextTimeout)
	defer cancel()

	result := make(chan string, 1)
	go func() {
		result <- o.memory.GetRelevantContext(ctx, query, excludeOwnerID)
	}()

	select {
	case block := <-result:
		if block == "" {
			o.metrics.RecordContextRetrieval(metrics.RetrievalEmpty)
		} else {
			o.metrics.RecordContextRetrieval(metrics.RetrievalHit)
		}
		return block
	case <-ctx.Done():
		o.metrics.RecordContextRetrieval(metrics.RetrievalTimeout)
		o.logger.Debug("memory context not ready, continuing without it",
			zap.Duration("timeout", o.cfg.ContextTimeout))
		return ""
	}
}

// extractDetached stores facts from the user's message in the background.
// It outlives the turn: cancelling the turn does not stop it.
func (o *Orchestrator) extractDetached(ctx context.Context, utterance string, ownerID, sourceMessageID int64) {
	ctx = context.WithoutCancel(ctx)

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()

		n, err := o.memory.ExtractAndStore(ctx, utterance, ownerID, sourceMessageID)
		if err != nil {
			o.logger.Warn("memory extraction failed",
				zap.Int64("conversation_id", ownerID), zap.Error(err))
			return
		}
		if n > 0 {
			o.logger.Debug("memories extracted",
				zap.Int64("conversation_id", ownerID), zap.Int("count", n))
		}
	}()
}
