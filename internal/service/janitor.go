package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const janitorBatch = 100

// RunJanitor evicts conversations idle longer than the retention until ctx
// is done. Conversations with queued or running turns are skipped.
func (s *Service) RunJanitor(ctx context.Context) {
	if s.opts.IdleRetention <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepIdle(ctx)
		}
	}
}

// sweepIdle runs one eviction pass and returns how many conversations went.
func (s *Service) sweepIdle(ctx context.Context) int {
	sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cutoff := s.now().Add(-s.opts.IdleRetention)
	ids, err := s.store.ListIdleConversations(sweepCtx, cutoff, janitorBatch)
	if err != nil {
		s.log.Warn("idle sweep failed", zap.Error(err))
		return 0
	}

	evicted := 0
	for _, id := range ids {
		if !s.lanes.tryAcquire(id) {
			continue
		}
		err := s.store.DeleteConversation(sweepCtx, id)
		s.lanes.release(id)
		if err != nil {
			s.log.Warn("failed to evict conversation", zap.String("conversation_id", id), zap.Error(err))
			continue
		}
		evicted++
		s.opts.Metrics.ConversationEvicted()
	}
	if evicted > 0 {
		s.log.Info("evicted idle conversations", zap.Int("count", evicted))
	}
	return evicted
}
