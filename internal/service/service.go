// Package service coordinates turns: it serializes them per conversation,
// bounds them in time and concurrency, and dispatches slash commands.
package service

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xiaot623/aiva/internal/adapter/model"
	"github.com/xiaot623/aiva/internal/capability"
	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/metrics"
	"github.com/xiaot623/aiva/internal/repository"
	"github.com/xiaot623/aiva/internal/router"
	"github.com/xiaot623/aiva/internal/session"
	"github.com/xiaot623/aiva/internal/tools"
)

// ErrInvalidEvent is returned by Submit for events that cannot start a turn.
var ErrInvalidEvent = errors.New("invalid inbound event")

// abortGrace is how long a turn past its deadline may take to conclude itself.
const abortGrace = 250 * time.Millisecond

// Options configures a Service.
type Options struct {
	TurnTimeout        time.Duration
	MaxConcurrentTurns int64
	IdleRetention      time.Duration
	JanitorInterval    time.Duration
	Metrics            *metrics.Metrics
	Logger             *zap.Logger
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store    repository.Store
	Sessions *session.Manager
	Router   *router.Router
	Backends *model.Registry
	Tools    *tools.Registry
	Grants   *capability.Grants
	// Budget bounds the windows reported by ContextWindow.
	Budget session.Budget
}

// Service is the execution coordinator.
type Service struct {
	store    repository.Store
	sessions *session.Manager
	router   *router.Router
	backends *model.Registry
	tools    *tools.Registry
	grants   *capability.Grants
	budget   session.Budget

	lanes *lanes
	slots *semaphore.Weighted
	opts  Options
	log   *zap.Logger
	now   func() time.Time
}

// New creates a coordinator.
func New(deps Deps, opts Options) *Service {
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 90 * time.Second
	}
	if opts.MaxConcurrentTurns <= 0 {
		opts.MaxConcurrentTurns = 16
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		store:    deps.Store,
		sessions: deps.Sessions,
		router:   deps.Router,
		backends: deps.Backends,
		tools:    deps.Tools,
		grants:   deps.Grants,
		budget:   deps.Budget,
		lanes:    newLanes(),
		slots:    semaphore.NewWeighted(opts.MaxConcurrentTurns),
		opts:     opts,
		log:      opts.Logger,
		now:      time.Now,
	}
}

type submitConfig struct {
	onDelta model.DeltaFunc
}

// SubmitOption customizes one Submit call.
type SubmitOption func(*submitConfig)

// WithDeltas streams partial assistant output to fn.
func WithDeltas(fn model.DeltaFunc) SubmitOption {
	return func(c *submitConfig) { c.onDelta = fn }
}

// Submit handles one inbound event and returns once its turn has concluded.
// Only malformed events produce an error; every other failure is reported as
// the final assistant message of the result.
func (s *Service) Submit(ctx context.Context, ev domain.InboundEvent, opts ...SubmitOption) (*domain.TurnResult, error) {
	ev.ConversationID = strings.TrimSpace(ev.ConversationID)
	if ev.ConversationID == "" {
		return nil, errors.Join(ErrInvalidEvent, errors.New("conversation_id is required"))
	}
	var cfg submitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	start := s.now()
	log := s.log.With(zap.String("conversation_id", ev.ConversationID), zap.String("channel", ev.Channel))

	s.opts.Metrics.TurnQueued(1)
	err := s.lanes.acquire(ctx, ev.ConversationID)
	if err == nil {
		if err = s.slots.Acquire(ctx, 1); err != nil {
			s.lanes.release(ev.ConversationID)
		}
	}
	s.opts.Metrics.TurnQueued(-1)
	if err != nil {
		log.Info("turn cancelled while queued", zap.Error(err))
		return s.unstored(ev, domain.TurnOutcomeRejected, "Request cancelled before it started.", start), nil
	}
	defer s.lanes.release(ev.ConversationID)
	defer s.slots.Release(1)

	if p, ok := s.store.(repository.Pinner); ok {
		p.Pin(ev.ConversationID)
		defer p.Unpin(ev.ConversationID)
	}

	s.opts.Metrics.TurnActive(1)
	defer s.opts.Metrics.TurnActive(-1)

	result := s.handle(ctx, ev, cfg, log)
	result.Duration = s.now().Sub(start)
	s.opts.Metrics.TurnFinished(string(result.Outcome), result.Duration)
	log.Info("turn finished",
		zap.String("turn_id", result.TurnID),
		zap.String("outcome", string(result.Outcome)),
		zap.String("error_kind", string(result.ErrorKind)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (s *Service) handle(ctx context.Context, ev domain.InboundEvent, cfg submitConfig, log *zap.Logger) *domain.TurnResult {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return s.unstored(ev, domain.TurnOutcomeRejected, "Empty message", s.now())
	}
	if strings.HasPrefix(text, "/") {
		return s.command(ctx, ev, text)
	}

	if _, err := s.sessions.Open(ctx, ev.ConversationID, ev.Channel); err != nil {
		log.Error("failed to open conversation", zap.Error(err))
		res := s.unstored(ev, domain.TurnOutcomeFault, "Generation failed", s.now())
		res.ErrorKind = domain.KindInternal
		return res
	}

	turn := router.NewTurn(ev.ConversationID, text)
	turn.OnDelta = cfg.onDelta
	res := s.run(ctx, turn, log)
	return &domain.TurnResult{
		ConversationID: ev.ConversationID,
		TurnID:         turn.TurnID,
		Messages:       turn.Messages(),
		Outcome:        res.Outcome,
		ErrorKind:      res.ErrorKind,
	}
}

// run executes the turn under its deadline. A router that does not conclude
// shortly after the deadline is aborted, so the lane is never held past it.
func (s *Service) run(ctx context.Context, turn *router.Turn, log *zap.Logger) router.Result {
	turnCtx, cancel := context.WithTimeout(ctx, s.opts.TurnTimeout)
	defer cancel()

	done := make(chan router.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("turn panicked",
					zap.String("turn_id", turn.TurnID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				done <- s.router.Fault(turnCtx, turn)
			}
		}()
		done <- s.router.Run(turnCtx, turn)
	}()

	select {
	case res := <-done:
		return res
	case <-turnCtx.Done():
	}

	grace := time.NewTimer(abortGrace)
	defer grace.Stop()
	select {
	case res := <-done:
		return res
	case <-grace.C:
		log.Warn("turn did not stop at its deadline; aborting", zap.String("turn_id", turn.TurnID))
		return s.router.Abort(turnCtx, turn)
	}
}

// unstored builds a result whose reply is not part of the history.
func (s *Service) unstored(ev domain.InboundEvent, outcome domain.TurnOutcome, reply string, at time.Time) *domain.TurnResult {
	return &domain.TurnResult{
		ConversationID: ev.ConversationID,
		Messages: []domain.Message{{
			ConversationID: ev.ConversationID,
			Role:           domain.RoleAssistant,
			Content:        reply,
			CreatedAt:      at.UTC(),
		}},
		Outcome: outcome,
	}
}
