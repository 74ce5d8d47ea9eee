package model

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/xiaot623/aiva/internal/domain"
)

// CallObserver is notified once per backend attempt.
type CallObserver func(backend, result string)

// Retrier gives transient backend failures one more attempt after a backoff.
type Retrier struct {
	next     Adapter
	base     time.Duration
	maxDelay time.Duration
	log      *zap.Logger
	observe  CallObserver
}

// NewRetrier wraps next. RetryAfter hints from rate limited responses are
// honored up to maxDelay.
func NewRetrier(next Adapter, base, maxDelay time.Duration, log *zap.Logger, observe CallObserver) *Retrier {
	if log == nil {
		log = zap.NewNop()
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &Retrier{next: next, base: base, maxDelay: maxDelay, log: log, observe: observe}
}

var _ Adapter = (*Retrier)(nil)

func (r *Retrier) Name() string               { return r.next.Name() }
func (r *Retrier) Capabilities() Capabilities { return r.next.Capabilities() }

// Generate calls the wrapped backend, retrying once on BackendUnavailable or
// BackendRateLimited. An attempt that already streamed text is never retried.
func (r *Retrier) Generate(ctx context.Context, req *Request) (*Response, error) {
	var hint time.Duration
	exponential := retry.WithCappedDuration(r.maxDelay, retry.NewExponential(r.base))
	limited := retry.WithMaxRetries(1, retry.WithJitter(r.base/4+time.Millisecond, exponential))
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := limited.Next()
		if stop {
			return 0, true
		}
		if hint > d {
			d = min(hint, r.maxDelay)
		}
		return d, false
	})

	attempt := 0
	var response *Response
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		emitted := false
		call := *req
		if req.OnDelta != nil {
			call.OnDelta = func(delta string) error {
				emitted = true
				return req.OnDelta(delta)
			}
		}

		resp, callErr := r.next.Generate(ctx, &call)
		if callErr != nil {
			kind := domain.KindOf(callErr)
			r.record(string(kind))
			if domain.IsTransient(callErr) && !emitted {
				hint = domain.RetryAfterOf(callErr)
				r.log.Warn("model call failed, retrying",
					zap.String("backend", r.next.Name()),
					zap.Int("attempt", attempt),
					zap.String("kind", string(kind)),
					zap.Error(callErr))
				return retry.RetryableError(callErr)
			}
			return callErr
		}
		r.record("ok")
		response = resp
		return nil
	})
	if err != nil {
		// retry.Do returns bare context errors when cancelled between attempts.
		return nil, classifyTransport(r.next.Name()+".generate", err)
	}
	return response, nil
}

func (r *Retrier) record(result string) {
	if r.observe != nil {
		r.observe(r.next.Name(), result)
	}
}
