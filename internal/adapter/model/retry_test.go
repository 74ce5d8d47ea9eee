package model

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/aiva/internal/domain"
)

type observed struct {
	mu      sync.Mutex
	results []string
}

func (o *observed) record(_, result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func TestRetrierRetriesRateLimitedOnce(t *testing.T) {
	limited := domain.E(domain.KindBackendRateLimited, "mock.generate", "slow down", nil)
	limited.RetryAfter = 5 * time.Millisecond
	backend := NewScripted("mock", Step{Err: limited}, Step{Text: "finally"})

	obs := &observed{}
	r := NewRetrier(backend, time.Millisecond, 20*time.Millisecond, nil, obs.record)
	resp, err := r.Generate(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	assert.Equal(t, "finally", resp.Text)
	assert.Equal(t, 2, backend.Calls())
	assert.Equal(t, []string{"backend_rate_limited", "ok"}, obs.results)
}

func TestRetrierGivesUpAfterOneRetry(t *testing.T) {
	down := domain.E(domain.KindBackendUnavailable, "mock.generate", "down", nil)
	backend := NewScripted("mock", Step{Err: down}, Step{Err: down}, Step{Text: "never"})

	r := NewRetrier(backend, time.Millisecond, 5*time.Millisecond, nil, nil)
	_, err := r.Generate(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Equal(t, 2, backend.Calls())
}

func TestRetrierDoesNotRetryPermanentFailures(t *testing.T) {
	for _, kind := range []domain.ErrorKind{
		domain.KindBackendAuthFailed,
		domain.KindBackendMalformedResponse,
		domain.KindBackendTimeout,
	} {
		t.Run(string(kind), func(t *testing.T) {
			backend := NewScripted("mock", Step{Err: domain.E(kind, "mock.generate", "", nil)}, Step{Text: "unused"})
			r := NewRetrier(backend, time.Millisecond, time.Millisecond, nil, nil)
			_, err := r.Generate(context.Background(), userRequest("hi"))
			assert.Equal(t, kind, domain.KindOf(err))
			assert.Equal(t, 1, backend.Calls())
		})
	}
}

// partialStream emits a delta and then fails.
type partialStream struct{ calls int }

func (p *partialStream) Name() string               { return "partial" }
func (p *partialStream) Capabilities() Capabilities { return Capabilities{SupportsStreaming: true} }
func (p *partialStream) Generate(ctx context.Context, req *Request) (*Response, error) {
	p.calls++
	if req.OnDelta != nil {
		if err := req.OnDelta("half a sen"); err != nil {
			return nil, err
		}
	}
	return nil, domain.E(domain.KindBackendUnavailable, "partial.generate", "connection dropped", nil)
}

func TestRetrierSkipsRetryAfterStreamedOutput(t *testing.T) {
	backend := &partialStream{}
	var deltas []string
	req := userRequest("hi")
	req.OnDelta = func(d string) error {
		deltas = append(deltas, d)
		return nil
	}

	r := NewRetrier(backend, time.Millisecond, time.Millisecond, nil, nil)
	_, err := r.Generate(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Equal(t, 1, backend.calls)
	assert.Equal(t, []string{"half a sen"}, deltas)
}

func TestRetrierStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backend := NewScripted("mock", Step{Delay: time.Second, Text: "late"})

	r := NewRetrier(backend, time.Millisecond, time.Millisecond, nil, nil)
	_, err := r.Generate(ctx, userRequest("hi"))
	require.Error(t, err)
	assert.Equal(t, domain.KindBackendTimeout, domain.KindOf(err))
}
