package proxy

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/errors"
	"github.com/gantrygw/gantry/internal/loadbalancer"
	"github.com/gantrygw/gantry/internal/logging"
)

// retryBaseInterval is the first retry delay; each further attempt doubles
// it, with no jitter, so retry timing is deterministic.
const retryBaseInterval = 100 * time.Millisecond

// HealthRecorder receives passive health observations from dispatch.
type HealthRecorder interface {
	RecordResult(upstreamID, targetID string, success bool, err error)
}

// Dispatcher sends requests upstream with retries, feeding the breaker and
// passive health on every attempt.
type Dispatcher struct {
	transport Transport
	health    HealthRecorder

	// sleep is swapped in tests; production sleeps against the context.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher builds a dispatcher. health may be nil when no checker is
// configured.
func NewDispatcher(transport Transport, health HealthRecorder) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		health:    health,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do forwards the request to the upstream, retrying failed attempts up to
// the upstream's retry budget. The breaker is consulted before every
// attempt, so a breaker that opens mid-dispatch stops the remaining
// retries.
func (d *Dispatcher) Do(ctx context.Context, u *Upstream, req *core.Request) (*core.Response, error) {
	if u.Timeouts.Overall > 0 {
		if _, has := ctx.Deadline(); !has {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, u.Timeouts.Overall)
			defer cancel()
		}
	}

	egress := prepareEgress(req)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	maxAttempts := u.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !u.Breaker.CanExecute() {
			return nil, errors.CircuitOpen(u.ID)
		}

		target, err := u.Balancer.Select(loadbalancer.Pick{
			ClientAddr: req.ClientAddr,
			Key:        req.Path,
		})
		if err != nil {
			if errors.IsKind(err, errors.KindNoHealthyTargets) {
				return nil, errors.NoHealthyTargets(u.ID)
			}
			return nil, err
		}

		resp, err := d.transport.Send(ctx, target, egress)
		u.Balancer.Release(target)

		if err == nil {
			u.Breaker.RecordSuccess()
			d.recordHealth(u.ID, target.ID, true, nil)
			resp.UpstreamID = u.ID
			return resp, nil
		}

		lastErr = err
		u.Breaker.RecordFailure()
		d.recordHealth(u.ID, target.ID, false, err)
		logging.Warn("upstream attempt failed",
			zap.String("upstream", u.ID),
			zap.String("target", target.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < maxAttempts {
			if serr := d.sleep(ctx, bo.NextBackOff()); serr != nil {
				return nil, errors.UpstreamFailed(u.ID, lastErr)
			}
		}
	}
	return nil, errors.UpstreamFailed(u.ID, lastErr)
}

func (d *Dispatcher) recordHealth(upstreamID, targetID string, ok bool, err error) {
	if d.health != nil {
		d.health.RecordResult(upstreamID, targetID, ok, err)
	}
}

// prepareEgress clones the request and applies the forwarding header set:
// hop-by-hop headers dropped, request ID and X-Forwarded-* attached.
func prepareEgress(req *core.Request) *core.Request {
	out := req.Clone()
	core.StripHopByHop(out.Header)

	if req.ID != "" {
		out.Header.Set("X-Request-Id", req.ID)
	}
	if ip := req.ClientIP(); ip != "" {
		out.Header.Add("X-Forwarded-For", ip)
		if out.Header.Get("X-Real-IP") == "" {
			out.Header.Set("X-Real-IP", ip)
		}
	}
	if req.Scheme != "" {
		out.Header.Set("X-Forwarded-Proto", req.Scheme)
	}
	if req.Host != "" {
		out.Header.Set("X-Forwarded-Host", req.Host)
	}
	return out
}
