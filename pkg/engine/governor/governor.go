// Package governor decides whether an external call may go out now: a token
// bucket bounds the request rate and a circuit breaker stops calls while the
// upstream is rejecting them.
package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type DecisionKind int

const (
	Admitted DecisionKind = iota
	DeniedRateLimit
	DeniedCircuitOpen
)

func (k DecisionKind) String() string {
	switch k {
	case Admitted:
		return "admitted"
	case DeniedRateLimit:
		return "rate_limit"
	case DeniedCircuitOpen:
		return "circuit_open"
	}
	return "unknown"
}

// Decision is the result of Admit. Permit is set only when Admitted.
type Decision struct {
	Kind       DecisionKind
	Permit     *Permit
	RetryAfter time.Duration
}

// Outcome is what happened to an admitted call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeUpstreamFailure is a retryable rejection (rate_limit, network, timeout, unknown).
	OutcomeUpstreamFailure
	// OutcomeOther covers failures that say nothing about upstream health (auth, validation).
	OutcomeOther
)

// Governor guards one external credential.
type Governor struct {
	credential string
	bucket     Bucket
	breaker    *Breaker
	logger     *slog.Logger
}

func New(credential string, bucket Bucket, breaker *Breaker, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{credential: credential, bucket: bucket, breaker: breaker, logger: logger}
}

func (g *Governor) Credential() string { return g.credential }

func (g *Governor) Breaker() *Breaker { return g.breaker }

// Admit never blocks. The breaker is consulted first so an open circuit costs
// no tokens.
func (g *Governor) Admit(ctx context.Context) Decision {
	ok, probe, wait := g.breaker.Allow()
	if !ok {
		return Decision{Kind: DeniedCircuitOpen, RetryAfter: wait}
	}

	took, retryAfter, err := g.bucket.Take(ctx)
	if err != nil {
		// A shared bucket we cannot reach must not halt every run.
		g.logger.Warn("rate_bucket_degraded", "credential", g.credential, "error", err)
		took = true
	}
	if !took {
		g.breaker.Release(probe)
		if retryAfter <= 0 {
			retryAfter = 10 * time.Millisecond
		}
		return Decision{Kind: DeniedRateLimit, RetryAfter: retryAfter}
	}

	return Decision{Kind: Admitted, Permit: &Permit{breaker: g.breaker, probe: probe}}
}

// Permit is one admitted call. Exactly one of Done or Cancel takes effect.
type Permit struct {
	breaker *Breaker
	probe   bool
	once    sync.Once
}

// Probe reports whether this permit is the HALF_OPEN probe.
func (p *Permit) Probe() bool { return p.probe }

// Done reports the outcome of the call to the breaker.
func (p *Permit) Done(outcome Outcome) {
	p.once.Do(func() {
		switch outcome {
		case OutcomeSuccess:
			p.breaker.Success(p.probe)
		case OutcomeUpstreamFailure:
			p.breaker.Failure(p.probe)
		default:
			p.breaker.Release(p.probe)
		}
	})
}

// Cancel returns the permit when no call was made, e.g. on a duplicate claim.
func (p *Permit) Cancel() {
	p.once.Do(func() { p.breaker.Release(p.probe) })
}
