package chain

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/mbd888/escrowsync/internal/circuitbreaker"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/metrics"
)

// ErrCircuitOpen is returned while a source's breaker rejects calls.
var ErrCircuitOpen = errors.New("chain: adapter circuit open")

// Guarded rate-limits calls to an adapter and stops calling it while it is
// failing. Transient failures count against the breaker; permanent failures
// are answers from a healthy node and do not.
type Guarded struct {
	inner   Adapter
	source  string
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
}

var _ Adapter = (*Guarded)(nil)

// NewGuarded wraps inner for one payment source. rps <= 0 disables rate limiting.
func NewGuarded(inner Adapter, source string, rps float64, breaker *circuitbreaker.Breaker) *Guarded {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Guarded{
		inner:   inner,
		source:  source,
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
	}
}

// Source returns the payment source the wrapper guards.
func (g *Guarded) Source() string { return g.source }

// before waits for a rate token and then asks the breaker. The order matters:
// a half-open trial admitted by Allow always reaches the adapter, so after
// records its outcome.
func (g *Guarded) before(ctx context.Context, op string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return g.fail(Transient(op, err))
	}
	if !g.breaker.Allow(g.source) {
		return g.fail(Transient(op, ErrCircuitOpen))
	}
	return nil
}

func (g *Guarded) after(err error) error {
	switch {
	case err == nil || errors.Is(err, ErrNotFound):
		g.breaker.RecordSuccess(g.source)
	case IsTransient(err):
		g.breaker.RecordFailure(g.source)
		return g.fail(err)
	default:
		g.breaker.RecordSuccess(g.source)
		return g.fail(err)
	}
	return err
}

func (g *Guarded) fail(err error) error {
	metrics.AdapterErrors.WithLabelValues(g.source, string(KindOf(err))).Inc()
	return err
}

func (g *Guarded) ResolveEscrowState(ctx context.Context, contractAddress, blockchainIdentifier string) (escrow.OnChainState, error) {
	if err := g.before(ctx, "resolve"); err != nil {
		return "", err
	}
	state, err := g.inner.ResolveEscrowState(ctx, contractAddress, blockchainIdentifier)
	return state, g.after(err)
}

func (g *Guarded) SubmitTransaction(ctx context.Context, op Operation, ec EscrowContext, signer TxSigner) (string, error) {
	if err := g.before(ctx, "submit "+string(op)); err != nil {
		return "", err
	}
	hash, err := g.inner.SubmitTransaction(ctx, op, ec, signer)
	return hash, g.after(err)
}

func (g *Guarded) GetAssetHolderAddress(ctx context.Context, policyID, assetName string) (string, error) {
	if err := g.before(ctx, "owner"); err != nil {
		return "", err
	}
	owner, err := g.inner.GetAssetHolderAddress(ctx, policyID, assetName)
	return owner, g.after(err)
}
