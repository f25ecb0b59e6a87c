// Package executor submits the on-chain transactions that *Requested
// actions ask for.
//
// A record is claimed with a short lease before anything is signed, so two
// executors never submit for the same record. Submissions from one hot wallet
// are serialized to keep nonces ordered. After a broadcast the record moves to
// the matching *Initiated action and the observer takes over.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/escrowsync/internal/chain"
	"github.com/mbd888/escrowsync/internal/custody"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/metrics"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/retry"
	"github.com/mbd888/escrowsync/internal/traces"
	"github.com/mbd888/escrowsync/internal/transition"
)

// LoopName labels executor metrics.
const LoopName = "executor"

// errSkip aborts a claim without writing.
var errSkip = errors.New("executor: record not claimable")

// Publisher receives broadcast submissions.
type Publisher interface {
	PublishSubmission(s realtime.Submission)
}

// Config tunes one executor.
type Config struct {
	Concurrency    int
	BatchSize      int
	RecordTimeout  time.Duration
	ClaimTTL       time.Duration
	RefundCooldown time.Duration
}

// Executor runs submission cycles for one payment source.
type Executor struct {
	source    string
	owner     string
	adapter   chain.Adapter
	wallets   *custody.Custody
	payments  escrow.Store[escrow.PaymentAction]
	purchases escrow.Store[escrow.PurchasingAction]
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an executor for source. Each executor claims records under its
// own owner id.
func New(
	source string,
	adapter chain.Adapter,
	wallets *custody.Custody,
	payments escrow.Store[escrow.PaymentAction],
	purchases escrow.Store[escrow.PurchasingAction],
	cfg Config,
	logger *slog.Logger,
) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 30 * time.Second
	}
	if cfg.ClaimTTL <= cfg.RecordTimeout {
		cfg.ClaimTTL = 2 * cfg.RecordTimeout
	}
	return &Executor{
		source:    source,
		owner:     idgen.WithPrefix("exec_"),
		adapter:   adapter,
		wallets:   wallets,
		payments:  payments,
		purchases: purchases,
		cfg:       cfg,
		logger:    logger.With("component", LoopName, "source", source),
		now:       time.Now,
	}
}

// WithPublisher sets the realtime sink for submissions.
func (e *Executor) WithPublisher(p Publisher) *Executor {
	e.publisher = p
	return e
}

// WithClock replaces the time source. Used by tests.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Owner returns the claim owner id.
func (e *Executor) Owner() string { return e.owner }

// Cycle submits every pending *Requested action of the source once.
func (e *Executor) Cycle(ctx context.Context) error {
	return errors.Join(
		executeLedger(ctx, e, e.payments),
		executeLedger(ctx, e, e.purchases),
	)
}

func executeLedger[A escrow.Action](ctx context.Context, e *Executor, store escrow.Store[A]) error {
	role := escrow.RoleOf[A]()
	pending, err := store.ListRequested(ctx, e.source, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("executor: list %s requests: %w", role, err)
	}
	metrics.ScannedRequests.WithLabelValues(e.source, LoopName).Add(float64(len(pending)))

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Concurrency)
	for _, r := range pending {
		g.Go(func() error {
			executeRecord(ctx, e, store, r)
			return nil
		})
	}
	return g.Wait()
}

func executeRecord[A escrow.Action](ctx context.Context, e *Executor, store escrow.Store[A], r *escrow.Request[A]) {
	role := escrow.RoleOf[A]()
	action := r.NextAction.RequestedAction
	logger := e.logger.With("role", role, "requestId", r.ID, "blockchainIdentifier", r.BlockchainIdentifier, "action", action)

	op, ok := chain.OperationFor(action)
	initiated, ok2 := escrow.InitiatedOf(action)
	if !ok || !ok2 {
		logger.Error("no contract operation for action")
		return
	}

	ctx, span := traces.StartSpan(ctx, "executor.submit",
		traces.Source(e.source),
		traces.Role(string(role)),
		traces.RequestID(r.ID),
		traces.Action(string(action)),
	)
	defer span.End()

	claimed, err := claim(ctx, e, store, r.ID, action)
	if errors.Is(err, errSkip) {
		return
	}
	if err != nil {
		traces.Fail(span, err)
		logger.Warn("failed to claim request", "error", err)
		return
	}

	hash, err := submit(ctx, e, op, claimed)
	switch {
	case err == nil:
	case chain.IsPermanent(err) || errors.Is(err, custody.ErrUnknownWallet):
		traces.Fail(span, err)
		metrics.Submissions.WithLabelValues(e.source, string(action), "failed").Inc()
		logger.Warn("submission rejected, escalating", "error", err)
		finish(ctx, e, store, r.ID, logger, func(cur *escrow.Request[A]) {
			if cur.NextAction.RequestedAction == action {
				cur.NextAction = transition.Escalate(cur.NextAction, escrow.ErrorSubmissionFailed, "submission failed: "+err.Error())
			}
		})
		return
	default:
		metrics.Submissions.WithLabelValues(e.source, string(action), "retry").Inc()
		logger.Info("submission failed, will retry", "error", err)
		finish(ctx, e, store, r.ID, logger, func(cur *escrow.Request[A]) {})
		return
	}

	span.SetAttributes(traces.TxHash(hash))
	metrics.Submissions.WithLabelValues(e.source, string(action), "submitted").Inc()
	now := e.now()
	finish(ctx, e, store, r.ID, logger, func(cur *escrow.Request[A]) {
		tx := escrow.Transaction{
			TxHash:      hash,
			Status:      escrow.TxPending,
			Action:      string(initiated),
			SubmittedAt: now,
		}
		if cur.NextAction.RequestedAction != action {
			// Overtaken while the lease had lapsed; keep the broadcast on file.
			tx.Status = escrow.TxSuperseded
			tx.ResolvedAt = &now
			cur.TransactionHistory = append(cur.TransactionHistory, tx)
			return
		}
		cur.SettleCurrentTransaction(escrow.TxSuperseded, now)
		cur.CurrentTransaction = &tx
		cur.NextAction = escrow.NextAction[A]{RequestedAction: initiated, ResultHash: cur.NextAction.ResultHash}
		if togglesRefund(op) {
			cur.SetCoolDown(role, now.Add(e.cfg.RefundCooldown))
		}
	})
	logger.Info("transaction submitted", "txHash", hash, "next", initiated)

	if e.publisher != nil {
		e.publisher.PublishSubmission(realtime.Submission{
			Role:                 string(role),
			RequestID:            r.ID,
			PaymentSourceID:      r.PaymentSourceID,
			BlockchainIdentifier: r.BlockchainIdentifier,
			Action:               string(action),
			TxHash:               hash,
		})
	}
}

// claim leases the record if it still carries action and no other executor
// holds a live lease.
func claim[A escrow.Action](ctx context.Context, e *Executor, store escrow.Store[A], id string, action A) (*escrow.Request[A], error) {
	now := e.now()
	return store.Update(ctx, id, func(cur *escrow.Request[A]) error {
		if cur.NextAction.RequestedAction != action {
			return errSkip
		}
		if cur.Claim.Live(now) && cur.Claim.Owner != e.owner {
			return errSkip
		}
		cur.Claim = &escrow.Claim{Owner: e.owner, ExpiresAt: now.Add(e.cfg.ClaimTTL)}
		return nil
	})
}

// submit signs and broadcasts under the hot wallet's lock.
func submit[A escrow.Action](ctx context.Context, e *Executor, op chain.Operation, r *escrow.Request[A]) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RecordTimeout)
	defer cancel()

	unlock, err := e.wallets.Lock(ctx, r.HotWalletID)
	if err != nil {
		return "", chain.Transient("wallet lock", err)
	}
	defer unlock()

	signer, err := e.wallets.Signer(r.HotWalletID)
	if err != nil {
		return "", err
	}
	return e.adapter.SubmitTransaction(ctx, op, chain.ContextOf(r), signer)
}

// finish applies fn and releases the lease. A broadcast transaction must be
// recorded, so the write outlives the cycle deadline and is retried.
func finish[A escrow.Action](ctx context.Context, e *Executor, store escrow.Store[A], id string, logger *slog.Logger, fn func(cur *escrow.Request[A])) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RecordTimeout)
	defer cancel()

	err := retry.Do(wctx, retry.LedgerWrite, func() error {
		_, err := store.Update(wctx, id, func(cur *escrow.Request[A]) error {
			if cur.Claim != nil && cur.Claim.Owner == e.owner {
				cur.Claim = nil
			}
			fn(cur)
			return nil
		})
		if errors.Is(err, escrow.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		logger.Error("failed to finalize request", "error", err)
	}
}

func togglesRefund(op chain.Operation) bool {
	switch op {
	case chain.OpRequestRefund, chain.OpCancelRefund, chain.OpAuthorizeRefund:
		return true
	}
	return false
}
