// Package observer reconciles the off-chain ledgers with on-chain escrow state.
//
// One Observer serves one payment source. Each cycle pages through both
// ledgers from a stored cursor, resolves every record's escrow state through
// the chain adapter and applies the role's transition table inside a single
// store update. Transient adapter failures leave the record untouched so the
// next cycle retries it.
package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/escrowsync/internal/chain"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/metrics"
	"github.com/mbd888/escrowsync/internal/pagination"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/traces"
	"github.com/mbd888/escrowsync/internal/transition"
)

// LoopName labels observer metrics and cursors.
const LoopName = "observer"

// Publisher receives applied transitions.
type Publisher interface {
	PublishTransition(t realtime.Transition)
}

// Config tunes one observer.
type Config struct {
	Concurrency   int
	PageSize      int
	RecordTimeout time.Duration
	TxTimeout     time.Duration
	// Recheck is the minimum gap between lookups of a record that has no
	// transaction in flight. Zero resolves every record every cycle.
	Recheck time.Duration
}

// Observer runs observation cycles for one payment source.
type Observer struct {
	source    string
	adapter   chain.Adapter
	payments  escrow.Store[escrow.PaymentAction]
	purchases escrow.Store[escrow.PurchasingAction]
	cursors   escrow.CursorStore
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an observer for source.
func New(
	source string,
	adapter chain.Adapter,
	payments escrow.Store[escrow.PaymentAction],
	purchases escrow.Store[escrow.PurchasingAction],
	cursors escrow.CursorStore,
	cfg Config,
	logger *slog.Logger,
) *Observer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 10 * time.Second
	}
	return &Observer{
		source:    source,
		adapter:   adapter,
		payments:  payments,
		purchases: purchases,
		cursors:   cursors,
		cfg:       cfg,
		logger:    logger.With("component", LoopName, "source", source),
		now:       time.Now,
	}
}

// WithPublisher sets the realtime sink for transitions.
func (o *Observer) WithPublisher(p Publisher) *Observer {
	o.publisher = p
	return o
}

// WithClock replaces the time source. Used by tests.
func (o *Observer) WithClock(now func() time.Time) *Observer {
	o.now = now
	return o
}

// Cycle observes both ledgers of the source once.
func (o *Observer) Cycle(ctx context.Context) error {
	return errors.Join(
		syncLedger(ctx, o, o.payments),
		syncLedger(ctx, o, o.purchases),
	)
}

func cursorKey(role escrow.Role) string {
	return LoopName + "/" + string(role)
}

// syncLedger pages through one ledger from the stored cursor. The cursor is
// saved after every page so an interrupted cycle resumes where it stopped,
// and is cleared after the last page so the next cycle starts over.
func syncLedger[A escrow.Action](ctx context.Context, o *Observer, store escrow.Store[A]) error {
	role := escrow.RoleOf[A]()
	key := cursorKey(role)

	raw, err := o.cursors.GetCursor(ctx, o.source, key)
	if err != nil {
		return fmt.Errorf("observer: load %s cursor: %w", role, err)
	}
	after, err := pagination.Decode(raw)
	if err != nil {
		o.logger.Warn("discarding unreadable cursor", "role", role, "error", err)
		after = nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := store.ListForSync(ctx, o.source, after, o.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("observer: list %s records: %w", role, err)
		}

		g := new(errgroup.Group)
		g.SetLimit(o.cfg.Concurrency)
		for _, r := range page {
			g.Go(func() error {
				observeRecord(ctx, o, store, r)
				return nil
			})
		}
		_ = g.Wait()
		metrics.ScannedRequests.WithLabelValues(o.source, LoopName).Add(float64(len(page)))

		// A page cut short by the deadline is observed again next cycle.
		if err := ctx.Err(); err != nil {
			return err
		}

		next := ""
		if len(page) == o.cfg.PageSize {
			last := page[len(page)-1]
			next = pagination.Encode(last.CreatedAt, last.ID)
		}
		if err := o.cursors.SaveCursor(ctx, o.source, key, next); err != nil {
			return fmt.Errorf("observer: save %s cursor: %w", role, err)
		}
		if next == "" {
			return nil
		}
		after, _ = pagination.Decode(next)
	}
}

// observeRecord resolves one record and applies the result. Every failure is
// logged here; none aborts the cycle.
func observeRecord[A escrow.Action](ctx context.Context, o *Observer, store escrow.Store[A], r *escrow.Request[A]) {
	role := escrow.RoleOf[A]()
	logger := o.logger.With("role", role, "requestId", r.ID, "blockchainIdentifier", r.BlockchainIdentifier)

	ctx, span := traces.StartSpan(ctx, "observer.record",
		traces.Source(o.source),
		traces.Role(string(role)),
		traces.RequestID(r.ID),
		traces.Action(string(r.NextAction.RequestedAction)),
	)
	defer span.End()

	now := o.now()
	if r.Claim.Live(now) {
		// The executor is mid-submission; observe after it finalizes.
		return
	}
	if !due(r, now, o.cfg.Recheck) {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, o.cfg.RecordTimeout)
	state, err := o.adapter.ResolveEscrowState(rctx, r.SmartContractAddress, r.BlockchainIdentifier)
	cancel()

	var fn func(cur *escrow.Request[A]) error
	switch {
	case err == nil:
		span.SetAttributes(traces.State(string(state)))
		fn = func(cur *escrow.Request[A]) error { return apply(o, cur, &state, now) }
	case errors.Is(err, chain.ErrNotFound):
		fn = func(cur *escrow.Request[A]) error { return apply[A](o, cur, nil, now) }
	case chain.IsPermanent(err):
		traces.Fail(span, err)
		logger.Warn("adapter rejected escrow lookup", "error", err)
		note := "adapter error: " + err.Error()
		fn = func(cur *escrow.Request[A]) error {
			cur.NextAction = transition.Escalate(cur.NextAction, escrow.ErrorUnknown, note)
			cur.LastCheckedAt = &now
			return nil
		}
	default:
		logger.Debug("transient adapter error, will retry", "error", err)
		return
	}

	var before escrow.NextAction[A]
	updated, err := store.Update(ctx, r.ID, func(cur *escrow.Request[A]) error {
		before = cur.NextAction
		return fn(cur)
	})
	if err != nil {
		traces.Fail(span, err)
		logger.Error("failed to persist observation", "error", err)
		return
	}
	record(o, updated, before, logger)
}

// due reports whether r should be resolved this cycle. In-flight
// transactions are always due.
func due[A escrow.Action](r *escrow.Request[A], now time.Time, recheck time.Duration) bool {
	if recheck <= 0 || r.LastCheckedAt == nil || escrow.IsInitiated(r.NextAction.RequestedAction) {
		return true
	}
	return now.Sub(*r.LastCheckedAt) >= recheck
}

// apply runs the transition table, the stale-transaction check and the
// deadline rules against the current stored record. observed is nil when the
// escrow is not on chain yet.
func apply[A escrow.Action](o *Observer, cur *escrow.Request[A], observed *escrow.OnChainState, now time.Time) error {
	table := transition.For[A]()
	before := cur.NextAction
	next := cur.NextAction

	if observed != nil {
		var err error
		next, err = table.Decide(cur.NextAction, *observed)
		if err != nil {
			return err
		}
		s := *observed
		cur.OnChainState = &s
		next, _ = table.Deadline(next, cur.OnChainState, transition.Deadlines{
			SubmitResultTime:          cur.SubmitResultTime,
			UnlockTime:                cur.UnlockTime,
			ExternalDisputeUnlockTime: cur.ExternalDisputeUnlockTime,
		}, now)
	}

	if next.RequestedAction == before.RequestedAction && escrow.IsInitiated(next.RequestedAction) &&
		o.cfg.TxTimeout > 0 && cur.CurrentTransaction != nil &&
		now.Sub(cur.CurrentTransaction.SubmittedAt) > o.cfg.TxTimeout {
		next = transition.EscalateTimeout(next)
	}

	if escrow.IsInitiated(before.RequestedAction) && next.RequestedAction != before.RequestedAction {
		status := escrow.TxConfirmed
		if next.ErrorType != escrow.ErrorNone {
			status = escrow.TxSuperseded
		}
		cur.SettleCurrentTransaction(status, now)
	}

	cur.NextAction = next
	cur.LastCheckedAt = &now
	return nil
}

func record[A escrow.Action](o *Observer, updated *escrow.Request[A], before escrow.NextAction[A], logger *slog.Logger) {
	after := updated.NextAction
	if after.RequestedAction == before.RequestedAction && after.ErrorType == before.ErrorType {
		return
	}
	role := string(escrow.RoleOf[A]())
	state := ""
	if s, ok := updated.State(); ok {
		state = string(s)
	}

	metrics.Transitions.WithLabelValues(role, string(before.RequestedAction), string(after.RequestedAction)).Inc()
	if after.RequestedAction == escrow.WaitingManual[A]() && before.RequestedAction != after.RequestedAction {
		metrics.ManualEscalations.WithLabelValues(role, string(after.ErrorType)).Inc()
		logger.Warn("escrow needs manual action",
			"from", before.RequestedAction, "state", state,
			"errorType", after.ErrorType, "errorNote", after.ErrorNote)
	} else {
		logger.Info("escrow transitioned", "from", before.RequestedAction, "to", after.RequestedAction, "state", state)
	}

	if o.publisher != nil {
		o.publisher.PublishTransition(realtime.Transition{
			Role:                 role,
			RequestID:            updated.ID,
			PaymentSourceID:      updated.PaymentSourceID,
			BlockchainIdentifier: updated.BlockchainIdentifier,
			From:                 string(before.RequestedAction),
			To:                   string(after.RequestedAction),
			OnChainState:         state,
			ErrorType:            string(after.ErrorType),
			ErrorNote:            after.ErrorNote,
		})
	}
}
