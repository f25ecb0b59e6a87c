package escrow

import (
	"context"

	"github.com/mbd888/escrowsync/internal/pagination"
)

// ListFilter narrows List results. Results are newest first.
type ListFilter struct {
	PaymentSourceID string
	RequestedBy     string // empty = any caller
	Before          *pagination.Cursor
	Limit           int
}

// Store persists one role's ledger. Records are never deleted.
type Store[A Action] interface {
	Create(ctx context.Context, r *Request[A]) error
	Get(ctx context.Context, id string) (*Request[A], error)
	GetByIdentifier(ctx context.Context, blockchainIdentifier string) (*Request[A], error)
	List(ctx context.Context, filter ListFilter) ([]*Request[A], error)

	// ListForSync returns records the observer must resolve, oldest first,
	// strictly after the cursor. Ignore records and settled records are skipped.
	ListForSync(ctx context.Context, sourceID string, after *pagination.Cursor, limit int) ([]*Request[A], error)

	// ListRequested returns records whose action is a *Requested variant.
	ListRequested(ctx context.Context, sourceID string, limit int) ([]*Request[A], error)

	// Update runs fn against the current record under an exclusive per-record
	// lock and persists the result atomically. If fn returns ErrNoChange the
	// record is left untouched and the current value is returned; any other
	// error aborts the write and is returned as is.
	Update(ctx context.Context, id string, fn func(r *Request[A]) error) (*Request[A], error)
}

// CursorStore keeps per-source scan positions so a restart resumes a scan.
type CursorStore interface {
	GetCursor(ctx context.Context, sourceID, loop string) (string, error)
	SaveCursor(ctx context.Context, sourceID, loop, cursor string) error
}

// syncable reports whether the observer should still resolve r.
func syncable[A Action](r *Request[A]) bool {
	if r.NextAction.RequestedAction == Ignore[A]() {
		return false
	}
	return !r.Settled()
}
