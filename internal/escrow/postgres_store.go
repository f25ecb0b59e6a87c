package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/escrowsync/internal/pagination"
)

// PostgresStore persists one role's ledger in PostgreSQL. Payment and
// purchase requests live in separate tables with identical columns.
type PostgresStore[A Action] struct {
	db    *sql.DB
	table string
}

// NewPostgresStore creates a new PostgreSQL-backed ledger for one role.
func NewPostgresStore[A Action](db *sql.DB) *PostgresStore[A] {
	table := "purchase_requests"
	if RoleOf[A]() == RoleSeller {
		table = "payment_requests"
	}
	return &PostgresStore[A]{db: db, table: table}
}

const requestColumns = `id, blockchain_identifier, network, smart_contract_address, payment_source_id,
		on_chain_state, next_action, error_type, error_note, result_hash,
		current_transaction, transaction_history, requested_funds, paid_funds,
		submit_result_time, unlock_time, external_dispute_unlock_time,
		seller_cooldown_time, buyer_cooldown_time, last_checked_at,
		seller_address, buyer_address, seller_identifier, agent_identifier,
		purchaser_identifier, input_hash, hot_wallet_id, requested_by,
		claim_owner, claim_expires_at, version, created_at, updated_at`

// Settled states; a None record in one of these is skipped by sync scans.
const settledStates = `('Withdrawn', 'RefundWithdrawn', 'DisputedWithdrawn')`

func (p *PostgresStore[A]) Create(ctx context.Context, r *Request[A]) error {
	if r.Version == 0 {
		r.Version = 1
	}
	args, err := requestArgs(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO `+p.table+` (`+requestColumns+`) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17,
			$18, $19, $20,
			$21, $22, $23, $24,
			$25, $26, $27, $28,
			$29, $30, $31, $32, $33
		)`, args...)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateIdentifier
	}
	return err
}

func (p *PostgresStore[A]) Get(ctx context.Context, id string) (*Request[A], error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM `+p.table+` WHERE id = $1`, id)
	r, err := scanRequest[A](row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore[A]) GetByIdentifier(ctx context.Context, blockchainIdentifier string) (*Request[A], error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM `+p.table+` WHERE blockchain_identifier = $1`, blockchainIdentifier)
	r, err := scanRequest[A](row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore[A]) List(ctx context.Context, filter ListFilter) ([]*Request[A], error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var (
		beforeAt sql.NullTime
		beforeID sql.NullString
	)
	if filter.Before != nil {
		beforeAt = sql.NullTime{Time: filter.Before.CreatedAt, Valid: true}
		beforeID = sql.NullString{String: filter.Before.ID, Valid: true}
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM `+p.table+`
		WHERE ($1 = '' OR payment_source_id = $1)
		  AND ($2 = '' OR requested_by = $2)
		  AND ($3::TIMESTAMPTZ IS NULL OR (created_at, id) < ($3, $4))
		ORDER BY created_at DESC, id DESC
		LIMIT $5`,
		filter.PaymentSourceID, filter.RequestedBy, beforeAt, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests[A](rows)
}

func (p *PostgresStore[A]) ListForSync(ctx context.Context, sourceID string, after *pagination.Cursor, limit int) ([]*Request[A], error) {
	var (
		afterAt sql.NullTime
		afterID sql.NullString
	)
	if after != nil {
		afterAt = sql.NullTime{Time: after.CreatedAt, Valid: true}
		afterID = sql.NullString{String: after.ID, Valid: true}
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM `+p.table+`
		WHERE payment_source_id = $1
		  AND next_action <> 'Ignore'
		  AND NOT (next_action = 'None' AND COALESCE(on_chain_state, '') IN `+settledStates+`)
		  AND ($2::TIMESTAMPTZ IS NULL OR (created_at, id) > ($2, $3))
		ORDER BY created_at ASC, id ASC
		LIMIT $4`, sourceID, afterAt, afterID, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests[A](rows)
}

func (p *PostgresStore[A]) ListRequested(ctx context.Context, sourceID string, limit int) ([]*Request[A], error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM `+p.table+`
		WHERE payment_source_id = $1
		  AND next_action LIKE '%Requested'
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, sourceID, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests[A](rows)
}

// Update locks the row with SELECT ... FOR UPDATE so concurrent observer and
// executor passes serialize on the record for the read-decide-write window.
func (p *PostgresStore[A]) Update(ctx context.Context, id string, fn func(r *Request[A]) error) (*Request[A], error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM `+p.table+` WHERE id = $1 FOR UPDATE`, id)
	current, err := scanRequest[A](row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	original := current.Clone()

	if err := fn(current); err != nil {
		if errors.Is(err, ErrNoChange) {
			return original, nil
		}
		return nil, err
	}

	current.Version = original.Version + 1
	current.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	currentTx, err := jsonOrNull(current.CurrentTransaction)
	if err != nil {
		return nil, err
	}
	history, err := jsonArray(current.TransactionHistory)
	if err != nil {
		return nil, err
	}
	var claimOwner sql.NullString
	var claimExpires sql.NullTime
	if current.Claim != nil {
		claimOwner = sql.NullString{String: current.Claim.Owner, Valid: true}
		claimExpires = sql.NullTime{Time: current.Claim.ExpiresAt, Valid: true}
	}

	// Immutable columns (identifier, network, funds, deadlines, parties) are never written here.
	_, err = tx.ExecContext(ctx, `
		UPDATE `+p.table+` SET
			on_chain_state = $1, next_action = $2, error_type = $3, error_note = $4, result_hash = $5,
			current_transaction = $6, transaction_history = $7,
			seller_cooldown_time = $8, buyer_cooldown_time = $9, last_checked_at = $10,
			buyer_address = $11, hot_wallet_id = $12,
			claim_owner = $13, claim_expires_at = $14,
			version = $15, updated_at = $16
		WHERE id = $17 AND version = $18`,
		nullState(current.OnChainState), string(current.NextAction.RequestedAction),
		nullString(string(current.NextAction.ErrorType)), nullString(current.NextAction.ErrorNote),
		nullString(current.NextAction.ResultHash),
		currentTx, history,
		current.SellerCoolDownTime, current.BuyerCoolDownTime, nullTime(current.LastCheckedAt),
		nullString(current.BuyerAddress), current.HotWalletID,
		claimOwner, claimExpires,
		current.Version, current.UpdatedAt,
		id, original.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	// Reflect only what was written.
	original.OnChainState = current.OnChainState
	original.NextAction = current.NextAction
	original.CurrentTransaction = current.CurrentTransaction
	original.TransactionHistory = current.TransactionHistory
	original.SellerCoolDownTime = current.SellerCoolDownTime
	original.BuyerCoolDownTime = current.BuyerCoolDownTime
	original.LastCheckedAt = current.LastCheckedAt
	original.BuyerAddress = current.BuyerAddress
	original.HotWalletID = current.HotWalletID
	original.Claim = current.Claim
	original.Version = current.Version
	original.UpdatedAt = current.UpdatedAt
	return original, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest[A Action](s scanner) (*Request[A], error) {
	r := &Request[A]{}
	var (
		network        string
		onChainState   sql.NullString
		nextAction     string
		errorType      sql.NullString
		errorNote      sql.NullString
		resultHash     sql.NullString
		currentTxJSON  []byte
		historyJSON    []byte
		requestedJSON  []byte
		paidJSON       []byte
		lastCheckedAt  sql.NullTime
		buyerAddress   sql.NullString
		claimOwner     sql.NullString
		claimExpiresAt sql.NullTime
	)

	err := s.Scan(
		&r.ID, &r.BlockchainIdentifier, &network, &r.SmartContractAddress, &r.PaymentSourceID,
		&onChainState, &nextAction, &errorType, &errorNote, &resultHash,
		&currentTxJSON, &historyJSON, &requestedJSON, &paidJSON,
		&r.SubmitResultTime, &r.UnlockTime, &r.ExternalDisputeUnlockTime,
		&r.SellerCoolDownTime, &r.BuyerCoolDownTime, &lastCheckedAt,
		&r.SellerAddress, &buyerAddress, &r.SellerIdentifier, &r.AgentIdentifier,
		&r.PurchaserIdentifier, &r.InputHash, &r.HotWalletID, &r.RequestedBy,
		&claimOwner, &claimExpiresAt, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Network = Network(network)
	if onChainState.Valid {
		state := OnChainState(onChainState.String)
		r.OnChainState = &state
	}
	r.NextAction = NextAction[A]{
		RequestedAction: A(nextAction),
		ErrorType:       ErrorType(errorType.String),
		ErrorNote:       errorNote.String,
		ResultHash:      resultHash.String,
	}
	if len(currentTxJSON) > 0 {
		var tx Transaction
		if err := json.Unmarshal(currentTxJSON, &tx); err != nil {
			return nil, fmt.Errorf("decode current_transaction: %w", err)
		}
		r.CurrentTransaction = &tx
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &r.TransactionHistory); err != nil {
			return nil, fmt.Errorf("decode transaction_history: %w", err)
		}
	}
	if err := json.Unmarshal(requestedJSON, &r.RequestedFunds); err != nil {
		return nil, fmt.Errorf("decode requested_funds: %w", err)
	}
	if len(paidJSON) > 0 {
		if err := json.Unmarshal(paidJSON, &r.PaidFunds); err != nil {
			return nil, fmt.Errorf("decode paid_funds: %w", err)
		}
	}
	if lastCheckedAt.Valid {
		r.LastCheckedAt = &lastCheckedAt.Time
	}
	r.BuyerAddress = buyerAddress.String
	if claimOwner.Valid && claimExpiresAt.Valid {
		r.Claim = &Claim{Owner: claimOwner.String, ExpiresAt: claimExpiresAt.Time}
	}

	return r, nil
}

func scanRequests[A Action](rows *sql.Rows) ([]*Request[A], error) {
	var result []*Request[A]
	for rows.Next() {
		r, err := scanRequest[A](rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func requestArgs[A Action](r *Request[A]) ([]interface{}, error) {
	currentTx, err := jsonOrNull(r.CurrentTransaction)
	if err != nil {
		return nil, err
	}
	history, err := jsonArray(r.TransactionHistory)
	if err != nil {
		return nil, err
	}
	requested, err := jsonArray(r.RequestedFunds)
	if err != nil {
		return nil, err
	}
	paid, err := jsonArray(r.PaidFunds)
	if err != nil {
		return nil, err
	}
	var claimOwner sql.NullString
	var claimExpires sql.NullTime
	if r.Claim != nil {
		claimOwner = sql.NullString{String: r.Claim.Owner, Valid: true}
		claimExpires = sql.NullTime{Time: r.Claim.ExpiresAt, Valid: true}
	}
	return []interface{}{
		r.ID, r.BlockchainIdentifier, string(r.Network), r.SmartContractAddress, r.PaymentSourceID,
		nullState(r.OnChainState), string(r.NextAction.RequestedAction),
		nullString(string(r.NextAction.ErrorType)), nullString(r.NextAction.ErrorNote), nullString(r.NextAction.ResultHash),
		currentTx, history, requested, paid,
		r.SubmitResultTime, r.UnlockTime, r.ExternalDisputeUnlockTime,
		r.SellerCoolDownTime, r.BuyerCoolDownTime, nullTime(r.LastCheckedAt),
		r.SellerAddress, nullString(r.BuyerAddress), r.SellerIdentifier, r.AgentIdentifier,
		r.PurchaserIdentifier, r.InputHash, r.HotWalletID, r.RequestedBy,
		claimOwner, claimExpires, r.Version, r.CreatedAt, r.UpdatedAt,
	}, nil
}

func jsonOrNull(v *Transaction) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// jsonArray encodes items for a JSONB column. lib/pq sends []byte as bytea,
// so the document goes over the wire as text.
func jsonArray[T any](items []T) (string, error) {
	if items == nil {
		return "[]", nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// limitArg maps a non-positive limit to LIMIT NULL, which is unlimited.
func limitArg(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}

func nullState(s *OnChainState) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*s), Valid: true}
}

// PostgresCursorStore keeps scan cursors in the sync_cursors table.
type PostgresCursorStore struct {
	db *sql.DB
}

// NewPostgresCursorStore creates a cursor store backed by PostgreSQL.
func NewPostgresCursorStore(db *sql.DB) *PostgresCursorStore {
	return &PostgresCursorStore{db: db}
}

func (p *PostgresCursorStore) GetCursor(ctx context.Context, sourceID, loop string) (string, error) {
	var cursor string
	err := p.db.QueryRowContext(ctx,
		`SELECT cursor FROM sync_cursors WHERE payment_source_id = $1 AND loop = $2`,
		sourceID, loop).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return cursor, err
}

func (p *PostgresCursorStore) SaveCursor(ctx context.Context, sourceID, loop, cursor string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (payment_source_id, loop, cursor, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (payment_source_id, loop)
		DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at`,
		sourceID, loop, cursor)
	return err
}

// Compile-time assertions that the Postgres stores implement their interfaces.
var (
	_ Store[PaymentAction]    = (*PostgresStore[PaymentAction])(nil)
	_ Store[PurchasingAction] = (*PostgresStore[PurchasingAction])(nil)
	_ CursorStore             = (*PostgresCursorStore)(nil)
)
