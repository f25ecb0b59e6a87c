package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowsync/internal/custody"
	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/metrics"
	"github.com/mbd888/escrowsync/internal/pagination"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/token"
)

var (
	ErrInvalidResultHash = errors.New("escrow: result hash must be 64 hex characters")
	ErrInvalidAction     = errors.New("escrow: action cannot be set by an override")
	ErrInvalidFunds      = errors.New("escrow: requested funds must be non-empty and positive")
	ErrAssetLookup       = errors.New("escrow: agent asset holder lookup failed")
	ErrInvalidCursor     = errors.New("escrow: invalid cursor")
)

var resultHashRegex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// AssetResolver looks up who holds an agent's registry asset.
type AssetResolver interface {
	GetAssetHolderAddress(ctx context.Context, policyID, assetName string) (string, error)
}

// Source is a payment source as seen by the Service.
type Source struct {
	ID              string
	Network         Network
	ContractAddress string
	// AssetContract, when set, is the only agent registry accepted.
	AssetContract string
	Assets        AssetResolver
}

func (src Source) checkAgent(agentIdentifier string) (policyID, assetName string, err error) {
	policyID, assetName, err = ParseAgentIdentifier(agentIdentifier)
	if err != nil {
		return "", "", err
	}
	if src.AssetContract != "" && !strings.EqualFold(policyID, src.AssetContract) {
		return "", "", fmt.Errorf("%w: registry %s is not accepted by source %s", ErrInvalidAgent, policyID, src.ID)
	}
	return policyID, assetName, nil
}

// Publisher receives newly created records.
type Publisher interface {
	PublishCreated(c realtime.Created)
}

// Caller identifies who is invoking a Service method.
type Caller struct {
	ID    string
	Admin bool
}

func (c Caller) owns(requestedBy string) bool {
	return c.Admin || (c.ID != "" && c.ID == requestedBy)
}

// ServiceConfig holds protocol limits enforced at creation.
type ServiceConfig struct {
	Limits token.Limits
}

// Service is the guarded entry point for API callers. It creates records and
// sets user intents; automation state is left to the observer and executor.
type Service struct {
	payments  Store[PaymentAction]
	purchases Store[PurchasingAction]
	sources   map[string]Source
	wallets   *custody.Custody
	cfg       ServiceConfig
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new escrow service.
func NewService(
	payments Store[PaymentAction],
	purchases Store[PurchasingAction],
	wallets *custody.Custody,
	sources []Source,
	cfg ServiceConfig,
	logger *slog.Logger,
) *Service {
	bySource := make(map[string]Source, len(sources))
	for _, s := range sources {
		bySource[s.ID] = s
	}
	return &Service{
		payments:  payments,
		purchases: purchases,
		sources:   bySource,
		wallets:   wallets,
		cfg:       cfg,
		logger:    logger.With("component", "escrow"),
		now:       time.Now,
	}
}

// WithPublisher sets the realtime sink for created records.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreatePaymentRequest contains the parameters a seller quotes.
type CreatePaymentRequest struct {
	PaymentSourceID           string     `json:"paymentSourceId" binding:"required"`
	AgentIdentifier           string     `json:"agentIdentifier" binding:"required"`
	InputHash                 string     `json:"inputHash" binding:"required"`
	PurchaserIdentifier       string     `json:"purchaserIdentifier" binding:"required"`
	RequestedFunds            []Funds    `json:"requestedFunds" binding:"required"`
	SubmitResultTime          time.Time  `json:"submitResultTime" binding:"required"`
	UnlockTime                *time.Time `json:"unlockTime"`
	ExternalDisputeUnlockTime *time.Time `json:"externalDisputeUnlockTime"`
}

// CreatePurchaseRequest contains the parameters a buyer commits to. Every
// field except PaymentSourceID must match the seller's signed token.
type CreatePurchaseRequest struct {
	BlockchainIdentifier      string    `json:"blockchainIdentifier" binding:"required"`
	PaymentSourceID           string    `json:"paymentSourceId" binding:"required"`
	AgentIdentifier           string    `json:"agentIdentifier" binding:"required"`
	InputHash                 string    `json:"inputHash" binding:"required"`
	PurchaserIdentifier       string    `json:"purchaserIdentifier" binding:"required"`
	SellerAddress             string    `json:"sellerAddress" binding:"required"`
	SellerIdentifier          string    `json:"sellerIdentifier" binding:"required"`
	RequestedFunds            []Funds   `json:"requestedFunds" binding:"required"`
	SubmitResultTime          time.Time `json:"submitResultTime" binding:"required"`
	UnlockTime                time.Time `json:"unlockTime" binding:"required"`
	ExternalDisputeUnlockTime time.Time `json:"externalDisputeUnlockTime" binding:"required"`
}

// ResolveRequest is an administrative override of a manual-review record.
type ResolveRequest struct {
	Action     string `json:"action" binding:"required"`
	ResultHash string `json:"resultHash"`
}

// ParseAgentIdentifier splits "policyID:assetName".
func ParseAgentIdentifier(id string) (policyID, assetName string, err error) {
	policyID, assetName, ok := strings.Cut(id, ":")
	if !ok || policyID == "" || assetName == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAgent, id)
	}
	return policyID, assetName, nil
}

func (s *Service) source(id string) (Source, error) {
	src, ok := s.sources[id]
	if !ok {
		return Source{}, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	return src, nil
}

func (s *Service) wallet(sourceID string, purpose custody.Purpose) (string, common.Address, error) {
	walletID, err := s.wallets.WalletFor(sourceID, purpose)
	if err != nil {
		return "", common.Address{}, fmt.Errorf("%w: %v", ErrNoWallet, err)
	}
	addr, _, err := s.wallets.ResolveAddress(walletID)
	if err != nil {
		return "", common.Address{}, fmt.Errorf("%w: %v", ErrNoWallet, err)
	}
	return walletID, addr, nil
}

func validFunds(funds []Funds) error {
	if len(funds) == 0 {
		return ErrInvalidFunds
	}
	for _, f := range funds {
		if f.Amount.IsZero() {
			return fmt.Errorf("%w: unit %q", ErrInvalidFunds, f.Unit)
		}
	}
	return nil
}

func tokenFunds(funds []Funds) []token.Funds {
	out := make([]token.Funds, len(funds))
	for i, f := range funds {
		out[i] = token.Funds{Unit: f.Unit, Amount: f.Amount.String()}
	}
	return out
}

// CreatePayment records a seller quote and signs its correlation token with
// the source's selling wallet. The token becomes the blockchainIdentifier.
func (s *Service) CreatePayment(ctx context.Context, caller Caller, req CreatePaymentRequest) (*PaymentRequest, error) {
	src, err := s.source(req.PaymentSourceID)
	if err != nil {
		return nil, err
	}
	if _, _, err := src.checkAgent(req.AgentIdentifier); err != nil {
		return nil, err
	}
	if err := validFunds(req.RequestedFunds); err != nil {
		return nil, err
	}
	walletID, seller, err := s.wallet(src.ID, custody.PurposeSelling)
	if err != nil {
		return nil, err
	}

	now := s.now()
	submit := req.SubmitResultTime.Truncate(time.Millisecond)
	unlock := submit.Add(s.cfg.Limits.MinSubmitWindow)
	if req.UnlockTime != nil {
		unlock = req.UnlockTime.Truncate(time.Millisecond)
	}
	dispute := unlock.Add(s.cfg.Limits.MinDisputeMargin)
	if req.ExternalDisputeUnlockTime != nil {
		dispute = req.ExternalDisputeUnlockTime.Truncate(time.Millisecond)
	}

	payload := token.Payload{
		InputHash:                 req.InputHash,
		AgentIdentifier:           req.AgentIdentifier,
		PurchaserIdentifier:       req.PurchaserIdentifier,
		SellerAddress:             seller.Hex(),
		SellerIdentifier:          idgen.Hex(16),
		RequestedFunds:            tokenFunds(req.RequestedFunds),
		SubmitResultTime:          submit.UnixMilli(),
		UnlockTime:                unlock.UnixMilli(),
		ExternalDisputeUnlockTime: dispute.UnixMilli(),
	}
	if err := token.CheckDeadlines(payload, now, s.cfg.Limits); err != nil {
		return nil, err
	}

	signer, err := s.wallets.Signer(walletID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoWallet, err)
	}
	identifier, err := token.Encode(payload, signer)
	if err != nil {
		return nil, fmt.Errorf("escrow: sign correlation token: %w", err)
	}

	created := now.UTC().Truncate(time.Microsecond)
	r := &PaymentRequest{
		ID:                        idgen.WithPrefix("pay_"),
		BlockchainIdentifier:      identifier,
		Network:                   src.Network,
		SmartContractAddress:      src.ContractAddress,
		PaymentSourceID:           src.ID,
		NextAction:                NextAction[PaymentAction]{RequestedAction: PaymentWaitingForExternalAction},
		RequestedFunds:            cloneFunds(req.RequestedFunds),
		SubmitResultTime:          submit,
		UnlockTime:                unlock,
		ExternalDisputeUnlockTime: dispute,
		SellerAddress:             seller.Hex(),
		SellerIdentifier:          payload.SellerIdentifier,
		AgentIdentifier:           req.AgentIdentifier,
		PurchaserIdentifier:       req.PurchaserIdentifier,
		InputHash:                 req.InputHash,
		HotWalletID:               walletID,
		RequestedBy:               caller.ID,
		CreatedAt:                 created,
		UpdatedAt:                 created,
	}
	if err := s.payments.Create(ctx, r); err != nil {
		return nil, err
	}

	out := r.Clone()
	s.announce(RoleSeller, out.ID, out.PaymentSourceID, out.BlockchainIdentifier, string(out.NextAction.RequestedAction))
	return out, nil
}

// CreatePurchase verifies a seller's token against the buyer's parameters,
// checks the seller still holds the agent asset and records a purchase that
// asks the executor to lock funds.
func (s *Service) CreatePurchase(ctx context.Context, caller Caller, req CreatePurchaseRequest) (*PurchaseRequest, error) {
	src, err := s.source(req.PaymentSourceID)
	if err != nil {
		return nil, err
	}
	if err := validFunds(req.RequestedFunds); err != nil {
		return nil, err
	}
	policyID, assetName, err := src.checkAgent(req.AgentIdentifier)
	if err != nil {
		return nil, err
	}

	payload, err := token.Verify(req.BlockchainIdentifier)
	if err != nil {
		return nil, err
	}
	want := token.Payload{
		InputHash:                 req.InputHash,
		AgentIdentifier:           req.AgentIdentifier,
		PurchaserIdentifier:       req.PurchaserIdentifier,
		SellerAddress:             req.SellerAddress,
		SellerIdentifier:          req.SellerIdentifier,
		RequestedFunds:            tokenFunds(req.RequestedFunds),
		SubmitResultTime:          req.SubmitResultTime.UnixMilli(),
		UnlockTime:                req.UnlockTime.UnixMilli(),
		ExternalDisputeUnlockTime: req.ExternalDisputeUnlockTime.UnixMilli(),
	}
	if err := token.Match(*payload, want); err != nil {
		return nil, err
	}
	now := s.now()
	if err := token.CheckDeadlines(*payload, now, s.cfg.Limits); err != nil {
		return nil, err
	}

	if src.Assets == nil {
		return nil, fmt.Errorf("%w: source %s has no asset resolver", ErrAssetLookup, src.ID)
	}
	holder, err := src.Assets.GetAssetHolderAddress(ctx, policyID, assetName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetLookup, err)
	}
	if !common.IsHexAddress(holder) || common.HexToAddress(holder) != common.HexToAddress(payload.SellerAddress) {
		return nil, fmt.Errorf("%w: held by %s", ErrAgentNotOwned, holder)
	}

	walletID, buyer, err := s.wallet(src.ID, custody.PurposePurchasing)
	if err != nil {
		return nil, err
	}

	created := now.UTC().Truncate(time.Microsecond)
	r := &PurchaseRequest{
		ID:                        idgen.WithPrefix("pur_"),
		BlockchainIdentifier:      req.BlockchainIdentifier,
		Network:                   src.Network,
		SmartContractAddress:      src.ContractAddress,
		PaymentSourceID:           src.ID,
		NextAction:                NextAction[PurchasingAction]{RequestedAction: PurchasingFundsLockingRequested},
		RequestedFunds:            cloneFunds(req.RequestedFunds),
		PaidFunds:                 cloneFunds(req.RequestedFunds),
		SubmitResultTime:          time.UnixMilli(payload.SubmitResultTime).UTC(),
		UnlockTime:                time.UnixMilli(payload.UnlockTime).UTC(),
		ExternalDisputeUnlockTime: time.UnixMilli(payload.ExternalDisputeUnlockTime).UTC(),
		SellerAddress:             common.HexToAddress(payload.SellerAddress).Hex(),
		BuyerAddress:              buyer.Hex(),
		SellerIdentifier:          payload.SellerIdentifier,
		AgentIdentifier:           payload.AgentIdentifier,
		PurchaserIdentifier:       payload.PurchaserIdentifier,
		InputHash:                 payload.InputHash,
		HotWalletID:               walletID,
		RequestedBy:               caller.ID,
		CreatedAt:                 created,
		UpdatedAt:                 created,
	}
	if err := s.purchases.Create(ctx, r); err != nil {
		return nil, err
	}

	out := r.Clone()
	s.announce(RoleBuyer, out.ID, out.PaymentSourceID, out.BlockchainIdentifier, string(out.NextAction.RequestedAction))
	return out, nil
}

func (s *Service) announce(role Role, id, sourceID, identifier, action string) {
	metrics.RequestsCreated.WithLabelValues(string(role)).Inc()
	s.logger.Info("escrow request created",
		"role", role, "requestId", id, "source", sourceID, "action", action)
	if s.publisher != nil {
		s.publisher.PublishCreated(realtime.Created{
			Role:                 string(role),
			RequestID:            id,
			PaymentSourceID:      sourceID,
			BlockchainIdentifier: identifier,
			NextAction:           action,
		})
	}
}

// intentCheck describes when a user intent is legal.
type intentCheck struct {
	role   Role
	states []OnChainState
	// deadline picks the time by which the intent must be set; nil means none.
	deadline func(submitResult, unlock time.Time) time.Time
}

func (ic intentCheck) allows(state *OnChainState) bool {
	if state == nil {
		return false
	}
	for _, s := range ic.states {
		if s == *state {
			return true
		}
	}
	return false
}

var (
	submitResultCheck = intentCheck{
		role:     RoleSeller,
		states:   []OnChainState{StateFundsLocked, StateResultSubmitted, StateRefundRequested, StateDisputed},
		deadline: func(submitResult, _ time.Time) time.Time { return submitResult },
	}
	authorizeRefundCheck = intentCheck{
		role:   RoleSeller,
		states: []OnChainState{StateRefundRequested, StateDisputed},
	}
	requestRefundCheck = intentCheck{
		role:     RoleBuyer,
		states:   []OnChainState{StateFundsLocked, StateResultSubmitted},
		deadline: func(_, unlock time.Time) time.Time { return unlock },
	}
	cancelRefundCheck = intentCheck{
		role:   RoleBuyer,
		states: []OnChainState{StateRefundRequested, StateDisputed},
	}
)

// setIntent applies a user intent under the store's per-record lock. The
// record must be waiting on an external action, be owned by the caller and
// satisfy the check at the time of the write.
func setIntent[A Action](ctx context.Context, store Store[A], id string, caller Caller, check intentCheck, now time.Time, next NextAction[A]) (*Request[A], error) {
	return store.Update(ctx, id, func(r *Request[A]) error {
		if !caller.owns(r.RequestedBy) {
			return ErrForbidden
		}
		if r.NextAction.RequestedAction != WaitingExternal[A]() || !check.allows(r.OnChainState) {
			return ErrIntentNotAllowed
		}
		if check.deadline != nil {
			if dl := check.deadline(r.SubmitResultTime, r.UnlockTime); !now.Before(dl) {
				return ErrDeadlinePassed
			}
		}
		if now.Before(r.CoolDownFor(check.role)) {
			return ErrCoolDown
		}
		r.NextAction = next
		r.UpdatedAt = now
		return nil
	})
}

// SubmitResult asks the executor to publish the result hash on chain.
func (s *Service) SubmitResult(ctx context.Context, caller Caller, id, resultHash string) (*PaymentRequest, error) {
	resultHash = strings.TrimPrefix(strings.ToLower(resultHash), "0x")
	if !resultHashRegex.MatchString(resultHash) {
		return nil, ErrInvalidResultHash
	}
	return setIntent(ctx, s.payments, id, caller, submitResultCheck, s.now(),
		NextAction[PaymentAction]{RequestedAction: PaymentSubmitResultRequested, ResultHash: resultHash})
}

// AuthorizeRefund asks the executor to release the escrow back to the buyer.
func (s *Service) AuthorizeRefund(ctx context.Context, caller Caller, id string) (*PaymentRequest, error) {
	return setIntent(ctx, s.payments, id, caller, authorizeRefundCheck, s.now(),
		NextAction[PaymentAction]{RequestedAction: PaymentAuthorizeRefundRequested})
}

// RequestRefund asks the executor to flag the escrow as refund requested.
func (s *Service) RequestRefund(ctx context.Context, caller Caller, id string) (*PurchaseRequest, error) {
	return setIntent(ctx, s.purchases, id, caller, requestRefundCheck, s.now(),
		NextAction[PurchasingAction]{RequestedAction: PurchasingSetRefundRequestedRequested})
}

// CancelRefund asks the executor to withdraw a refund request.
func (s *Service) CancelRefund(ctx context.Context, caller Caller, id string) (*PurchaseRequest, error) {
	return setIntent(ctx, s.purchases, id, caller, cancelRefundCheck, s.now(),
		NextAction[PurchasingAction]{RequestedAction: PurchasingUnSetRefundRequestedRequested})
}

// resolve moves a manual-review record back into automation. Only
// administrators may do this; the error is cleared and any lease dropped.
func resolve[A Action](ctx context.Context, store Store[A], id string, caller Caller, req ResolveRequest, now time.Time) (*Request[A], error) {
	if !caller.Admin {
		return nil, ErrForbidden
	}
	target := A(req.Action)
	if !ValidAction(target) || IsInitiated(target) || target == WaitingManual[A]() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}
	hash := strings.TrimPrefix(strings.ToLower(req.ResultHash), "0x")
	if hash != "" && !resultHashRegex.MatchString(hash) {
		return nil, ErrInvalidResultHash
	}

	return store.Update(ctx, id, func(r *Request[A]) error {
		if r.NextAction.RequestedAction != WaitingManual[A]() {
			return ErrIntentNotAllowed
		}
		if hash == "" {
			hash = r.NextAction.ResultHash
		}
		r.NextAction = NextAction[A]{RequestedAction: target, ResultHash: hash}
		r.Claim = nil
		r.UpdatedAt = now
		return nil
	})
}

// ResolvePayment overrides a seller record in WaitingForManualAction.
func (s *Service) ResolvePayment(ctx context.Context, caller Caller, id string, req ResolveRequest) (*PaymentRequest, error) {
	r, err := resolve(ctx, s.payments, id, caller, req, s.now())
	if err == nil {
		s.logger.Warn("manual override applied", "role", RoleSeller, "requestId", id, "action", req.Action, "by", caller.ID)
	}
	return r, err
}

// ResolvePurchase overrides a buyer record in WaitingForManualAction.
func (s *Service) ResolvePurchase(ctx context.Context, caller Caller, id string, req ResolveRequest) (*PurchaseRequest, error) {
	r, err := resolve(ctx, s.purchases, id, caller, req, s.now())
	if err == nil {
		s.logger.Warn("manual override applied", "role", RoleBuyer, "requestId", id, "action", req.Action, "by", caller.ID)
	}
	return r, err
}

func get[A Action](ctx context.Context, store Store[A], caller Caller, id string) (*Request[A], error) {
	r, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.owns(r.RequestedBy) {
		return nil, ErrNotFound
	}
	return r, nil
}

// GetPayment returns a seller record visible to the caller.
func (s *Service) GetPayment(ctx context.Context, caller Caller, id string) (*PaymentRequest, error) {
	return get(ctx, s.payments, caller, id)
}

// GetPurchase returns a buyer record visible to the caller.
func (s *Service) GetPurchase(ctx context.Context, caller Caller, id string) (*PurchaseRequest, error) {
	return get(ctx, s.purchases, caller, id)
}

// ListQuery narrows a list call.
type ListQuery struct {
	PaymentSourceID string
	Cursor          string
	Limit           int
}

// DefaultListLimit and MaxListLimit bound list pages.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

func list[A Action](ctx context.Context, store Store[A], caller Caller, q ListQuery) ([]*Request[A], string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	before, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	filter := ListFilter{PaymentSourceID: q.PaymentSourceID, Before: before, Limit: limit + 1}
	if !caller.Admin {
		filter.RequestedBy = caller.ID
	}
	items, err := store.List(ctx, filter)
	if err != nil {
		return nil, "", err
	}
	items, next, _ := pagination.ComputePage(items, limit, func(r *Request[A]) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	return items, next, nil
}

// ListPayments pages through the caller's seller records, newest first.
func (s *Service) ListPayments(ctx context.Context, caller Caller, q ListQuery) ([]*PaymentRequest, string, error) {
	return list(ctx, s.payments, caller, q)
}

// ListPurchases pages through the caller's buyer records, newest first.
func (s *Service) ListPurchases(ctx context.Context, caller Caller, q ListQuery) ([]*PurchaseRequest, string, error) {
	return list(ctx, s.purchases, caller, q)
}
