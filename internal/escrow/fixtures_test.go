package escrow

import (
	"time"
)

var testEpoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func statePtr(s OnChainState) *OnChainState { return &s }

func newTestPayment(id, identifier string, created time.Time) *PaymentRequest {
	return &PaymentRequest{
		ID:                        id,
		BlockchainIdentifier:      identifier,
		Network:                   NetworkPreprod,
		SmartContractAddress:      "0x00000000000000000000000000000000000000e5",
		PaymentSourceID:           "src-1",
		NextAction:                NextAction[PaymentAction]{RequestedAction: PaymentWaitingForExternalAction},
		RequestedFunds:            []Funds{{Unit: "", Amount: MustAmount("1000000")}},
		SubmitResultTime:          created.Add(time.Hour),
		UnlockTime:                created.Add(2 * time.Hour),
		ExternalDisputeUnlockTime: created.Add(3 * time.Hour),
		SellerAddress:             "0x00000000000000000000000000000000000000a1",
		SellerIdentifier:          "seller-nonce",
		AgentIdentifier:           "0x00000000000000000000000000000000000000b2:7",
		PurchaserIdentifier:       "buyer-nonce",
		InputHash:                 "ab12",
		HotWalletID:               "selling-1",
		RequestedBy:               "ak_owner",
		CreatedAt:                 created,
		UpdatedAt:                 created,
	}
}

func newTestPurchase(id, identifier string, created time.Time) *PurchaseRequest {
	p := newTestPayment(id, identifier, created)
	return &PurchaseRequest{
		ID:                        p.ID,
		BlockchainIdentifier:      p.BlockchainIdentifier,
		Network:                   p.Network,
		SmartContractAddress:      p.SmartContractAddress,
		PaymentSourceID:           p.PaymentSourceID,
		NextAction:                NextAction[PurchasingAction]{RequestedAction: PurchasingFundsLockingRequested},
		RequestedFunds:            p.RequestedFunds,
		PaidFunds:                 cloneFunds(p.RequestedFunds),
		SubmitResultTime:          p.SubmitResultTime,
		UnlockTime:                p.UnlockTime,
		ExternalDisputeUnlockTime: p.ExternalDisputeUnlockTime,
		SellerAddress:             p.SellerAddress,
		BuyerAddress:              "0x00000000000000000000000000000000000000c3",
		SellerIdentifier:          p.SellerIdentifier,
		AgentIdentifier:           p.AgentIdentifier,
		PurchaserIdentifier:       p.PurchaserIdentifier,
		InputHash:                 p.InputHash,
		HotWalletID:               "purchasing-1",
		RequestedBy:               p.RequestedBy,
		CreatedAt:                 created,
		UpdatedAt:                 created,
	}
}
