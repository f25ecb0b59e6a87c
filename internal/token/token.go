// Package token implements the correlation token that binds a purchase to a
// seller's quote.
//
// A token is base64url(payload) + "." + base64url(signature), where payload is
// the canonical JSON encoding of Payload and signature is a 65-byte secp256k1
// signature over keccak256(payload) made with the seller's hot wallet. The
// token doubles as the escrow's blockchainIdentifier.
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMalformed        = errors.New("token: malformed token")
	ErrBadSignature     = errors.New("token: signature does not match seller address")
	ErrSignerMismatch   = errors.New("token: signer is not the seller address")
	ErrMismatch         = errors.New("token: payload does not match purchase parameters")
	ErrInvalidDeadlines = errors.New("token: deadlines violate protocol margins")
)

// Funds is one requested amount. Amount is a decimal integer string.
type Funds struct {
	Unit   string `json:"unit"`
	Amount string `json:"amount"`
}

// Payload is the signed content of a correlation token. Field order is fixed
// by the struct definition, which makes the JSON encoding canonical.
type Payload struct {
	InputHash                 string  `json:"inputHash"`
	AgentIdentifier           string  `json:"agentIdentifier"`
	PurchaserIdentifier       string  `json:"purchaserIdentifier"`
	SellerAddress             string  `json:"sellerAddress"`
	SellerIdentifier          string  `json:"sellerIdentifier"`
	RequestedFunds            []Funds `json:"requestedFunds"`
	SubmitResultTime          int64   `json:"submitResultTime"`
	UnlockTime                int64   `json:"unlockTime"`
	ExternalDisputeUnlockTime int64   `json:"externalDisputeUnlockTime"`
}

// Signer produces recoverable signatures over a 32-byte digest.
type Signer interface {
	Address() common.Address
	SignHash(digest []byte) ([]byte, error)
}

// Token is a decoded, not yet verified, correlation token.
type Token struct {
	Payload   Payload
	Raw       []byte
	Signature []byte
}

// Canonical returns the exact bytes that are signed for p.
func (p Payload) Canonical() ([]byte, error) {
	if p.RequestedFunds == nil {
		p.RequestedFunds = []Funds{}
	}
	return json.Marshal(p)
}

// Encode signs p with s and returns the token string. The signer must be the
// payload's seller address.
func Encode(p Payload, s Signer) (string, error) {
	if !sameAddress(s.Address().Hex(), p.SellerAddress) {
		return "", fmt.Errorf("%w: %s signs for %s", ErrSignerMismatch, s.Address().Hex(), p.SellerAddress)
	}
	raw, err := p.Canonical()
	if err != nil {
		return "", fmt.Errorf("token: encode payload: %w", err)
	}
	sig, err := s.SignHash(crypto.Keccak256(raw))
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return b64.EncodeToString(raw) + "." + b64.EncodeToString(sig), nil
}

var b64 = base64.RawURLEncoding

// Decode splits and parses a token without checking its signature.
func Decode(s string) (*Token, error) {
	payloadPart, sigPart, ok := strings.Cut(s, ".")
	if !ok || payloadPart == "" || sigPart == "" {
		return nil, ErrMalformed
	}
	raw, err := b64.DecodeString(payloadPart)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	sig, err := b64.DecodeString(sigPart)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: signature length %d", ErrMalformed, len(sig))
	}

	var p Payload
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return &Token{Payload: p, Raw: raw, Signature: sig}, nil
}

// Verify decodes s and checks that it was signed by the payload's seller address.
func Verify(s string) (*Payload, error) {
	t, err := Decode(s)
	if err != nil {
		return nil, err
	}
	if err := t.Verify(); err != nil {
		return nil, err
	}
	return &t.Payload, nil
}

// Verify checks the signature over the raw payload bytes.
func (t *Token) Verify() error {
	if !common.IsHexAddress(t.Payload.SellerAddress) {
		return fmt.Errorf("%w: seller address %q", ErrMalformed, t.Payload.SellerAddress)
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(t.Raw), t.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	signer := crypto.PubkeyToAddress(*pub)
	if signer != common.HexToAddress(t.Payload.SellerAddress) {
		return ErrBadSignature
	}
	return nil
}

// Match compares a verified payload against the caller's purchase parameters.
// Every field must agree; the first difference is reported.
func Match(got, want Payload) error {
	switch {
	case got.InputHash != want.InputHash:
		return mismatch("inputHash")
	case got.AgentIdentifier != want.AgentIdentifier:
		return mismatch("agentIdentifier")
	case got.PurchaserIdentifier != want.PurchaserIdentifier:
		return mismatch("purchaserIdentifier")
	case !sameAddress(got.SellerAddress, want.SellerAddress):
		return mismatch("sellerAddress")
	case got.SellerIdentifier != want.SellerIdentifier:
		return mismatch("sellerIdentifier")
	case !fundsEqual(got.RequestedFunds, want.RequestedFunds):
		return mismatch("requestedFunds")
	case got.SubmitResultTime != want.SubmitResultTime:
		return mismatch("submitResultTime")
	case got.UnlockTime != want.UnlockTime:
		return mismatch("unlockTime")
	case got.ExternalDisputeUnlockTime != want.ExternalDisputeUnlockTime:
		return mismatch("externalDisputeUnlockTime")
	}
	return nil
}

func mismatch(field string) error {
	return fmt.Errorf("%w: %s", ErrMismatch, field)
}

// Limits are the protocol margins every quote must respect.
type Limits struct {
	// MinSubmitWindow is the least time between submitResultTime and unlockTime.
	MinSubmitWindow time.Duration
	// MinDisputeMargin is the least time between unlockTime and externalDisputeUnlockTime.
	MinDisputeMargin time.Duration
}

// CheckDeadlines validates the payload's timings at now.
func CheckDeadlines(p Payload, now time.Time, l Limits) error {
	submit := time.UnixMilli(p.SubmitResultTime)
	unlock := time.UnixMilli(p.UnlockTime)
	dispute := time.UnixMilli(p.ExternalDisputeUnlockTime)

	if !submit.After(now) {
		return fmt.Errorf("%w: submitResultTime is in the past", ErrInvalidDeadlines)
	}
	if unlock.Before(submit.Add(l.MinSubmitWindow)) {
		return fmt.Errorf("%w: unlockTime must be at least %s after submitResultTime", ErrInvalidDeadlines, l.MinSubmitWindow)
	}
	if dispute.Before(unlock.Add(l.MinDisputeMargin)) {
		return fmt.Errorf("%w: externalDisputeUnlockTime must be at least %s after unlockTime", ErrInvalidDeadlines, l.MinDisputeMargin)
	}
	return nil
}

func sameAddress(a, b string) bool {
	return common.IsHexAddress(a) && common.IsHexAddress(b) && common.HexToAddress(a) == common.HexToAddress(b)
}

// fundsEqual compares amounts numerically so "007" and "7" agree.
func fundsEqual(a, b []Funds) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Unit != b[i].Unit {
			return false
		}
		x, ok1 := new(big.Int).SetString(a[i].Amount, 10)
		y, ok2 := new(big.Int).SetString(b[i].Amount, 10)
		if !ok1 || !ok2 || x.Cmp(y) != 0 {
			return false
		}
	}
	return true
}
