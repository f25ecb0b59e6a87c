package token

import (
	"crypto/ecdsa"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keySigner struct {
	key *ecdsa.PrivateKey
}

func newKeySigner(t *testing.T) *keySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &keySigner{key: key}
}

func (k *keySigner) Address() common.Address { return crypto.PubkeyToAddress(k.key.PublicKey) }

func (k *keySigner) SignHash(digest []byte) ([]byte, error) { return crypto.Sign(digest, k.key) }

var now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func samplePayload(seller common.Address) Payload {
	return Payload{
		InputHash:                 "9f86d081884c7d659a2feaa0c55ad015",
		AgentIdentifier:           "0x00000000000000000000000000000000000000b2:42",
		PurchaserIdentifier:       "purchaser-nonce-1",
		SellerAddress:             seller.Hex(),
		SellerIdentifier:          "seller-nonce-1",
		RequestedFunds:            []Funds{{Unit: "", Amount: "2500000000000000000"}},
		SubmitResultTime:          now.Add(time.Hour).UnixMilli(),
		UnlockTime:                now.Add(3 * time.Hour).UnixMilli(),
		ExternalDisputeUnlockTime: now.Add(6 * time.Hour).UnixMilli(),
	}
}

func TestRoundTrip(t *testing.T) {
	signer := newKeySigner(t)
	p := samplePayload(signer.Address())

	tok, err := Encode(p, signer)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(tok, "."))

	got, err := Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, p, *got)
	assert.NoError(t, Match(*got, p))
}

func TestEncode_RejectsForeignSigner(t *testing.T) {
	signer := newKeySigner(t)
	other := newKeySigner(t)

	_, err := Encode(samplePayload(other.Address()), signer)
	assert.ErrorIs(t, err, ErrSignerMismatch)
}

func TestVerify_SingleBitFlipFails(t *testing.T) {
	signer := newKeySigner(t)
	tok, err := Encode(samplePayload(signer.Address()), signer)
	require.NoError(t, err)

	decoded, err := Decode(tok)
	require.NoError(t, err)
	sigPart := tok[strings.Index(tok, ".")+1:]

	for i := 0; i < len(decoded.Raw); i++ {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), decoded.Raw...)
			mutated[i] ^= 1 << bit
			forged := b64.EncodeToString(mutated) + "." + sigPart

			_, err := Verify(forged)
			require.Error(t, err, "byte %d bit %d", i, bit)
		}
	}
}

func TestVerify_SignatureFromAnotherKey(t *testing.T) {
	seller := newKeySigner(t)
	attacker := newKeySigner(t)

	tok, err := Encode(samplePayload(seller.Address()), seller)
	require.NoError(t, err)

	raw, err := samplePayload(seller.Address()).Canonical()
	require.NoError(t, err)
	sig, err := attacker.SignHash(crypto.Keccak256(raw))
	require.NoError(t, err)

	payloadPart := tok[:strings.Index(tok, ".")]
	_, err = Verify(payloadPart + "." + b64.EncodeToString(sig))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestDecode_Malformed(t *testing.T) {
	for _, s := range []string{"", "abc", "abc.", ".abc", "!!!.???", b64.EncodeToString([]byte("{}")) + "." + b64.EncodeToString([]byte("short"))} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrMalformed, s)
	}
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	sig := make([]byte, crypto.SignatureLength)
	raw := []byte(`{"inputHash":"x","extra":true}`)
	_, err := Decode(b64.EncodeToString(raw) + "." + b64.EncodeToString(sig))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMatch(t *testing.T) {
	base := samplePayload(common.HexToAddress("0x00000000000000000000000000000000000000a1"))

	lower := base
	lower.SellerAddress = strings.ToLower(base.SellerAddress)
	assert.NoError(t, Match(base, lower))

	padded := base
	padded.RequestedFunds = []Funds{{Unit: "", Amount: "0002500000000000000000"}}
	assert.NoError(t, Match(base, padded))

	tests := []struct {
		field  string
		mutate func(p *Payload)
	}{
		{"inputHash", func(p *Payload) { p.InputHash = "other" }},
		{"agentIdentifier", func(p *Payload) { p.AgentIdentifier = "0x01:1" }},
		{"purchaserIdentifier", func(p *Payload) { p.PurchaserIdentifier = "x" }},
		{"sellerAddress", func(p *Payload) { p.SellerAddress = "0x00000000000000000000000000000000000000a2" }},
		{"sellerIdentifier", func(p *Payload) { p.SellerIdentifier = "x" }},
		{"requestedFunds", func(p *Payload) { p.RequestedFunds[0].Amount = "1" }},
		{"requestedFunds", func(p *Payload) { p.RequestedFunds = nil }},
		{"submitResultTime", func(p *Payload) { p.SubmitResultTime++ }},
		{"unlockTime", func(p *Payload) { p.UnlockTime++ }},
		{"externalDisputeUnlockTime", func(p *Payload) { p.ExternalDisputeUnlockTime-- }},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			want := base
			want.RequestedFunds = append([]Funds(nil), base.RequestedFunds...)
			tt.mutate(&want)

			err := Match(base, want)
			require.ErrorIs(t, err, ErrMismatch)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestCheckDeadlines(t *testing.T) {
	limits := Limits{MinSubmitWindow: time.Hour, MinDisputeMargin: 2 * time.Hour}
	p := samplePayload(common.Address{})
	require.NoError(t, CheckDeadlines(p, now, limits))

	late := p
	assert.ErrorIs(t, CheckDeadlines(late, now.Add(2*time.Hour), limits), ErrInvalidDeadlines)

	tight := p
	tight.UnlockTime = now.Add(90 * time.Minute).UnixMilli()
	assert.ErrorIs(t, CheckDeadlines(tight, now, limits), ErrInvalidDeadlines)

	noMargin := p
	noMargin.ExternalDisputeUnlockTime = now.Add(4 * time.Hour).UnixMilli()
	err := CheckDeadlines(noMargin, now, limits)
	require.ErrorIs(t, err, ErrInvalidDeadlines)
	assert.Contains(t, err.Error(), "externalDisputeUnlockTime")
}
