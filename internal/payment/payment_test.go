package payment

import (
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hounfour/gateway/internal/gatewayerr"
)

type memReplayStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemReplayStore() *memReplayStore { return &memReplayStore{seen: make(map[string]bool)} }

func (m *memReplayStore) SetNX(key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func TestGenerateQuote_ComputesCeilingCost(t *testing.T) {
	store := NewQuoteStore()
	q, err := GenerateQuote(store, "gpt-4", 1000, 2500, decimal.NewFromFloat(1.1), decimal.NewFromInt(1), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2_750_000), q.MaxCostMicro)

	got, ok := store.Get(q.QuoteID)
	require.True(t, ok)
	assert.Equal(t, q.QuoteID, got.QuoteID)
}

func TestGenerateQuote_RejectsNonPositiveInputs(t *testing.T) {
	store := NewQuoteStore()
	_, err := GenerateQuote(store, "gpt-4", 0, 2500, decimal.NewFromInt(1), decimal.NewFromInt(1), time.Minute)
	require.Error(t, err)
}

func privKeyAndAddr(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func TestVerify_ValidSignatureFirstSeen(t *testing.T) {
	priv, addr := privKeyAndAddr(t)
	treasury := common.HexToAddress("0x00000000000000000000000000000000000042")
	var domain [32]byte
	copy(domain[:], crypto.Keccak256([]byte("test-domain")))

	auth := TransferAuthorization{From: addr, To: treasury, Value: big.NewInt(5_000_000), ValidAfter: 0, ValidBefore: time.Now().Add(time.Hour).Unix()}
	digest := eip3009Digest(domain, auth)
	sig, err := crypto.Sign(digest.Bytes(), priv)
	require.NoError(t, err)
	sig[64] += 27

	store := newMemReplayStore()
	v := NewVerifier(treasury, domain, store, nil, nil)
	quote := Quote{QuoteID: "q1", MaxCostMicro: 4_000_000}

	res, err := v.Verify(Proof{Auth: auth, Signature: sig}, quote)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.False(t, res.IdempotentReplay)
}

func TestVerify_ReplayIsIdempotent(t *testing.T) {
	priv, addr := privKeyAndAddr(t)
	treasury := common.HexToAddress("0x00000000000000000000000000000000000042")
	var domain [32]byte
	copy(domain[:], crypto.Keccak256([]byte("test-domain")))

	auth := TransferAuthorization{From: addr, To: treasury, Value: big.NewInt(5_000_000), ValidAfter: 0, ValidBefore: time.Now().Add(time.Hour).Unix()}
	digest := eip3009Digest(domain, auth)
	sig, err := crypto.Sign(digest.Bytes(), priv)
	require.NoError(t, err)
	sig[64] += 27

	store := newMemReplayStore()
	v := NewVerifier(treasury, domain, store, nil, nil)
	quote := Quote{QuoteID: "q1", MaxCostMicro: 4_000_000}

	_, err = v.Verify(Proof{Auth: auth, Signature: sig}, quote)
	require.NoError(t, err)

	res, err := v.Verify(Proof{Auth: auth, Signature: sig}, quote)
	require.NoError(t, err)
	assert.True(t, res.IdempotentReplay)
}

func TestVerify_RecipientMismatch(t *testing.T) {
	priv, addr := privKeyAndAddr(t)
	treasury := common.HexToAddress("0x00000000000000000000000000000000000042")
	wrongRecipient := common.HexToAddress("0x00000000000000000000000000000000000099")
	var domain [32]byte

	auth := TransferAuthorization{From: addr, To: wrongRecipient, Value: big.NewInt(5_000_000), ValidBefore: time.Now().Add(time.Hour).Unix()}
	digest := eip3009Digest(domain, auth)
	sig, _ := crypto.Sign(digest.Bytes(), priv)
	sig[64] += 27

	v := NewVerifier(treasury, domain, newMemReplayStore(), nil, nil)
	_, err := v.Verify(Proof{Auth: auth, Signature: sig}, Quote{MaxCostMicro: 1})
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodePaymentRecipientMismatch, gatewayerr.CodeOf(err))
}

func TestVerify_InsufficientValue(t *testing.T) {
	priv, addr := privKeyAndAddr(t)
	treasury := common.HexToAddress("0x00000000000000000000000000000000000042")
	var domain [32]byte

	auth := TransferAuthorization{From: addr, To: treasury, Value: big.NewInt(100), ValidBefore: time.Now().Add(time.Hour).Unix()}
	digest := eip3009Digest(domain, auth)
	sig, _ := crypto.Sign(digest.Bytes(), priv)
	sig[64] += 27

	v := NewVerifier(treasury, domain, newMemReplayStore(), nil, nil)
	_, err := v.Verify(Proof{Auth: auth, Signature: sig}, Quote{MaxCostMicro: 1_000_000})
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodePaymentInsufficient, gatewayerr.CodeOf(err))
}

func TestVerify_ExpiredAuthorization(t *testing.T) {
	priv, addr := privKeyAndAddr(t)
	treasury := common.HexToAddress("0x00000000000000000000000000000000000042")
	var domain [32]byte

	auth := TransferAuthorization{From: addr, To: treasury, Value: big.NewInt(5_000_000), ValidBefore: time.Now().Add(-time.Hour).Unix()}
	digest := eip3009Digest(domain, auth)
	sig, _ := crypto.Sign(digest.Bytes(), priv)
	sig[64] += 27

	v := NewVerifier(treasury, domain, newMemReplayStore(), nil, nil)
	_, err := v.Verify(Proof{Auth: auth, Signature: sig}, Quote{MaxCostMicro: 1})
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodePaymentExpired, gatewayerr.CodeOf(err))
}

func TestVerify_InvalidSignatureFailsBothEcrecoverAndNoEIP1271(t *testing.T) {
	_, addr := privKeyAndAddr(t)
	treasury := common.HexToAddress("0x00000000000000000000000000000000000042")
	var domain [32]byte

	auth := TransferAuthorization{From: addr, To: treasury, Value: big.NewInt(5_000_000), ValidBefore: time.Now().Add(time.Hour).Unix()}
	garbage := make([]byte, 65)

	v := NewVerifier(treasury, domain, newMemReplayStore(), nil, nil)
	_, err := v.Verify(Proof{Auth: auth, Signature: garbage}, Quote{MaxCostMicro: 1})
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodePaymentInvalidSignature, gatewayerr.CodeOf(err))
}

type fakeFacilitator struct {
	fail bool
}

func (f *fakeFacilitator) Submit(proof Proof) (string, error) {
	if f.fail {
		return "", gatewayerr.New(gatewayerr.CodeInternal, "facilitator down")
	}
	return "0xfacilitator", nil
}

type fakeDirect struct{ fail bool }

func (d *fakeDirect) Submit(proof Proof) (string, error) {
	if d.fail {
		return "", gatewayerr.New(gatewayerr.CodeInternal, "direct down")
	}
	return "0xdirect", nil
}

func TestSettle_UsesFacilitatorWhenHealthy(t *testing.T) {
	s := NewSettler(&fakeFacilitator{}, &fakeDirect{})
	tx, err := s.Settle(Proof{})
	require.NoError(t, err)
	assert.Equal(t, "0xfacilitator", tx)
}

func TestSettle_OpensCircuitAfterThreeFailuresThenUsesDirect(t *testing.T) {
	facilitator := &fakeFacilitator{fail: true}
	direct := &fakeDirect{}
	s := NewSettler(facilitator, direct)

	for i := 0; i < 3; i++ {
		tx, err := s.Settle(Proof{})
		require.NoError(t, err)
		assert.Equal(t, "0xdirect", tx)
	}
	assert.Equal(t, "open", s.breaker.state)
}

func TestSettle_BothUnavailableFails(t *testing.T) {
	s := NewSettler(&fakeFacilitator{fail: true}, &fakeDirect{fail: true})
	_, err := s.Settle(Proof{})
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodeSettlementFailed, gatewayerr.CodeOf(err))
}

func TestIssueCreditNote_PositiveDeltaCreditsWallet(t *testing.T) {
	r := NewReconciler(nil)
	w := NewWallet(0)
	note, err := r.IssueCreditNote(w, "wallet-1", 1000, 700)
	require.NoError(t, err)
	require.NotNil(t, note)
	assert.Equal(t, int64(300), note.DeltaMicro)
	assert.Equal(t, int64(300), w.Balance())
}

func TestIssueCreditNote_NoOpWhenActualMeetsOrExceedsQuote(t *testing.T) {
	r := NewReconciler(nil)
	w := NewWallet(0)
	note, err := r.IssueCreditNote(w, "wallet-1", 1000, 1000)
	require.NoError(t, err)
	assert.Nil(t, note)
}

func TestIssueCreditNote_RejectsExceedingCap(t *testing.T) {
	r := NewReconciler(nil)
	w := NewWallet(100)
	_, err := r.IssueCreditNote(w, "wallet-1", 1000, 500)
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodeCreditCapExceeded, gatewayerr.CodeOf(err))
}

func TestApplyCreditNotes_ConsumesUpToRequired(t *testing.T) {
	r := NewReconciler(nil)
	w := NewWallet(0)
	_, err := r.IssueCreditNote(w, "wallet-1", 1000, 400) // credits 600
	require.NoError(t, err)

	res := r.ApplyCreditNotes(w, 250)
	assert.Equal(t, int64(250), res.CreditUsed)
	assert.Equal(t, int64(0), res.ReducedAmount)
	assert.Equal(t, int64(350), res.RemainingCredit)
}

func TestApplyCreditNotes_PartialWhenBalanceInsufficient(t *testing.T) {
	r := NewReconciler(nil)
	w := NewWallet(0)
	_, err := r.IssueCreditNote(w, "wallet-1", 1000, 900) // credits 100
	require.NoError(t, err)

	res := r.ApplyCreditNotes(w, 250)
	assert.Equal(t, int64(100), res.CreditUsed)
	assert.Equal(t, int64(150), res.ReducedAmount)
	assert.Equal(t, int64(0), res.RemainingCredit)
}
