package payment

import (
	"sync"

	"github.com/hounfour/gateway/internal/gatewayerr"
)

// CreditNote records a post-settlement overcharge refund-in-kind, issued
// during reconciliation's final stage.
type CreditNote struct {
	WalletID   string
	DeltaMicro int64
}

// Wallet tracks one payer's credit balance with a configured cap.
type Wallet struct {
	mu      sync.Mutex
	balance int64
	cap     int64
}

// NewWallet constructs a Wallet with the given cap (0 means uncapped).
func NewWallet(capMicro int64) *Wallet {
	return &Wallet{cap: capMicro}
}

// Balance returns the wallet's current credit balance in micro-units.
func (w *Wallet) Balance() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

// credit increments the wallet's balance by delta, rejecting if the cap
// would be exceeded.
func (w *Wallet) credit(delta int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cap > 0 && w.balance+delta > w.cap {
		return gatewayerr.New(gatewayerr.CodeCreditCapExceeded, "credit note would exceed wallet cap")
	}
	w.balance += delta
	return nil
}

// ApplyResult is applyCreditNotes' outcome.
type ApplyResult struct {
	CreditUsed     int64
	ReducedAmount  int64
	RemainingCredit int64
}

// Reconciler is the Reconciliation accountant: issuing CreditNotes and
// consuming them against future charges.
type Reconciler struct {
	wal WALAuditor
}

// NewReconciler constructs a Reconciler.
func NewReconciler(wal WALAuditor) *Reconciler {
	return &Reconciler{wal: wal}
}

const maxSafeDelta = (int64(1) << 53) - 1

// IssueCreditNote computes delta = quoted - actual and, if positive,
// atomically credits wallet under its cap, writing a double-entry WAL
// posting {revenue, credit_notes}, stage 4.
func (r *Reconciler) IssueCreditNote(wallet *Wallet, walletID string, quotedMicro, actualMicro int64) (*CreditNote, error) {
	delta := quotedMicro - actualMicro
	if delta <= 0 {
		return nil, nil
	}
	if delta > maxSafeDelta {
		return nil, gatewayerr.New(gatewayerr.CodeOverflow, "credit note delta exceeds safe integer bound")
	}

	if err := wallet.credit(delta); err != nil {
		return nil, err
	}

	note := &CreditNote{WalletID: walletID, DeltaMicro: delta}
	if r.wal != nil {
		_, _ = r.wal.Append("payment", "credit_note_posting", walletID, map[string]any{
			"revenue_micro":      -delta,
			"credit_notes_micro": delta,
		})
	}
	return note, nil
}

// ApplyCreditNotes atomically consumes up to required from wallet's
// balance.
func (r *Reconciler) ApplyCreditNotes(wallet *Wallet, required int64) ApplyResult {
	wallet.mu.Lock()
	defer wallet.mu.Unlock()

	used := wallet.balance
	if used > required {
		used = required
	}
	wallet.balance -= used

	return ApplyResult{
		CreditUsed:      used,
		ReducedAmount:   required - used,
		RemainingCredit: wallet.balance,
	}
}
