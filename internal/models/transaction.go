package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/Dan9191/card-ledger/internal/errors"
	"github.com/google/uuid"
)

// TransactionKind is the stored code of a ledger operation
type TransactionKind string

const (
	KindDeposit    TransactionKind = "DEP"
	KindWithdrawal TransactionKind = "RET"
	KindTransfer   TransactionKind = "TRA"
	KindRefund     TransactionKind = "REE"

	// Adjustments are posted only by the administrative balance override.
	KindAdjustmentCredit TransactionKind = "AJC"
	KindAdjustmentDebit  TransactionKind = "AJD"
)

// Sign tells whether a kind increases or decreases the balance
type Sign int

const (
	Credit Sign = iota + 1
	Debit
)

func (s Sign) String() string {
	switch s {
	case Credit:
		return "credit"
	case Debit:
		return "debit"
	}
	return fmt.Sprintf("Sign(%d)", int(s))
}

var kindSigns = map[TransactionKind]Sign{
	KindDeposit:          Credit,
	KindRefund:           Credit,
	KindAdjustmentCredit: Credit,
	KindWithdrawal:       Debit,
	KindTransfer:         Debit,
	KindAdjustmentDebit:  Debit,
}

var kindNames = map[string]TransactionKind{
	"deposit":    KindDeposit,
	"withdrawal": KindWithdrawal,
	"transfer":   KindTransfer,
	"refund":     KindRefund,
}

// SignFor classifies a transaction kind
func SignFor(kind TransactionKind) (Sign, error) {
	sign, ok := kindSigns[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %q", errors.ErrUnknownTransactionKind, string(kind))
	}
	return sign, nil
}

// IsAdjustment reports whether the kind is reserved for balance overrides
func (k TransactionKind) IsAdjustment() bool {
	return k == KindAdjustmentCredit || k == KindAdjustmentDebit
}

// Name returns the human readable name of the kind
func (k TransactionKind) Name() string {
	switch k {
	case KindDeposit:
		return "Deposit"
	case KindWithdrawal:
		return "Withdrawal"
	case KindTransfer:
		return "Transfer"
	case KindRefund:
		return "Refund"
	case KindAdjustmentCredit, KindAdjustmentDebit:
		return "Adjustment"
	}
	return string(k)
}

// ParseTransactionKind accepts a public kind either by code (DEP) or by name (deposit).
// Adjustment codes are rejected.
func ParseTransactionKind(s string) (TransactionKind, error) {
	s = strings.TrimSpace(s)
	if kind, ok := kindNames[strings.ToLower(s)]; ok {
		return kind, nil
	}
	kind := TransactionKind(strings.ToUpper(s))
	if _, ok := kindSigns[kind]; ok && !kind.IsAdjustment() {
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", errors.ErrUnknownTransactionKind, s)
}

// TransactionRecord is an immutable ledger entry
type TransactionRecord struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	CardID        uuid.UUID       `json:"card_id" db:"card_id"`
	Kind          TransactionKind `json:"kind" db:"kind"`
	Amount        int64           `json:"amount" db:"amount"` // always >= 0, sign comes from Kind
	BalanceBefore int64           `json:"balance_before" db:"balance_before"`
	BalanceAfter  int64           `json:"balance_after" db:"balance_after"`
	Timestamp     time.Time       `json:"timestamp" db:"created_at"`
	Description   string          `json:"description,omitempty" db:"description"`
	Succeeded     bool            `json:"succeeded" db:"succeeded"`
}

// Cursor marks a position in a newest-first listing. The zero value starts at the newest record.
type Cursor struct {
	Timestamp time.Time
	ID        uuid.UUID
}

// IsZero reports whether the cursor points at the start of a listing
func (c Cursor) IsZero() bool {
	return c.ID == uuid.Nil
}

// After returns the cursor that continues a listing past r
func After(r *TransactionRecord) Cursor {
	return Cursor{Timestamp: r.Timestamp, ID: r.ID}
}
