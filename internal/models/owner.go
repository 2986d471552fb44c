package models

import "github.com/google/uuid"

// Owner is the card holder as resolved by the user layer
type Owner struct {
	ID       uuid.UUID `json:"id" db:"id"`
	Username string    `json:"username" db:"username"`
	Email    string    `json:"email" db:"email"`
	HasCard  bool      `json:"has_card" db:"has_card"`
}

// OwnerSummary aggregates all cards of an owner with their ledger history
type OwnerSummary struct {
	Owner             *Owner               `json:"owner"`
	Cards             []*Card              `json:"cards"`
	Transactions      []*TransactionRecord `json:"transactions"`
	TotalCards        int                  `json:"total_cards"`
	TotalTransactions int                  `json:"total_transactions"`
	TotalBalance      int64                `json:"total_balance"` // active cards only
}
