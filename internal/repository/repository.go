package repository

import (
	"context"
	"time"

	"github.com/Dan9191/card-ledger/internal/models"
	"github.com/google/uuid"
)

// Store is the persistence contract of the card registry and the ledger.
// Implementations return the sentinels of internal/errors for not-found and
// conflict outcomes.
type Store interface {
	CardStore
	LedgerStore

	// PutOwner registers a card holder or refreshes its username and email.
	// HasCard is maintained by InsertCard and never taken from owner.
	PutOwner(ctx context.Context, owner *models.Owner) error

	// OwnerByID resolves the card holder; ErrOwnerNotFound if unknown
	OwnerByID(ctx context.Context, id uuid.UUID) (*models.Owner, error)
}

// CardStore owns the issued cards
type CardStore interface {
	// CardNumberExists is the membership check used by the number generator
	CardNumberExists(ctx context.Context, number string) (bool, error)

	// InsertCard stores a new card and flags its owner as having a card in one unit.
	// Number uniqueness and the one-active-card rule are checked inside that unit:
	// ErrCardNumberTaken, ErrAlreadyHasActiveCard, ErrOwnerNotFound.
	InsertCard(ctx context.Context, card *models.Card) error

	CardByID(ctx context.Context, id uuid.UUID) (*models.Card, error)

	// CardsByOwner returns the owner's cards, most recently issued first
	CardsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Card, error)

	// UpdateCardActive sets the active flag, or flips it when active is nil.
	// Activating fails with ErrAlreadyHasActiveCard if a sibling card is active.
	UpdateCardActive(ctx context.Context, id uuid.UUID, active *bool) (*models.Card, error)

	// DeleteCard removes a card that no transaction record references,
	// otherwise ErrCardHasTransactions
	DeleteCard(ctx context.Context, id uuid.UUID) error

	// DeactivateExpired clears the active flag of every card expired at now
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// LedgerStore holds the append-only transaction records
type LedgerStore interface {
	// WithinCardTx runs fn against a locked snapshot of the card. The balance
	// update and the appended records become visible together when fn returns
	// nil, and not at all otherwise. fn must not call back into the Store.
	WithinCardTx(ctx context.Context, cardID uuid.UUID, fn func(tx CardTx) error) error

	// TransactionsByCard lists records newest first, strictly after the cursor
	TransactionsByCard(ctx context.Context, cardID uuid.UUID, after models.Cursor, limit int) ([]*models.TransactionRecord, error)

	// TransactionsByCards lists the records of all given cards newest first
	TransactionsByCards(ctx context.Context, cardIDs []uuid.UUID) ([]*models.TransactionRecord, error)
}

// CardTx is a single atomic balance change of one card
type CardTx interface {
	// Card is the state read when the unit started
	Card() *models.Card
	UpdateBalance(ctx context.Context, balance int64) error
	InsertRecord(ctx context.Context, record *models.TransactionRecord) error
}

// newestFirst orders records by timestamp then id, both descending
func newestFirst(a, b *models.TransactionRecord) int {
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}
	for i := range a.ID {
		if a.ID[i] != b.ID[i] {
			if a.ID[i] > b.ID[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
