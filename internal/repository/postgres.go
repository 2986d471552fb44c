package repository

import (
	"context"
	"database/sql"
	_ "embed"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/Dan9191/card-ledger/internal/errors"
	"github.com/Dan9191/card-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
	pqCheckViolation      = "23514"

	numberConstraint    = "cards_number_key"
	issuedConstraint    = "issued_numbers_pkey"
	oneActiveConstraint = "cards_one_active_per_owner"
)

const cardColumns = `id, owner_id, number, balance, active, issued_at, expires_at, cvv_hash`

const recordColumns = `id, card_id, kind, amount, balance_before, balance_after, created_at, description, succeeded`

// PostgresStore provides database operations
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore initializes a new store
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the tables and indexes if they do not exist
func (r *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// PutOwner inserts or refreshes a card holder row
func (r *PostgresStore) PutOwner(ctx context.Context, owner *models.Owner) error {
	query := `
		INSERT INTO users (id, username, email, has_card)
		VALUES ($1, $2, $3, FALSE)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, email = EXCLUDED.email`
	if _, err := r.db.ExecContext(ctx, query, owner.ID, owner.Username, owner.Email); err != nil {
		return fmt.Errorf("failed to put owner: %w", err)
	}
	return nil
}

// OwnerByID retrieves a card holder
func (r *PostgresStore) OwnerByID(ctx context.Context, id uuid.UUID) (*models.Owner, error) {
	owner := &models.Owner{}
	err := r.db.GetContext(ctx, owner, `SELECT id, username, email, has_card FROM users WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrOwnerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find owner: %w", err)
	}
	return owner, nil
}

func (r *PostgresStore) CardNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM issued_numbers WHERE number = $1)`, number)
	if err != nil {
		return false, fmt.Errorf("failed to check card number: %w", err)
	}
	return exists, nil
}

// InsertCard reserves the number, creates the card and sets users.has_card in one transaction
func (r *PostgresStore) InsertCard(ctx context.Context, card *models.Card) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errors.NewStoreError("begin", err)
	}
	defer tx.Rollback()

	// the owner row lock serializes provisioning for one owner
	var ownerID uuid.UUID
	err = tx.GetContext(ctx, &ownerID, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, card.OwnerID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.ErrOwnerNotFound
	}
	if err != nil {
		return errors.NewStoreError("lock owner", err)
	}

	if card.Active {
		var hasActive bool
		err = tx.GetContext(ctx, &hasActive,
			`SELECT EXISTS(SELECT 1 FROM cards WHERE owner_id = $1 AND active)`, card.OwnerID)
		if err != nil {
			return errors.NewStoreError("check active card", err)
		}
		if hasActive {
			return errors.ErrAlreadyHasActiveCard
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO issued_numbers (number, issued_at) VALUES ($1, $2)`, card.Number, card.IssuedAt); err != nil {
		return mapCardWriteError("reserve number", err)
	}

	query := `INSERT INTO cards (` + cardColumns + `)
		VALUES (:id, :owner_id, :number, :balance, :active, :issued_at, :expires_at, :cvv_hash)`
	if _, err := tx.NamedExecContext(ctx, query, card); err != nil {
		return mapCardWriteError("insert card", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET has_card = TRUE WHERE id = $1`, card.OwnerID); err != nil {
		return errors.NewStoreError("flag owner", err)
	}

	if err := tx.Commit(); err != nil {
		return mapCardWriteError("commit", err)
	}
	return nil
}

func (r *PostgresStore) CardByID(ctx context.Context, id uuid.UUID) (*models.Card, error) {
	card := &models.Card{}
	err := r.db.GetContext(ctx, card, `SELECT `+cardColumns+` FROM cards WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrCardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find card: %w", err)
	}
	return card, nil
}

func (r *PostgresStore) CardsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Card, error) {
	cards := []*models.Card{}
	err := r.db.SelectContext(ctx, &cards,
		`SELECT `+cardColumns+` FROM cards WHERE owner_id = $1 ORDER BY issued_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	return cards, nil
}

func (r *PostgresStore) UpdateCardActive(ctx context.Context, id uuid.UUID, active *bool) (*models.Card, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, errors.NewStoreError("begin", err)
	}
	defer tx.Rollback()

	card, err := lockCard(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	want := !card.Active
	if active != nil {
		want = *active
	}

	if want && !card.Active {
		if _, err := tx.ExecContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, card.OwnerID); err != nil {
			return nil, errors.NewStoreError("lock owner", err)
		}
		var hasActive bool
		err = tx.GetContext(ctx, &hasActive,
			`SELECT EXISTS(SELECT 1 FROM cards WHERE owner_id = $1 AND active AND id <> $2)`, card.OwnerID, id)
		if err != nil {
			return nil, errors.NewStoreError("check active card", err)
		}
		if hasActive {
			return nil, errors.ErrAlreadyHasActiveCard
		}
	}

	if want != card.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE cards SET active = $1 WHERE id = $2`, want, id); err != nil {
			return nil, mapCardWriteError("update active", err)
		}
		card.Active = want
	}

	if err := tx.Commit(); err != nil {
		return nil, mapCardWriteError("commit", err)
	}
	return card, nil
}

func (r *PostgresStore) DeleteCard(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM cards WHERE id = $1`, id)
	if err != nil {
		return mapCardWriteError("delete card", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected after deleting card: %w", err)
	}
	if rowsAffected == 0 {
		return errors.ErrCardNotFound
	}
	return nil
}

func (r *PostgresStore) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE cards SET active = FALSE WHERE active AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired cards: %w", err)
	}
	return result.RowsAffected()
}

func lockCard(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*models.Card, error) {
	card := &models.Card{}
	err := tx.GetContext(ctx, card, `SELECT `+cardColumns+` FROM cards WHERE id = $1 FOR UPDATE`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrCardNotFound
	}
	if err != nil {
		return nil, errors.NewStoreError("lock card", err)
	}
	return card, nil
}

type pgCardTx struct {
	tx   *sqlx.Tx
	card *models.Card
}

func (t *pgCardTx) Card() *models.Card {
	c := *t.card
	return &c
}

func (t *pgCardTx) UpdateBalance(ctx context.Context, balance int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE cards SET balance = $1 WHERE id = $2`, balance, t.card.ID)
	if err != nil {
		return mapCardWriteError("update balance", err)
	}
	return nil
}

func (t *pgCardTx) InsertRecord(ctx context.Context, record *models.TransactionRecord) error {
	query := `INSERT INTO transaction_history (` + recordColumns + `)
		VALUES (:id, :card_id, :kind, :amount, :balance_before, :balance_after, :created_at, :description, :succeeded)`
	if _, err := t.tx.NamedExecContext(ctx, query, record); err != nil {
		return errors.NewStoreError("insert transaction record", err)
	}
	return nil
}

// WithinCardTx locks the card row with SELECT ... FOR UPDATE for the length of fn
func (r *PostgresStore) WithinCardTx(ctx context.Context, cardID uuid.UUID, fn func(tx CardTx) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errors.NewStoreError("begin", err)
	}
	defer tx.Rollback()

	card, err := lockCard(ctx, tx, cardID)
	if err != nil {
		return err
	}

	if err := fn(&pgCardTx{tx: tx, card: card}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStoreError("commit", err)
	}
	return nil
}

func (r *PostgresStore) TransactionsByCard(ctx context.Context, cardID uuid.UUID, after models.Cursor, limit int) ([]*models.TransactionRecord, error) {
	records := []*models.TransactionRecord{}
	var err error
	if after.IsZero() {
		err = r.db.SelectContext(ctx, &records, `
			SELECT `+recordColumns+` FROM transaction_history
			WHERE card_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, cardID, limit)
	} else {
		err = r.db.SelectContext(ctx, &records, `
			SELECT `+recordColumns+` FROM transaction_history
			WHERE card_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, cardID, after.Timestamp, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return records, nil
}

func (r *PostgresStore) TransactionsByCards(ctx context.Context, cardIDs []uuid.UUID) ([]*models.TransactionRecord, error) {
	records := []*models.TransactionRecord{}
	if len(cardIDs) == 0 {
		return records, nil
	}

	ids := make([]string, len(cardIDs))
	for i, id := range cardIDs {
		ids[i] = id.String()
	}
	err := r.db.SelectContext(ctx, &records, `
		SELECT `+recordColumns+` FROM transaction_history
		WHERE card_id = ANY($1::uuid[])
		ORDER BY created_at DESC, id DESC`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return records, nil
}

func mapCardWriteError(op string, err error) error {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch {
		case pqErr.Code == pqUniqueViolation && (pqErr.Constraint == numberConstraint || pqErr.Constraint == issuedConstraint):
			return errors.ErrCardNumberTaken
		case pqErr.Code == pqUniqueViolation && pqErr.Constraint == oneActiveConstraint:
			return errors.ErrAlreadyHasActiveCard
		case pqErr.Code == pqForeignKeyViolation:
			return errors.ErrCardHasTransactions
		case pqErr.Code == pqCheckViolation:
			return errors.NewStoreError(op, fmt.Errorf("%w: %s", errors.ErrInsufficientFunds, pqErr.Message))
		}
	}
	return errors.NewStoreError(op, err)
}
