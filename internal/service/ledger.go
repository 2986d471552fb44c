package service

import (
	"context"
	"fmt"
	"iter"
	"math"
	"unicode/utf8"

	"github.com/Dan9191/card-ledger/internal/errors"
	"github.com/Dan9191/card-ledger/internal/lock"
	"github.com/Dan9191/card-ledger/internal/models"
	"github.com/Dan9191/card-ledger/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func cardKey(cardID uuid.UUID) string {
	return lock.CardKey(cardID.String())
}

func validateDescription(description string) error {
	if utf8.RuneCountInString(description) > maxDescriptionLength {
		return errors.NewValidationError(errors.ErrInvalidInput, "description",
			fmt.Sprintf("must be at most %d characters", maxDescriptionLength))
	}
	return nil
}

// Apply posts a transaction against a card and returns the ledger record.
// The balance change and the record are committed together while the card is
// locked, so concurrent calls on one card observe each other's effect.
func (s *Service) Apply(ctx context.Context, cardID uuid.UUID, kind models.TransactionKind, amount int64, description string) (*models.TransactionRecord, error) {
	if amount <= 0 {
		return nil, errors.NewValidationError(errors.ErrInvalidAmount, "amount", "must be greater than zero")
	}
	if kind.IsAdjustment() {
		return nil, fmt.Errorf("%w: %q is reserved for balance overrides", errors.ErrUnknownTransactionKind, string(kind))
	}
	if _, err := models.SignFor(kind); err != nil {
		return nil, err
	}
	if err := validateDescription(description); err != nil {
		return nil, err
	}

	record, card, err := s.applyLocked(ctx, cardID, kind, amount, description)
	if err != nil {
		fields := logrus.Fields{"card_id": cardID, "kind": kind, "amount": amount}
		switch {
		case errors.IsInsufficientFunds(err):
			s.log.WithFields(fields).Warn("Transaction rejected: insufficient funds")
		case errors.IsValidation(err):
			s.log.WithFields(fields).Warnf("Transaction rejected: %v", err)
		case errors.IsNotFound(err):
			s.log.WithFields(fields).Warn("Transaction rejected: card not found")
		default:
			s.log.WithFields(fields).Errorf("Transaction failed: %v", err)
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"card_id":        cardID,
		"transaction_id": record.ID,
		"kind":           record.Kind,
		"amount":         record.Amount,
		"balance_before": record.BalanceBefore,
		"balance_after":  record.BalanceAfter,
	}).Info("Transaction applied")

	s.notify(ctx, card, record)
	return record, nil
}

func (s *Service) applyLocked(ctx context.Context, cardID uuid.UUID, kind models.TransactionKind, amount int64, description string) (*models.TransactionRecord, *models.Card, error) {
	unlock, err := s.locker.Lock(ctx, cardKey(cardID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock card: %w", err)
	}
	defer unlock()

	var record *models.TransactionRecord
	var card *models.Card
	err = s.repo.WithinCardTx(ctx, cardID, func(tx repository.CardTx) error {
		card = tx.Card()
		r, err := s.post(ctx, tx, card, kind, amount, description)
		record = r
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	card.Balance = record.BalanceAfter
	return record, card, nil
}

// post writes the new balance and the matching record inside tx
func (s *Service) post(ctx context.Context, tx repository.CardTx, card *models.Card, kind models.TransactionKind, amount int64, description string) (*models.TransactionRecord, error) {
	sign, err := models.SignFor(kind)
	if err != nil {
		return nil, err
	}

	before := card.Balance
	if sign == models.Credit && amount > math.MaxInt64-before {
		return nil, errors.NewValidationError(errors.ErrInvalidAmount, "amount",
			fmt.Sprintf("would overflow balance %d", before))
	}
	after := before + amount
	if sign == models.Debit {
		if before < amount {
			return nil, fmt.Errorf("%w: balance %d, requested %d", errors.ErrInsufficientFunds, before, amount)
		}
		after = before - amount
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate record id: %w", err)
	}
	record := &models.TransactionRecord{
		ID:            id,
		CardID:        card.ID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Timestamp:     s.timestamp(),
		Description:   description,
		Succeeded:     true,
	}

	if err := tx.UpdateBalance(ctx, after); err != nil {
		return nil, err
	}
	if err := tx.InsertRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) notify(ctx context.Context, card *models.Card, record *models.TransactionRecord) {
	if s.notifier == nil {
		return
	}
	owner, err := s.repo.OwnerByID(ctx, card.OwnerID)
	if err != nil {
		s.log.WithField("card_id", card.ID).Errorf("Failed to resolve owner for notification: %v", err)
		return
	}
	if err := s.notifier.NotifyTransaction(ctx, owner, card, record); err != nil {
		s.log.WithFields(logrus.Fields{
			"card_id":        card.ID,
			"transaction_id": record.ID,
		}).Errorf("Failed to notify owner: %v", err)
	}
}

// ListForCard yields the card's records newest first. Each range over the
// returned sequence starts a fresh read, fetching one page at a time.
func (s *Service) ListForCard(ctx context.Context, cardID uuid.UUID) iter.Seq2[*models.TransactionRecord, error] {
	return func(yield func(*models.TransactionRecord, error) bool) {
		if _, err := s.repo.CardByID(ctx, cardID); err != nil {
			yield(nil, err)
			return
		}

		var cursor models.Cursor
		for {
			page, err := s.repo.TransactionsByCard(ctx, cardID, cursor, s.pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, r := range page {
				if !yield(r, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			cursor = models.After(page[len(page)-1])
		}
	}
}

// CollectForCard reads up to limit records of ListForCard; limit <= 0 reads all
func (s *Service) CollectForCard(ctx context.Context, cardID uuid.UUID, limit int) ([]*models.TransactionRecord, error) {
	records := []*models.TransactionRecord{}
	for r, err := range s.ListForCard(ctx, cardID) {
		if err != nil {
			return nil, err
		}
		records = append(records, r)
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

// ListForCards merges the records of several cards newest first
func (s *Service) ListForCards(ctx context.Context, cardIDs []uuid.UUID) ([]*models.TransactionRecord, error) {
	return s.repo.TransactionsByCards(ctx, cardIDs)
}

// OwnerSummary gathers every card of the owner with the full ledger history
func (s *Service) OwnerSummary(ctx context.Context, ownerID uuid.UUID) (*models.OwnerSummary, error) {
	owner, err := s.repo.OwnerByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	cards, err := s.repo.CardsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, len(cards))
	var total int64
	for i, c := range cards {
		ids[i] = c.ID
		if c.Active {
			total += c.Balance
		}
	}
	records, err := s.repo.TransactionsByCards(ctx, ids)
	if err != nil {
		return nil, err
	}

	return &models.OwnerSummary{
		Owner:             owner,
		Cards:             cards,
		Transactions:      records,
		TotalCards:        len(cards),
		TotalTransactions: len(records),
		TotalBalance:      total,
	}, nil
}
