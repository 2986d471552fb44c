package service

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/Dan9191/card-ledger/internal/errors"
	"github.com/Dan9191/card-ledger/internal/models"
	"github.com/Dan9191/card-ledger/internal/repository"
	"github.com/Dan9191/card-ledger/internal/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// ProvisionCard issues a new active card to the owner. The returned IssuedCard
// carries the CVV in clear; only its bcrypt hash is stored.
func (s *Service) ProvisionCard(ctx context.Context, ownerID uuid.UUID, initialBalance int64) (*models.IssuedCard, error) {
	if initialBalance < 0 {
		return nil, errors.NewValidationError(errors.ErrInvalidAmount, "initial_balance", "must be non-negative")
	}

	if _, err := s.repo.OwnerByID(ctx, ownerID); err != nil {
		return nil, err
	}
	cards, err := s.repo.CardsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, c := range cards {
		if c.Active {
			s.log.WithFields(logrus.Fields{
				"owner_id": ownerID,
				"card_id":  c.ID,
			}).Warn("Provisioning rejected: owner already has an active card")
			return nil, errors.ErrAlreadyHasActiveCard
		}
	}

	cvv, err := utils.GenerateCVV(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CVV: %w", err)
	}
	cvvHash, err := bcrypt.GenerateFromPassword([]byte(cvv), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash CVV: %w", err)
	}

	issuedAt := s.timestamp()
	card := &models.Card{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Balance:   initialBalance,
		Active:    true,
		IssuedAt:  issuedAt,
		ExpiresAt: utils.ExpiryDate(issuedAt),
		CVVHash:   string(cvvHash),
	}

	exists := func(number string) (bool, error) {
		return s.repo.CardNumberExists(ctx, number)
	}
	for attempt := 1; ; attempt++ {
		card.Number, err = s.generator.Generate(exists)
		if err != nil {
			if stderrors.Is(err, errors.ErrGenerationExhausted) {
				s.log.WithFields(logrus.Fields{
					"owner_id": ownerID,
					"prefix":   s.generator.Prefix,
				}).Errorf("Card number space or random source degraded: %v", err)
			}
			return nil, err
		}

		err = s.repo.InsertCard(ctx, card)
		if err == nil {
			break
		}
		if !stderrors.Is(err, errors.ErrCardNumberTaken) {
			return nil, err
		}
		if attempt == maxProvisionRetries {
			s.log.WithField("owner_id", ownerID).Errorf("Card number collided on insert %d times", attempt)
			return nil, fmt.Errorf("%w: number collided on insert %d times", errors.ErrGenerationExhausted, attempt)
		}
	}

	s.log.WithFields(logrus.Fields{
		"owner_id": ownerID,
		"card_id":  card.ID,
		"number":   card.MaskedNumber(),
	}).Info("Card provisioned")
	return &models.IssuedCard{Card: card, CVV: cvv}, nil
}

// SetActive sets the active flag; setting the current value is a no-op
func (s *Service) SetActive(ctx context.Context, cardID uuid.UUID, active bool) (*models.Card, error) {
	return s.updateActive(ctx, cardID, &active)
}

// ToggleActive flips the active flag
func (s *Service) ToggleActive(ctx context.Context, cardID uuid.UUID) (*models.Card, error) {
	return s.updateActive(ctx, cardID, nil)
}

func (s *Service) updateActive(ctx context.Context, cardID uuid.UUID, active *bool) (*models.Card, error) {
	card, err := s.repo.UpdateCardActive(ctx, cardID, active)
	if err != nil {
		if errors.IsConflict(err) {
			s.log.WithField("card_id", cardID).Warnf("Activation rejected: %v", err)
		}
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"card_id": cardID, "active": card.Active}).Info("Card status updated")
	return card, nil
}

// SetBalance overrides the balance of a card. The difference is posted to the
// ledger as an adjustment so the audit trail stays complete.
func (s *Service) SetBalance(ctx context.Context, cardID uuid.UUID, newBalance int64, description string) (*models.Card, error) {
	if newBalance < 0 {
		return nil, errors.NewValidationError(errors.ErrInvalidAmount, "balance", "must be non-negative")
	}
	if err := validateDescription(description); err != nil {
		return nil, err
	}
	if description == "" {
		description = "Balance override"
	}

	unlock, err := s.locker.Lock(ctx, cardKey(cardID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock card: %w", err)
	}
	defer unlock()

	var card *models.Card
	var record *models.TransactionRecord
	err = s.repo.WithinCardTx(ctx, cardID, func(tx repository.CardTx) error {
		card = tx.Card()
		delta := newBalance - card.Balance
		if delta == 0 {
			return nil
		}
		kind, amount := models.KindAdjustmentCredit, delta
		if delta < 0 {
			kind, amount = models.KindAdjustmentDebit, -delta
		}
		r, err := s.post(ctx, tx, card, kind, amount, description)
		record = r
		return err
	})
	if err != nil {
		return nil, err
	}

	if record != nil {
		card.Balance = record.BalanceAfter
		s.log.WithFields(logrus.Fields{
			"card_id":        cardID,
			"transaction_id": record.ID,
			"balance_before": record.BalanceBefore,
			"balance_after":  record.BalanceAfter,
		}).Info("Card balance overridden")
	}
	return card, nil
}

func (s *Service) FindByID(ctx context.Context, cardID uuid.UUID) (*models.Card, error) {
	return s.repo.CardByID(ctx, cardID)
}

// FindByOwner lists the owner's cards, most recently issued first
func (s *Service) FindByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Card, error) {
	if _, err := s.repo.OwnerByID(ctx, ownerID); err != nil {
		return nil, err
	}
	return s.repo.CardsByOwner(ctx, ownerID)
}

// DeleteCard hard-deletes a card that has never been used in a transaction
func (s *Service) DeleteCard(ctx context.Context, cardID uuid.UUID) error {
	unlock, err := s.locker.Lock(ctx, cardKey(cardID))
	if err != nil {
		return fmt.Errorf("failed to lock card: %w", err)
	}
	defer unlock()

	if err := s.repo.DeleteCard(ctx, cardID); err != nil {
		if stderrors.Is(err, errors.ErrCardHasTransactions) {
			s.log.WithField("card_id", cardID).Warn("Delete rejected: card has transaction records")
		}
		return err
	}
	s.log.WithField("card_id", cardID).Info("Card deleted")
	return nil
}

// DeactivateExpired turns off every card past its expiry date
func (s *Service) DeactivateExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeactivateExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.WithField("count", n).Info("Expired cards deactivated")
	}
	return n, nil
}
