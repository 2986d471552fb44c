package service

import (
	"context"
	"strings"

	"github.com/Dan9191/card-ledger/internal/errors"
	"github.com/Dan9191/card-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RegisterOwner creates the card holder or refreshes its username and email.
// Cards can only be provisioned for registered owners.
func (s *Service) RegisterOwner(ctx context.Context, id uuid.UUID, username, email string) (*models.Owner, error) {
	if id == uuid.Nil {
		return nil, errors.NewValidationError(errors.ErrInvalidInput, "id", "must not be nil")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.NewValidationError(errors.ErrInvalidInput, "username", "must not be empty")
	}

	owner := &models.Owner{ID: id, Username: username, Email: strings.TrimSpace(email)}
	if err := s.repo.PutOwner(ctx, owner); err != nil {
		return nil, err
	}
	stored, err := s.repo.OwnerByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"owner_id": id,
		"has_card": stored.HasCard,
	}).Info("Owner registered")
	return stored, nil
}
