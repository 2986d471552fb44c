package service

import (
	"context"
	"time"

	"github.com/Dan9191/card-ledger/internal/lock"
	"github.com/Dan9191/card-ledger/internal/models"
	"github.com/Dan9191/card-ledger/internal/repository"
	"github.com/Dan9191/card-ledger/internal/utils"
	"github.com/sirupsen/logrus"
)

const (
	defaultPageSize = 100

	// a number that passed the membership check can still lose the insert race
	maxProvisionRetries  = 3
	maxDescriptionLength = 255
)

// Notifier is told about every committed transaction
type Notifier interface {
	NotifyTransaction(ctx context.Context, owner *models.Owner, card *models.Card, record *models.TransactionRecord) error
}

// Service handles the card registry and the transaction ledger
type Service struct {
	repo      repository.Store
	locker    lock.Locker
	log       *logrus.Logger
	generator *utils.CardNumberGenerator
	notifier  Notifier
	now       func() time.Time
	pageSize  int
}

type Option func(*Service)

// WithGenerator replaces the default card number generator
func WithGenerator(g *utils.CardNumberGenerator) Option {
	return func(s *Service) { s.generator = g }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPageSize sets how many records ListForCard fetches per round trip
func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewService initializes a new service
func NewService(repo repository.Store, locker lock.Locker, log *logrus.Logger, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		locker:    locker,
		log:       log,
		generator: utils.NewCardNumberGenerator(utils.IssuerPrefix),
		now:       time.Now,
		pageSize:  defaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// timestamp is the store-safe current time; PostgreSQL keeps microseconds
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}
