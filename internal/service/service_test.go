package service

import (
	"context"
	"testing"

	"github.com/Dan9191/card-ledger/internal/lock"
	"github.com/Dan9191/card-ledger/internal/models"
	"github.com/Dan9191/card-ledger/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockNotifier is a mock implementation of Notifier for testing
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyTransaction(ctx context.Context, owner *models.Owner, card *models.Card, record *models.TransactionRecord) error {
	args := m.Called(ctx, owner, card, record)
	return args.Error(0)
}

// cycleReader yields the same byte pattern forever
type cycleReader struct {
	pattern []byte
	pos     int
}

func (r *cycleReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.pattern[r.pos%len(r.pattern)]
		r.pos++
	}
	return len(p), nil
}

type fixture struct {
	svc   *Service
	store *repository.MemoryStore
	hook  *test.Hook
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	store := repository.NewMemoryStore()
	return &fixture{
		svc:   NewService(store, lock.NewKeyedMutex(), logger, opts...),
		store: store,
		hook:  hook,
	}
}

func (f *fixture) owner(t *testing.T) *models.Owner {
	t.Helper()
	o := &models.Owner{ID: uuid.New(), Username: "maria", Email: "maria@example.com"}
	require.NoError(t, f.store.PutOwner(context.Background(), o))
	return o
}

func (f *fixture) card(t *testing.T, balance int64) *models.Card {
	t.Helper()
	issued, err := f.svc.ProvisionCard(context.Background(), f.owner(t).ID, balance)
	require.NoError(t, err)
	return issued.Card
}

func (f *fixture) hasLog(level logrus.Level, msg string) bool {
	for _, e := range f.hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}
