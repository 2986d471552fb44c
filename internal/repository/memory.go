package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Dan9191/card-ledger/internal/errors"
	"github.com/Dan9191/card-ledger/internal/models"
	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory.
//
// Lock order is store.mu before cardEntry.mu. Balance mutations only take the
// entry lock, so different cards never wait on each other.
type MemoryStore struct {
	mu     sync.RWMutex
	owners map[uuid.UUID]*models.Owner
	cards  map[uuid.UUID]*cardEntry
	// numbers holds every number ever issued, deleted cards included
	numbers map[string]uuid.UUID
	byOwner map[uuid.UUID][]uuid.UUID
}

type cardEntry struct {
	mu      sync.RWMutex
	card    models.Card
	records []*models.TransactionRecord // oldest first
	deleted bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		owners:  make(map[uuid.UUID]*models.Owner),
		cards:   make(map[uuid.UUID]*cardEntry),
		numbers: make(map[string]uuid.UUID),
		byOwner: make(map[uuid.UUID][]uuid.UUID),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) PutOwner(_ context.Context, owner *models.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := *owner
	o.HasCard = false
	if existing, ok := s.owners[o.ID]; ok {
		o.HasCard = existing.HasCard
	}
	s.owners[o.ID] = &o
	return nil
}

func (s *MemoryStore) OwnerByID(_ context.Context, id uuid.UUID) (*models.Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.owners[id]
	if !ok {
		return nil, errors.ErrOwnerNotFound
	}
	out := *o
	return &out, nil
}

func (s *MemoryStore) CardNumberExists(_ context.Context, number string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.numbers[number]
	return ok, nil
}

func (s *MemoryStore) InsertCard(_ context.Context, card *models.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.owners[card.OwnerID]
	if !ok {
		return errors.ErrOwnerNotFound
	}
	if _, taken := s.numbers[card.Number]; taken {
		return errors.ErrCardNumberTaken
	}
	if card.Active && s.hasActiveLocked(card.OwnerID, uuid.Nil) {
		return errors.ErrAlreadyHasActiveCard
	}

	s.cards[card.ID] = &cardEntry{card: *card}
	s.numbers[card.Number] = card.ID
	s.byOwner[card.OwnerID] = append(s.byOwner[card.OwnerID], card.ID)
	owner.HasCard = true
	return nil
}

// hasActiveLocked must be called with s.mu held
func (s *MemoryStore) hasActiveLocked(ownerID, except uuid.UUID) bool {
	for _, id := range s.byOwner[ownerID] {
		if id == except {
			continue
		}
		e := s.cards[id]
		e.mu.RLock()
		active := e.card.Active
		e.mu.RUnlock()
		if active {
			return true
		}
	}
	return false
}

func (s *MemoryStore) entry(id uuid.UUID) (*cardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cards[id]
	if !ok {
		return nil, errors.ErrCardNotFound
	}
	return e, nil
}

func (s *MemoryStore) CardByID(_ context.Context, id uuid.UUID) (*models.Card, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.deleted {
		return nil, errors.ErrCardNotFound
	}
	c := e.card
	return &c, nil
}

func (s *MemoryStore) CardsByOwner(_ context.Context, ownerID uuid.UUID) ([]*models.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byOwner[ownerID]
	cards := make([]*models.Card, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		e := s.cards[ids[i]]
		e.mu.RLock()
		c := e.card
		e.mu.RUnlock()
		cards = append(cards, &c)
	}
	return cards, nil
}

func (s *MemoryStore) UpdateCardActive(_ context.Context, id uuid.UUID, active *bool) (*models.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cards[id]
	if !ok {
		return nil, errors.ErrCardNotFound
	}

	e.mu.RLock()
	want := !e.card.Active
	ownerID := e.card.OwnerID
	e.mu.RUnlock()
	if active != nil {
		want = *active
	}
	if want && s.hasActiveLocked(ownerID, id) {
		return nil, errors.ErrAlreadyHasActiveCard
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.card.Active = want
	c := e.card
	return &c, nil
}

func (s *MemoryStore) DeleteCard(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cards[id]
	if !ok {
		return errors.ErrCardNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.records) > 0 {
		return errors.ErrCardHasTransactions
	}

	e.deleted = true
	delete(s.cards, id)
	s.byOwner[e.card.OwnerID] = slices.DeleteFunc(s.byOwner[e.card.OwnerID], func(other uuid.UUID) bool {
		return other == id
	})
	return nil
}

func (s *MemoryStore) DeactivateExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.cards {
		e.mu.Lock()
		if e.card.Active && e.card.Expired(now) {
			e.card.Active = false
			n++
		}
		e.mu.Unlock()
	}
	return n, nil
}

type memoryCardTx struct {
	snapshot models.Card
	balance  int64
	records  []*models.TransactionRecord
}

func (tx *memoryCardTx) Card() *models.Card {
	c := tx.snapshot
	return &c
}

func (tx *memoryCardTx) UpdateBalance(_ context.Context, balance int64) error {
	if balance < 0 {
		return errors.NewStoreError("update balance", errors.ErrInsufficientFunds)
	}
	tx.balance = balance
	return nil
}

func (tx *memoryCardTx) InsertRecord(_ context.Context, record *models.TransactionRecord) error {
	r := *record
	tx.records = append(tx.records, &r)
	return nil
}

func (s *MemoryStore) WithinCardTx(ctx context.Context, cardID uuid.UUID, fn func(tx CardTx) error) error {
	e, err := s.entry(cardID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return errors.ErrCardNotFound
	}

	tx := &memoryCardTx{snapshot: e.card, balance: e.card.Balance}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.card.Balance = tx.balance
	e.records = append(e.records, tx.records...)
	return nil
}

func (s *MemoryStore) TransactionsByCard(_ context.Context, cardID uuid.UUID, after models.Cursor, limit int) ([]*models.TransactionRecord, error) {
	e, err := s.entry(cardID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	start := len(e.records) - 1
	if !after.IsZero() {
		start = -1
		for i := len(e.records) - 1; i >= 0; i-- {
			if e.records[i].ID == after.ID {
				start = i - 1
				break
			}
		}
	}

	out := make([]*models.TransactionRecord, 0, min(max(start+1, 0), max(limit, 0)))
	for i := start; i >= 0 && len(out) < limit; i-- {
		r := *e.records[i]
		out = append(out, &r)
	}
	return out, nil
}

func (s *MemoryStore) TransactionsByCards(_ context.Context, cardIDs []uuid.UUID) ([]*models.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[uuid.UUID]struct{}, len(cardIDs))
	var out []*models.TransactionRecord
	for _, id := range cardIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		e, ok := s.cards[id]
		if !ok {
			continue
		}
		e.mu.RLock()
		for _, rec := range e.records {
			r := *rec
			out = append(out, &r)
		}
		e.mu.RUnlock()
	}
	slices.SortStableFunc(out, newestFirst)
	return out, nil
}
