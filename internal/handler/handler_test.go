package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Dan9191/card-ledger/internal/lock"
	"github.com/Dan9191/card-ledger/internal/models"
	"github.com/Dan9191/card-ledger/internal/repository"
	"github.com/Dan9191/card-ledger/internal/service"
	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

type testServer struct {
	router *mux.Router
	store  *repository.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := repository.NewMemoryStore()
	return newTestServerWith(t, store, store)
}

// newTestServerWith serves repo while store gives the test direct access
func newTestServerWith(t *testing.T, repo repository.Store, store *repository.MemoryStore) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	svc := service.NewService(repo, lock.NewKeyedMutex(), logger)

	h := NewHandler(svc, logger)
	h.now = func() time.Time { return time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC) }
	router := mux.NewRouter()
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	h.RegisterRoutes(router)
	return &testServer{router: router, store: store}
}

func (s *testServer) owner(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, s.store.PutOwner(context.Background(), &models.Owner{ID: id, Username: "maria", Email: "maria@example.com"}))
	return id
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func (s *testServer) provision(t *testing.T, ownerID uuid.UUID, balance int64) *models.Card {
	t.Helper()
	w, env := s.do(t, http.MethodPost, "/cards", map[string]interface{}{"owner_id": ownerID, "initial_balance": balance})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var card models.Card
	require.NoError(t, json.Unmarshal(env.Data, &card))
	return &card
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
}

func TestProvisionCard(t *testing.T) {
	s := newTestServer(t)
	ownerID := s.owner(t)

	w, env := s.do(t, http.MethodPost, "/cards", map[string]interface{}{"owner_id": ownerID, "initial_balance": 1000})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, env.Success)

	var issued struct {
		ID      uuid.UUID `json:"id"`
		Number  string    `json:"number"`
		Balance int64     `json:"balance"`
		Active  bool      `json:"active"`
		CVV     string    `json:"cvv"`
		CVVHash string    `json:"cvv_hash"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &issued))
	assert.Len(t, issued.Number, 16)
	assert.Equal(t, int64(1000), issued.Balance)
	assert.True(t, issued.Active)
	assert.Len(t, issued.CVV, 3)
	assert.Empty(t, issued.CVVHash)

	w, env = s.do(t, http.MethodPost, "/cards", map[string]interface{}{"owner_id": ownerID})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_HAS_ACTIVE_CARD", env.Error.Code)

	w, env = s.do(t, http.MethodGet, "/cards/"+issued.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, string(env.Data), "cvv")
}

func TestProvisionCard_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{"malformed json", `{"owner_id":`, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown field", `{"owner_id":"` + uuid.NewString() + `","pin":1}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"missing owner", map[string]interface{}{"initial_balance": 10}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown owner", map[string]interface{}{"owner_id": uuid.New()}, http.StatusNotFound, "OWNER_NOT_FOUND"},
		{"negative balance", map[string]interface{}{"owner_id": s.owner(t), "initial_balance": -1}, http.StatusBadRequest, "INVALID_AMOUNT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := s.do(t, http.MethodPost, "/cards", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.wantCode, env.Error.Code)
			assert.False(t, env.Success)
		})
	}
}

func TestApplyTransaction(t *testing.T) {
	s := newTestServer(t)
	card := s.provision(t, s.owner(t), 1000)
	path := "/cards/" + card.ID.String() + "/transactions"

	w, env := s.do(t, http.MethodPost, path, map[string]interface{}{"kind": "withdrawal", "amount": 400, "description": "ATM"})
	require.Equal(t, http.StatusCreated, w.Code)
	var record models.TransactionRecord
	require.NoError(t, json.Unmarshal(env.Data, &record))
	assert.Equal(t, models.KindWithdrawal, record.Kind)
	assert.Equal(t, int64(1000), record.BalanceBefore)
	assert.Equal(t, int64(600), record.BalanceAfter)

	w, env = s.do(t, http.MethodPost, path, map[string]interface{}{"kind": "RET", "amount": 700})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INSUFFICIENT_FUNDS", env.Error.Code)

	w, env = s.do(t, http.MethodPost, path, map[string]interface{}{"kind": "AJC", "amount": 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UNKNOWN_TRANSACTION_KIND", env.Error.Code)

	w, env = s.do(t, http.MethodPost, path, map[string]interface{}{"kind": "DEP", "amount": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_AMOUNT", env.Error.Code)
	assert.Equal(t, "must be greater than zero", env.Error.Details["amount"])

	w, env = s.do(t, http.MethodPost, path, map[string]interface{}{"kind": "DEP"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	assert.Contains(t, env.Error.Details, "amount")

	w, env = s.do(t, http.MethodPost, path, map[string]interface{}{"kind": "DEP", "amount": 5, "description": strings.Repeat("x", 256)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, env.Error.Details, "description")

	w, env = s.do(t, http.MethodPost, "/cards/"+uuid.NewString()+"/transactions", map[string]interface{}{"kind": "DEP", "amount": 5})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CARD_NOT_FOUND", env.Error.Code)

	w, _ = s.do(t, http.MethodPost, "/cards/not-a-uuid/transactions", map[string]interface{}{"kind": "DEP", "amount": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = s.do(t, http.MethodGet, "/cards/"+card.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Card
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, int64(600), got.Balance)
}

func TestApplyTransaction_BalanceOverflow(t *testing.T) {
	s := newTestServer(t)
	card := s.provision(t, s.owner(t), math.MaxInt64-5)

	w, env := s.do(t, http.MethodPost, "/cards/"+card.ID.String()+"/transactions", map[string]interface{}{"kind": "DEP", "amount": 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_AMOUNT", env.Error.Code)
	assert.Contains(t, env.Error.Details, "amount")
}

func TestListTransactions(t *testing.T) {
	s := newTestServer(t)
	card := s.provision(t, s.owner(t), 0)
	path := "/cards/" + card.ID.String() + "/transactions"
	for i := 1; i <= 3; i++ {
		w, _ := s.do(t, http.MethodPost, path, map[string]interface{}{"kind": "deposit", "amount": i})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w, env := s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []models.TransactionRecord
	require.NoError(t, json.Unmarshal(env.Data, &records))
	require.Len(t, records, 3)
	assert.Equal(t, int64(3), records[0].Amount)

	w, env = s.do(t, http.MethodGet, path+"?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &records))
	assert.Len(t, records, 2)

	w, _ = s.do(t, http.MethodGet, path+"?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	other := s.provision(t, s.owner(t), 0)
	w, env = s.do(t, http.MethodGet, "/cards/"+other.ID.String()+"/transactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(env.Data))

	w, env = s.do(t, http.MethodPost, "/transactions/query", map[string]interface{}{"card_ids": []uuid.UUID{card.ID, other.ID}})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &records))
	assert.Len(t, records, 3)

	w, env = s.do(t, http.MethodPost, "/transactions/query", map[string]interface{}{"card_ids": []uuid.UUID{}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestSetActive(t *testing.T) {
	s := newTestServer(t)
	card := s.provision(t, s.owner(t), 0)
	path := "/cards/" + card.ID.String() + "/active"

	w, env := s.do(t, http.MethodPatch, path, map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Card
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.False(t, got.Active)

	w, env = s.do(t, http.MethodPatch, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.True(t, got.Active)

	w, env = s.do(t, http.MethodPatch, path, map[string]interface{}{})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.False(t, got.Active)
}

func TestSetBalance(t *testing.T) {
	s := newTestServer(t)
	card := s.provision(t, s.owner(t), 1000)
	path := "/cards/" + card.ID.String() + "/balance"

	w, env := s.do(t, http.MethodPatch, path, map[string]interface{}{"balance": 250, "description": "correction"})
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Card
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, int64(250), got.Balance)

	w, env = s.do(t, http.MethodPatch, path, map[string]interface{}{"balance": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_AMOUNT", env.Error.Code)

	w, env = s.do(t, http.MethodPatch, path, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	w, env = s.do(t, http.MethodGet, "/cards/"+card.ID.String()+"/transactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []models.TransactionRecord
	require.NoError(t, json.Unmarshal(env.Data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, models.KindAdjustmentDebit, records[0].Kind)
	assert.Equal(t, int64(750), records[0].Amount)
}

func TestDeleteCard(t *testing.T) {
	s := newTestServer(t)
	unused := s.provision(t, s.owner(t), 0)
	used := s.provision(t, s.owner(t), 0)

	w, _ := s.do(t, http.MethodPost, "/cards/"+used.ID.String()+"/transactions", map[string]interface{}{"kind": "DEP", "amount": 1})
	require.Equal(t, http.StatusCreated, w.Code)

	w, env := s.do(t, http.MethodDelete, "/cards/"+used.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CARD_HAS_TRANSACTIONS", env.Error.Code)

	w, _ = s.do(t, http.MethodDelete, "/cards/"+unused.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w, env = s.do(t, http.MethodGet, "/cards/"+unused.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CARD_NOT_FOUND", env.Error.Code)
}

func TestPutOwner(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New()

	w, env := s.do(t, http.MethodPut, "/owners/"+id.String(), map[string]string{"username": "maria", "email": "maria@example.com"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var owner models.Owner
	require.NoError(t, json.Unmarshal(env.Data, &owner))
	assert.Equal(t, id, owner.ID)
	assert.Equal(t, "maria", owner.Username)
	assert.False(t, owner.HasCard)

	s.provision(t, id, 0)

	w, env = s.do(t, http.MethodPut, "/owners/"+id.String(), map[string]string{"username": "maria.k"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &owner))
	assert.Equal(t, "maria.k", owner.Username)
	assert.True(t, owner.HasCard)

	w, env = s.do(t, http.MethodPut, "/owners/"+id.String(), map[string]string{"username": "maria", "email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	assert.Equal(t, "Invalid email address", env.Error.Details["email"])

	w, env = s.do(t, http.MethodPut, "/owners/"+id.String(), map[string]string{"email": "maria@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "This field is required", env.Error.Details["username"])
}

func TestOwnerEndpoints(t *testing.T) {
	s := newTestServer(t)
	ownerID := s.owner(t)

	w, env := s.do(t, http.MethodGet, "/owners/"+ownerID.String()+"/cards", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(env.Data))

	card := s.provision(t, ownerID, 500)
	w, _ = s.do(t, http.MethodPost, "/cards/"+card.ID.String()+"/transactions", map[string]interface{}{"kind": "REE", "amount": 100})
	require.Equal(t, http.StatusCreated, w.Code)

	w, env = s.do(t, http.MethodGet, "/owners/"+ownerID.String()+"/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary models.OwnerSummary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, 1, summary.TotalCards)
	assert.Equal(t, 1, summary.TotalTransactions)
	assert.Equal(t, int64(600), summary.TotalBalance)

	w, env = s.do(t, http.MethodGet, "/owners/"+uuid.NewString()+"/cards", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "OWNER_NOT_FOUND", env.Error.Code)
}

func TestStatement(t *testing.T) {
	s := newTestServer(t)
	card := s.provision(t, s.owner(t), 1000)
	w, _ := s.do(t, http.MethodPost, "/cards/"+card.ID.String()+"/transactions", map[string]interface{}{"kind": "TRA", "amount": 150})
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = s.do(t, http.MethodGet, "/cards/"+card.ID.String()+"/statement.xml", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/xml; charset=utf-8", w.Header().Get("Content-Type"))

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(w.Body.Bytes()))
	root := doc.SelectElement("CardStatement")
	require.NotNil(t, root)
	assert.Equal(t, "2025-06-01T00:00:00Z", root.SelectAttrValue("generated", ""))
	assert.Equal(t, "8.50", root.FindElement("./Card/Balance").Text())
	assert.Equal(t, "1.50", root.FindElement("./Totals/Debits").Text())

	w, env := s.do(t, http.MethodGet, "/cards/"+uuid.NewString()+"/statement.xml", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CARD_NOT_FOUND", env.Error.Code)
}

// staleCardStore answers card reads with an outdated balance, as if a
// transaction committed between the card read and the history read
type staleCardStore struct {
	*repository.MemoryStore
	balance int64
}

func (s *staleCardStore) CardByID(ctx context.Context, id uuid.UUID) (*models.Card, error) {
	card, err := s.MemoryStore.CardByID(ctx, id)
	if err != nil {
		return nil, err
	}
	card.Balance = s.balance
	return card, nil
}

func TestStatement_BalanceFollowsNewestRecord(t *testing.T) {
	store := repository.NewMemoryStore()
	s := newTestServerWith(t, &staleCardStore{MemoryStore: store, balance: 1000}, store)
	card := s.provision(t, s.owner(t), 1000)
	w, _ := s.do(t, http.MethodPost, "/cards/"+card.ID.String()+"/transactions", map[string]interface{}{"kind": "DEP", "amount": 250})
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = s.do(t, http.MethodGet, "/cards/"+card.ID.String()+"/statement.xml", nil)
	require.Equal(t, http.StatusOK, w.Code)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(w.Body.Bytes()))
	root := doc.SelectElement("CardStatement")
	require.NotNil(t, root)
	assert.Equal(t, "12.50", root.FindElement("./Card/Balance").Text())
	assert.Equal(t, "12.50", root.FindElement("./Transactions/Transaction/BalanceAfter").Text())
}
