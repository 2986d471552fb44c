package handler

import (
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Dan9191/card-ledger/internal/errors"
	"github.com/Dan9191/card-ledger/internal/middleware"
	"github.com/Dan9191/card-ledger/internal/models"
	"github.com/Dan9191/card-ledger/internal/service"
	"github.com/Dan9191/card-ledger/internal/statement"
	"github.com/Dan9191/card-ledger/internal/utils/response"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxListLimit = 1000

type Handler struct {
	svc *service.Service
	log *logrus.Logger
	now func() time.Time
}

func NewHandler(svc *service.Service, log *logrus.Logger) *Handler {
	return &Handler{svc: svc, log: log, now: time.Now}
}

// RegisterRoutes mounts the card and ledger endpoints on r
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/cards", h.ProvisionCard).Methods(http.MethodPost)
	r.HandleFunc("/cards/{id}", h.GetCard).Methods(http.MethodGet)
	r.HandleFunc("/cards/{id}", h.DeleteCard).Methods(http.MethodDelete)
	r.HandleFunc("/cards/{id}/active", h.SetActive).Methods(http.MethodPatch)
	r.HandleFunc("/cards/{id}/balance", h.SetBalance).Methods(http.MethodPatch)
	r.HandleFunc("/cards/{id}/transactions", h.ApplyTransaction).Methods(http.MethodPost)
	r.HandleFunc("/cards/{id}/transactions", h.ListTransactions).Methods(http.MethodGet)
	r.HandleFunc("/cards/{id}/statement.xml", h.Statement).Methods(http.MethodGet)
	r.HandleFunc("/owners/{id}", h.PutOwner).Methods(http.MethodPut)
	r.HandleFunc("/owners/{id}/cards", h.OwnerCards).Methods(http.MethodGet)
	r.HandleFunc("/owners/{id}/summary", h.OwnerSummary).Methods(http.MethodGet)
	r.HandleFunc("/transactions/query", h.QueryTransactions).Methods(http.MethodPost)
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]string{"status": "ok"})
}

type provisionRequest struct {
	OwnerID        uuid.UUID `json:"owner_id" validate:"required"`
	InitialBalance int64     `json:"initial_balance"`
}

// ProvisionCard issues a new card; the CVV is only ever returned here
func (h *Handler) ProvisionCard(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	card, err := h.svc.ProvisionCard(r.Context(), req.OwnerID, req.InitialBalance)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Created(w, card)
}

func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	card, err := h.svc.FindByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, card)
}

func (h *Handler) DeleteCard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteCard(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

// SetActive sets the active flag, or flips it when the body has no value
func (h *Handler) SetActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req setActiveRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil && !stderrors.Is(err, io.EOF) {
		response.BadRequest(w, "Invalid JSON body: "+err.Error())
		return
	}

	var (
		card *models.Card
		err  error
	)
	if req.Active == nil {
		card, err = h.svc.ToggleActive(r.Context(), id)
	} else {
		card, err = h.svc.SetActive(r.Context(), id, *req.Active)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, card)
}

type setBalanceRequest struct {
	Balance     *int64 `json:"balance" validate:"required"`
	Description string `json:"description" validate:"max=255"`
}

func (h *Handler) SetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req setBalanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	card, err := h.svc.SetBalance(r.Context(), id, *req.Balance, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.WithFields(logrus.Fields{
		"card_id":  id,
		"actor_id": middleware.GetUserID(r.Context()),
	}).Info("Balance override applied")
	response.OK(w, card)
}

type applyRequest struct {
	Kind        string `json:"kind" validate:"required"`
	Amount      *int64 `json:"amount" validate:"required"`
	Description string `json:"description" validate:"max=255"`
}

func (h *Handler) ApplyTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req applyRequest
	if !h.decode(w, r, &req) {
		return
	}
	kind, err := models.ParseTransactionKind(req.Kind)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	record, err := h.svc.Apply(r.Context(), id, kind, *req.Amount, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Created(w, record)
}

// ListTransactions returns the card's records newest first, all of them unless ?limit= is given
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			response.BadRequest(w, "limit must be an integer between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		limit = n
	}
	records, err := h.svc.CollectForCard(r.Context(), id, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, records)
}

type queryRequest struct {
	CardIDs []uuid.UUID `json:"card_ids" validate:"max=100"`
}

// QueryTransactions lists the records of a set of cards, newest first
func (h *Handler) QueryTransactions(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !h.decode(w, r, &req) {
		return
	}
	records, err := h.svc.ListForCards(r.Context(), req.CardIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*models.TransactionRecord{}
	}
	response.OK(w, records)
}

// Statement renders the card's full history as XML
func (h *Handler) Statement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	card, err := h.svc.FindByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	records, err := h.svc.CollectForCard(r.Context(), id, 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// the card and its history are separate reads; the newest record is authoritative
	if len(records) > 0 {
		card.Balance = records[0].BalanceAfter
	}

	doc, err := (&statement.Statement{Card: card, Records: records, GeneratedAt: h.now()}).Build()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := doc.WriteTo(w); err != nil {
		h.log.WithField("card_id", id).Errorf("Failed to write statement: %v", err)
	}
}

type ownerRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Email    string `json:"email" validate:"omitempty,email,max=255"`
}

// PutOwner registers a card holder or updates its contact details
func (h *Handler) PutOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ownerRequest
	if !h.decode(w, r, &req) {
		return
	}
	owner, err := h.svc.RegisterOwner(r.Context(), id, req.Username, req.Email)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, owner)
}

func (h *Handler) OwnerCards(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	cards, err := h.svc.FindByOwner(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if cards == nil {
		cards = []*models.Card{}
	}
	response.OK(w, cards)
}

func (h *Handler) OwnerSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	summary, err := h.svc.OwnerSummary(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, summary)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		response.ValidationError(w, map[string]string{"id": "Invalid UUID"})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps domain errors onto HTTP statuses
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *errors.ValidationError
	switch {
	case stderrors.As(err, &validationErr):
		response.ErrorWithDetails(w, http.StatusBadRequest, errorCode(err), err.Error(),
			map[string]string{validationErr.Field: validationErr.Message})
	case errors.IsValidation(err):
		response.Error(w, http.StatusBadRequest, errorCode(err), err.Error())
	case errors.IsNotFound(err):
		response.Error(w, http.StatusNotFound, errorCode(err), err.Error())
	case errors.IsConflict(err):
		response.Error(w, http.StatusConflict, errorCode(err), err.Error())
	case stderrors.Is(err, errors.ErrGenerationExhausted):
		h.log.WithField("path", r.URL.Path).Errorf("Card number generation exhausted: %v", err)
		response.Error(w, http.StatusServiceUnavailable, errorCode(err), "Card number generation is temporarily unavailable")
	default:
		h.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Errorf("Request failed: %v", err)
		response.InternalError(w)
	}
}

var errorCodes = []struct {
	err  error
	code string
}{
	{errors.ErrInvalidAmount, "INVALID_AMOUNT"},
	{errors.ErrUnknownTransactionKind, "UNKNOWN_TRANSACTION_KIND"},
	{errors.ErrInvalidInput, "INVALID_INPUT"},
	{errors.ErrCardNotFound, "CARD_NOT_FOUND"},
	{errors.ErrOwnerNotFound, "OWNER_NOT_FOUND"},
	{errors.ErrAlreadyHasActiveCard, "ALREADY_HAS_ACTIVE_CARD"},
	{errors.ErrInsufficientFunds, "INSUFFICIENT_FUNDS"},
	{errors.ErrCardHasTransactions, "CARD_HAS_TRANSACTIONS"},
	{errors.ErrCardNumberTaken, "CARD_NUMBER_TAKEN"},
	{errors.ErrGenerationExhausted, "GENERATION_EXHAUSTED"},
}

func errorCode(err error) string {
	for _, c := range errorCodes {
		if stderrors.Is(err, c.err) {
			return c.code
		}
	}
	return "BAD_REQUEST"
}
