package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/punchamoorthee/vcardrelay/internal/auth"
	"github.com/punchamoorthee/vcardrelay/internal/domain"
	"github.com/punchamoorthee/vcardrelay/internal/models"
	"github.com/punchamoorthee/vcardrelay/internal/service"
)

// Notifications hands out and clears an account's stored messages.
type Notifications interface {
	Drain(ctx context.Context, account string) ([]domain.PersistedNotification, error)
}

// Records is the read side of the store the handlers query directly.
type Records interface {
	AccountLookup
	GetEntries(ctx context.Context, account string) ([]domain.LedgerEntry, error)
}

type Handler struct {
	accounts      *service.AccountService
	transfers     *service.TransferService
	notifications Notifications
	records       Records
	tokens        *auth.Tokens
}

func NewHandler(accounts *service.AccountService, transfers *service.TransferService, notifications Notifications, records Records, tokens *auth.Tokens) *Handler {
	return &Handler{
		accounts:      accounts,
		transfers:     transfers,
		notifications: notifications,
		records:       records,
		tokens:        tokens,
	}
}

// Routes mounts the /api/v1 surface on r.
func (h *Handler) Routes(r *mux.Router) {
	r.Use(Metrics)
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/login", h.LoginHandler).Methods("POST")
	v1.HandleFunc("/vcards", h.RegisterHandler).Methods("POST")

	authed := v1.NewRoute().Subrouter()
	authed.Use(RequireAuth(h.tokens, h.records))
	authed.HandleFunc("/vcards", h.ListAccountsHandler).Methods("GET")
	authed.HandleFunc("/vcards/{phone}", h.GetAccountHandler).Methods("GET")
	authed.HandleFunc("/vcards/{phone}", h.UpdateAccountHandler).Methods("PATCH")
	authed.HandleFunc("/vcards/{phone}", h.DeleteAccountHandler).Methods("DELETE")
	authed.HandleFunc("/vcards/{phone}/blocked", h.ChangeStatusHandler).Methods("PATCH")
	authed.HandleFunc("/vcards/{phone}/notifications", h.NotificationsHandler).Methods("GET")
	authed.HandleFunc("/vcards/{phone}/entries", h.GetAccountEntriesHandler).Methods("GET")
	authed.HandleFunc("/transfers", h.CreateTransferHandler).Methods("POST")
	authed.HandleFunc("/transfers/requests", h.CreateRequestHandler).Methods("POST")
	authed.HandleFunc("/transfers/requests/{id}", h.GetTransferHandler).Methods("GET")
	authed.HandleFunc("/transfers/requests/{id}/accept", h.AcceptRequestHandler).Methods("POST")
	authed.HandleFunc("/transfers/requests/{id}/reject", h.RejectRequestHandler).Methods("POST")
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}

	actor, err := h.accounts.Authenticate(r.Context(), req.Phone, req.Password)
	if err != nil {
		respondWithError(w, err)
		return
	}
	token, err := h.tokens.Issue(actor)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(h.tokens.TTL().Seconds()),
	})
}

// RegisterHandler is public; a valid admin token allows creating admins.
func (h *Handler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}

	var actor *domain.Actor
	if raw, ok := bearer(r); ok {
		a, err := verify(r.Context(), h.tokens, h.records, raw)
		if err != nil {
			respondWithError(w, err)
			return
		}
		actor = &a
	}

	acc, err := h.accounts.Register(r.Context(), actor, service.NewAccount{
		Phone:    req.Phone,
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.UserType,
	})
	if err != nil {
		respondWithError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/vcards/%s", acc.Phone))
	respondWithJSON(w, http.StatusCreated, acc)
}

func (h *Handler) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accs, err := h.accounts.List(r.Context(), actorFrom(r.Context()))
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, accs)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	acc, err := h.accounts.Get(r.Context(), actorFrom(r.Context()), mux.Vars(r)["phone"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) UpdateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateAccountRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	acc, err := h.accounts.Update(r.Context(), actorFrom(r.Context()), mux.Vars(r)["phone"], service.AccountPatch{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) DeleteAccountHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.Delete(r.Context(), actorFrom(r.Context()), mux.Vars(r)["phone"]); err != nil {
		respondWithError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ChangeStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ChangeStatusRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	if req.Blocked == nil {
		respondWithError(w, fmt.Errorf("%w: blocked is required", errMalformed))
		return
	}
	acc, err := h.accounts.ChangeStatus(r.Context(), actorFrom(r.Context()), mux.Vars(r)["phone"], *req.Blocked)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

// NotificationsHandler returns and clears the caller's stored messages.
func (h *Handler) NotificationsHandler(w http.ResponseWriter, r *http.Request) {
	phone := mux.Vars(r)["phone"]
	if !domain.Allow(actorFrom(r.Context()), domain.ActionViewNotifications, phone) {
		respondWithError(w, domain.ErrPermissionDenied)
		return
	}
	list, err := h.notifications.Drain(r.Context(), phone)
	if err != nil {
		respondWithError(w, err)
		return
	}
	if list == nil {
		list = []domain.PersistedNotification{}
	}
	respondWithJSON(w, http.StatusOK, list)
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	phone := mux.Vars(r)["phone"]
	// Also resolves existence and visibility.
	if _, err := h.accounts.Get(r.Context(), actorFrom(r.Context()), phone); err != nil {
		respondWithError(w, err)
		return
	}
	entries, err := h.records.GetEntries(r.Context(), phone)
	if err != nil {
		respondWithError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SendMoneyRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}

	sent, err := h.transfers.Send(r.Context(), actorFrom(r.Context()), req.Receiver, req.Amount, key)
	if err != nil {
		respondWithError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/requests/%s", sent.ID))
	respondWithJSON(w, http.StatusCreated, sent)
}

func (h *Handler) CreateRequestHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RequestMoneyRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	created, err := h.transfers.Request(r.Context(), actorFrom(r.Context()), req.Target, req.Amount)
	if err != nil {
		respondWithError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/requests/%s", created.ID))
	respondWithJSON(w, http.StatusCreated, created)
}

func requestID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: request id: %v", errMalformed, err)
	}
	return id, nil
}

func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	req, err := h.transfers.Get(r.Context(), actorFrom(r.Context()), id)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, req)
}

func (h *Handler) AcceptRequestHandler(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	req, err := h.transfers.Accept(r.Context(), actorFrom(r.Context()), id)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, req)
}

func (h *Handler) RejectRequestHandler(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	body := models.ResolveRequest{RejectedBy: domain.RejectedByTarget}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			respondWithError(w, err)
			return
		}
	}
	if body.RejectedBy == "" {
		body.RejectedBy = domain.RejectedByTarget
	}
	req, err := h.transfers.Reject(r.Context(), actorFrom(r.Context()), id, body.RejectedBy)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, req)
}
