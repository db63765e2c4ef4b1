package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type Lister interface {
	ListAccountEvents(ctx context.Context, account string, limit int) ([]Record, error)
}

// Handler serves an account's audit history.
type Handler struct {
	repo Lister
}

func NewHandler(repo Lister) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/audit/{phone}", h.ListHandler).Methods("GET")
}

func (h *Handler) ListHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respond(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLimit)
	}

	phone := mux.Vars(r)["phone"]
	records, err := h.repo.ListAccountEvents(r.Context(), phone, limit)
	if err != nil {
		log.WithField("vcard", phone).WithError(err).Error("audit query failed")
		respond(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
		return
	}
	if records == nil {
		records = []Record{}
	}
	respond(w, http.StatusOK, records)
}

func respond(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
