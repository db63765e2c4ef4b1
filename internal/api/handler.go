package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/punchamoorthee/vcardrelay/internal/domain"
	"github.com/punchamoorthee/vcardrelay/internal/models"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcard_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vcard_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

var errMalformed = errors.New("malformed request")

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket endpoint upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Metrics records request counts and latency by route template.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

type actorKey struct{}

// Verifier turns a bearer token into an actor.
type Verifier interface {
	Verify(raw string) (domain.Actor, error)
}

// AccountLookup resolves the account behind a verified token.
type AccountLookup interface {
	GetAccount(ctx context.Context, phone string) (*domain.Account, error)
}

// verify checks the token and that its account still exists and is not blocked.
func verify(ctx context.Context, tokens Verifier, accounts AccountLookup, raw string) (domain.Actor, error) {
	actor, err := tokens.Verify(raw)
	if err != nil {
		return domain.Actor{}, err
	}
	acc, err := accounts.GetAccount(ctx, actor.Phone)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return domain.Actor{}, fmt.Errorf("%w: account no longer exists", domain.ErrUnauthenticated)
	}
	if err != nil {
		return domain.Actor{}, err
	}
	if acc.Blocked {
		return domain.Actor{}, fmt.Errorf("%w: account is blocked", domain.ErrUnauthenticated)
	}
	return actor, nil
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(h, "Bearer "), true
}

// RequireAuth rejects requests without a valid bearer token, or whose
// account has since been blocked or deleted.
func RequireAuth(tokens Verifier, accounts AccountLookup) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearer(r)
			if !ok {
				respondWithError(w, domain.ErrUnauthenticated)
				return
			}
			actor, err := verify(r.Context(), tokens, accounts, raw)
			if err != nil {
				respondWithError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
		})
	}
}

func actorFrom(ctx context.Context) domain.Actor {
	actor, _ := ctx.Value(actorKey{}).(domain.Actor)
	return actor
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errMalformed):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyResolved), errors.Is(err, domain.ErrAccountExists),
		errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTransfer), errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrDebitLimitExceeded), errors.Is(err, domain.ErrBalanceNotZero),
		errors.Is(err, domain.ErrInvalidAccount):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func respondWithError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	body := models.ErrorBody{Code: domain.Code(err), Message: err.Error()}
	switch code {
	case http.StatusBadRequest:
		body.Code = "MALFORMED"
	case http.StatusInternalServerError:
		log.WithError(err).Error("request failed")
		body.Message = "Internal Server Error"
	}
	respondWithJSON(w, code, models.ErrorResponse{Error: body})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errMalformed, err)
	}
	return nil
}
