// Package httpapi exposes the dispatch engine over HTTP. Handlers are thin:
// they decode, call into the core and map its errors to status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"wablast/internal/campaign"
	"wablast/internal/model"
	"wablast/internal/notify"
	"wablast/internal/quota"
	"wablast/internal/scheduler"
	"wablast/internal/sender"
	"wablast/internal/storage"
	"wablast/internal/wa"
)

// Sessions is the session manager surface used by the connection endpoints.
type Sessions interface {
	Connect(ctx context.Context, accountID string) error
	Disconnect(ctx context.Context, accountID string) error
	Status(accountID string) wa.Status
	PairingCode(accountID string) (string, bool)
}

type Deps struct {
	Store     *storage.Store
	Sessions  Sessions
	Sender    *sender.Sender
	Campaigns *campaign.Orchestrator
	Scheduler *scheduler.Scheduler
	Hub       *notify.Hub
	Log       zerolog.Logger

	// limits for accounts created without explicit ones
	DailyLimit   int
	MonthlyLimit int
}

type API struct {
	Deps
	Router *chi.Mux
}

func NewRouter(d Deps) *chi.Mux {
	api := &API{Deps: d, Router: chi.NewRouter()}
	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.requestLog)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	api.routes()
	return r
}

func (a *API) routes() {
	a.Router.Get("/api/health", a.handleHealth)
	a.Router.Get("/api/accounts", a.handleListAccounts)
	a.Router.Post("/api/accounts", a.handleCreateAccount)

	a.Router.Route("/api/accounts/{id}", func(r chi.Router) {
		r.Use(a.accountCtx)

		// long-lived; outside the request timeout
		r.Get("/events", a.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(120 * time.Second))

			r.Get("/", a.handleGetAccount)
			r.Put("/", a.handleUpdateAccount)
			r.Delete("/", a.handleDeleteAccount)

			// Session
			r.Post("/connect", a.handleConnect)
			r.Get("/status", a.handleStatus)
			r.Get("/pair/qr", a.handlePairQR)
			r.Post("/disconnect", a.handleDisconnect)

			// Direct sends
			r.Post("/send", a.handleSend)
			r.Post("/send-bulk", a.handleSendBulk)
			r.Post("/check-number", a.handleCheckNumber)
			r.Post("/validate-numbers", a.handleValidateNumbers)
			r.Get("/messages", a.handleListMessages)
			r.Get("/stats", a.handleStats)

			// Contacts & templates
			r.Get("/groups", a.handleListGroups)
			r.Post("/groups", a.handleCreateGroup)
			r.Get("/contacts", a.handleListContacts)
			r.Post("/contacts", a.handleUpsertContacts)
			r.Post("/contacts/{cid}/block", a.handleBlockContact)
			r.Post("/templates", a.handleCreateTemplate)
			r.Get("/templates/{tid}", a.handleGetTemplate)

			// Campaigns
			r.Get("/campaigns", a.handleListCampaigns)
			r.Post("/campaigns", a.handleCreateCampaign)
			r.Get("/campaigns/{cid}", a.handleGetCampaign)
			r.Put("/campaigns/{cid}", a.handleUpdateCampaign)
			r.Delete("/campaigns/{cid}", a.handleDeleteCampaign)
			r.Post("/campaigns/{cid}/start", a.handleStartCampaign)
			r.Post("/campaigns/{cid}/pause", a.handlePauseCampaign)
			r.Post("/campaigns/{cid}/resume", a.handleResumeCampaign)
			r.Post("/campaigns/{cid}/cancel", a.handleCancelCampaign)
			r.Post("/campaigns/{cid}/schedule", a.handleScheduleCampaign)

			// Scheduled messages
			r.Get("/scheduled", a.handleListScheduled)
			r.Post("/scheduled", a.handleCreateScheduled)
			r.Delete("/scheduled/{sid}", a.handleCancelScheduled)
		})
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.Log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

type ctxKey int

const accountKey ctxKey = iota

// accountCtx resolves {id} to an account or answers 404.
func (a *API) accountCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acc, err := a.Store.GetAccount(chi.URLParam(r, "id"))
		if err != nil {
			a.fail(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey, acc)))
	})
}

func account(r *http.Request) model.Account {
	acc, _ := r.Context().Value(accountKey).(model.Account)
	return acc
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Format(time.RFC3339),
	})
}

// errStatus maps core errors to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, campaign.ErrNotFound),
		errors.Is(err, scheduler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, wa.ErrNotConnected),
		errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, scheduler.ErrNotPending),
		errors.Is(err, storage.ErrCampaignRunning):
		return http.StatusConflict
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, wa.ErrRecipientUnreachable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, campaign.ErrNoRecipients),
		errors.Is(err, sender.ErrInvalidPhone),
		errors.Is(err, sender.ErrEmptyBulk),
		errors.Is(err, scheduler.ErrInvalidMessage),
		errors.Is(err, scheduler.ErrInvalidRecurType):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (a *API) fail(w http.ResponseWriter, err error) {
	code := errStatus(err)
	if code == http.StatusInternalServerError {
		a.Log.Error().Err(err).Msg("request failed")
	}
	writeErr(w, code, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
