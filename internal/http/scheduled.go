package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"wablast/internal/model"
)

func (a *API) handleListScheduled(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListScheduledMessages(account(r).ID, r.URL.Query().Get("status"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleCreateScheduled(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	var req struct {
		Phone       string       `json:"phone"`
		Message     string       `json:"message"`
		Media       *model.Media `json:"media"`
		ScheduledAt time.Time    `json:"scheduled_at"`
		Recurring   bool         `json:"recurring"`
		RecurType   string       `json:"recur_type"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !validMedia(req.Media) {
		writeErr(w, http.StatusBadRequest, "invalid media")
		return
	}
	m := &model.ScheduledMessage{
		OwnerID:     acc.ID,
		Phone:       req.Phone,
		Body:        req.Message,
		Media:       req.Media,
		ScheduledAt: req.ScheduledAt,
		Recurring:   req.Recurring,
		RecurType:   req.RecurType,
	}
	if _, err := a.Scheduler.ScheduleMessage(m); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) handleCancelScheduled(w http.ResponseWriter, r *http.Request) {
	if err := a.Scheduler.CancelScheduledMessage(account(r).ID, chi.URLParam(r, "sid")); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}
