package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"wablast/internal/model"
	"wablast/internal/sender"
)

// pacingReq is the wire form of model.Pacing; delays are in milliseconds.
type pacingReq struct {
	MinDelayMS   int64 `json:"min_delay_ms"`
	MaxDelayMS   int64 `json:"max_delay_ms"`
	BatchSize    int   `json:"batch_size"`
	BatchDelayMS int64 `json:"batch_delay_ms"`
	NoSpintax    bool  `json:"no_spintax"`
}

func (p *pacingReq) pacing() model.Pacing {
	if p == nil {
		return model.Pacing{}
	}
	return model.Pacing{
		MinDelay:   time.Duration(p.MinDelayMS) * time.Millisecond,
		MaxDelay:   time.Duration(p.MaxDelayMS) * time.Millisecond,
		BatchSize:  p.BatchSize,
		BatchDelay: time.Duration(p.BatchDelayMS) * time.Millisecond,
		NoSpintax:  p.NoSpintax,
	}
}

func validMedia(m *model.Media) bool {
	if m == nil {
		return true
	}
	switch m.Type {
	case model.MediaImage, model.MediaVideo, model.MediaDocument, model.MediaAudio:
	default:
		return false
	}
	return strings.HasPrefix(m.URL, "http://") || strings.HasPrefix(m.URL, "https://")
}

type sendReq struct {
	Phone     string            `json:"phone"`
	Message   string            `json:"message"`
	Variables map[string]string `json:"variables"`
	Media     *model.Media      `json:"media"`
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	var req sendReq
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" && req.Media == nil {
		writeErr(w, http.StatusBadRequest, "message or media is required")
		return
	}
	if !validMedia(req.Media) {
		writeErr(w, http.StatusBadRequest, "invalid media")
		return
	}
	body := sender.Substitute(req.Message, req.Variables)
	msg, err := a.Sender.SendOne(r.Context(), acc.ID, req.Phone, body, req.Media, model.SourceManual)
	if err != nil {
		// a failed attempt is still recorded; return the row alongside the error
		if msg.ID != "" {
			writeJSON(w, errStatus(err), map[string]any{"error": err.Error(), "message": msg})
			return
		}
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type bulkReq struct {
	Messages []sender.BulkItem `json:"messages"`
	Pacing   *pacingReq        `json:"pacing"`
}

func (a *API) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	var req bulkReq
	if !decode(w, r, &req) {
		return
	}
	for _, it := range req.Messages {
		if !validMedia(it.Media) {
			writeErr(w, http.StatusBadRequest, "invalid media for "+it.Phone)
			return
		}
	}
	id, err := a.Sender.SendBulk(acc.ID, req.Messages, req.Pacing.pacing())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"bulk_id": id, "queued": len(req.Messages)})
}

func (a *API) handleCheckNumber(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	var req struct {
		Phone string `json:"phone"`
	}
	if !decode(w, r, &req) {
		return
	}
	phone := model.NormalizePhone(req.Phone)
	if phone == "" {
		writeErr(w, http.StatusBadRequest, "phone is required")
		return
	}
	ok, err := a.Sender.CheckNumber(r.Context(), acc.ID, phone)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sender.NumberCheck{Phone: phone, Exists: ok})
}

func (a *API) handleValidateNumbers(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	var req struct {
		Phones []string `json:"phones"`
	}
	if !decode(w, r, &req) {
		return
	}
	if len(req.Phones) == 0 {
		writeErr(w, http.StatusBadRequest, "phones is required")
		return
	}
	res, err := a.Sender.ValidateNumbers(r.Context(), acc.ID, req.Phones)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := a.Store.ListMessages(acc.ID, r.URL.Query().Get("campaign_id"), limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	total, success, failed, err := a.Store.StatsToday(acc.ID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"today_total":         total,
		"today_success":       success,
		"today_failed":        failed,
		"messages_used_today": acc.MessagesUsedToday,
		"messages_used_month": acc.MessagesUsedMonth,
		"daily_limit":         acc.DailyLimit,
		"monthly_limit":       acc.MonthlyLimit,
	})
}
