package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"wablast/internal/notify"
	"wablast/internal/wa"
)

type accountReq struct {
	Label        string `json:"label"`
	DailyLimit   *int   `json:"daily_limit"`
	MonthlyLimit *int   `json:"monthly_limit"`
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListAccounts()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountReq
	if !decode(w, r, &req) {
		return
	}
	req.Label = strings.TrimSpace(req.Label)
	if req.Label == "" {
		writeErr(w, http.StatusBadRequest, "label is required")
		return
	}
	daily, monthly := a.DailyLimit, a.MonthlyLimit
	if req.DailyLimit != nil {
		daily = *req.DailyLimit
	}
	if req.MonthlyLimit != nil {
		monthly = *req.MonthlyLimit
	}
	if daily < 0 || monthly < 0 {
		writeErr(w, http.StatusBadRequest, "limits must not be negative")
		return
	}
	id, err := a.Store.CreateAccount(req.Label, daily, monthly)
	if err != nil {
		a.fail(w, err)
		return
	}
	acc, err := a.Store.GetAccount(id)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, account(r))
}

// handleUpdateAccount changes quota limits; omitted limits stay as they are.
func (a *API) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	var req accountReq
	if !decode(w, r, &req) {
		return
	}
	daily, monthly := acc.DailyLimit, acc.MonthlyLimit
	if req.DailyLimit != nil {
		daily = *req.DailyLimit
	}
	if req.MonthlyLimit != nil {
		monthly = *req.MonthlyLimit
	}
	if daily < 0 || monthly < 0 {
		writeErr(w, http.StatusBadRequest, "limits must not be negative")
		return
	}
	if err := a.Store.UpdateAccountLimits(acc.ID, daily, monthly); err != nil {
		a.fail(w, err)
		return
	}
	acc, err := a.Store.GetAccount(acc.ID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// handleDeleteAccount logs the session out before dropping the account's rows.
func (a *API) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	if err := a.Sessions.Disconnect(r.Context(), acc.ID); err != nil {
		a.Log.Warn().Err(err).Str("account", acc.ID).Msg("disconnect before delete")
	}
	if err := a.Store.DeleteAccount(acc.ID); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	if err := a.Sessions.Connect(r.Context(), acc.ID); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Sessions.Status(acc.ID))
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Sessions.Status(account(r).ID))
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	if err := a.Sessions.Disconnect(r.Context(), acc.ID); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Sessions.Status(acc.ID))
}

// handlePairQR renders the live pairing code as a PNG, or as JSON with ?format=json.
func (a *API) handlePairQR(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	code, ok := a.Sessions.PairingCode(acc.ID)
	if !ok {
		st := a.Sessions.Status(acc.ID)
		msg := "no pairing code available"
		if st.PairingExpired {
			msg = "pairing code expired; reconnect to get a new one"
		} else if st.State == wa.StateConnected {
			msg = "already paired"
		}
		writeErr(w, http.StatusNotFound, msg)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, map[string]any{"code": code})
		return
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		a.fail(w, fmt.Errorf("encode qr: %w", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

const (
	sseHeartbeat     = 25 * time.Second
	sseWriteDeadline = 10 * time.Second
)

// handleEvents streams the account's events as server-sent events until the
// client goes away. A client that stops reading is dropped once a write
// misses its deadline.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	ch := a.Hub.Subscribe(acc.ID)
	defer a.Hub.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	send := func(frame string) bool {
		if err := rc.SetWriteDeadline(time.Now().Add(sseWriteDeadline)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return false
		}
		if _, err := io.WriteString(w, frame); err != nil {
			return false
		}
		if err := rc.Flush(); err != nil {
			a.Log.Debug().Err(err).Str("account", acc.ID).Msg("event stream closed")
			return false
		}
		return true
	}
	if !send(":ok\n\n") {
		return
	}

	beat := time.NewTicker(sseHeartbeat)
	defer beat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-beat.C:
			if !send(":ping\n\n") {
				return
			}
		case msg, open := <-ch:
			if !open {
				return
			}
			ev, ok := msg.(notify.Event)
			if !ok {
				continue
			}
			b, err := json.Marshal(ev)
			if err != nil {
				a.Log.Warn().Err(err).Str("event", ev.Type).Msg("marshal event")
				continue
			}
			if !send(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, b)) {
				return
			}
		}
	}
}
