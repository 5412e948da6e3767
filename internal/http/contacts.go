package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"wablast/internal/model"
)

func (a *API) handleListGroups(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListGroups(account(r).ID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeErr(w, http.StatusBadRequest, "name is required")
		return
	}
	id, err := a.Store.CreateGroup(acc.ID, strings.TrimSpace(req.Name), req.Description)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleListContacts(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListContacts(account(r).ID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type contactReq struct {
	Phone     string            `json:"phone"`
	Name      string            `json:"name"`
	GroupID   string            `json:"group_id"`
	Variables map[string]string `json:"variables"`
	Blocked   bool              `json:"is_blocked"`
}

// handleUpsertContacts imports a batch of contacts. Entries whose phone
// normalizes to nothing are skipped and reported back.
func (a *API) handleUpsertContacts(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	var req struct {
		Contacts []contactReq `json:"contacts"`
	}
	if !decode(w, r, &req) {
		return
	}
	if len(req.Contacts) == 0 {
		writeErr(w, http.StatusBadRequest, "contacts is required")
		return
	}
	ids := make([]string, 0, len(req.Contacts))
	var skipped []string
	for _, c := range req.Contacts {
		phone := model.NormalizePhone(c.Phone)
		if phone == "" {
			skipped = append(skipped, c.Phone)
			continue
		}
		id, err := a.Store.UpsertContact(model.Contact{
			OwnerID:   acc.ID,
			GroupID:   c.GroupID,
			Phone:     phone,
			Name:      strings.TrimSpace(c.Name),
			Variables: c.Variables,
			Blocked:   c.Blocked,
		})
		if err != nil {
			a.fail(w, err)
			return
		}
		ids = append(ids, id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ids": ids, "skipped": skipped})
}

func (a *API) handleBlockContact(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	req := struct {
		Blocked *bool `json:"blocked"`
	}{}
	if !decode(w, r, &req) {
		return
	}
	blocked := req.Blocked == nil || *req.Blocked
	if err := a.Store.SetContactBlocked(acc.ID, chi.URLParam(r, "cid"), blocked); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": blocked})
}

func (a *API) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	var req struct {
		Name  string       `json:"name"`
		Body  string       `json:"body"`
		Media *model.Media `json:"media"`
	}
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" || (strings.TrimSpace(req.Body) == "" && req.Media == nil) {
		writeErr(w, http.StatusBadRequest, "name and body or media are required")
		return
	}
	if !validMedia(req.Media) {
		writeErr(w, http.StatusBadRequest, "invalid media")
		return
	}
	id, err := a.Store.CreateTemplate(model.Template{OwnerID: acc.ID, Name: req.Name, Body: req.Body, Media: req.Media})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := a.Store.GetTemplate(account(r).ID, chi.URLParam(r, "tid"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
