package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"wablast/internal/campaign"
	"wablast/internal/model"
)

type campaignReq struct {
	Name           string       `json:"name"`
	Message        string       `json:"message"`
	TemplateID     string       `json:"template_id"`
	Media          *model.Media `json:"media"`
	TargetGroups   []string     `json:"target_groups"`
	TargetContacts []string     `json:"target_contacts"`
	TargetNumbers  []string     `json:"target_numbers"`
	Pacing         *pacingReq   `json:"pacing"`
	ScheduledAt    *time.Time   `json:"scheduled_at"`
	StartNow       bool         `json:"start_now"`
}

// splitNumbers accepts entries that are themselves comma or newline separated lists.
func splitNumbers(in []string) []string {
	var out []string
	for _, s := range in {
		for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' || r == ';' }) {
			if f = strings.TrimSpace(f); f != "" {
				out = append(out, f)
			}
		}
	}
	return out
}

// definition builds the stored campaign from req, pulling body and media from
// the template when the request leaves them empty.
func (a *API) definition(ownerID string, req campaignReq) (model.Campaign, string) {
	c := model.Campaign{
		OwnerID:        ownerID,
		Name:           strings.TrimSpace(req.Name),
		Message:        req.Message,
		Media:          req.Media,
		TargetGroups:   req.TargetGroups,
		TargetContacts: req.TargetContacts,
		TargetNumbers:  splitNumbers(req.TargetNumbers),
		Pacing:         req.Pacing.pacing(),
	}
	if req.TemplateID != "" {
		t, err := a.Store.GetTemplate(ownerID, req.TemplateID)
		if err != nil {
			return c, "unknown template"
		}
		if strings.TrimSpace(c.Message) == "" {
			c.Message = t.Body
		}
		if c.Media == nil {
			c.Media = t.Media
		}
	}
	switch {
	case c.Name == "":
		return c, "name is required"
	case strings.TrimSpace(c.Message) == "" && c.Media == nil:
		return c, "message or media is required"
	case !validMedia(c.Media):
		return c, "invalid media"
	case len(c.TargetGroups)+len(c.TargetContacts)+len(c.TargetNumbers) == 0:
		return c, "at least one target is required"
	}
	return c, ""
}

// ownedCampaign loads {cid} and hides campaigns of other accounts.
func (a *API) ownedCampaign(w http.ResponseWriter, r *http.Request) (model.Campaign, bool) {
	c, err := a.Store.GetCampaign(chi.URLParam(r, "cid"))
	if err == nil && c.OwnerID != account(r).ID {
		err = campaign.ErrNotFound
	}
	if err != nil {
		a.fail(w, err)
		return c, false
	}
	return c, true
}

func (a *API) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListCampaigns(account(r).ID, r.URL.Query().Get("status"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	acc := account(r)
	var req campaignReq
	if !decode(w, r, &req) {
		return
	}
	c, problem := a.definition(acc.ID, req)
	if problem != "" {
		writeErr(w, http.StatusBadRequest, problem)
		return
	}
	if err := a.Store.CreateCampaign(&c); err != nil {
		a.fail(w, err)
		return
	}

	switch {
	case req.ScheduledAt != nil:
		if _, err := a.Scheduler.ScheduleCampaignStart(c.ID, *req.ScheduledAt); err != nil {
			a.fail(w, err)
			return
		}
	case req.StartNow:
		if err := a.Campaigns.Start(r.Context(), c.ID); err != nil {
			a.fail(w, err)
			return
		}
	}
	a.respondCampaign(w, http.StatusCreated, c.ID)
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedCampaign(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	cur, ok := a.ownedCampaign(w, r)
	if !ok {
		return
	}
	if cur.Status == model.CampaignRunning {
		writeErr(w, http.StatusConflict, "campaign is running; pause it first")
		return
	}
	var req campaignReq
	if !decode(w, r, &req) {
		return
	}
	c, problem := a.definition(cur.OwnerID, req)
	if problem != "" {
		writeErr(w, http.StatusBadRequest, problem)
		return
	}
	c.ID = cur.ID
	if err := a.Store.UpdateCampaignDefinition(c); err != nil {
		a.fail(w, err)
		return
	}
	a.respondCampaign(w, http.StatusOK, c.ID)
}

func (a *API) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedCampaign(w, r)
	if !ok {
		return
	}
	if err := a.Campaigns.Delete(c.OwnerID, c.ID); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (a *API) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedCampaign(w, r)
	if !ok {
		return
	}
	if err := a.Campaigns.Start(r.Context(), c.ID); err != nil {
		a.fail(w, err)
		return
	}
	a.respondCampaign(w, http.StatusOK, c.ID)
}

func (a *API) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedCampaign(w, r)
	if !ok {
		return
	}
	if err := a.Campaigns.Pause(c.ID); err != nil {
		a.fail(w, err)
		return
	}
	a.respondCampaign(w, http.StatusOK, c.ID)
}

func (a *API) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedCampaign(w, r)
	if !ok {
		return
	}
	if err := a.Campaigns.Resume(r.Context(), c.ID); err != nil {
		a.fail(w, err)
		return
	}
	a.respondCampaign(w, http.StatusOK, c.ID)
}

func (a *API) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedCampaign(w, r)
	if !ok {
		return
	}
	if err := a.Campaigns.Cancel(c.ID); err != nil {
		a.fail(w, err)
		return
	}
	a.respondCampaign(w, http.StatusOK, c.ID)
}

func (a *API) handleScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedCampaign(w, r)
	if !ok {
		return
	}
	var req struct {
		ScheduledAt *time.Time `json:"scheduled_at"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.ScheduledAt == nil {
		writeErr(w, http.StatusBadRequest, "scheduled_at is required")
		return
	}
	if _, err := a.Scheduler.ScheduleCampaignStart(c.ID, *req.ScheduledAt); err != nil {
		a.fail(w, err)
		return
	}
	a.respondCampaign(w, http.StatusOK, c.ID)
}

func (a *API) respondCampaign(w http.ResponseWriter, code int, id string) {
	c, err := a.Store.GetCampaign(id)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, code, c)
}
