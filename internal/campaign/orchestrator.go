// Package campaign runs stored campaigns through the paced dispatcher and owns
// their lifecycle: draft -> scheduled/running -> paused/completed/failed/cancelled.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wablast/internal/model"
	"wablast/internal/notify"
	"wablast/internal/sender"
	"wablast/internal/storage"
)

var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("campaign not eligible for this transition")
	ErrNoRecipients      = errors.New("campaign has no valid recipients")
	ErrNotDue            = errors.New("campaign is scheduled for later")
)

// scheduleSlack tolerates clock jitter between the queue and scheduled_at.
const scheduleSlack = time.Second

var (
	startable   = []string{model.CampaignDraft, model.CampaignScheduled, model.CampaignFailed, model.CampaignPaused}
	cancellable = []string{model.CampaignScheduled, model.CampaignRunning, model.CampaignPaused}
)

// Progress is the payload of campaign-progress events. Counts cover every run
// of the campaign, not only the current one.
type Progress struct {
	CampaignID string `json:"campaign_id"`
	Phone      string `json:"phone"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Done       int    `json:"done"`
	Total      int    `json:"total"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Percent    int    `json:"percent"`
}

// Complete is the payload of campaign-complete events.
type Complete struct {
	CampaignID string `json:"campaign_id"`
	Total      int    `json:"total"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
}

type Options struct {
	// Pacing fills the zero fields of a campaign's own pacing.
	Pacing   model.Pacing
	Notifier notify.Notifier
	Log      zerolog.Logger
}

// Orchestrator starts, pauses, resumes and cancels campaign runs. At most one
// run per campaign sends at a time: every run holds a fresh run id and its
// per-job gate requires the stored status to be running under that id.
type Orchestrator struct {
	store      *storage.Store
	sessions   sender.Sessions
	dispatcher *sender.Dispatcher
	quota      sender.Quota
	notify     notify.Notifier
	pacing     model.Pacing
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]activeRun
}

type activeRun struct {
	id     string
	cancel context.CancelFunc
}

func New(store *storage.Store, sessions sender.Sessions, dispatcher *sender.Dispatcher, quota sender.Quota, opts Options) *Orchestrator {
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      store,
		sessions:   sessions,
		dispatcher: dispatcher,
		quota:      quota,
		notify:     opts.Notifier,
		pacing:     opts.Pacing.WithDefaults(model.DefaultPacing),
		log:        opts.Log,
		ctx:        ctx,
		cancel:     cancel,
		runs:       map[string]activeRun{},
	}
}

func (o *Orchestrator) get(id string) (model.Campaign, error) {
	c, err := o.store.GetCampaign(id)
	if errors.Is(err, storage.ErrNotFound) {
		return c, ErrNotFound
	}
	return c, err
}

// Start launches a run. The account must be connected; otherwise the error is
// returned and the campaign keeps its status. Phones already attempted by an
// earlier run are skipped.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	c, err := o.get(id)
	if err != nil {
		return err
	}
	if !slices.Contains(startable, c.Status) {
		return fmt.Errorf("start %s campaign: %w", c.Status, ErrInvalidTransition)
	}
	conn, err := o.sessions.Conn(c.OwnerID)
	if err != nil {
		return err
	}
	return o.launch(c, conn, startable)
}

// StartScheduled is Start for the scheduler: only a campaign still scheduled
// and due is started, so stale jobs for rescheduled, started or cancelled
// campaigns do nothing.
func (o *Orchestrator) StartScheduled(ctx context.Context, id string) error {
	c, err := o.get(id)
	if err != nil {
		return err
	}
	if c.Status != model.CampaignScheduled {
		return fmt.Errorf("scheduled start of %s campaign: %w", c.Status, ErrInvalidTransition)
	}
	if c.ScheduledAt != nil && c.ScheduledAt.After(time.Now().Add(scheduleSlack)) {
		return ErrNotDue
	}
	conn, err := o.sessions.Conn(c.OwnerID)
	if err != nil {
		return err
	}
	return o.launch(c, conn, []string{model.CampaignScheduled})
}

// Resume continues a paused campaign with the recipients it has not attempted yet.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	c, err := o.get(id)
	if err != nil {
		return err
	}
	if c.Status != model.CampaignPaused {
		return fmt.Errorf("resume %s campaign: %w", c.Status, ErrInvalidTransition)
	}
	conn, err := o.sessions.Conn(c.OwnerID)
	if err != nil {
		return err
	}
	return o.launch(c, conn, []string{model.CampaignPaused})
}

func (o *Orchestrator) launch(c model.Campaign, conn sender.Conn, from []string) error {
	recipients, err := Recipients(o.store, c)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	attempted, err := o.store.AttemptedPhones(c.ID)
	if err != nil {
		return err
	}
	if len(recipients) == 0 && len(attempted) == 0 {
		return ErrNoRecipients
	}
	jobs := make([]sender.Job, 0, len(recipients))
	for _, r := range recipients {
		if attempted[r.Phone] {
			continue
		}
		jobs = append(jobs, sender.Job{
			Phone:     r.Phone,
			ContactID: r.ContactID,
			Body:      c.Message,
			Media:     c.Media,
			Variables: r.Variables,
		})
	}
	sent, failed, err := o.store.CampaignMessageCounts(c.ID)
	if err != nil {
		return err
	}
	total := sent + failed + len(jobs)

	runID := uuid.NewString()
	ok, err := o.store.BeginCampaignRun(c.ID, from, runID, total, sent, failed, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("start campaign %s: %w", c.ID, ErrInvalidTransition)
	}
	log := o.log.With().Str("campaign", c.ID).Str("account", c.OwnerID).Str("run", runID).Logger()
	log.Info().Int("total", total).Int("pending", len(jobs)).Msg("campaign run started")

	runCtx, cancel := context.WithCancel(o.ctx)
	o.track(c.ID, runID, cancel)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.untrack(c.ID, runID)
		defer cancel()
		o.run(runCtx, c, conn, runID, jobs, total, sent, failed, log)
	}()
	return nil
}

func (o *Orchestrator) run(ctx context.Context, c model.Campaign, conn sender.Conn, runID string,
	jobs []sender.Job, total, sent0, failed0 int, log zerolog.Logger) {
	sum := o.dispatcher.Run(ctx, sender.Run{
		Conn:       conn,
		Jobs:       jobs,
		Pacing:     c.Pacing.WithDefaults(o.pacing),
		CampaignID: c.ID,
		Hooks: sender.Hooks{
			Gate: func(context.Context, int, sender.Job) bool {
				status, current, err := o.store.CampaignRunState(c.ID)
				if err != nil {
					log.Error().Err(err).Msg("read campaign state")
					return false
				}
				return status == model.CampaignRunning && current == runID
			},
			OnOutcome: func(out sender.Outcome) {
				o.record(c, runID, total, sent0, failed0, out, log)
			},
		},
	})
	if sum.Stopped {
		log.Info().Int("sent", sum.Sent).Int("failed", sum.Failed).Msg("campaign run stopped")
		return
	}

	sent, failed, err := o.store.CampaignMessageCounts(c.ID)
	if err != nil {
		log.Error().Err(err).Msg("count campaign messages")
		sent, failed = sent0+sum.Sent, failed0+sum.Failed
	}
	done, err := o.store.CompleteCampaignRun(c.ID, runID, sent, failed)
	if err != nil {
		log.Error().Err(err).Msg("complete campaign")
		return
	}
	if !done {
		return
	}
	log.Info().Int("sent", sent).Int("failed", failed).Msg("campaign completed")
	o.notify.Notify(c.OwnerID, notify.CampaignComplete, Complete{
		CampaignID: c.ID,
		Total:      sent + failed,
		Sent:       sent,
		Failed:     failed,
	})
}

func (o *Orchestrator) record(c model.Campaign, runID string, total, sent0, failed0 int, out sender.Outcome, log zerolog.Logger) {
	ok := out.Err == nil
	if err := o.store.IncCampaignCounter(c.ID, runID, ok); err != nil {
		log.Error().Err(err).Msg("update campaign counters")
	}
	if err := o.quota.Consume(c.OwnerID, 1); err != nil {
		log.Error().Err(err).Msg("consume quota")
	}
	if ok {
		if err := o.store.TouchContact(c.OwnerID, out.Job.Phone, time.Now()); err != nil {
			log.Warn().Err(err).Msg("update contact")
		}
	}
	p := Progress{
		CampaignID: c.ID,
		Phone:      out.Job.Phone,
		Status:     out.Message.Status,
		Error:      out.Progress.Error,
		Done:       sent0 + failed0 + out.Done,
		Total:      total,
		Sent:       sent0 + out.Sent,
		Failed:     failed0 + out.Failed,
	}
	if total > 0 {
		p.Percent = p.Done * 100 / total
	}
	o.notify.Notify(c.OwnerID, notify.CampaignProgress, p)
}

// Pause stops a running campaign before its next send.
func (o *Orchestrator) Pause(id string) error {
	if err := o.transition(id, []string{model.CampaignRunning}, model.CampaignPaused); err != nil {
		return err
	}
	o.stop(id)
	return nil
}

// Cancel ends a running, scheduled or paused campaign for good. Unsent
// recipients stay unsent. Drafts are deleted rather than cancelled.
func (o *Orchestrator) Cancel(id string) error {
	if err := o.transition(id, cancellable, model.CampaignCancelled); err != nil {
		return err
	}
	o.stop(id)
	return nil
}

// Schedule marks a draft or failed campaign as scheduled for at. Firing it is
// the scheduler's job.
func (o *Orchestrator) Schedule(id string, at time.Time) error {
	ok, err := o.store.ScheduleCampaign(id, at)
	if err != nil {
		return err
	}
	if !ok {
		return o.missingOr(id, "schedule")
	}
	return nil
}

// Fail marks a campaign failed after its scheduled start gave up; Start can retry it.
func (o *Orchestrator) Fail(id string) error {
	return o.transition(id, []string{model.CampaignScheduled, model.CampaignDraft}, model.CampaignFailed)
}

// Delete removes a campaign that is not running together with its messages.
func (o *Orchestrator) Delete(ownerID, id string) error {
	err := o.store.DeleteCampaign(ownerID, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrCampaignRunning):
		return fmt.Errorf("delete running campaign: %w", ErrInvalidTransition)
	}
	return err
}

// Recover moves campaigns left running by a previous process to paused so
// they can be resumed. Call once at boot before starting anything.
func (o *Orchestrator) Recover() (int, error) {
	ids, err := o.store.CampaignIDsByStatus(model.CampaignRunning)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		ok, err := o.store.TransitionCampaign(id, []string{model.CampaignRunning}, model.CampaignPaused)
		if err != nil {
			return n, err
		}
		if ok {
			n++
			o.log.Warn().Str("campaign", id).Msg("interrupted campaign paused")
		}
	}
	return n, nil
}

// Wait blocks until all in-flight runs return.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Close stops all runs and waits for them. Their campaigns stay running
// until Recover pauses them on the next boot.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) transition(id string, from []string, to string) error {
	ok, err := o.store.TransitionCampaign(id, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return o.missingOr(id, to)
	}
	o.log.Info().Str("campaign", id).Str("status", to).Msg("campaign status changed")
	return nil
}

func (o *Orchestrator) missingOr(id, action string) error {
	c, err := o.get(id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %s campaign: %w", action, c.Status, ErrInvalidTransition)
}

func (o *Orchestrator) track(id, runID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.runs[id]; ok {
		prev.cancel()
	}
	o.runs[id] = activeRun{id: runID, cancel: cancel}
}

func (o *Orchestrator) untrack(id, runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[id]; ok && r.id == runID {
		delete(o.runs, id)
	}
}

// stop interrupts the run's current sleep. The gate would stop it anyway.
func (o *Orchestrator) stop(id string) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if ok {
		r.cancel()
	}
}
