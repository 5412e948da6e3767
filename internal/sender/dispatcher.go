package sender

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"wablast/internal/model"
	"wablast/internal/notify"
)

// Conn is the send handle of a connected account.
type Conn interface {
	AccountID() string
	Send(ctx context.Context, phone, body string, media *model.Media) (string, error)
	Exists(ctx context.Context, phone string) (bool, error)
}

// Recorder persists one Message row per attempt.
type Recorder interface {
	CreateMessage(m *model.Message) error
}

// Job is one message of a dispatch run. Body is rendered per job.
type Job struct {
	Phone     string
	ContactID string
	Body      string
	Media     *model.Media
	Variables map[string]string
}

// Progress is the payload of per-message events.
type Progress struct {
	CampaignID string `json:"campaign_id,omitempty"`
	Phone      string `json:"phone"`
	MessageID  string `json:"message_id,omitempty"`
	Error      string `json:"error,omitempty"`
	Done       int    `json:"done"`
	Total      int    `json:"total"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Percent    int    `json:"percent"`
}

// Outcome reports one finished attempt to the run's hooks.
type Outcome struct {
	Index   int
	Job     Job
	Message model.Message
	Err     error
	Progress
}

// BatchPause is the payload of batch-pause events.
type BatchPause struct {
	CampaignID string `json:"campaign_id,omitempty"`
	Done       int    `json:"done"`
	Total      int    `json:"total"`
	Batch      int    `json:"batch"`
	DelayMS    int64  `json:"delay_ms"`
	Message    string `json:"message"`
}

type Hooks struct {
	// Gate runs at the top of every iteration; false stops the run before the job is sent.
	Gate func(ctx context.Context, index int, job Job) bool
	// OnOutcome runs synchronously after each attempt, in job order.
	OnOutcome func(Outcome)
}

// Run describes one dispatch run.
type Run struct {
	Conn   Conn
	Jobs   []Job
	Pacing model.Pacing
	// CampaignID tags rows and events; empty for bulk sends.
	CampaignID string
	Source     string
	Hooks      Hooks
}

type Summary struct {
	Total   int  `json:"total"`
	Sent    int  `json:"sent"`
	Failed  int  `json:"failed"`
	Stopped bool `json:"stopped"`
}

// Dispatcher sends job lists one message at a time with randomized gaps
// and a longer pause after every batch.
type Dispatcher struct {
	store  Recorder
	notify notify.Notifier
	log    zerolog.Logger

	// Replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func(n int64) int64
	Intn  func(n int) int
	Now   func() time.Time
}

func NewDispatcher(store Recorder, n notify.Notifier, log zerolog.Logger) *Dispatcher {
	if n == nil {
		n = notify.Discard
	}
	return &Dispatcher{
		store:  store,
		notify: n,
		log:    log,
		Sleep:  sleepCtx,
		Rand:   rand.Int63n,
		Intn:   rand.Intn,
		Now:    time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// gap picks a delay in [min, max).
func (d *Dispatcher) gap(p model.Pacing) time.Duration {
	if p.MaxDelay <= p.MinDelay {
		return p.MinDelay
	}
	return p.MinDelay + time.Duration(d.Rand(int64(p.MaxDelay-p.MinDelay)))
}

// Run sends r.Jobs in order. A failed send is recorded and the run moves on;
// only context cancellation or the gate stops it early. Jobs after a stop are
// left unsent.
func (d *Dispatcher) Run(ctx context.Context, r Run) Summary {
	p := r.Pacing.WithDefaults(model.DefaultPacing)
	accountID := r.Conn.AccountID()
	source := r.Source
	if r.CampaignID != "" {
		source = model.SourceCampaign
	}
	log := d.log.With().Str("account", accountID).Str("campaign", r.CampaignID).Logger()
	sum := Summary{Total: len(r.Jobs)}

	for i, job := range r.Jobs {
		if ctx.Err() != nil || (r.Hooks.Gate != nil && !r.Hooks.Gate(ctx, i, job)) {
			sum.Stopped = true
			break
		}

		body := Render(job.Body, job.Variables, !p.NoSpintax, d.Intn)
		id, err := r.Conn.Send(ctx, job.Phone, body, job.Media)
		now := d.Now().UTC()
		msg := model.Message{
			OwnerID:    accountID,
			CampaignID: r.CampaignID,
			Phone:      job.Phone,
			Body:       body,
			Media:      job.Media,
			Source:     source,
		}
		if err != nil {
			sum.Failed++
			msg.Status = model.MessageFailed
			msg.Error = err.Error()
			log.Warn().Err(err).Str("phone", job.Phone).Msg("send failed")
		} else {
			sum.Sent++
			msg.Status = model.MessageSent
			msg.ProtocolMessageID = id
			msg.SentAt = &now
		}
		if d.store != nil {
			if serr := d.store.CreateMessage(&msg); serr != nil {
				log.Error().Err(serr).Str("phone", job.Phone).Msg("record message")
			}
		}

		done := i + 1
		out := Outcome{
			Index:   i,
			Job:     job,
			Message: msg,
			Err:     err,
			Progress: Progress{
				CampaignID: r.CampaignID,
				Phone:      job.Phone,
				MessageID:  id,
				Done:       done,
				Total:      sum.Total,
				Sent:       sum.Sent,
				Failed:     sum.Failed,
				Percent:    done * 100 / sum.Total,
			},
		}
		if err != nil {
			out.Progress.Error = err.Error()
			d.notify.Notify(accountID, notify.MessageFailed, out.Progress)
		} else {
			d.notify.Notify(accountID, notify.MessageSent, out.Progress)
		}
		if r.Hooks.OnOutcome != nil {
			r.Hooks.OnOutcome(out)
		}

		if done == len(r.Jobs) {
			break
		}
		if err := d.Sleep(ctx, d.gap(p)); err != nil {
			sum.Stopped = true
			break
		}
		if done%p.BatchSize == 0 {
			bp := BatchPause{
				CampaignID: r.CampaignID,
				Done:       done,
				Total:      sum.Total,
				Batch:      done / p.BatchSize,
				DelayMS:    p.BatchDelay.Milliseconds(),
				Message:    "batch complete, pausing for " + p.BatchDelay.String(),
			}
			d.notify.Notify(accountID, notify.BatchPause, bp)
			log.Info().Int("done", done).Dur("delay", p.BatchDelay).Msg("batch pause")
			if err := d.Sleep(ctx, p.BatchDelay); err != nil {
				sum.Stopped = true
				break
			}
		}
	}
	return sum
}
