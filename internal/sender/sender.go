package sender

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wablast/internal/model"
	"wablast/internal/notify"
	"wablast/internal/wa"
)

var (
	ErrRecipientUnreachable = wa.ErrRecipientUnreachable
	ErrEmptyBulk            = errors.New("no messages to send")
	ErrInvalidPhone         = errors.New("invalid phone number")
)

// Sessions hands out send handles for connected accounts.
type Sessions interface {
	Conn(accountID string) (Conn, error)
}

// ManagerSessions adapts the session manager to Sessions.
func ManagerSessions(m *wa.Manager) Sessions { return managerSessions{m} }

type managerSessions struct{ m *wa.Manager }

func (s managerSessions) Conn(accountID string) (Conn, error) {
	c, err := s.m.Connection(accountID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Quota is the usage gate consulted before manual and bulk sends.
type Quota interface {
	Check(accountID string, n int) error
	Consume(accountID string, n int) error
}

// Store is what the direct send path writes besides message rows.
type Store interface {
	Recorder
	TouchContact(ownerID, phone string, at time.Time) error
}

// BulkItem is one entry of a bulk request.
type BulkItem struct {
	Phone     string            `json:"phone"`
	Message   string            `json:"message"`
	Variables map[string]string `json:"variables,omitempty"`
	Media     *model.Media      `json:"media,omitempty"`
}

// BulkComplete is the payload of bulk-complete events.
type BulkComplete struct {
	BulkID string `json:"bulk_id"`
	Summary
}

// NumberCheck is the result of an existence lookup for one phone.
type NumberCheck struct {
	Phone  string `json:"phone"`
	Exists bool   `json:"exists"`
	Error  string `json:"error,omitempty"`
}

// Sender is the direct send path: single sends, bulk sends and number checks.
type Sender struct {
	sessions   Sessions
	store      Store
	quota      Quota
	dispatcher *Dispatcher
	notify     notify.Notifier
	pacing     model.Pacing
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Options struct {
	// Pacing is the default applied to bulk sends.
	Pacing   model.Pacing
	Notifier notify.Notifier
	Log      zerolog.Logger
}

func New(sessions Sessions, store Store, quota Quota, dispatcher *Dispatcher, opts Options) *Sender {
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		sessions:   sessions,
		store:      store,
		quota:      quota,
		dispatcher: dispatcher,
		notify:     opts.Notifier,
		pacing:     opts.Pacing.WithDefaults(model.DefaultPacing),
		log:        opts.Log,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SendOne sends a single message now. The attempt is recorded and counted
// against quota whether or not it succeeds.
func (s *Sender) SendOne(ctx context.Context, accountID, phone, body string, media *model.Media, source string) (model.Message, error) {
	phone = model.NormalizePhone(phone)
	if phone == "" {
		return model.Message{}, ErrInvalidPhone
	}
	conn, err := s.sessions.Conn(accountID)
	if err != nil {
		return model.Message{}, err
	}
	if err := s.quota.Check(accountID, 1); err != nil {
		return model.Message{}, err
	}
	if source == "" {
		source = model.SourceManual
	}

	id, sendErr := conn.Send(ctx, phone, body, media)
	now := time.Now().UTC()
	msg := model.Message{
		OwnerID: accountID,
		Phone:   phone,
		Body:    body,
		Media:   media,
		Source:  source,
	}
	if sendErr != nil {
		msg.Status = model.MessageFailed
		msg.Error = sendErr.Error()
	} else {
		msg.Status = model.MessageSent
		msg.ProtocolMessageID = id
		msg.SentAt = &now
	}
	if err := s.store.CreateMessage(&msg); err != nil {
		s.log.Error().Err(err).Str("account", accountID).Msg("record message")
	}
	s.consume(accountID, 1)

	ev := Progress{Phone: phone, MessageID: id, Done: 1, Total: 1, Percent: 100}
	if sendErr != nil {
		ev.Failed, ev.Error = 1, sendErr.Error()
		s.notify.Notify(accountID, notify.MessageFailed, ev)
		return msg, sendErr
	}
	ev.Sent = 1
	s.notify.Notify(accountID, notify.MessageSent, ev)
	s.touch(accountID, phone, now)
	return msg, nil
}

// SendBulk validates the request and dispatches it in the background.
// Quota is checked once for the whole request; usage grows per attempt.
// It returns an id that tags the bulk-complete event.
func (s *Sender) SendBulk(accountID string, items []BulkItem, pacing model.Pacing) (string, error) {
	jobs := make([]Job, 0, len(items))
	for _, it := range items {
		phone := model.NormalizePhone(it.Phone)
		if phone == "" || (strings.TrimSpace(it.Message) == "" && it.Media == nil) {
			continue
		}
		jobs = append(jobs, Job{Phone: phone, Body: it.Message, Media: it.Media, Variables: it.Variables})
	}
	if len(jobs) == 0 {
		return "", ErrEmptyBulk
	}
	conn, err := s.sessions.Conn(accountID)
	if err != nil {
		return "", err
	}
	if err := s.quota.Check(accountID, len(jobs)); err != nil {
		return "", err
	}

	bulkID := uuid.NewString()
	run := Run{
		Conn:   conn,
		Jobs:   jobs,
		Pacing: pacing.WithDefaults(s.pacing),
		Source: model.SourceAPI,
		Hooks: Hooks{
			OnOutcome: func(o Outcome) {
				s.consume(accountID, 1)
				if o.Err == nil {
					s.touch(accountID, o.Job.Phone, time.Now())
				}
			},
		},
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sum := s.dispatcher.Run(s.ctx, run)
		s.log.Info().Str("account", accountID).Str("bulk", bulkID).
			Int("sent", sum.Sent).Int("failed", sum.Failed).Bool("stopped", sum.Stopped).
			Msg("bulk send finished")
		s.notify.Notify(accountID, notify.BulkComplete, BulkComplete{BulkID: bulkID, Summary: sum})
	}()
	return bulkID, nil
}

// CheckNumber reports whether phone is registered on WhatsApp.
func (s *Sender) CheckNumber(ctx context.Context, accountID, phone string) (bool, error) {
	conn, err := s.sessions.Conn(accountID)
	if err != nil {
		return false, err
	}
	return conn.Exists(ctx, model.NormalizePhone(phone))
}

// ValidateNumbers checks every phone; a lookup error is reported per number.
func (s *Sender) ValidateNumbers(ctx context.Context, accountID string, phones []string) ([]NumberCheck, error) {
	conn, err := s.sessions.Conn(accountID)
	if err != nil {
		return nil, err
	}
	out := make([]NumberCheck, 0, len(phones))
	for _, p := range phones {
		p = model.NormalizePhone(p)
		if p == "" {
			continue
		}
		ok, err := conn.Exists(ctx, p)
		res := NumberCheck{Phone: p, Exists: ok}
		if err != nil {
			if errors.Is(err, wa.ErrNotConnected) {
				return out, err
			}
			res.Error = err.Error()
		}
		out = append(out, res)
	}
	return out, nil
}

// Wait blocks until background bulk runs finish.
func (s *Sender) Wait() { s.wg.Wait() }

// Close stops bulk runs before their next message and waits for them.
func (s *Sender) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Sender) consume(accountID string, n int) {
	if err := s.quota.Consume(accountID, n); err != nil {
		s.log.Error().Err(err).Str("account", accountID).Msg("consume quota")
	}
}

func (s *Sender) touch(accountID, phone string, at time.Time) {
	if err := s.store.TouchContact(accountID, phone, at); err != nil {
		s.log.Warn().Err(err).Str("account", accountID).Msg("update contact")
	}
}
