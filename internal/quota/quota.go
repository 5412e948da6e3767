// Package quota enforces the per-account daily and monthly message limits.
package quota

import (
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"wablast/internal/model"
)

var ErrQuotaExceeded = errors.New("message quota exceeded")

// Store is the slice of the record store the gate reads and bumps.
type Store interface {
	GetAccount(id string) (model.Account, error)
	AddUsage(id string, n int) error
	ResetDailyUsage() (int64, error)
	ResetMonthlyUsage() (int64, error)
}

// Gate is a check-then-increment usage gate. Two concurrent callers may both
// pass Check and overshoot the limit slightly; nothing corrects that later.
type Gate struct {
	store Store
}

func New(store Store) *Gate { return &Gate{store: store} }

// Check fails with ErrQuotaExceeded if n more messages would pass either limit.
func (g *Gate) Check(accountID string, n int) error {
	acc, err := g.store.GetAccount(accountID)
	if err != nil {
		return err
	}
	if acc.MessagesUsedToday+n > acc.DailyLimit {
		return fmt.Errorf("%w: daily limit %d, used %d, requested %d",
			ErrQuotaExceeded, acc.DailyLimit, acc.MessagesUsedToday, n)
	}
	if acc.MessagesUsedMonth+n > acc.MonthlyLimit {
		return fmt.Errorf("%w: monthly limit %d, used %d, requested %d",
			ErrQuotaExceeded, acc.MonthlyLimit, acc.MessagesUsedMonth, n)
	}
	return nil
}

// Consume records n attempted messages against both counters.
func (g *Gate) Consume(accountID string, n int) error {
	return g.store.AddUsage(accountID, n)
}

// Resetter zeroes usage counters on cron schedules.
type Resetter struct {
	store   Store
	log     zerolog.Logger
	daily   string
	monthly string

	mu sync.Mutex
	c  *cron.Cron
}

// NewResetter validates both schedules (standard five-field cron syntax).
func NewResetter(store Store, daily, monthly string, log zerolog.Logger) (*Resetter, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for _, expr := range []string{daily, monthly} {
		if _, err := parser.Parse(expr); err != nil {
			return nil, fmt.Errorf("quota reset schedule %q: %w", expr, err)
		}
	}
	return &Resetter{store: store, log: log, daily: daily, monthly: monthly}, nil
}

func (r *Resetter) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(r.daily, r.ResetDaily); err != nil {
		return err
	}
	if _, err := c.AddFunc(r.monthly, r.ResetMonthly); err != nil {
		return err
	}
	c.Start()
	r.c = c
	r.log.Info().Str("daily", r.daily).Str("monthly", r.monthly).Msg("quota resets scheduled")
	return nil
}

// Stop waits for a running reset to finish.
func (r *Resetter) Stop() {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (r *Resetter) ResetDaily() {
	n, err := r.store.ResetDailyUsage()
	if err != nil {
		r.log.Error().Err(err).Msg("daily usage reset failed")
		return
	}
	r.log.Info().Int64("accounts", n).Msg("daily usage reset")
}

func (r *Resetter) ResetMonthly() {
	n, err := r.store.ResetMonthlyUsage()
	if err != nil {
		r.log.Error().Err(err).Msg("monthly usage reset failed")
		return
	}
	r.log.Info().Int64("accounts", n).Msg("monthly usage reset")
}
