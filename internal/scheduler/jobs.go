package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wablast/internal/campaign"
	"wablast/internal/model"
	"wablast/internal/storage"
)

const (
	KindCampaignStart    = "campaign.start"
	KindScheduledMessage = "message.scheduled"
)

var (
	ErrNotFound         = errors.New("scheduled message not found")
	ErrNotPending       = errors.New("scheduled message is no longer pending")
	ErrInvalidRecurType = errors.New("recurrence type must be daily, weekly or monthly")
	ErrInvalidMessage   = errors.New("scheduled message needs a phone number and a body or media")
)

// Campaigns is the part of the orchestrator the campaign-start job drives.
type Campaigns interface {
	Schedule(id string, at time.Time) error
	StartScheduled(ctx context.Context, id string) error
	Fail(id string) error
}

// MessageSender sends one message through the account's live connection.
type MessageSender interface {
	SendOne(ctx context.Context, accountID, phone, body string, media *model.Media, source string) (model.Message, error)
}

// RegisterCampaigns installs the campaign-start handler.
func (s *Scheduler) RegisterCampaigns(c Campaigns) {
	s.campaigns = c
	s.Handle(KindCampaignStart, s.startCampaign)
}

// RegisterMessages installs the scheduled-message handler.
func (s *Scheduler) RegisterMessages(m MessageSender) {
	s.messages = m
	s.Handle(KindScheduledMessage, s.sendScheduled)
}

// ScheduleCampaignStart marks the campaign scheduled and enqueues its start.
// A zero or past at is due immediately.
func (s *Scheduler) ScheduleCampaignStart(id string, at time.Time) (string, error) {
	if at.IsZero() {
		at = s.now()
	}
	if err := s.campaigns.Schedule(id, at); err != nil {
		return "", err
	}
	return s.Enqueue(KindCampaignStart, id, at)
}

func (s *Scheduler) startCampaign(ctx context.Context, j storage.Job) error {
	err := s.campaigns.StartScheduled(ctx, j.RefID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, campaign.ErrNotFound),
		errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, campaign.ErrNotDue):
		// deleted, cancelled, started by hand or rescheduled since this job was queued
		s.log.Info().Str("campaign", j.RefID).Err(err).Msg("scheduled start skipped")
		return nil
	case errors.Is(err, campaign.ErrNoRecipients):
		s.failCampaign(j.RefID)
		return Permanent(err)
	}
	if j.Attempts >= j.MaxAttempts {
		s.failCampaign(j.RefID)
	}
	return err
}

func (s *Scheduler) failCampaign(id string) {
	if err := s.campaigns.Fail(id); err != nil && !errors.Is(err, campaign.ErrInvalidTransition) {
		s.log.Error().Err(err).Str("campaign", id).Msg("mark campaign failed")
	}
}

// ScheduleMessage validates and stores m as pending, then enqueues its send.
func (s *Scheduler) ScheduleMessage(m *model.ScheduledMessage) (string, error) {
	m.Phone = model.NormalizePhone(m.Phone)
	if m.Phone == "" || (strings.TrimSpace(m.Body) == "" && m.Media == nil) {
		return "", ErrInvalidMessage
	}
	if m.Recurring {
		if _, ok := nextOccurrence(m.ScheduledAt, m.RecurType); !ok {
			return "", ErrInvalidRecurType
		}
	} else {
		m.RecurType = ""
	}
	if m.ScheduledAt.IsZero() {
		m.ScheduledAt = s.now()
	}
	m.Status = model.ScheduledPending
	if err := s.store.CreateScheduledMessage(m); err != nil {
		return "", err
	}
	return s.Enqueue(KindScheduledMessage, m.ID, m.ScheduledAt)
}

// CancelScheduledMessage cancels a pending scheduled message of ownerID.
// Its job still fires but finds nothing to do.
func (s *Scheduler) CancelScheduledMessage(ownerID, id string) error {
	m, err := s.store.GetScheduledMessage(id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && m.OwnerID != ownerID) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	ok, err := s.store.FinishScheduledMessage(id, model.ScheduledCancelled, "", nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPending, m.Status)
	}
	return nil
}

// sendScheduled makes a single send attempt. Its outcome lands on the
// scheduled message, so the job itself only errors on store failures.
func (s *Scheduler) sendScheduled(ctx context.Context, j storage.Job) error {
	m, err := s.store.GetScheduledMessage(j.RefID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if m.Status != model.ScheduledPending {
		return nil
	}
	log := s.log.With().Str("scheduled", m.ID).Str("account", m.OwnerID).Logger()

	_, sendErr := s.messages.SendOne(ctx, m.OwnerID, m.Phone, m.Body, m.Media, model.SourceScheduled)
	if sendErr != nil {
		log.Warn().Err(sendErr).Msg("scheduled send failed")
		_, err := s.store.FinishScheduledMessage(m.ID, model.ScheduledFailed, sendErr.Error(), nil)
		return err
	}
	sentAt := s.now().UTC()
	won, err := s.store.FinishScheduledMessage(m.ID, model.ScheduledSent, "", &sentAt)
	if err != nil {
		return Permanent(err)
	}
	if !won || !m.Recurring {
		return nil
	}

	next, ok := nextOccurrence(m.ScheduledAt, m.RecurType)
	if !ok {
		log.Warn().Str("recur_type", m.RecurType).Msg("unknown recurrence, not rescheduling")
		return nil
	}
	follow := &model.ScheduledMessage{
		OwnerID:     m.OwnerID,
		Phone:       m.Phone,
		Body:        m.Body,
		Media:       m.Media,
		ScheduledAt: next,
		Recurring:   true,
		RecurType:   m.RecurType,
	}
	if err := s.store.CreateScheduledMessage(follow); err != nil {
		return Permanent(fmt.Errorf("create next occurrence: %w", err))
	}
	if _, err := s.Enqueue(KindScheduledMessage, follow.ID, next); err != nil {
		return Permanent(fmt.Errorf("enqueue next occurrence: %w", err))
	}
	log.Info().Str("next", follow.ID).Time("at", next).Msg("recurring message rescheduled")
	return nil
}

// nextOccurrence returns the following run of a recurring message.
func nextOccurrence(from time.Time, recurType string) (time.Time, bool) {
	switch recurType {
	case model.RecurDaily:
		return from.Add(24 * time.Hour), true
	case model.RecurWeekly:
		return from.Add(7 * 24 * time.Hour), true
	case model.RecurMonthly:
		return from.AddDate(0, 1, 0), true
	}
	return time.Time{}, false
}
