package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wablast/internal/model"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAccountUsage(t *testing.T) {
	st := openTest(t)
	id, err := st.CreateAccount("a", 10, 100)
	require.NoError(t, err)

	require.NoError(t, st.AddUsage(id, 3))
	require.NoError(t, st.AddUsage(id, 0))
	a, err := st.GetAccount(id)
	require.NoError(t, err)
	require.Equal(t, 3, a.MessagesUsedToday)
	require.Equal(t, 3, a.MessagesUsedMonth)

	n, err := st.ResetDailyUsage()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	a, _ = st.GetAccount(id)
	require.Zero(t, a.MessagesUsedToday)
	require.Equal(t, 3, a.MessagesUsedMonth)

	require.NoError(t, st.SetAccountConnection(id, true, "62811"))
	a, _ = st.GetAccount(id)
	require.True(t, a.WAConnected)
	require.Equal(t, "62811", a.WANumber)

	_, err = st.GetAccount("missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, st.UpdateAccountLimits("missing", 1, 1), ErrNotFound)
}

func TestCampaignRunGuards(t *testing.T) {
	st := openTest(t)
	acc, err := st.CreateAccount("a", 10, 100)
	require.NoError(t, err)
	c := &model.Campaign{OwnerID: acc, Name: "c", Message: "hi", TargetNumbers: []string{"62811", "62812"}}
	require.NoError(t, st.CreateCampaign(c))
	require.Equal(t, model.CampaignDraft, c.Status)
	require.Equal(t, model.DefaultPacing.BatchSize, c.Pacing.BatchSize)

	ok, err := st.BeginCampaignRun(c.ID, []string{model.CampaignDraft}, "run-1", 2, 0, 0, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	status, run, err := st.CampaignRunState(c.ID)
	require.NoError(t, err)
	require.Equal(t, model.CampaignRunning, status)
	require.Equal(t, "run-1", run)

	// counters only move for the active run and never past the total
	require.NoError(t, st.IncCampaignCounter(c.ID, "stale", true))
	require.NoError(t, st.IncCampaignCounter(c.ID, "run-1", true))
	require.NoError(t, st.IncCampaignCounter(c.ID, "run-1", false))
	require.NoError(t, st.IncCampaignCounter(c.ID, "run-1", true))
	got, err := st.GetCampaign(c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.SentCount)
	require.Equal(t, 1, got.FailedCount)

	require.ErrorIs(t, st.DeleteCampaign(acc, c.ID), ErrCampaignRunning)

	ok, err = st.TransitionCampaign(c.ID, []string{model.CampaignRunning}, model.CampaignPaused)
	require.NoError(t, err)
	require.True(t, ok)
	status, run, _ = st.CampaignRunState(c.ID)
	require.Equal(t, model.CampaignPaused, status)
	require.Equal(t, "run-1", run)

	ok, err = st.CompleteCampaignRun(c.ID, "run-1", 1, 1)
	require.NoError(t, err)
	require.False(t, ok, "a paused campaign is not completed by its old run")

	ok, err = st.ScheduleCampaign(c.ID, time.Now())
	require.NoError(t, err)
	require.False(t, ok, "paused campaigns cannot be scheduled")

	require.ErrorIs(t, st.DeleteCampaign("other", c.ID), ErrNotFound)
	require.NoError(t, st.DeleteCampaign(acc, c.ID))
}

func TestInFlightSendCountsAfterCancel(t *testing.T) {
	st := openTest(t)
	acc, _ := st.CreateAccount("a", 10, 100)
	c := &model.Campaign{OwnerID: acc, Name: "c", Message: "hi", TargetNumbers: []string{"1", "2", "3"}}
	require.NoError(t, st.CreateCampaign(c))
	ok, err := st.BeginCampaignRun(c.ID, []string{model.CampaignDraft}, "run-1", 3, 0, 0, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.IncCampaignCounter(c.ID, "run-1", true))

	ok, err = st.TransitionCampaign(c.ID, []string{model.CampaignRunning}, model.CampaignCancelled)
	require.NoError(t, err)
	require.True(t, ok)

	// the send that was on the wire when cancel landed
	require.NoError(t, st.IncCampaignCounter(c.ID, "run-1", false))
	require.NoError(t, st.IncCampaignCounter(c.ID, "stale", true))

	got, err := st.GetCampaign(c.ID)
	require.NoError(t, err)
	require.Equal(t, model.CampaignCancelled, got.Status)
	require.Equal(t, 1, got.SentCount)
	require.Equal(t, 1, got.FailedCount)
	require.NotNil(t, got.CompletedAt)
}

func TestMessageStatusMovesForward(t *testing.T) {
	st := openTest(t)
	acc, _ := st.CreateAccount("a", 10, 100)
	now := time.Now()
	m := &model.Message{OwnerID: acc, CampaignID: "", Phone: "62811", Body: "x", Status: model.MessageSent, ProtocolMessageID: "P1", SentAt: &now}
	require.NoError(t, st.CreateMessage(m))

	ok, err := st.UpdateMessageStatusByProtocolID("P1", model.MessageRead, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.UpdateMessageStatusByProtocolID("P1", model.MessageDelivered, now)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = st.UpdateMessageStatusByProtocolID("unknown", model.MessageDelivered, now)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := st.GetMessage(m.ID)
	require.NoError(t, err)
	require.Equal(t, model.MessageRead, got.Status)
	require.NotNil(t, got.ReadAt)
}

func TestCampaignMessageCountsAndAttempts(t *testing.T) {
	st := openTest(t)
	acc, _ := st.CreateAccount("a", 10, 100)
	c := &model.Campaign{OwnerID: acc, Name: "c", Message: "hi"}
	require.NoError(t, st.CreateCampaign(c))
	for _, m := range []model.Message{
		{Phone: "1", Status: model.MessageSent},
		{Phone: "2", Status: model.MessageFailed},
		{Phone: "3", Status: model.MessagePending},
	} {
		m.OwnerID, m.CampaignID, m.Source = acc, c.ID, model.SourceCampaign
		require.NoError(t, st.CreateMessage(&m))
	}
	sent, failed, err := st.CampaignMessageCounts(c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Equal(t, 1, failed)

	attempted, err := st.AttemptedPhones(c.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"1": true, "2": true}, attempted)
}

func TestContactsExcludeBlocked(t *testing.T) {
	st := openTest(t)
	acc, _ := st.CreateAccount("a", 10, 100)
	g, err := st.CreateGroup(acc, "vip", "")
	require.NoError(t, err)
	a, err := st.UpsertContact(model.Contact{OwnerID: acc, GroupID: g, Phone: "62811", Name: "A"})
	require.NoError(t, err)
	b, err := st.UpsertContact(model.Contact{OwnerID: acc, GroupID: g, Phone: "62812", Name: "B", Blocked: true})
	require.NoError(t, err)

	again, err := st.UpsertContact(model.Contact{OwnerID: acc, Phone: "62811", Variables: map[string]string{"city": "Bandung"}})
	require.NoError(t, err)
	require.Equal(t, a, again)

	members, err := st.ContactsInGroups(acc, []string{g})
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "A", members[0].Name)
	require.Equal(t, g, members[0].GroupID)
	require.Equal(t, "Bandung", members[0].Variables["city"])

	byID, err := st.ContactsByIDs(acc, []string{a, b})
	require.NoError(t, err)
	require.Len(t, byID, 1)

	blocked, err := st.BlockedPhones(acc)
	require.NoError(t, err)
	require.True(t, blocked["62812"])

	require.NoError(t, st.TouchContact(acc, "62811", time.Now()))
	c, err := st.GetContact(acc, a)
	require.NoError(t, err)
	require.Equal(t, 1, c.MessageCount)
	require.NotNil(t, c.LastContacted)
}

func TestJobQueue(t *testing.T) {
	st := openTest(t)
	now := time.Now()
	due, err := st.EnqueueJob("k", "r1", now.Add(-time.Second), 2)
	require.NoError(t, err)
	_, err = st.EnqueueJob("k", "r2", now.Add(time.Hour), 2)
	require.NoError(t, err)

	jobs, err := st.ClaimDueJobs(now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, due, jobs[0].ID)
	require.Equal(t, 1, jobs[0].Attempts)
	require.Equal(t, JobRunning, jobs[0].Status)

	jobs, err = st.ClaimDueJobs(now, 10)
	require.NoError(t, err)
	require.Empty(t, jobs, "a running job is not claimed twice")

	require.NoError(t, st.RetryJob(due, now, "boom"))
	jobs, err = st.ClaimDueJobs(now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 2, jobs[0].Attempts)

	n, err := st.ResetRunningJobs()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.NoError(t, st.FailJob(due, "gave up"))
	j, err := st.GetJob(due)
	require.NoError(t, err)
	require.Equal(t, JobFailed, j.Status)
	require.Equal(t, "gave up", j.LastError)

	list, err := st.ListJobsByRef("k", "r2")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, JobPending, list[0].Status)
}

func TestFinishScheduledMessageOnce(t *testing.T) {
	st := openTest(t)
	acc, _ := st.CreateAccount("a", 10, 100)
	m := &model.ScheduledMessage{OwnerID: acc, Phone: "62811", Body: "hi", ScheduledAt: time.Now()}
	require.NoError(t, st.CreateScheduledMessage(m))

	ok, err := st.FinishScheduledMessage(m.ID, model.ScheduledCancelled, "", nil)
	require.NoError(t, err)
	require.True(t, ok)
	sentAt := time.Now()
	ok, err = st.FinishScheduledMessage(m.ID, model.ScheduledSent, "", &sentAt)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := st.GetScheduledMessage(m.ID)
	require.NoError(t, err)
	require.Equal(t, model.ScheduledCancelled, got.Status)
}
