package sender

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"wablast/internal/model"
	"wablast/internal/notify"
	"wablast/internal/quota"
	"wablast/internal/wa"
)

type fakeSessions struct {
	conns map[string]Conn
}

func (f fakeSessions) Conn(accountID string) (Conn, error) {
	c, ok := f.conns[accountID]
	if !ok {
		return nil, wa.ErrNotConnected
	}
	return c, nil
}

type fakeQuota struct {
	mu    sync.Mutex
	limit int
	used  int
}

func (q *fakeQuota) Check(_ string, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used+n > q.limit {
		return quota.ErrQuotaExceeded
	}
	return nil
}

func (q *fakeQuota) Consume(_ string, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.used += n
	return nil
}

func (q *fakeQuota) usage() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used
}

type senderHarness struct {
	s     *Sender
	conn  *fakeConn
	rec   *memRecorder
	ev    *events
	quota *fakeQuota
}

func newSenderHarness(t *testing.T, limit int) *senderHarness {
	t.Helper()
	d, rec, ev, _ := newTestDispatcher()
	conn := newFakeConn()
	q := &fakeQuota{limit: limit}
	s := New(fakeSessions{conns: map[string]Conn{"acc": conn}}, rec, q, d, Options{Notifier: ev, Log: zerolog.Nop()})
	t.Cleanup(s.Close)
	return &senderHarness{s: s, conn: conn, rec: rec, ev: ev, quota: q}
}

func TestSendOneRecordsAndConsumes(t *testing.T) {
	h := newSenderHarness(t, 10)
	msg, err := h.s.SendOne(context.Background(), "acc", "+62 812-0001", "hi", nil, "")
	require.NoError(t, err)
	require.Equal(t, "628120001", msg.Phone)
	require.Equal(t, model.MessageSent, msg.Status)
	require.Equal(t, "id-628120001", msg.ProtocolMessageID)
	require.Equal(t, model.SourceManual, msg.Source)
	require.Equal(t, 1, h.quota.usage())
	require.Len(t, h.ev.ofType(notify.MessageSent), 1)
}

func TestSendOneUnreachableIsRecorded(t *testing.T) {
	h := newSenderHarness(t, 10)
	h.conn.missing["1"] = true
	msg, err := h.s.SendOne(context.Background(), "acc", "1", "hi", nil, model.SourceAPI)
	require.ErrorIs(t, err, ErrRecipientUnreachable)
	require.Equal(t, model.MessageFailed, msg.Status)
	require.Len(t, h.rec.all(), 1)
	require.Equal(t, 1, h.quota.usage())
	require.Len(t, h.ev.ofType(notify.MessageFailed), 1)
}

func TestSendOneRejectsBeforeSending(t *testing.T) {
	h := newSenderHarness(t, 0)

	_, err := h.s.SendOne(context.Background(), "other", "1", "hi", nil, "")
	require.ErrorIs(t, err, wa.ErrNotConnected)

	_, err = h.s.SendOne(context.Background(), "acc", "1", "hi", nil, "")
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)

	_, err = h.s.SendOne(context.Background(), "acc", "abc", "hi", nil, "")
	require.ErrorIs(t, err, ErrInvalidPhone)

	require.Empty(t, h.conn.phones())
	require.Empty(t, h.rec.all())
}

func TestSendBulk(t *testing.T) {
	h := newSenderHarness(t, 10)
	h.conn.missing["2"] = true
	items := []BulkItem{
		{Phone: "1", Message: "{{name}}", Variables: map[string]string{"NAME": "a"}},
		{Phone: "2", Message: "b"},
		{Phone: "", Message: "skipped"},
		{Phone: "3", Message: "c"},
	}
	id, err := h.s.SendBulk("acc", items, model.Pacing{})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	h.s.Wait()

	require.Equal(t, []string{"1", "2", "3"}, h.conn.phones())
	require.Equal(t, 3, h.quota.usage())
	done := h.ev.ofType(notify.BulkComplete)
	require.Len(t, done, 1)
	bc := done[0].Data.(BulkComplete)
	require.Equal(t, id, bc.BulkID)
	require.Equal(t, Summary{Total: 3, Sent: 2, Failed: 1}, bc.Summary)
	require.Equal(t, model.SourceAPI, h.rec.all()[0].Source)
	require.Equal(t, "a", h.rec.all()[0].Body)
}

func TestSendBulkQuotaCoversWholeRequest(t *testing.T) {
	h := newSenderHarness(t, 2)
	_, err := h.s.SendBulk("acc", []BulkItem{{Phone: "1", Message: "a"}, {Phone: "2", Message: "b"}, {Phone: "3", Message: "c"}}, model.Pacing{})
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)

	_, err = h.s.SendBulk("acc", []BulkItem{{Phone: "", Message: "a"}}, model.Pacing{})
	require.ErrorIs(t, err, ErrEmptyBulk)
	require.Empty(t, h.conn.phones())
}

func TestValidateNumbers(t *testing.T) {
	h := newSenderHarness(t, 10)
	h.conn.missing["2"] = true
	res, err := h.s.ValidateNumbers(context.Background(), "acc", []string{"1", "+2", "x"})
	require.NoError(t, err)
	require.Equal(t, []NumberCheck{{Phone: "1", Exists: true}, {Phone: "2", Exists: false}}, res)

	ok, err := h.s.CheckNumber(context.Background(), "acc", "1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.s.CheckNumber(context.Background(), "nope", "1")
	require.ErrorIs(t, err, wa.ErrNotConnected)
}

func TestCloseStopsBulkRun(t *testing.T) {
	d, rec, ev, _ := newTestDispatcher()
	conn := newFakeConn()
	d.Sleep = sleepCtx
	d.Rand = func(int64) int64 { return 0 }
	s := New(fakeSessions{conns: map[string]Conn{"acc": conn}}, rec, &fakeQuota{limit: 10}, d, Options{
		Notifier: ev,
		Pacing:   model.Pacing{MinDelay: time.Hour, MaxDelay: time.Hour},
	})
	_, err := s.SendBulk("acc", []BulkItem{{Phone: "1", Message: "a"}, {Phone: "2", Message: "b"}}, model.Pacing{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(conn.phones()) == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Close()
	require.Equal(t, []string{"1"}, conn.phones())
	done := ev.ofType(notify.BulkComplete)
	require.Len(t, done, 1)
	require.True(t, done[0].Data.(BulkComplete).Stopped)
}
