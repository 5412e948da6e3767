package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"wablast/internal/model"
	"wablast/internal/notify"
)

type fakeClient struct {
	mu           sync.Mutex
	paired       bool
	// dropOnRedial makes every Connect after the first push a recoverable drop
	// before returning nil, like a login rejected after the handshake.
	dropOnRedial bool
	events       chan Event
	connectErrs  []error
	connectCalls int
	disconnected bool
	loggedOut    bool
	registered   map[string]bool
	sentText     []string
	sentMedia    []string
	nextID       int
}

func newFakeClient(paired bool) *fakeClient {
	return &fakeClient{paired: paired, events: make(chan Event, 16), registered: map[string]bool{}}
}

func (f *fakeClient) Events() <-chan Event { return f.events }

func (f *fakeClient) Paired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paired
}

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.dropOnRedial && f.connectCalls > 1 {
		f.events <- Disconnected{Reason: DropRecoverable, Err: errors.New("login rejected")}
	}
	if len(f.connectErrs) == 0 {
		return nil
	}
	err := f.connectErrs[0]
	f.connectErrs = f.connectErrs[1:]
	return err
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func (f *fakeClient) isDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

func (f *fakeClient) Logout(context.Context) error {
	f.mu.Lock()
	f.loggedOut = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) SendText(_ context.Context, phone, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sentText = append(f.sentText, phone+":"+text)
	return fmt.Sprintf("MSG%d", f.nextID), nil
}

func (f *fakeClient) SendMedia(_ context.Context, phone string, media model.Media, caption string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sentMedia = append(f.sentMedia, phone+":"+media.Type+":"+caption)
	return fmt.Sprintf("MSG%d", f.nextID), nil
}

func (f *fakeClient) Exists(_ context.Context, phone string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[phone], nil
}

type fakeStore struct {
	mu        sync.Mutex
	connected map[string]bool
	known     map[string]string
	updates   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{connected: map[string]bool{}, known: map[string]string{}}
}

func (s *fakeStore) SetAccountConnection(id string, connected bool, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected[id] = connected
	return nil
}

func (s *fakeStore) isConnected(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected[id]
}

func (s *fakeStore) UpdateMessageStatusByProtocolID(id, status string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, id+"="+status)
	if _, ok := s.known[id]; !ok {
		return false, nil
	}
	s.known[id] = status
	return true, nil
}

type recorder struct {
	mu  sync.Mutex
	evs []notify.Event
}

func (r *recorder) Notify(accountID, typ string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, notify.Event{Type: typ, AccountID: accountID, Data: data})
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.evs {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) lastState() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.evs) - 1; i >= 0; i-- {
		if r.evs[i].Type == notify.ConnectionStatus {
			return r.evs[i].Data.(map[string]any)["state"]
		}
	}
	return nil
}

type harness struct {
	mgr     *Manager
	store   *fakeStore
	rec     *recorder
	mu      sync.Mutex
	clients []*fakeClient
	wiped   []string
	next    func() *fakeClient
}

func newHarness(t *testing.T, next func() *fakeClient, opts Options) *harness {
	t.Helper()
	h := &harness{store: newFakeStore(), rec: &recorder{}, next: next}
	opts.Notifier = h.rec
	opts.Log = zerolog.Nop()
	opts.Wipe = func(id string) error {
		h.mu.Lock()
		h.wiped = append(h.wiped, id)
		h.mu.Unlock()
		return nil
	}
	factory := func(context.Context, string) (Client, error) {
		c := h.next()
		h.mu.Lock()
		h.clients = append(h.clients, c)
		h.mu.Unlock()
		return c, nil
	}
	h.mgr = NewManager(factory, h.store, opts)
	t.Cleanup(h.mgr.Close)
	return h
}

func (h *harness) client(i int) *fakeClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[i]
}

func (h *harness) created() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *harness) wipedAccounts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.wiped...)
}

func (h *harness) waitState(t *testing.T, id string, st State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.mgr.Status(id).State == st }, 2*time.Second, 2*time.Millisecond,
		"want %s, have %s", st, h.mgr.Status(id).State)
}

func connected(t *testing.T, h *harness, id string) *fakeClient {
	t.Helper()
	require.NoError(t, h.mgr.Connect(context.Background(), id))
	c := h.client(h.created() - 1)
	c.events <- Connected{Identity: "15550000"}
	h.waitState(t, id, StateConnected)
	return c
}

func TestPairingFlow(t *testing.T) {
	h := newHarness(t, func() *fakeClient { return newFakeClient(false) }, Options{})

	require.NoError(t, h.mgr.Connect(context.Background(), "acc"))
	require.Equal(t, StatePairing, h.mgr.Status("acc").State)
	_, err := h.mgr.Connection("acc")
	require.ErrorIs(t, err, ErrNotConnected)

	c := h.client(0)
	c.events <- QR{Code: "2@abc"}
	require.Eventually(t, func() bool {
		code, ok := h.mgr.PairingCode("acc")
		return ok && code == "2@abc"
	}, time.Second, 2*time.Millisecond)
	require.Equal(t, 1, h.rec.count(notify.PairingCode))

	c.events <- Connected{Identity: "15550000"}
	h.waitState(t, "acc", StateConnected)
	require.True(t, h.store.isConnected("acc"))
	require.Equal(t, "15550000", h.mgr.Status("acc").Identity)

	conn, err := h.mgr.Connection("acc")
	require.NoError(t, err)
	require.Equal(t, "acc", conn.AccountID())
}

func TestConnectIsIdempotent(t *testing.T) {
	h := newHarness(t, func() *fakeClient { return newFakeClient(true) }, Options{})

	require.NoError(t, h.mgr.Connect(context.Background(), "acc"))
	require.NoError(t, h.mgr.Connect(context.Background(), "acc"))
	h.client(0).events <- Connected{}
	h.waitState(t, "acc", StateConnected)
	require.NoError(t, h.mgr.Connect(context.Background(), "acc"))

	require.Equal(t, 1, h.created())
	require.Equal(t, 1, h.client(0).calls())
}

func TestPairingExpiryKeepsPairing(t *testing.T) {
	h := newHarness(t, func() *fakeClient { return newFakeClient(false) }, Options{PairingWindow: 20 * time.Millisecond})

	require.NoError(t, h.mgr.Connect(context.Background(), "acc"))

	require.Eventually(t, func() bool { return h.rec.count(notify.PairingExpired) == 1 }, time.Second, 2*time.Millisecond)
	st := h.mgr.Status("acc")
	require.Equal(t, StatePairing, st.State)
	require.True(t, st.PairingExpired)
	require.Empty(t, st.PairingCode)

	// a new connect request restarts pairing with a fresh client
	require.NoError(t, h.mgr.Connect(context.Background(), "acc"))
	require.Equal(t, 2, h.created())
	require.True(t, h.client(0).isDisconnected())
	require.False(t, h.mgr.Status("acc").PairingExpired)
}

func TestReconnectExhaustionLeavesIdle(t *testing.T) {
	boom := errors.New("dial failed")
	h := newHarness(t, func() *fakeClient {
		c := newFakeClient(true)
		c.connectErrs = []error{nil, boom, boom, boom, boom, boom}
		return c
	}, Options{Backoff: Backoff{MaxAttempts: 5, Delay: time.Millisecond}})

	c := connected(t, h, "acc")
	c.events <- Disconnected{Reason: DropRecoverable}

	h.waitState(t, "acc", StateIdle)
	st := h.mgr.Status("acc")
	require.Equal(t, 5, st.ReconnectAttempts)
	require.Equal(t, 6, c.calls())
	require.True(t, c.isDisconnected())
	require.False(t, h.store.isConnected("acc"))
	require.Equal(t, StateIdle, h.rec.lastState())

	_, err := h.mgr.Connection("acc")
	require.ErrorIs(t, err, ErrNotConnected)

	// stays idle until someone connects again
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 6, c.calls())
	require.NoError(t, h.mgr.Connect(context.Background(), "acc"))
	require.Equal(t, 2, h.created())
}

func TestReconnectRecovers(t *testing.T) {
	h := newHarness(t, func() *fakeClient {
		c := newFakeClient(true)
		c.connectErrs = []error{nil, errors.New("dial failed"), nil}
		return c
	}, Options{Backoff: Backoff{MaxAttempts: 5, Delay: time.Millisecond}})

	c := connected(t, h, "acc")
	c.events <- Disconnected{Reason: DropRecoverable}
	h.waitState(t, "acc", StateReconnecting)

	require.Eventually(t, func() bool { return c.calls() == 3 }, time.Second, time.Millisecond)
	require.Equal(t, StateReconnecting, h.mgr.Status("acc").State)
	c.events <- Connected{}
	h.waitState(t, "acc", StateConnected)
	require.Zero(t, h.mgr.Status("acc").ReconnectAttempts)
	require.True(t, h.store.isConnected("acc"))
}

func TestConnectWhileReconnectingIsNoop(t *testing.T) {
	h := newHarness(t, func() *fakeClient {
		c := newFakeClient(true)
		c.connectErrs = []error{nil}
		return c
	}, Options{Backoff: Backoff{MaxAttempts: 5, Delay: time.Hour}})

	c := connected(t, h, "acc")
	c.events <- Disconnected{Reason: DropRecoverable}
	h.waitState(t, "acc", StateReconnecting)

	require.NoError(t, h.mgr.Connect(context.Background(), "acc"))
	require.Equal(t, 1, h.created())
}

func TestReplacedStreamDoesNotReconnect(t *testing.T) {
	h := newHarness(t, func() *fakeClient { return newFakeClient(true) },
		Options{Backoff: Backoff{MaxAttempts: 5, Delay: time.Millisecond}})

	c := connected(t, h, "acc")
	c.events <- Disconnected{Reason: DropReplaced}
	h.waitState(t, "acc", StateIdle)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, c.calls())
	require.Empty(t, h.wipedAccounts())
}

func TestRemoteLogoutWipesSession(t *testing.T) {
	h := newHarness(t, func() *fakeClient { return newFakeClient(true) }, Options{})

	c := connected(t, h, "acc")
	c.events <- LoggedOut{Reason: "401"}

	require.Eventually(t, func() bool { return h.rec.lastState() == StateLoggedOut }, time.Second, 2*time.Millisecond)
	require.Equal(t, []string{"acc"}, h.wipedAccounts())
	require.True(t, c.isDisconnected())
	require.False(t, h.store.isConnected("acc"))

	// removed from the registry
	require.Equal(t, StateIdle, h.mgr.Status("acc").State)
	_, err := h.mgr.Connection("acc")
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectLogsOut(t *testing.T) {
	h := newHarness(t, func() *fakeClient { return newFakeClient(true) }, Options{})

	c := connected(t, h, "acc")
	require.NoError(t, h.mgr.Disconnect(context.Background(), "acc"))

	c.mu.Lock()
	require.True(t, c.loggedOut)
	c.mu.Unlock()
	require.True(t, c.isDisconnected())
	require.Equal(t, []string{"acc"}, h.wipedAccounts())
	require.Equal(t, StateIdle, h.mgr.Status("acc").State)
}

func TestConnectErrorLeavesNoSession(t *testing.T) {
	h := newHarness(t, func() *fakeClient {
		c := newFakeClient(true)
		c.connectErrs = []error{errors.New("handshake failed")}
		return c
	}, Options{})

	err := h.mgr.Connect(context.Background(), "acc")
	require.ErrorContains(t, err, "handshake failed")
	require.Equal(t, StateIdle, h.mgr.Status("acc").State)
	require.True(t, h.client(0).isDisconnected())
}

func TestDeliveryUpdatesKnownMessagesOnly(t *testing.T) {
	h := newHarness(t, func() *fakeClient { return newFakeClient(true) }, Options{})
	h.store.known["MSG1"] = model.MessageSent

	c := connected(t, h, "acc")
	c.events <- Delivery{MessageIDs: []string{"MSG1", "UNKNOWN"}, Status: model.MessageDelivered}

	require.Eventually(t, func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return len(h.store.updates) == 2
	}, time.Second, 2*time.Millisecond)
	require.Equal(t, 1, h.rec.count(notify.MessageStatus))
	h.store.mu.Lock()
	require.Equal(t, []string{"MSG1=delivered", "UNKNOWN=delivered"}, h.store.updates)
	require.Equal(t, model.MessageDelivered, h.store.known["MSG1"])
	h.store.mu.Unlock()
}

func TestConnSend(t *testing.T) {
	h := newHarness(t, func() *fakeClient { return newFakeClient(true) }, Options{})
	c := connected(t, h, "acc")
	c.mu.Lock()
	c.registered["15550001"] = true
	c.mu.Unlock()

	conn, err := h.mgr.Connection("acc")
	require.NoError(t, err)

	id, err := conn.Send(context.Background(), "15550001", "hi", nil)
	require.NoError(t, err)
	require.Equal(t, "MSG1", id)

	_, err = conn.Send(context.Background(), "15550001", "look", &model.Media{Type: model.MediaImage, URL: "http://x/a.png"})
	require.NoError(t, err)

	_, err = conn.Send(context.Background(), "15550002", "hi", nil)
	require.ErrorIs(t, err, ErrRecipientUnreachable)

	c.mu.Lock()
	require.Equal(t, []string{"15550001:hi"}, c.sentText)
	require.Equal(t, []string{"15550001:image:look"}, c.sentMedia)
	c.mu.Unlock()

	// a held handle fails fast once the session drops
	c.events <- Disconnected{Reason: DropReplaced}
	h.waitState(t, "acc", StateIdle)
	_, err = conn.Send(context.Background(), "15550001", "hi", nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestRestoreConnectsEachAccount(t *testing.T) {
	h := newHarness(t, func() *fakeClient { return newFakeClient(true) }, Options{})

	h.mgr.Restore(context.Background(), []string{"a", "b"})
	require.Equal(t, 2, h.created())
	h.client(0).events <- Connected{}
	h.client(1).events <- Connected{}
	h.waitState(t, "a", StateConnected)
	h.waitState(t, "b", StateConnected)
}

func TestRejectedLoginsExhaustReconnects(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, func() *fakeClient {
			c := newFakeClient(true)
			c.dropOnRedial = true
			return c
		}, Options{Backoff: Backoff{MaxAttempts: 5, Delay: time.Millisecond, Settle: time.Hour}})

		c := connected(t, h, "acc")
		c.events <- Disconnected{Reason: DropRecoverable}

		h.waitState(t, "acc", StateIdle)
		require.Equal(t, 5, h.mgr.Status("acc").ReconnectAttempts)
		require.Equal(t, 6, c.calls())
		require.True(t, c.isDisconnected())
	}
}

func TestDialWithoutLoginCountsAsFailure(t *testing.T) {
	h := newHarness(t, func() *fakeClient { return newFakeClient(true) },
		Options{Backoff: Backoff{MaxAttempts: 3, Delay: time.Millisecond, Settle: 5 * time.Millisecond}})

	c := connected(t, h, "acc")
	c.events <- Disconnected{Reason: DropRecoverable}

	h.waitState(t, "acc", StateIdle)
	require.Equal(t, 3, h.mgr.Status("acc").ReconnectAttempts)
	require.Equal(t, 4, c.calls())
}
