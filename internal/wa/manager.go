package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wablast/internal/model"
	"wablast/internal/notify"
)

// State is a session's connection state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StatePairing      State = "pairing"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateLoggedOut    State = "logged_out"
)

// Backoff bounds background reconnection: MaxAttempts tries, Delay apart.
// A dial that succeeds must report Connected within Settle or it counts as failed.
type Backoff struct {
	MaxAttempts int
	Delay       time.Duration
	Settle      time.Duration
}

var DefaultBackoff = Backoff{MaxAttempts: 5, Delay: 3 * time.Second, Settle: 20 * time.Second}

func (b Backoff) settle() time.Duration {
	if b.Settle > 0 {
		return b.Settle
	}
	return DefaultBackoff.Settle
}

const DefaultPairingWindow = 2 * time.Minute

var (
	errManagerClosed = errors.New("session manager closed")
	errNoLogin       = errors.New("dialled but never logged in")
	errDropped       = errors.New("connection dropped")
)

// Store is the slice of the record store the manager writes to.
type Store interface {
	SetAccountConnection(accountID string, connected bool, number string) error
	UpdateMessageStatusByProtocolID(protocolID, status string, at time.Time) (bool, error)
}

type Options struct {
	Backoff       Backoff
	PairingWindow time.Duration
	// Wipe deletes an account's stored credentials.
	Wipe     func(accountID string) error
	Notifier notify.Notifier
	Log      zerolog.Logger
}

// Manager owns the account -> session registry.
type Manager struct {
	newClient     ClientFactory
	store         Store
	notify        notify.Notifier
	wipe          func(string) error
	backoff       Backoff
	pairingWindow time.Duration
	log           zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

func NewManager(newClient ClientFactory, store Store, opts Options) *Manager {
	if opts.Backoff.MaxAttempts <= 0 {
		opts.Backoff.MaxAttempts = DefaultBackoff.MaxAttempts
	}
	if opts.Backoff.Delay <= 0 {
		opts.Backoff.Delay = DefaultBackoff.Delay
	}
	if opts.PairingWindow <= 0 {
		opts.PairingWindow = DefaultPairingWindow
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	if opts.Wipe == nil {
		opts.Wipe = func(string) error { return nil }
	}
	return &Manager{
		newClient:     newClient,
		store:         store,
		notify:        opts.Notifier,
		wipe:          opts.Wipe,
		backoff:       opts.Backoff,
		pairingWindow: opts.PairingWindow,
		log:           opts.Log,
		sessions:      make(map[string]*session),
	}
}

// Status is a point-in-time view of a session.
type Status struct {
	State             State  `json:"state"`
	PairingCode       string `json:"pairing_code,omitempty"`
	PairingExpired    bool   `json:"pairing_expired,omitempty"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	Identity          string `json:"identity,omitempty"`
}

// Connect brings up the account's session. It is a no-op while the session is
// connected, connecting, reconnecting or pairing within its window. Errors from
// creating or connecting the client are returned and leave no session behind.
func (m *Manager) Connect(ctx context.Context, accountID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errManagerClosed
	}
	old := m.sessions[accountID]
	if old != nil && old.live() {
		m.mu.Unlock()
		return nil
	}
	s := newSession(m, accountID)
	m.sessions[accountID] = s
	m.mu.Unlock()
	if old != nil {
		old.shutdown()
	}

	client, err := m.newClient(ctx, accountID)
	if err != nil {
		m.remove(s)
		return fmt.Errorf("create client: %w", err)
	}
	if !m.attach(s, client) {
		client.Disconnect()
		return fmt.Errorf("connect %s: session closed while starting", accountID)
	}
	m.log.Info().Str("account", accountID).Bool("paired", client.Paired()).Msg("connecting")
	if err := client.Connect(ctx); err != nil {
		m.remove(s)
		s.shutdown()
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// attach wires client into s and starts its event loop, unless s was removed meanwhile.
func (m *Manager) attach(s *session, client Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.accountID] != s {
		return false
	}
	s.mu.Lock()
	s.client = client
	if !client.Paired() {
		s.state = StatePairing
	}
	s.mu.Unlock()
	m.wg.Add(1)
	go s.run()
	return true
}

// remove drops s from the registry if it is still the registered session.
func (m *Manager) remove(s *session) {
	m.mu.Lock()
	if m.sessions[s.accountID] == s {
		delete(m.sessions, s.accountID)
	}
	m.mu.Unlock()
}

// Connection returns a send handle when the account is connected.
func (m *Manager) Connection(accountID string) (*Conn, error) {
	m.mu.RLock()
	s := m.sessions[accountID]
	m.mu.RUnlock()
	if s == nil || s.snapshot().State != StateConnected {
		return nil, ErrNotConnected
	}
	return &Conn{s: s}, nil
}

// Status reports the account's session; unknown accounts are Idle.
func (m *Manager) Status(accountID string) Status {
	m.mu.RLock()
	s := m.sessions[accountID]
	m.mu.RUnlock()
	if s == nil {
		return Status{State: StateIdle}
	}
	return s.snapshot()
}

// PairingCode returns the current pairing payload, if any.
func (m *Manager) PairingCode(accountID string) (string, bool) {
	st := m.Status(accountID)
	if st.State != StatePairing || st.PairingCode == "" {
		return "", false
	}
	return st.PairingCode, true
}

// Disconnect logs the account out, wipes its credentials and forgets the session.
func (m *Manager) Disconnect(ctx context.Context, accountID string) error {
	m.mu.Lock()
	s := m.sessions[accountID]
	delete(m.sessions, accountID)
	m.mu.Unlock()

	var logoutErr error
	if s != nil {
		client := s.stop()
		if client != nil {
			if client.Paired() {
				logoutErr = client.Logout(ctx)
			}
			client.Disconnect()
		}
		s.setState(StateLoggedOut)
	}
	m.loggedOut(accountID, "manual")
	if logoutErr != nil {
		m.log.Warn().Err(logoutErr).Str("account", accountID).Msg("remote logout failed; local credentials wiped")
	}
	return nil
}

// Restore reconnects accounts that were connected before the last shutdown.
func (m *Manager) Restore(ctx context.Context, accountIDs []string) {
	for _, id := range accountIDs {
		if err := m.Connect(ctx, id); err != nil {
			m.log.Warn().Err(err).Str("account", id).Msg("restore session")
		}
	}
}

// Close tears down every session without logging out.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.shutdown()
	}
	m.wg.Wait()
}

func (m *Manager) loggedOut(accountID, reason string) {
	if err := m.wipe(accountID); err != nil {
		m.log.Error().Err(err).Str("account", accountID).Msg("wipe credentials")
	}
	m.setConnected(accountID, false, "")
	m.notify.Notify(accountID, notify.ConnectionStatus, map[string]any{"state": StateLoggedOut, "reason": reason})
	m.log.Info().Str("account", accountID).Str("reason", reason).Msg("logged out")
}

func (m *Manager) setConnected(accountID string, connected bool, identity string) {
	if m.store == nil {
		return
	}
	if err := m.store.SetAccountConnection(accountID, connected, identity); err != nil {
		m.log.Warn().Err(err).Str("account", accountID).Msg("update account connection")
	}
}

// session is one account's live connection. Its fields are mutated only by its
// run loop (and by the manager before the loop starts); mu guards reads from other goroutines.
type session struct {
	mgr       *Manager
	accountID string

	mu                sync.Mutex
	client            Client
	state             State
	pairingCode       string
	pairingExpired    bool
	reconnectAttempts int
	identity          string

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	retries  chan error
}

func newSession(m *Manager, accountID string) *session {
	return &session{
		mgr:       m,
		accountID: accountID,
		state:     StateConnecting,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		retries:   make(chan error, 1),
	}
}

func (s *session) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:             s.state,
		PairingCode:       s.pairingCode,
		PairingExpired:    s.pairingExpired,
		ReconnectAttempts: s.reconnectAttempts,
		Identity:          s.identity,
	}
}

// live reports whether a Connect call should leave the session alone.
func (s *session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnected, StateConnecting, StateReconnecting:
		return true
	case StatePairing:
		return !s.pairingExpired
	}
	return false
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) connectedClient() (Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client, s.state == StateConnected && s.client != nil
}

// stop ends the run loop and returns the client without disconnecting it.
func (s *session) stop() Client {
	s.quitOnce.Do(func() { close(s.quit) })
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil {
		<-s.done
	}
	return client
}

func (s *session) shutdown() {
	if client := s.stop(); client != nil {
		client.Disconnect()
	}
}

func (s *session) run() {
	defer s.mgr.wg.Done()
	defer close(s.done)
	log := s.mgr.log.With().Str("account", s.accountID).Logger()

	var pairTimer, retryTimer, settleTimer *time.Timer
	var pairC, retryC, settleC <-chan time.Time
	// inFlight is set while a reconnect dial runs; dropErr holds a drop that
	// arrived during it and is charged to that attempt once the dial returns.
	inFlight := false
	var dropErr error
	stopTimers := func() {
		if pairTimer != nil {
			pairTimer.Stop()
			pairTimer, pairC = nil, nil
		}
		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer, retryC = nil, nil
		}
		if settleTimer != nil {
			settleTimer.Stop()
			settleTimer, settleC = nil, nil
		}
	}
	defer stopTimers()

	if s.snapshot().State == StatePairing {
		pairTimer = time.NewTimer(s.mgr.pairingWindow)
		pairC = pairTimer.C
	}
	scheduleRetry := func() {
		retryTimer = time.NewTimer(s.mgr.backoff.Delay)
		retryC = retryTimer.C
	}
	// failedAttempt counts one failed reconnect and reports whether the loop should end.
	failedAttempt := func(err error) bool {
		if settleTimer != nil {
			settleTimer.Stop()
			settleTimer, settleC = nil, nil
		}
		s.mu.Lock()
		s.reconnectAttempts++
		n := s.reconnectAttempts
		s.mu.Unlock()
		log.Warn().Err(err).Int("attempt", n).Int("max", s.mgr.backoff.MaxAttempts).Msg("reconnect attempt failed")
		if n >= s.mgr.backoff.MaxAttempts {
			s.idle("reconnect attempts exhausted")
			return true
		}
		scheduleRetry()
		return false
	}

	events := s.client.Events()
	for {
		select {
		case <-s.quit:
			return

		case <-pairC:
			pairTimer, pairC = nil, nil
			s.expirePairing()

		case <-retryC:
			retryTimer, retryC = nil, nil
			inFlight, dropErr = true, nil
			go func(c Client) {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				err := c.Connect(ctx)
				select {
				case s.retries <- err:
				case <-s.quit:
				}
			}(s.client)

		case err := <-s.retries:
			inFlight = false
			if s.snapshot().State != StateReconnecting {
				continue
			}
			switch {
			case err != nil:
			case dropErr != nil:
				err = dropErr
			default:
				// dialled; the attempt counts once Connected or a drop settles it
				settleTimer = time.NewTimer(s.mgr.backoff.settle())
				settleC = settleTimer.C
				continue
			}
			dropErr = nil
			if failedAttempt(err) {
				return
			}

		case <-settleC:
			settleTimer, settleC = nil, nil
			if failedAttempt(errNoLogin) {
				return
			}

		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case QR:
				s.mu.Lock()
				s.pairingCode = e.Code
				s.mu.Unlock()
				s.mgr.notify.Notify(s.accountID, notify.PairingCode, map[string]any{"code": e.Code})

			case PairingTimeout:
				s.expirePairing()

			case Connected:
				stopTimers()
				dropErr = nil
				s.mu.Lock()
				s.state = StateConnected
				s.reconnectAttempts = 0
				s.pairingCode = ""
				s.pairingExpired = false
				if e.Identity != "" {
					s.identity = e.Identity
				}
				identity := s.identity
				s.mu.Unlock()
				s.mgr.setConnected(s.accountID, true, identity)
				s.mgr.notify.Notify(s.accountID, notify.ConnectionStatus, map[string]any{"state": StateConnected, "identity": identity})
				log.Info().Str("identity", identity).Msg("connected")

			case Disconnected:
				if e.Reason != DropRecoverable {
					s.idle(e.Reason.String())
					return
				}
				switch s.snapshot().State {
				case StateConnected, StateConnecting:
					s.mu.Lock()
					s.state = StateReconnecting
					s.reconnectAttempts = 0
					s.mu.Unlock()
					s.mgr.setConnected(s.accountID, false, "")
					s.mgr.notify.Notify(s.accountID, notify.ConnectionStatus, map[string]any{"state": StateReconnecting})
					log.Warn().Err(e.Err).Msg("connection dropped; reconnecting")
					scheduleRetry()
				case StateReconnecting:
					switch {
					case inFlight:
						dropErr = e.Err
						if dropErr == nil {
							dropErr = errDropped
						}
					case retryTimer != nil:
						// already waiting for the next attempt
					default:
						if failedAttempt(e.Err) {
							return
						}
					}
				case StatePairing:
					s.idle("pairing interrupted")
					return
				}

			case LoggedOut:
				s.setState(StateLoggedOut)
				s.mgr.remove(s)
				s.client.Disconnect()
				s.mgr.loggedOut(s.accountID, e.Reason)
				return

			case Delivery:
				s.applyDelivery(e)
			}
		}
	}
}

func (s *session) expirePairing() {
	s.mu.Lock()
	if s.state != StatePairing || s.pairingExpired {
		s.mu.Unlock()
		return
	}
	s.pairingExpired = true
	s.pairingCode = ""
	s.mu.Unlock()
	s.mgr.notify.Notify(s.accountID, notify.PairingExpired, map[string]any{"message": "pairing code expired; request a new one"})
	s.mgr.log.Info().Str("account", s.accountID).Msg("pairing expired")
}

// idle parks the session; a fresh Connect is needed to bring it back.
func (s *session) idle(reason string) {
	s.setState(StateIdle)
	s.client.Disconnect()
	s.mgr.setConnected(s.accountID, false, "")
	s.mgr.notify.Notify(s.accountID, notify.ConnectionStatus, map[string]any{"state": StateIdle, "reason": reason})
	s.mgr.log.Warn().Str("account", s.accountID).Str("reason", reason).Msg("session idle")
}

func (s *session) applyDelivery(d Delivery) {
	if s.mgr.store == nil {
		return
	}
	at := d.At
	if at.IsZero() {
		at = time.Now()
	}
	for _, id := range d.MessageIDs {
		changed, err := s.mgr.store.UpdateMessageStatusByProtocolID(id, d.Status, at)
		if err != nil {
			s.mgr.log.Warn().Err(err).Str("account", s.accountID).Str("message", id).Msg("apply delivery status")
			continue
		}
		if changed {
			s.mgr.notify.Notify(s.accountID, notify.MessageStatus, map[string]any{"protocol_message_id": id, "status": d.Status})
		}
	}
}

// Conn is a send handle on a connected session. Every call re-checks the
// session, so a handle held across a drop fails with ErrNotConnected.
type Conn struct {
	s *session
}

func (c *Conn) AccountID() string { return c.s.accountID }

// Send delivers body (as media caption when media is set) and returns the protocol message id.
func (c *Conn) Send(ctx context.Context, phone, body string, media *model.Media) (string, error) {
	client, ok := c.s.connectedClient()
	if !ok {
		return "", ErrNotConnected
	}
	exists, err := client.Exists(ctx, phone)
	if err != nil {
		return "", fmt.Errorf("check number: %w", err)
	}
	if !exists {
		return "", fmt.Errorf("%s: %w", phone, ErrRecipientUnreachable)
	}
	if media != nil && media.URL != "" {
		return client.SendMedia(ctx, phone, *media, body)
	}
	return client.SendText(ctx, phone, body)
}

func (c *Conn) Exists(ctx context.Context, phone string) (bool, error) {
	client, ok := c.s.connectedClient()
	if !ok {
		return false, ErrNotConnected
	}
	return client.Exists(ctx, phone)
}
