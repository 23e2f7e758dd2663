// Package session owns the per-account connection lifecycle. A Session wraps
// one transport connection for one account and drives the state machine
//
//	qr_pending → connecting → connected → disconnected → (connecting | terminated)
//
// persisting every transition and publishing it to the fanout channel. Inbound
// messages are forwarded to the inbound router and delivery receipts to the
// dispatcher; neither is processed here. Recoverable closures schedule an
// automatic reconnect after a fixed backoff; logout closures discard the
// stored credentials and stop. Construction failures surface as a terminal
// error status and never start a retry loop.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/relaydesk/go-relay-backend/internal/domain"
	"github.com/relaydesk/go-relay-backend/internal/fanout"
	"github.com/relaydesk/go-relay-backend/internal/repo"
	"github.com/relaydesk/go-relay-backend/internal/transport"
)

// Sentinel errors returned by Manager.Send.
var (
	// ErrNoSession means the account has no live session (destroyed, logged
	// out, or never started). Dispatchers fail fast on it.
	ErrNoSession = errors.New("session: no session for account")
	// ErrNotConnected means the session exists but the transport stream is
	// not open yet (pairing or reconnecting).
	ErrNotConnected = errors.New("session: transport not connected")
	// ErrUnknownChannel means no transport is registered for the account's
	// channel type.
	ErrUnknownChannel = errors.New("session: unknown channel")
)

// DefaultReconnectBackoff is the delay before reconnecting after a
// recoverable closure.
const DefaultReconnectBackoff = 5 * time.Second

// InboundSink receives inbound messages forwarded off the event loop.
type InboundSink interface {
	HandleInbound(ctx context.Context, accountID string, msg transport.Message)
}

// ReceiptSink receives delivery-status updates for outbound messages.
type ReceiptSink interface {
	HandleReceipt(ctx context.Context, accountID string, rcpt transport.Receipt)
}

// Manager owns all sessions in the process, one lightweight event-loop
// goroutine per account.
type Manager struct {
	db      *gorm.DB
	pub     fanout.Publisher
	log     zerolog.Logger
	backoff time.Duration

	inbound  InboundSink
	receipts ReceiptSink

	mu         sync.Mutex
	transports map[string]transport.Transport
	sessions   map[string]*Session
	closed     bool
	wg         sync.WaitGroup
}

// NewManager constructs a Manager. backoff <= 0 selects the default.
func NewManager(db *gorm.DB, pub fanout.Publisher, backoff time.Duration, log zerolog.Logger) *Manager {
	if backoff <= 0 {
		backoff = DefaultReconnectBackoff
	}
	return &Manager{
		db:         db,
		pub:        pub,
		log:        log,
		backoff:    backoff,
		transports: make(map[string]transport.Transport),
		sessions:   make(map[string]*Session),
	}
}

// RegisterTransport installs the transport for one channel type.
func (m *Manager) RegisterTransport(channel string, t transport.Transport) {
	m.mu.Lock()
	m.transports[channel] = t
	m.mu.Unlock()
}

// Bind wires the sinks the event loops forward into. Must be called before
// Start; it is separate from NewManager because the dispatcher that consumes
// receipts also needs the manager as its sender.
func (m *Manager) Bind(inbound InboundSink, receipts ReceiptSink) {
	m.inbound = inbound
	m.receipts = receipts
}

// Session is one account's live connection state.
type Session struct {
	accountID string
	channel   string

	m      *Manager
	conn   transport.Conn
	ctx    context.Context // session lifetime; cancelled by Destroy/Shutdown
	cancel context.CancelFunc

	mu        sync.Mutex
	connected bool
	stopped   bool // destroy or logout observed; no reconnect
}

// Start opens a session for the account. The transport is connected
// synchronously; a construction failure is persisted as the terminal error
// status and returned. On success the event loop runs until closure.
func (m *Manager) Start(ctx context.Context, account *domain.Account) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNoSession
	}
	// A cancelled caller context means the session this start was scheduled
	// for (e.g. a reconnect) has been destroyed in the meantime.
	if ctx.Err() != nil {
		m.mu.Unlock()
		return ctx.Err()
	}
	if _, ok := m.sessions[account.ID]; ok {
		m.mu.Unlock()
		return nil
	}
	tr, ok := m.transports[account.Channel]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownChannel
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{accountID: account.ID, channel: account.Channel, m: m, ctx: sessCtx, cancel: cancel}
	m.sessions[account.ID] = s
	m.mu.Unlock()

	return m.connect(ctx, account, tr, s)
}

// connect drives the transport handshake for a freshly registered session and
// launches its event loop. A construction failure unregisters the session and
// persists the terminal error status.
func (m *Manager) connect(ctx context.Context, account *domain.Account, tr transport.Transport, s *Session) error {
	m.setStatus(ctx, account.ID, domain.StatusConnecting, "")

	conn, err := tr.Connect(ctx, account.Credentials)
	if err != nil {
		m.log.Error().Err(err).Str("account_id", account.ID).Msg("transport construction failed")
		m.removeSession(account.ID)
		s.cancel()
		m.setStatus(ctx, account.ID, domain.StatusError, err.Error())
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	// Destroyed while the handshake was in flight: the connection must not
	// outlive the session.
	if s.ctx.Err() != nil {
		_ = conn.Close()
		return context.Canceled
	}

	m.wg.Add(1)
	go s.eventLoop(s.ctx)
	return nil
}

// reconnect replaces old with a fresh session after a recoverable drop. The
// swap happens under the manager lock and only while old is still the
// registered session, so a concurrent Destroy either cancels before the swap
// (reconnect refuses) or finds the replacement in the registry (and tears it
// down). The replacement inherits old's lifetime context for the same reason.
func (m *Manager) reconnect(old *Session, account *domain.Account) error {
	m.mu.Lock()
	if m.closed || old.ctx.Err() != nil || m.sessions[account.ID] != old {
		m.mu.Unlock()
		return context.Canceled
	}
	tr, ok := m.transports[account.Channel]
	if !ok {
		delete(m.sessions, account.ID)
		m.mu.Unlock()
		return ErrUnknownChannel
	}
	s := &Session{accountID: account.ID, channel: account.Channel, m: m, ctx: old.ctx, cancel: old.cancel}
	m.sessions[account.ID] = s
	m.mu.Unlock()

	return m.connect(old.ctx, account, tr, s)
}

// Send forwards an outbound payload over the account's live connection.
func (m *Manager) Send(ctx context.Context, accountID string, target domain.Target, payload transport.Payload) (transport.Ack, error) {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	m.mu.Unlock()
	if !ok {
		return transport.Ack{}, ErrNoSession
	}

	s.mu.Lock()
	conn, connected := s.conn, s.connected
	s.mu.Unlock()
	if !connected || conn == nil {
		return transport.Ack{}, ErrNotConnected
	}
	return conn.Send(ctx, target, payload)
}

// Connected reports whether the account's transport stream is open.
func (m *Manager) Connected(accountID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Destroy tears down the account's session without triggering the automatic
// reconnect path, cancels any pending reconnect timer, and persists the
// terminated status. Used for explicit logout and account deletion.
func (m *Manager) Destroy(ctx context.Context, accountID string) {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	if ok {
		delete(m.sessions, accountID)
		// Cancel while still holding the manager lock so a reconnect racing
		// through Start observes the cancellation before it can re-register.
		s.cancel()
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.stopped = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.setStatus(ctx, accountID, domain.StatusTerminated, "destroyed")
}

// Shutdown closes every session's transport without persisting terminated
// statuses; accounts reconnect on the next process start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.stopped = true
		conn := s.conn
		s.mu.Unlock()
		s.cancel()
		if conn != nil {
			_ = conn.Close()
		}
	}
	m.wg.Wait()
}

// eventLoop consumes the transport stream until it ends.
func (s *Session) eventLoop(ctx context.Context) {
	defer s.m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.conn.Events():
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
			if _, closed := ev.(transport.Closed); closed {
				return
			}
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev transport.Event) {
	m := s.m
	switch e := ev.(type) {
	case transport.Pairing:
		m.setStatus(ctx, s.accountID, domain.StatusQRPending, "")
		m.pub.Publish(s.accountID, fanout.Event{
			Type:    fanout.EventPairing,
			Payload: fanout.PairingPayload{Code: e.Code},
		})

	case transport.Opened:
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		if err := repo.UpdateAccountIdentity(ctx, m.db, s.accountID, e.Handle); err != nil {
			m.log.Error().Err(err).Str("account_id", s.accountID).Msg("persist connected status failed")
		}
		if e.Credentials != nil {
			if err := repo.SaveAccountCredentials(ctx, m.db, s.accountID, e.Credentials); err != nil {
				m.log.Error().Err(err).Str("account_id", s.accountID).Msg("persist credentials failed")
			}
		}
		m.pub.Publish(s.accountID, fanout.Event{
			Type:    fanout.EventAccountStatus,
			Payload: fanout.AccountStatusPayload{Status: string(domain.StatusConnected), Handle: e.Handle},
		})
		m.log.Info().Str("account_id", s.accountID).Str("handle", e.Handle).Msg("session connected")

	case transport.Message:
		if m.inbound != nil {
			m.inbound.HandleInbound(ctx, s.accountID, e)
		}

	case transport.Receipt:
		if m.receipts != nil {
			m.receipts.HandleReceipt(ctx, s.accountID, e)
		}

	case transport.Closed:
		s.handleClosed(ctx, e)
	}
}

func (s *Session) handleClosed(ctx context.Context, e transport.Closed) {
	m := s.m
	s.mu.Lock()
	s.connected = false
	alreadyStopped := s.stopped
	if !e.Recoverable() {
		s.stopped = true
	}
	s.mu.Unlock()

	if alreadyStopped {
		// Destroy already persisted terminated; nothing more to do.
		return
	}

	m.setStatus(ctx, s.accountID, domain.StatusDisconnected, e.Cause)
	m.log.Warn().
		Str("account_id", s.accountID).
		Str("cause", e.Cause).
		Bool("recoverable", e.Recoverable()).
		Msg("session closed")

	if !e.Recoverable() {
		// Logout: discard session artifacts, never reconnect.
		m.removeSession(s.accountID)
		if err := repo.ClearAccountCredentials(ctx, m.db, s.accountID); err != nil {
			m.log.Error().Err(err).Str("account_id", s.accountID).Msg("clear credentials failed")
		}
		return
	}

	// Recoverable drop: reconstruct after the backoff, unless the session is
	// destroyed in the meantime. The dead session stays registered until the
	// swap so Destroy always has a context to cancel.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-time.After(m.backoff):
		case <-s.ctx.Done():
			return
		}
		account, err := repo.GetAccount(s.ctx, m.db, s.accountID)
		if err != nil {
			m.log.Error().Err(err).Str("account_id", s.accountID).Msg("reconnect aborted: account gone")
			m.removeSession(s.accountID)
			return
		}
		if err := m.reconnect(s, account); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error().Err(err).Str("account_id", s.accountID).Msg("reconnect failed")
		}
	}()
}

func (m *Manager) removeSession(accountID string) {
	m.mu.Lock()
	delete(m.sessions, accountID)
	m.mu.Unlock()
}

// setStatus persists and publishes a status transition. Persistence failures
// are logged, not propagated: lifecycle failures surface as status events,
// never as process-fatal errors.
func (m *Manager) setStatus(ctx context.Context, accountID string, status domain.AccountStatus, cause string) {
	if err := repo.UpdateAccountStatus(ctx, m.db, accountID, status); err != nil && !repo.IsNotFound(err) {
		m.log.Error().Err(err).Str("account_id", accountID).Str("status", string(status)).Msg("persist status failed")
	}
	m.pub.Publish(accountID, fanout.Event{
		Type:    fanout.EventAccountStatus,
		Payload: fanout.AccountStatusPayload{Status: string(status), Cause: cause},
	})
}
