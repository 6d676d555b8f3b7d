package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"webhookrelay/internal/metrics"
	"webhookrelay/internal/protocol"
)

const (
	DefaultMaxRetries = 10
	DefaultRetryBase  = 2 * time.Second
	DefaultGrace      = time.Second
)

// Phase is the relay-side view of the session.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Authenticating
	Connected
	ShuttingDown
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Authenticating:
		return "AUTHENTICATING"
	case Connected:
		return "CONNECTED"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// State is a snapshot of the connection state machine.
type State struct {
	Phase      Phase
	RetryCount int
}

// Admitter gates inbound messages per sender.
type Admitter interface {
	Admit(sender string) bool
}

// Enqueuer durably accepts a message for later delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, sender, body string) (string, error)
}

// EnqueueFunc adapts a function to Enqueuer.
type EnqueueFunc func(ctx context.Context, sender, body string) (string, error)

func (f EnqueueFunc) Enqueue(ctx context.Context, sender, body string) (string, error) {
	return f(ctx, sender, body)
}

// Manager keeps one logical protocol session alive and turns accepted
// inbound messages into queue entries.
type Manager struct {
	dialer  protocol.Dialer
	creds   CredentialStore
	limiter Admitter
	queue   Enqueuer
	logger  glog.Logger
	metrics *metrics.Recorder

	maxRetries int
	retryBase  time.Duration
	grace      time.Duration
	afterFunc  func(time.Duration, func()) func() bool

	mu              sync.Mutex
	phase           Phase
	retryCount      int
	pairingShown    bool
	generation      uint64
	session         protocol.Session
	subs            []protocol.Subscription
	cancelScheduled func() bool

	shuttingDown atomic.Bool
	fatal        chan error
	fatalOnce    sync.Once
}

type Option func(*Manager)

func WithLogger(logger glog.Logger) Option {
	return func(m *Manager) { m.logger = glog.Ensure(logger) }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

func WithMaxRetries(n int) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// WithRetryBase sets the reconnect delay unit; the n-th retry waits n units.
func WithRetryBase(d time.Duration) Option {
	return func(m *Manager) { m.retryBase = d }
}

// WithGrace sets how long Shutdown lets in-flight events finish before
// detaching handlers.
func WithGrace(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// WithAfterFunc replaces time.AfterFunc for scheduling reconnects. The
// returned function cancels the scheduled call.
func WithAfterFunc(fn func(time.Duration, func()) func() bool) Option {
	return func(m *Manager) { m.afterFunc = fn }
}

func NewManager(dialer protocol.Dialer, creds CredentialStore, limiter Admitter, queue Enqueuer, opts ...Option) *Manager {
	m := &Manager{
		dialer:     dialer,
		creds:      creds,
		limiter:    limiter,
		queue:      queue,
		logger:     glog.Nop(),
		maxRetries: DefaultMaxRetries,
		retryBase:  DefaultRetryBase,
		grace:      DefaultGrace,
		afterFunc: func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, fn).Stop
		},
		phase: Disconnected,
		fatal: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current phase and retry counter.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Phase: m.phase, RetryCount: m.retryCount}
}

// Ready reports whether the session is connected.
func (m *Manager) Ready() bool {
	return m.State().Phase == Connected
}

// Fatal delivers ErrReconnectBudgetExhausted once the manager gives up.
// The manager stays DISCONNECTED afterwards; only a restart recovers.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

// Start loads saved credentials and opens the first session. An error here
// means the relay cannot run.
func (m *Manager) Start(ctx context.Context) error {
	creds, err := m.creds.Load(ctx)
	if err != nil {
		return err
	}
	if len(creds) == 0 {
		m.logger.Info("no saved credentials, starting a new pairing")
	}
	return m.connect(ctx, creds)
}

// connect replaces the current session with a freshly dialled one.
func (m *Manager) connect(ctx context.Context, creds protocol.Credentials) error {
	m.mu.Lock()
	if m.shuttingDown.Load() {
		m.mu.Unlock()
		return nil
	}
	m.generation++
	gen := m.generation
	oldSession, oldSubs := m.session, m.subs
	m.session, m.subs = nil, nil
	m.phase = Connecting
	m.mu.Unlock()

	release(oldSubs)
	if oldSession != nil {
		if err := oldSession.Close(); err != nil {
			m.logger.Debug("close previous session", "error", err)
		}
	}

	session, err := m.dialer.Dial(ctx, creds)
	if err != nil {
		m.mu.Lock()
		if gen == m.generation && !m.shuttingDown.Load() {
			m.phase = Disconnected
		}
		m.mu.Unlock()
		return dialFailed(err)
	}

	subs := []protocol.Subscription{
		session.OnCredentials(m.handleCredentials),
		session.OnState(func(sc protocol.StateChange) { m.handleState(gen, sc) }),
		session.OnMessage(func(ev protocol.Event) { m.handleMessage(gen, ev) }),
	}

	m.mu.Lock()
	if m.shuttingDown.Load() || gen != m.generation {
		m.mu.Unlock()
		release(subs)
		_ = session.Close()
		return nil
	}
	m.session, m.subs = session, subs
	m.mu.Unlock()
	return nil
}

func release(subs []protocol.Subscription) {
	for _, sub := range subs {
		if sub != nil {
			sub.Release()
		}
	}
}

// handleCredentials persists before returning so the session only
// acknowledges material that is on disk.
func (m *Manager) handleCredentials(creds protocol.Credentials) error {
	if err := m.creds.Save(context.Background(), creds); err != nil {
		m.logger.Error("persist credentials failed", "error", err)
		return err
	}
	m.logger.Debug("credentials persisted", "bytes", len(creds))
	return nil
}

func (m *Manager) handleState(gen uint64, sc protocol.StateChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown.Load() || gen != m.generation {
		return
	}

	switch sc.Phase {
	case protocol.PhaseConnecting:
		m.phase = Connecting
	case protocol.PhasePairing:
		m.phase = Authenticating
		if sc.PairingCode == "" {
			return
		}
		if !m.pairingShown {
			m.pairingShown = true
			m.logger.Info("scan the pairing code to link this device; it stays valid until you connect", "code", sc.PairingCode)
		} else {
			m.logger.Debug("pairing code refreshed", "code", sc.PairingCode)
		}
	case protocol.PhaseOpen:
		m.phase = Connected
		m.retryCount = 0
		m.pairingShown = false
		m.logger.Info("session connected")
	case protocol.PhaseClosed:
		m.phase = Disconnected
		m.onDisconnectLocked(sc.Cause, sc.Err)
	}
}

// onDisconnectLocked applies the reconnect policy. Callers hold m.mu.
func (m *Manager) onDisconnectLocked(cause protocol.DisconnectCause, cerr error) {
	if m.shuttingDown.Load() {
		m.logger.Info("connection closed due to shutdown")
		return
	}

	if cause == protocol.CauseLoggedOut {
		m.logger.Warn("session logged out remotely, starting a new pairing")
		m.retryCount = 0
		m.pairingShown = false
		m.schedule(0, m.repair)
		return
	}

	m.retryCount++
	if m.retryCount > m.maxRetries {
		err := retriesExhausted(m.maxRetries, cerr)
		m.logger.Error("max reconnection attempts reached, restart required", "retries", m.maxRetries, "error", err)
		m.fatalOnce.Do(func() { m.fatal <- err })
		return
	}

	delay := m.retryBase * time.Duration(m.retryCount)
	m.logger.Warn("connection lost, reconnecting",
		"attempt", m.retryCount, "max", m.maxRetries, "delay", delay, "cause", cause.String(), "error", cerr)
	m.metrics.Reconnect(context.Background())
	m.schedule(delay, m.reconnect)
}

func (m *Manager) schedule(d time.Duration, fn func()) {
	if m.cancelScheduled != nil {
		m.cancelScheduled()
	}
	m.cancelScheduled = m.afterFunc(d, fn)
}

func (m *Manager) reconnect() {
	if m.shuttingDown.Load() {
		return
	}
	ctx := context.Background()
	creds, err := m.creds.Load(ctx)
	if err != nil {
		m.logger.Error("load credentials for reconnect failed", "error", err)
	}
	m.redial(ctx, creds)
}

// repair discards the invalidated credentials and dials without any.
func (m *Manager) repair() {
	if m.shuttingDown.Load() {
		return
	}
	ctx := context.Background()
	if err := m.creds.Clear(ctx); err != nil {
		m.logger.Error("clear credentials failed", "error", err)
	}
	m.redial(ctx, nil)
}

// redial treats a failed dial like any other recoverable disconnect.
func (m *Manager) redial(ctx context.Context, creds protocol.Credentials) {
	if err := m.connect(ctx, creds); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.phase = Disconnected
		m.onDisconnectLocked(protocol.CauseConnectionLost, err)
	}
}

func (m *Manager) handleMessage(gen uint64, ev protocol.Event) {
	if m.shuttingDown.Load() {
		return
	}
	ctx := context.Background()

	m.mu.Lock()
	current := gen == m.generation && m.phase == Connected
	m.mu.Unlock()
	if !current {
		m.metrics.Dropped(ctx, "not_connected")
		return
	}

	sender, body, reason := Filter(ev)
	if reason != "" {
		m.metrics.Dropped(ctx, reason)
		m.logger.Trace("inbound message dropped", "reason", reason, "address", ev.Address)
		return
	}
	if !m.limiter.Admit(sender) {
		m.metrics.Dropped(ctx, DropRateLimited)
		m.logger.Debug("sender is rate limited", "sender", sender)
		return
	}
	id, err := m.queue.Enqueue(ctx, sender, body)
	if err != nil {
		m.metrics.Dropped(ctx, DropEnqueueFailed)
		m.logger.Error("enqueue inbound message failed", "sender", sender, "error", err)
		return
	}
	m.logger.Info("inbound message queued", "sender", sender, "id", id)
}

// Shutdown stops reconnects, waits the grace period (or until ctx ends),
// detaches every handler and closes the session. It is safe to call more
// than once and with no session open.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	m.logger.Info("connection shutdown initiated")

	m.mu.Lock()
	m.phase = ShuttingDown
	if m.cancelScheduled != nil {
		m.cancelScheduled()
		m.cancelScheduled = nil
	}
	m.mu.Unlock()

	if m.grace > 0 {
		timer := time.NewTimer(m.grace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	m.mu.Lock()
	session, subs := m.session, m.subs
	m.session, m.subs = nil, nil
	m.mu.Unlock()

	release(subs)
	if session != nil {
		if err := session.Close(); err != nil {
			m.logger.Error("close session failed", "error", err)
		}
	}
	m.logger.Info("connection shutdown complete")
	return nil
}
