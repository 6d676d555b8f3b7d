package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webhookrelay/internal/metrics"
	"webhookrelay/internal/protocol"
	"webhookrelay/ratelimit"
	"webhookrelay/storage"
)

type fakeSub struct {
	release func()
}

func (s fakeSub) Release() { s.release() }

type fakeSession struct {
	mu       sync.Mutex
	creds    []func(protocol.Credentials) error
	states   []func(protocol.StateChange)
	messages []func(protocol.Event)
	closed   int
	closeErr error
}

func (s *fakeSession) OnCredentials(fn func(protocol.Credentials) error) protocol.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.creds)
	s.creds = append(s.creds, fn)
	return fakeSub{release: func() { s.mu.Lock(); s.creds[i] = nil; s.mu.Unlock() }}
}

func (s *fakeSession) OnState(fn func(protocol.StateChange)) protocol.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.states)
	s.states = append(s.states, fn)
	return fakeSub{release: func() { s.mu.Lock(); s.states[i] = nil; s.mu.Unlock() }}
}

func (s *fakeSession) OnMessage(fn func(protocol.Event)) protocol.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.messages)
	s.messages = append(s.messages, fn)
	return fakeSub{release: func() { s.mu.Lock(); s.messages[i] = nil; s.mu.Unlock() }}
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return s.closeErr
}

func (s *fakeSession) emitState(sc protocol.StateChange) {
	s.mu.Lock()
	handlers := append([]func(protocol.StateChange){}, s.states...)
	s.mu.Unlock()
	for _, fn := range handlers {
		if fn != nil {
			fn(sc)
		}
	}
}

func (s *fakeSession) emitMessage(ev protocol.Event) int {
	s.mu.Lock()
	handlers := append([]func(protocol.Event){}, s.messages...)
	s.mu.Unlock()
	n := 0
	for _, fn := range handlers {
		if fn != nil {
			fn(ev)
			n++
		}
	}
	return n
}

func (s *fakeSession) emitCredentials(c protocol.Credentials) error {
	s.mu.Lock()
	handlers := append([]func(protocol.Credentials) error{}, s.creds...)
	s.mu.Unlock()
	for _, fn := range handlers {
		if fn != nil {
			if err := fn(c); err != nil {
				return err
			}
		}
	}
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dialed   []protocol.Credentials
	failures int
}

func (d *fakeDialer) Dial(_ context.Context, creds protocol.Credentials) (protocol.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, creds)
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	s := &fakeSession{}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[len(d.sessions)-1]
}

type scheduled struct {
	delay     time.Duration
	fn        func()
	cancelled bool
}

// fakeScheduler records scheduled calls; tests run them explicitly.
type fakeScheduler struct {
	mu    sync.Mutex
	calls []*scheduled
}

func (s *fakeScheduler) afterFunc(d time.Duration, fn func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := &scheduled{delay: d, fn: fn}
	s.calls = append(s.calls, call)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		was := !call.cancelled
		call.cancelled = true
		return was
	}
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.delay)
	}
	return out
}

func (s *fakeScheduler) runLast(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	require.NotEmpty(t, s.calls)
	call := s.calls[len(s.calls)-1]
	s.mu.Unlock()
	call.fn()
}

type memCredentials struct {
	mu      sync.Mutex
	creds   protocol.Credentials
	saves   int
	clears  int
	saveErr error
}

func (c *memCredentials) Load(context.Context) (protocol.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds, nil
}

func (c *memCredentials) Save(_ context.Context, creds protocol.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveErr != nil {
		return c.saveErr
	}
	c.saves++
	c.creds = append(protocol.Credentials(nil), creds...)
	return nil
}

func (c *memCredentials) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	c.creds = nil
	return nil
}

type enqueued struct {
	sender, body string
}

type recordingQueue struct {
	mu    sync.Mutex
	items []enqueued
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, sender, body string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.items = append(q.items, enqueued{sender, body})
	return "id-" + sender, nil
}

func (q *recordingQueue) all() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueued(nil), q.items...)
}

type fixture struct {
	mgr     *Manager
	dialer  *fakeDialer
	sched   *fakeScheduler
	creds   *memCredentials
	queue   *recordingQueue
	metrics *metrics.Recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	rec, err := metrics.New()
	require.NoError(t, err)
	f := &fixture{
		dialer:  &fakeDialer{},
		sched:   &fakeScheduler{},
		creds:   &memCredentials{},
		queue:   &recordingQueue{},
		metrics: rec,
	}
	base := []Option{
		WithAfterFunc(f.sched.afterFunc),
		WithMetrics(rec),
		WithGrace(0),
	}
	f.mgr = NewManager(f.dialer, f.creds, ratelimit.New(), f.queue, append(base, opts...)...)
	return f
}

func (f *fixture) open(t *testing.T) *fakeSession {
	t.Helper()
	require.NoError(t, f.mgr.Start(context.Background()))
	s := f.dialer.last()
	s.emitState(protocol.StateChange{Phase: protocol.PhaseOpen})
	require.Equal(t, Connected, f.mgr.State().Phase)
	return s
}

func (f *fixture) snapshot(t *testing.T) map[string]int64 {
	t.Helper()
	snap, err := f.metrics.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func TestStartDialsWithSavedCredentials(t *testing.T) {
	f := newFixture(t)
	f.creds.creds = protocol.Credentials("saved")

	require.NoError(t, f.mgr.Start(context.Background()))
	assert.Equal(t, Connecting, f.mgr.State().Phase)
	require.Len(t, f.dialer.dialed, 1)
	assert.Equal(t, protocol.Credentials("saved"), f.dialer.dialed[0])
}

func TestStartFailsWhenDialFails(t *testing.T) {
	f := newFixture(t)
	f.dialer.failures = 1

	err := f.mgr.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open session failed")
	assert.Equal(t, Disconnected, f.mgr.State().Phase)
}

func TestPairingMovesToAuthenticating(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Start(context.Background()))
	s := f.dialer.last()

	s.emitState(protocol.StateChange{Phase: protocol.PhasePairing, PairingCode: "code-1"})
	assert.Equal(t, Authenticating, f.mgr.State().Phase)
	assert.True(t, f.mgr.pairingShown)

	s.emitState(protocol.StateChange{Phase: protocol.PhaseOpen})
	assert.True(t, f.mgr.Ready())
	assert.False(t, f.mgr.pairingShown)
}

func TestReconnectBudget(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	for n := 1; n <= 11; n++ {
		f.dialer.last().emitState(protocol.StateChange{Phase: protocol.PhaseClosed, Cause: protocol.CauseConnectionLost})
		assert.Equal(t, Disconnected, f.mgr.State().Phase)
		if n <= DefaultMaxRetries {
			require.Len(t, f.sched.delays(), n)
			f.sched.runLast(t)
		}
	}

	want := make([]time.Duration, 0, DefaultMaxRetries)
	for n := 1; n <= DefaultMaxRetries; n++ {
		want = append(want, DefaultRetryBase*time.Duration(n))
	}
	assert.Equal(t, want, f.sched.delays())
	assert.Equal(t, Disconnected, f.mgr.State().Phase)
	assert.Equal(t, 11, f.mgr.State().RetryCount)

	select {
	case err := <-f.mgr.Fatal():
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reconnect attempts exhausted")
	default:
		t.Fatal("expected fatal condition after exhausting reconnects")
	}
	assert.EqualValues(t, DefaultMaxRetries, f.snapshot(t)[metrics.Reconnects])
}

func TestOpenResetsRetryCount(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	f.dialer.last().emitState(protocol.StateChange{Phase: protocol.PhaseClosed, Cause: protocol.CauseConnectionLost})
	f.sched.runLast(t)
	f.dialer.last().emitState(protocol.StateChange{Phase: protocol.PhaseClosed, Cause: protocol.CauseConnectionLost})
	assert.Equal(t, 2, f.mgr.State().RetryCount)

	f.sched.runLast(t)
	f.dialer.last().emitState(protocol.StateChange{Phase: protocol.PhaseOpen})
	assert.Equal(t, 0, f.mgr.State().RetryCount)

	f.dialer.last().emitState(protocol.StateChange{Phase: protocol.PhaseClosed, Cause: protocol.CauseConnectionLost})
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 2 * time.Second}, f.sched.delays())
}

func TestReconnectDialFailureCountsAsDisconnect(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	f.dialer.last().emitState(protocol.StateChange{Phase: protocol.PhaseClosed, Cause: protocol.CauseConnectionLost})
	f.dialer.mu.Lock()
	f.dialer.failures = 1
	f.dialer.mu.Unlock()
	f.sched.runLast(t)

	assert.Equal(t, Disconnected, f.mgr.State().Phase)
	assert.Equal(t, 2, f.mgr.State().RetryCount)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, f.sched.delays())
}

func TestLoggedOutStartsFreshPairing(t *testing.T) {
	f := newFixture(t)
	f.creds.creds = protocol.Credentials("old")
	f.open(t)

	f.dialer.last().emitState(protocol.StateChange{Phase: protocol.PhaseClosed, Cause: protocol.CauseConnectionLost})
	f.sched.runLast(t)
	require.Equal(t, 1, f.mgr.State().RetryCount)

	f.dialer.last().emitState(protocol.StateChange{Phase: protocol.PhaseClosed, Cause: protocol.CauseLoggedOut})
	assert.Equal(t, 0, f.mgr.State().RetryCount)
	delays := f.sched.delays()
	assert.Equal(t, time.Duration(0), delays[len(delays)-1])

	f.sched.runLast(t)
	assert.Equal(t, 1, f.creds.clears)
	assert.Nil(t, f.dialer.dialed[len(f.dialer.dialed)-1])
	assert.Equal(t, Connecting, f.mgr.State().Phase)
}

func TestStaleSessionEventsIgnored(t *testing.T) {
	f := newFixture(t)
	first := f.open(t)

	first.emitState(protocol.StateChange{Phase: protocol.PhaseClosed, Cause: protocol.CauseConnectionLost})
	f.sched.runLast(t)
	assert.Equal(t, 1, first.closed)

	// Handlers of the replaced session were released.
	first.emitState(protocol.StateChange{Phase: protocol.PhaseClosed, Cause: protocol.CauseConnectionLost})
	assert.Equal(t, 1, f.mgr.State().RetryCount)
	assert.Zero(t, first.emitMessage(protocol.Event{Address: "972500000001@s.whatsapp.net", Text: "hi"}))
}

func TestCredentialsPersisted(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	require.NoError(t, s.emitCredentials(protocol.Credentials("fresh")))
	assert.Equal(t, protocol.Credentials("fresh"), f.creds.creds)
	assert.Equal(t, 1, f.creds.saves)

	f.creds.saveErr = errors.New("disk full")
	assert.Error(t, s.emitCredentials(protocol.Credentials("newer")))
	assert.Equal(t, protocol.Credentials("fresh"), f.creds.creds)
}

func TestInboundFilter(t *testing.T) {
	cases := []struct {
		name   string
		event  protocol.Event
		reason string
	}{
		{"group", protocol.Event{Address: "123-456@g.us", Text: "x"}, DropGroup},
		{"group kind", protocol.Event{Address: "972500000001@s.whatsapp.net", Kind: protocol.KindGroup, Text: "x"}, DropGroup},
		{"broadcast", protocol.Event{Address: "1234@broadcast", Text: "x"}, DropBroadcast},
		{"status", protocol.Event{Address: "status@broadcast", Text: "x"}, DropStatus},
		{"own", protocol.Event{Address: "972500000001@s.whatsapp.net", FromMe: true, Text: "x"}, DropOwnMessage},
		{"history", protocol.Event{Address: "972500000001@s.whatsapp.net", Historical: true, Text: "x"}, DropHistorical},
		{"no text", protocol.Event{Address: "972500000001@s.whatsapp.net"}, DropNoText},
		{"no sender", protocol.Event{Address: "@s.whatsapp.net", Text: "x"}, DropNoSender},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, reason := Filter(tc.event)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestFilterBodyPriority(t *testing.T) {
	sender, body, reason := Filter(protocol.Event{
		Address:      "972501234567@s.whatsapp.net",
		ExtendedText: "extended",
		Caption:      "caption",
	})
	assert.Empty(t, reason)
	assert.Equal(t, "972501234567", sender)
	assert.Equal(t, "extended", body)

	_, body, _ = Filter(protocol.Event{Address: "972501234567@s.whatsapp.net", Caption: "caption"})
	assert.Equal(t, "caption", body)
}

func TestAcceptedMessagesEnqueuedOncePerWindow(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	s.emitMessage(protocol.Event{Address: "972501234567@s.whatsapp.net", Text: "hello"})
	s.emitMessage(protocol.Event{Address: "972501234567@s.whatsapp.net", Text: "again"})
	s.emitMessage(protocol.Event{Address: "123-456@g.us", Text: "group"})
	s.emitMessage(protocol.Event{Address: "972507654321@s.whatsapp.net", Caption: "photo"})

	assert.Equal(t, []enqueued{
		{"972501234567", "hello"},
		{"972507654321", "photo"},
	}, f.queue.all())

	snap := f.snapshot(t)
	assert.EqualValues(t, 1, snap[metrics.MessagesDropped+"."+DropRateLimited])
	assert.EqualValues(t, 1, snap[metrics.MessagesDropped+"."+DropGroup])
}

func TestMessagesIgnoredUntilConnected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Start(context.Background()))
	s := f.dialer.last()

	s.emitMessage(protocol.Event{Address: "972501234567@s.whatsapp.net", Text: "early"})
	assert.Empty(t, f.queue.all())
}

func TestEnqueueFailureIsCountedNotFatal(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	f.queue.err = errors.New("store down")

	s.emitMessage(protocol.Event{Address: "972501234567@s.whatsapp.net", Text: "hello"})
	assert.True(t, f.mgr.Ready())
	assert.EqualValues(t, 1, f.snapshot(t)[metrics.MessagesDropped+"."+DropEnqueueFailed])
}

func TestShutdownDetachesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	s.closeErr = errors.New("already closed")

	require.NoError(t, f.mgr.Shutdown(context.Background()))
	require.NoError(t, f.mgr.Shutdown(context.Background()))
	assert.Equal(t, 1, s.closed)
	assert.Equal(t, ShuttingDown, f.mgr.State().Phase)

	assert.Zero(t, s.emitMessage(protocol.Event{Address: "972501234567@s.whatsapp.net", Text: "late"}))
	s.emitState(protocol.StateChange{Phase: protocol.PhaseClosed, Cause: protocol.CauseConnectionLost})
	assert.Empty(t, f.sched.delays())
	assert.Empty(t, f.queue.all())
}

func TestShutdownCancelsPendingReconnect(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	f.dialer.last().emitState(protocol.StateChange{Phase: protocol.PhaseClosed, Cause: protocol.CauseConnectionLost})

	require.NoError(t, f.mgr.Shutdown(context.Background()))
	assert.True(t, f.sched.calls[0].cancelled)

	dials := len(f.dialer.dialed)
	f.sched.runLast(t)
	assert.Len(t, f.dialer.dialed, dials)
}

func TestShutdownWithoutSession(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.mgr.Shutdown(context.Background()))
}

func TestShutdownGraceHonoursContext(t *testing.T) {
	f := newFixture(t, WithGrace(time.Hour))
	f.open(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, f.mgr.Shutdown(ctx))
	assert.Less(t, time.Since(start), time.Second)
}

func TestStoreCredentialsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	creds := NewStoreCredentials(store)

	got, err := creds.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, creds.Save(ctx, protocol.Credentials(`{"noise":"key"}`)))
	got, err = creds.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.Credentials(`{"noise":"key"}`), got)

	require.NoError(t, creds.Clear(ctx))
	require.NoError(t, creds.Clear(ctx))
	got, err = creds.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}
