// Package bridge talks to a protocol sidecar over TCP. The sidecar owns the
// chat protocol and pairing; it streams state, credential and message frames
// as JSON lines and expects credential frames to be acknowledged once they
// have been persisted.
package bridge

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"

	"webhookrelay/internal/protocol"
)

const (
	DefaultDialTimeout = 10 * time.Second
	maxFrameSize       = 4 << 20
)

var errFrameTooLarge = errors.New("bridge: frame exceeds size limit")

// Dialer opens sessions against a sidecar listening on addr.
type Dialer struct {
	addr    string
	timeout time.Duration
	logger  glog.Logger
}

type Option func(*Dialer)

func WithLogger(logger glog.Logger) Option {
	return func(d *Dialer) { d.logger = glog.Ensure(logger) }
}

func WithDialTimeout(timeout time.Duration) Option {
	return func(d *Dialer) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func NewDialer(addr string, opts ...Option) *Dialer {
	d := &Dialer{addr: addr, timeout: DefaultDialTimeout, logger: glog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial connects and sends the hello frame. Frames are not read until a
// credential, state and message handler have all been registered, so no
// early event is lost.
func (d *Dialer) Dial(ctx context.Context, creds protocol.Credentials) (protocol.Session, error) {
	nd := net.Dialer{Timeout: d.timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, err
	}
	s := newSession(conn, d.logger)
	if err := s.write(frame{Type: frameHello, Credentials: creds}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	d.logger.Debug("bridge session opened", "addr", d.addr, "resume", len(creds) > 0)
	return s, nil
}

type subscription[T any] struct {
	id     string
	mu     sync.RWMutex
	active bool
	fn     T
	owner  *registry[T]
}

// Release waits for a running invocation of this handler to return.
func (s *subscription[T]) Release() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.owner.remove(s.id)
}

type registry[T any] struct {
	mu   sync.Mutex
	subs map[string]*subscription[T]
	// order keeps registration order for dispatch.
	order []string
}

func (r *registry[T]) add(fn T) *subscription[T] {
	sub := &subscription[T]{id: uuid.NewString(), active: true, fn: fn, owner: r}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		r.subs = make(map[string]*subscription[T])
	}
	r.subs[sub.id] = sub
	r.order = append(r.order, sub.id)
	return sub
}

func (r *registry[T]) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *registry[T]) snapshot() []*subscription[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*subscription[T], 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.subs[id])
	}
	return out
}

func (r *registry[T]) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order) == 0
}

// each calls visit for every active handler, holding the handler's read
// lock so a concurrent Release blocks until the call returns.
func (r *registry[T]) each(visit func(T) bool) {
	for _, sub := range r.snapshot() {
		sub.mu.RLock()
		cont := true
		if sub.active {
			cont = visit(sub.fn)
		}
		sub.mu.RUnlock()
		if !cont {
			return
		}
	}
}

type session struct {
	conn   net.Conn
	logger glog.Logger

	wmu sync.Mutex

	creds    registry[func(protocol.Credentials) error]
	states   registry[func(protocol.StateChange)]
	messages registry[func(protocol.Event)]

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	// remoteClosed is set once the sidecar reported a closed state, so the
	// EOF that follows is not reported a second time.
	remoteClosed atomic.Bool
}

func newSession(conn net.Conn, logger glog.Logger) *session {
	return &session{conn: conn, logger: logger}
}

func (s *session) OnCredentials(fn func(protocol.Credentials) error) protocol.Subscription {
	sub := s.creds.add(fn)
	s.maybeStart()
	return sub
}

func (s *session) OnState(fn func(protocol.StateChange)) protocol.Subscription {
	sub := s.states.add(fn)
	s.maybeStart()
	return sub
}

func (s *session) OnMessage(fn func(protocol.Event)) protocol.Subscription {
	sub := s.messages.add(fn)
	s.maybeStart()
	return sub
}

func (s *session) maybeStart() {
	if s.creds.empty() || s.states.empty() || s.messages.empty() {
		return
	}
	s.startOnce.Do(func() { go s.readLoop() })
}

// Close is idempotent. It does not emit a closed state.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}

func (s *session) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err = s.conn.Write(data)
	return err
}

func (s *session) readLoop() {
	reader := bufio.NewReader(s.conn)
	for {
		line, err := readLine(reader)
		if err != nil {
			s.lost(err)
			return
		}
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			s.logger.Warn("bridge frame skipped", "error", err)
			continue
		}
		s.dispatch(f)
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxFrameSize {
			return nil, errFrameTooLarge
		}
		if !isPrefix {
			return buf, nil
		}
	}
}

// lost reports a remote disconnect. A read failing after a local Close is
// not reported.
func (s *session) lost(err error) {
	if s.closed.Load() {
		return
	}
	_ = s.Close()
	if s.remoteClosed.Load() {
		return
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	s.logger.Warn("bridge connection lost", "error", err)
	s.emitState(protocol.StateChange{Phase: protocol.PhaseClosed, Cause: protocol.CauseConnectionLost, Err: err})
}

func (s *session) emitState(sc protocol.StateChange) {
	s.states.each(func(fn func(protocol.StateChange)) bool {
		fn(sc)
		return true
	})
}

func (s *session) dispatch(f frame) {
	switch f.Type {
	case frameState:
		phase, ok := parsePhase(f.State)
		if !ok {
			s.logger.Warn("bridge state frame skipped", "state", f.State)
			return
		}
		sc := protocol.StateChange{Phase: phase, PairingCode: f.PairingCode}
		if phase == protocol.PhaseClosed {
			s.remoteClosed.Store(true)
			sc.Cause = protocol.ParseCause(f.Cause)
			if f.Error != "" {
				sc.Err = errors.New(f.Error)
			}
		}
		s.emitState(sc)
	case frameCreds:
		var failed error
		s.creds.each(func(fn func(protocol.Credentials) error) bool {
			failed = fn(protocol.Credentials(f.Credentials))
			return failed == nil
		})
		if failed != nil {
			s.logger.Warn("credentials not acknowledged", "seq", f.Seq, "error", failed)
			return
		}
		if err := s.write(frame{Type: frameAck, Seq: f.Seq}); err != nil {
			s.logger.Warn("credentials ack failed", "seq", f.Seq, "error", err)
		}
	case frameMessage:
		ev := f.event()
		s.messages.each(func(fn func(protocol.Event)) bool {
			fn(ev)
			return true
		})
	default:
		s.logger.Debug("bridge frame ignored", "type", f.Type)
	}
}
