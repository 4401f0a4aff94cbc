// Package manager owns per-device connection state: the device registry,
// the connect/disconnect state machine, and one supervised retry task
// per address. It is the single writer of connection records; every
// other component observes state through List snapshots or state-change
// events.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgekit/blegate/internal/groutine"
	"github.com/edgekit/blegate/internal/radio"
)

// State is a connection record's position in the lifecycle. A device
// with no record is disconnected; the state is never stored, only
// reported in events after removal.
type State string

const (
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateRetrying      State = "retrying"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
)

// Connect outcome reported to the requesting caller.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// DeviceStatus is the List view of one connection record.
type DeviceStatus struct {
	ConnectionState State  `json:"connection-state"`
	AddrType        string `json:"addr-type"`
}

// StateChange describes one record transition. Session is non-nil only
// when Current is StateConnected; consumers use it to start the data
// bridge and must stop using it when the next event for the address
// arrives.
type StateChange struct {
	Addr     string
	Previous State
	Current  State
	AddrType string
	Session  *Session
}

// Options bound the manager's timing behavior.
type Options struct {
	// ConnectWindow caps how long a connect caller blocks before a
	// failure response is returned. Background retrying continues past
	// the window until a disconnect request arrives.
	ConnectWindow time.Duration

	// DialTimeout bounds a single link establishment attempt.
	DialTimeout time.Duration

	// RetryBackoff is the pause between attempts while retrying.
	RetryBackoff time.Duration
}

// DefaultOptions returns the production timing defaults.
func DefaultOptions() Options {
	return Options{
		ConnectWindow: 30 * time.Second,
		DialTimeout:   15 * time.Second,
		RetryBackoff:  5 * time.Second,
	}
}

func (o *Options) fill() {
	if o.ConnectWindow == 0 {
		o.ConnectWindow = 30 * time.Second
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 15 * time.Second
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = 5 * time.Second
	}
}

// record is one device registry entry, created on first connect and
// removed only on disconnect. Only the manager mutates it, under mu.
type record struct {
	addr       string
	state      State
	addrType   string
	retryCount int
	lastErr    error
	session    *Session

	cancel context.CancelFunc // stops the supervisor
	exited chan struct{}      // closed when the supervisor returns
}

// Manager orchestrates connect and disconnect requests and supervises
// one session lifecycle per connected device.
type Manager struct {
	radio  radio.Radio
	opts   Options
	logger *logrus.Logger

	mu      sync.Mutex
	records map[string]*record
	opLocks map[string]*sync.Mutex
	onState func(StateChange)
	onError func(error)

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Manager driving the given radio.
func New(r radio.Radio, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	opts.fill()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		radio:      r,
		opts:       opts,
		logger:     logger,
		records:    make(map[string]*record),
		opLocks:    make(map[string]*sync.Mutex),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// OnStateChange registers the state event handler. Must be called
// before the first connect request; events for one address are emitted
// in transition order.
func (m *Manager) OnStateChange(h func(StateChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = h
}

// OnRadioError registers the handler for process-level radio failures
// (adapter absent or powered off) detected outside any caller's scope.
func (m *Manager) OnRadioError(h func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = h
}

// addrLock returns the per-address serialization lock. Requests for the
// same address queue behind each other; requests for different
// addresses proceed independently.
func (m *Manager) addrLock(addr string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.opLocks[addr]
	if !ok {
		l = &sync.Mutex{}
		m.opLocks[addr] = l
	}
	return l
}

// Connect establishes a connection to addr, blocking the caller for at
// most ConnectWindow. The returned status is StatusSuccess once the
// link is up within the window, StatusFailed otherwise; a failed status
// does not stop the background retry task, which runs until a
// disconnect request arrives.
func (m *Manager) Connect(ctx context.Context, addr string) (string, error) {
	a, err := radio.CanonicalAddr(addr)
	if err != nil {
		return StatusFailed, err
	}

	l := m.addrLock(a)
	l.Lock()
	defer l.Unlock()

	// A repeated connect tears down any existing record first, so the
	// device comes up on a fresh session.
	m.removeRecord(a)

	rec := &record{addr: a, state: StateConnecting, exited: make(chan struct{})}
	supCtx, cancel := context.WithCancel(m.baseCtx)
	rec.cancel = cancel

	m.mu.Lock()
	m.records[a] = rec
	m.mu.Unlock()
	m.emit(StateChange{Addr: a, Previous: StateDisconnected, Current: StateConnecting})

	first := make(chan error, 1)
	m.wg.Add(1)
	groutine.Go(supCtx, "supervise-"+a, func(ctx context.Context) {
		defer m.wg.Done()
		m.supervise(ctx, rec, first)
	})

	select {
	case err := <-first:
		if err != nil {
			return StatusFailed, err
		}
		return StatusSuccess, nil
	case <-time.After(m.opts.ConnectWindow):
		return StatusFailed, nil
	case <-ctx.Done():
		return StatusFailed, ctx.Err()
	}
}

// supervise drives one record through the connect/retry loop until its
// context is canceled by a disconnect request or shutdown. The first
// successful attempt (or a process-level radio failure) is reported on
// first exactly once.
func (m *Manager) supervise(ctx context.Context, rec *record, first chan error) {
	defer close(rec.exited)

	var firstOnce sync.Once
	report := func(err error) {
		firstOnce.Do(func() { first <- err })
	}

	for {
		sess, err := openSession(ctx, m.radio, rec.addr, m.opts.DialTimeout, m.logger)
		if ctx.Err() != nil {
			if sess != nil {
				_ = sess.Close()
			}
			return
		}

		if err != nil {
			if radio.IsUnavailable(err) {
				// Nothing per-device can recover an absent adapter.
				m.logger.WithError(err).Error("Radio unavailable, abandoning device")
				report(err)
				m.dropRecord(rec)
				m.notifyRadioError(err)
				return
			}
			m.logger.WithError(err).WithField("address", rec.addr).Warn("Connect attempt failed")
			m.transition(rec, StateRetrying, func(r *record) {
				r.retryCount++
				r.lastErr = err
			})
			if !m.backoff(ctx) {
				return
			}
			m.transition(rec, StateConnecting, nil)
			continue
		}

		m.transition(rec, StateConnected, func(r *record) {
			r.session = sess
			r.addrType = sess.AddrType()
			r.lastErr = nil
		})
		report(nil)

		select {
		case <-ctx.Done():
			_ = sess.Close()
			return
		case ferr := <-sess.Done():
			// Unexpected drop: the session is already torn down;
			// reconnection resumes without a new external request.
			m.transition(rec, StateRetrying, func(r *record) {
				r.session = nil
				r.retryCount++
				r.lastErr = ferr
			})
		}

		if !m.backoff(ctx) {
			return
		}
		m.transition(rec, StateConnecting, nil)
	}
}

// backoff sleeps between attempts; returns false when ctx ended.
func (m *Manager) backoff(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(m.opts.RetryBackoff):
		return true
	}
}

// Disconnect tears down any record for addr. Idempotent: disconnecting
// an address with no record is still a success.
func (m *Manager) Disconnect(ctx context.Context, addr string) error {
	a, err := radio.CanonicalAddr(addr)
	if err != nil {
		return err
	}

	l := m.addrLock(a)
	l.Lock()
	defer l.Unlock()

	m.removeRecord(a)
	return nil
}

// removeRecord cancels the supervisor for addr, waits for it to exit,
// closes any live session, and deletes the record. Caller must hold the
// address lock.
func (m *Manager) removeRecord(addr string) {
	m.mu.Lock()
	rec, ok := m.records[addr]
	m.mu.Unlock()
	if !ok {
		return
	}

	m.transition(rec, StateDisconnecting, nil)
	rec.cancel()
	<-rec.exited

	m.mu.Lock()
	if rec.session != nil {
		_ = rec.session.Close()
		rec.session = nil
	}
	prev := rec.state
	delete(m.records, addr)
	m.mu.Unlock()

	m.emit(StateChange{Addr: addr, Previous: prev, Current: StateDisconnected})
	m.logger.WithField("address", addr).Info("Device disconnected")
}

// dropRecord removes a record from inside its own supervisor, after the
// supervisor has decided to give up. Unlike removeRecord it must not
// wait for the supervisor to exit.
func (m *Manager) dropRecord(rec *record) {
	m.mu.Lock()
	prev := rec.state
	delete(m.records, rec.addr)
	m.mu.Unlock()
	m.emit(StateChange{Addr: rec.addr, Previous: prev, Current: StateDisconnected})
}

// List returns a consistent snapshot of every non-absent record.
func (m *Manager) List() map[string]DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]DeviceStatus, len(m.records))
	for addr, rec := range m.records {
		out[addr] = DeviceStatus{ConnectionState: rec.state, AddrType: rec.addrType}
	}
	return out
}

// transition moves rec to next, applying mutate under the registry
// lock, and emits the state event afterwards.
func (m *Manager) transition(rec *record, next State, mutate func(*record)) {
	m.mu.Lock()
	prev := rec.state
	rec.state = next
	if mutate != nil {
		mutate(rec)
	}
	ev := StateChange{
		Addr:     rec.addr,
		Previous: prev,
		Current:  next,
		AddrType: rec.addrType,
		Session:  rec.session,
	}
	m.mu.Unlock()

	if next != StateConnected {
		ev.Session = nil
	}
	m.emit(ev)
}

func (m *Manager) emit(ev StateChange) {
	m.mu.Lock()
	h := m.onState
	m.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (m *Manager) notifyRadioError(err error) {
	m.mu.Lock()
	h := m.onError
	m.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// Close cancels every supervisor and waits for them to exit. Records
// are left in place; the process is ending.
func (m *Manager) Close() {
	m.baseCancel()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.session != nil {
			_ = rec.session.Close()
		}
	}
}
