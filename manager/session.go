package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgekit/blegate/internal/radio"
)

// Session owns one live link to a connected peripheral. It is bound 1:1
// to a connection record in the connected state and never outlives it:
// the manager destroys the session whenever the record leaves connected.
type Session struct {
	addr   string
	link   radio.Link
	logger *logrus.Entry

	done      chan error
	closed    chan struct{}
	failOnce  sync.Once
	closeOnce sync.Once
}

// openSession dials the peripheral and starts the link watcher. The
// attempt is bounded by dialTimeout.
func openSession(ctx context.Context, r radio.Radio, addr string, dialTimeout time.Duration, logger *logrus.Logger) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	link, err := r.Dial(dialCtx, addr)
	if err != nil {
		return nil, err
	}

	s := &Session{
		addr:   addr,
		link:   link,
		logger: logger.WithField("address", addr),
		done:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	go s.watch()
	return s, nil
}

// watch surfaces an unexpected link drop as a fatal session error.
func (s *Session) watch() {
	select {
	case <-s.link.Disconnected():
		s.fail(radio.Retryable(errors.New("link dropped unexpectedly")))
	case <-s.closed:
	}
}

// Addr returns the canonical peripheral address.
func (s *Session) Addr() string {
	return s.addr
}

// AddrType returns the peripheral address type observed on connect.
func (s *Session) AddrType() string {
	return s.link.AddrType()
}

// Write sends a payload to the peripheral. A transient failure is
// returned to the caller as retryable; any other failure is fatal and
// closes the session, which the manager observes via Done.
func (s *Session) Write(p []byte) error {
	err := s.link.Write(p)
	if err == nil || radio.IsRetryable(err) {
		return err
	}
	s.fail(err)
	return err
}

// Notifications returns the peripheral-originated payload stream. The
// channel closes when the session closes, for any reason.
func (s *Session) Notifications() <-chan []byte {
	return s.link.Notifications()
}

// Done delivers at most one fatal session error. The manager reacts by
// destroying the session and resuming reconnection.
func (s *Session) Done() <-chan error {
	return s.done
}

// fail tears the link down and reports err on Done exactly once.
// A session that was closed deliberately never reports.
func (s *Session) fail(err error) {
	select {
	case <-s.closed:
		return
	default:
	}
	s.failOnce.Do(func() {
		s.logger.WithError(err).Warn("Session failed")
		_ = s.link.Close()
		s.done <- err
	})
}

// Close releases the link. Idempotent; always succeeds from the
// caller's perspective. A closed session never reports on Done.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.link.Close()
	})
	return nil
}
