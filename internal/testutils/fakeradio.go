// Package testutils provides in-memory radio and bus fakes shared by
// the scanner, manager and gateway tests.
package testutils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/edgekit/blegate/internal/radio"
)

// FakeRadio implements radio.Radio against scripted peripherals. Dial
// behavior is controlled per address; Scan replays a fixed sequence of
// advertisement events and then blocks until the pass context expires,
// mimicking a bounded hardware pass.
type FakeRadio struct {
	mu        sync.Mutex
	dialErrs  map[string][]error // consumed front to back
	dialCount map[string]int
	links     map[string]*FakeLink
	advs      []radio.Advertisement
	scanErr   error
	scanCount int
	scanGate  chan struct{} // when set, Scan waits here before replaying
}

// NewFakeRadio returns an empty FakeRadio; every Dial succeeds.
func NewFakeRadio() *FakeRadio {
	return &FakeRadio{
		dialErrs:  make(map[string][]error),
		dialCount: make(map[string]int),
		links:     make(map[string]*FakeLink),
	}
}

// FailDial queues errs to be returned by successive Dial calls for
// addr, before dialing starts succeeding.
func (r *FakeRadio) FailDial(addr string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialErrs[addr] = append(r.dialErrs[addr], errs...)
}

// WithAdvertisements sets the events replayed by every scan pass.
func (r *FakeRadio) WithAdvertisements(advs ...radio.Advertisement) *FakeRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advs = advs
	return r
}

// WithScanError makes scan passes fail with err.
func (r *FakeRadio) WithScanError(err error) *FakeRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanErr = err
	return r
}

// HoldScans makes passes wait on the returned gate before replaying
// events, so tests can overlap a second scan request with a running
// pass. Close the gate to let passes proceed.
func (r *FakeRadio) HoldScans() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanGate = make(chan struct{})
	return r.scanGate
}

// DialCount reports how many Dial attempts addr has seen.
func (r *FakeRadio) DialCount(addr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dialCount[addr]
}

// ScanCount reports how many passes actually ran.
func (r *FakeRadio) ScanCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanCount
}

// Link returns the most recent link handed out for addr, or nil.
func (r *FakeRadio) Link(addr string) *FakeLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[addr]
}

func (r *FakeRadio) Dial(ctx context.Context, addr string) (radio.Link, error) {
	r.mu.Lock()
	r.dialCount[addr]++
	if errs := r.dialErrs[addr]; len(errs) > 0 {
		err := errs[0]
		r.dialErrs[addr] = errs[1:]
		r.mu.Unlock()
		return nil, err
	}
	lnk := NewFakeLink(addr)
	r.links[addr] = lnk
	r.mu.Unlock()
	return lnk, nil
}

func (r *FakeRadio) Scan(ctx context.Context, h func(radio.Advertisement)) error {
	r.mu.Lock()
	r.scanCount++
	advs := r.advs
	err := r.scanErr
	gate := r.scanGate
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil
		}
	}
	if err != nil {
		return err
	}
	for _, adv := range advs {
		h(adv)
	}
	<-ctx.Done()
	return nil
}

// FakeLink implements radio.Link in memory.
type FakeLink struct {
	addr string

	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	closed   bool

	notifs       chan []byte
	disconnected chan struct{}
	notifOnce    sync.Once
	dropOnce     sync.Once
}

// NewFakeLink returns an open link for addr.
func NewFakeLink(addr string) *FakeLink {
	return &FakeLink{
		addr:         addr,
		notifs:       make(chan []byte, 64),
		disconnected: make(chan struct{}),
	}
}

// FailWrites makes every subsequent Write return err.
func (l *FakeLink) FailWrites(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeErr = err
}

// Writes returns a copy of every payload written so far.
func (l *FakeLink) Writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.writes))
	copy(out, l.writes)
	return out
}

// Notify delivers a peripheral-originated payload.
func (l *FakeLink) Notify(p []byte) {
	l.notifs <- p
}

// Drop simulates an unexpected link loss.
func (l *FakeLink) Drop() {
	l.dropOnce.Do(func() { close(l.disconnected) })
	l.closeNotifs()
}

// Closed reports whether Close was called.
func (l *FakeLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *FakeLink) closeNotifs() {
	l.notifOnce.Do(func() { close(l.notifs) })
}

func (l *FakeLink) Write(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return radio.Retryable(errors.New("link closed"))
	}
	if l.writeErr != nil {
		return l.writeErr
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	l.writes = append(l.writes, cp)
	return nil
}

func (l *FakeLink) Notifications() <-chan []byte {
	return l.notifs
}

func (l *FakeLink) Disconnected() <-chan struct{} {
	return l.disconnected
}

func (l *FakeLink) AddrType() string {
	return radio.AddrType(l.addr)
}

func (l *FakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.closeNotifs()
	return nil
}

// Eventually polls cond until it holds or the deadline passes.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
