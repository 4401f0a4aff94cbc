package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgekit/blegate/internal/radio"
	"github.com/edgekit/blegate/internal/testutils"
)

const testAddr = "AA:BB:CC:DD:EE:FF"

// fastOptions keeps the retry machinery observable within test time.
func fastOptions() Options {
	return Options{
		ConnectWindow: 250 * time.Millisecond,
		DialTimeout:   100 * time.Millisecond,
		RetryBackoff:  5 * time.Millisecond,
	}
}

// eventRecorder captures state change events in emission order.
type eventRecorder struct {
	mu     sync.Mutex
	events []StateChange
}

func (r *eventRecorder) record(ev StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StateChange, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) states() []State {
	var out []State
	for _, ev := range r.snapshot() {
		out = append(out, ev.Current)
	}
	return out
}

func TestConnectSuccess(t *testing.T) {
	fake := testutils.NewFakeRadio()
	rec := &eventRecorder{}
	mgr := New(fake, fastOptions(), nil)
	mgr.OnStateChange(rec.record)
	defer mgr.Close()

	status, err := mgr.Connect(context.Background(), testAddr)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, 1, fake.DialCount(testAddr))

	devices := mgr.List()
	require.Contains(t, devices, testAddr)
	assert.Equal(t, StateConnected, devices[testAddr].ConnectionState)
	assert.Equal(t, radio.AddrTypePublic, devices[testAddr].AddrType)

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, StateConnecting, events[0].Current)
	assert.Nil(t, events[0].Session)
	assert.Equal(t, StateConnected, events[1].Current)
	require.NotNil(t, events[1].Session)
	assert.Equal(t, testAddr, events[1].Session.Addr())
}

func TestConnectNormalizesAddress(t *testing.T) {
	fake := testutils.NewFakeRadio()
	mgr := New(fake, fastOptions(), nil)
	defer mgr.Close()

	status, err := mgr.Connect(context.Background(), "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)
	assert.Contains(t, mgr.List(), testAddr)
	assert.Equal(t, 1, fake.DialCount(testAddr))
}

func TestConnectInvalidAddress(t *testing.T) {
	mgr := New(testutils.NewFakeRadio(), fastOptions(), nil)
	defer mgr.Close()

	status, err := mgr.Connect(context.Background(), "not-a-mac")
	assert.Error(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.Empty(t, mgr.List())
}

func TestConnectRetriesWithinWindow(t *testing.T) {
	fake := testutils.NewFakeRadio()
	fake.FailDial(testAddr,
		radio.Retryable(errors.New("connection timed out")),
		radio.Retryable(errors.New("connection timed out")),
	)
	mgr := New(fake, fastOptions(), nil)
	defer mgr.Close()

	status, err := mgr.Connect(context.Background(), testAddr)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, 3, fake.DialCount(testAddr))
}

func TestConnectWindowExpiryKeepsRetrying(t *testing.T) {
	fake := testutils.NewFakeRadio()
	fake.FailDial(testAddr,
		radio.Retryable(errors.New("connection timed out")),
		radio.Retryable(errors.New("connection timed out")),
		radio.Retryable(errors.New("connection timed out")),
	)
	opts := fastOptions()
	opts.ConnectWindow = 10 * time.Millisecond
	opts.RetryBackoff = 30 * time.Millisecond
	rec := &eventRecorder{}
	mgr := New(fake, opts, nil)
	mgr.OnStateChange(rec.record)
	defer mgr.Close()

	status, err := mgr.Connect(context.Background(), testAddr)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	// The record survives the failed response and the background task
	// eventually brings the device up.
	require.Contains(t, mgr.List(), testAddr)
	require.True(t, testutils.Eventually(2*time.Second, func() bool {
		return mgr.List()[testAddr].ConnectionState == StateConnected
	}))
	assert.Contains(t, rec.states(), StateRetrying)
}

func TestConnectCallerContextCanceled(t *testing.T) {
	fake := testutils.NewFakeRadio()
	fake.FailDial(testAddr, radio.Retryable(errors.New("connection timed out")))
	opts := fastOptions()
	opts.RetryBackoff = time.Second
	mgr := New(fake, opts, nil)
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	status, err := mgr.Connect(ctx, testAddr)
	assert.Equal(t, StatusFailed, status)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRadioUnavailableAbandonsDevice(t *testing.T) {
	fake := testutils.NewFakeRadio()
	fake.FailDial(testAddr, fmt.Errorf("%w: can't init hci", radio.ErrUnavailable))

	var radioErr error
	var radioErrMu sync.Mutex
	mgr := New(fake, fastOptions(), nil)
	mgr.OnRadioError(func(err error) {
		radioErrMu.Lock()
		defer radioErrMu.Unlock()
		radioErr = err
	})
	defer mgr.Close()

	status, err := mgr.Connect(context.Background(), testAddr)
	assert.Equal(t, StatusFailed, status)
	require.Error(t, err)
	assert.True(t, radio.IsUnavailable(err))

	// No retry task is left behind.
	require.True(t, testutils.Eventually(time.Second, func() bool {
		_, present := mgr.List()[testAddr]
		return !present
	}))
	assert.Equal(t, 1, fake.DialCount(testAddr))

	radioErrMu.Lock()
	defer radioErrMu.Unlock()
	assert.True(t, radio.IsUnavailable(radioErr))
}

func TestDisconnect(t *testing.T) {
	fake := testutils.NewFakeRadio()
	rec := &eventRecorder{}
	mgr := New(fake, fastOptions(), nil)
	mgr.OnStateChange(rec.record)
	defer mgr.Close()

	_, err := mgr.Connect(context.Background(), testAddr)
	require.NoError(t, err)

	require.NoError(t, mgr.Disconnect(context.Background(), testAddr))
	assert.Empty(t, mgr.List())
	assert.True(t, fake.Link(testAddr).Closed())

	states := rec.states()
	assert.Equal(t, StateDisconnecting, states[len(states)-2])
	assert.Equal(t, StateDisconnected, states[len(states)-1])
}

func TestDisconnectIdempotent(t *testing.T) {
	mgr := New(testutils.NewFakeRadio(), fastOptions(), nil)
	defer mgr.Close()

	assert.NoError(t, mgr.Disconnect(context.Background(), testAddr))
	assert.Error(t, mgr.Disconnect(context.Background(), "not-a-mac"))
}

func TestDisconnectDuringRetry(t *testing.T) {
	fake := testutils.NewFakeRadio()
	for i := 0; i < 100; i++ {
		fake.FailDial(testAddr, radio.Retryable(errors.New("connection timed out")))
	}
	opts := fastOptions()
	opts.ConnectWindow = 10 * time.Millisecond
	mgr := New(fake, opts, nil)
	defer mgr.Close()

	status, err := mgr.Connect(context.Background(), testAddr)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)

	require.NoError(t, mgr.Disconnect(context.Background(), testAddr))
	assert.Empty(t, mgr.List())

	// The retry task is gone: no further dial attempts happen.
	n := fake.DialCount(testAddr)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, fake.DialCount(testAddr))
}

func TestLinkDropTriggersReconnect(t *testing.T) {
	fake := testutils.NewFakeRadio()
	rec := &eventRecorder{}
	mgr := New(fake, fastOptions(), nil)
	mgr.OnStateChange(rec.record)
	defer mgr.Close()

	_, err := mgr.Connect(context.Background(), testAddr)
	require.NoError(t, err)
	firstLink := fake.Link(testAddr)

	firstLink.Drop()

	require.True(t, testutils.Eventually(2*time.Second, func() bool {
		return fake.DialCount(testAddr) == 2 &&
			mgr.List()[testAddr].ConnectionState == StateConnected
	}))
	assert.NotSame(t, firstLink, fake.Link(testAddr))
	assert.Contains(t, rec.states(), StateRetrying)
}

func TestRepeatConnectReplacesSession(t *testing.T) {
	fake := testutils.NewFakeRadio()
	mgr := New(fake, fastOptions(), nil)
	defer mgr.Close()

	_, err := mgr.Connect(context.Background(), testAddr)
	require.NoError(t, err)
	firstLink := fake.Link(testAddr)

	status, err := mgr.Connect(context.Background(), testAddr)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)

	assert.True(t, firstLink.Closed())
	assert.NotSame(t, firstLink, fake.Link(testAddr))
	assert.Equal(t, 2, fake.DialCount(testAddr))
	assert.Len(t, mgr.List(), 1)
}

func TestListSnapshot(t *testing.T) {
	fake := testutils.NewFakeRadio()
	mgr := New(fake, fastOptions(), nil)
	defer mgr.Close()

	assert.Empty(t, mgr.List())
	assert.NotNil(t, mgr.List())

	_, err := mgr.Connect(context.Background(), "AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	_, err = mgr.Connect(context.Background(), "C4:BB:CC:DD:EE:02")
	require.NoError(t, err)

	devices := mgr.List()
	require.Len(t, devices, 2)
	assert.Equal(t, radio.AddrTypeRandom, devices["C4:BB:CC:DD:EE:02"].AddrType)
}

func TestSessionWriteFailureClosesSession(t *testing.T) {
	fake := testutils.NewFakeRadio()
	rec := &eventRecorder{}
	mgr := New(fake, fastOptions(), nil)
	mgr.OnStateChange(rec.record)
	defer mgr.Close()

	_, err := mgr.Connect(context.Background(), testAddr)
	require.NoError(t, err)

	var sess *Session
	for _, ev := range rec.snapshot() {
		if ev.Current == StateConnected {
			sess = ev.Session
		}
	}
	require.NotNil(t, sess)

	// Retryable write errors are surfaced to the caller without killing
	// the session.
	fake.Link(testAddr).FailWrites(radio.Retryable(errors.New("busy")))
	assert.True(t, radio.IsRetryable(sess.Write([]byte("x"))))
	assert.Equal(t, StateConnected, mgr.List()[testAddr].ConnectionState)

	// A fatal write error destroys the session and resumes reconnection.
	fake.Link(testAddr).FailWrites(errors.New("characteristic gone"))
	assert.Error(t, sess.Write([]byte("x")))
	require.True(t, testutils.Eventually(2*time.Second, func() bool {
		return fake.DialCount(testAddr) == 2 &&
			mgr.List()[testAddr].ConnectionState == StateConnected
	}))
}

func TestCloseStopsSupervisors(t *testing.T) {
	fake := testutils.NewFakeRadio()
	mgr := New(fake, fastOptions(), nil)

	_, err := mgr.Connect(context.Background(), testAddr)
	require.NoError(t, err)

	mgr.Close()
	assert.True(t, fake.Link(testAddr).Closed())
}
