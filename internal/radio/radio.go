// Package radio abstracts the single physical BLE adapter behind a small
// central-role API: dial one peripheral, scan for advertisements, and a
// Gate that serializes every physical operation against the shared
// hardware. Exactly one Gate instance exists per process and is injected
// into the backend at construction.
package radio

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/edgekit/blegate/internal/advdata"
)

// Address types reported for peripherals.
const (
	AddrTypePublic = "public"
	AddrTypeRandom = "random"
)

var macPattern = regexp.MustCompile(`^([0-9A-F]{2}:){5}[0-9A-F]{2}$`)

// CanonicalAddr normalizes a peripheral hardware address to the canonical
// uppercase colon-separated form. Equality is case-insensitive, so every
// address is canonicalized on ingress and used as the sole map key.
func CanonicalAddr(addr string) (string, error) {
	a := strings.ToUpper(strings.TrimSpace(addr))
	if !macPattern.MatchString(a) {
		return "", fmt.Errorf("%q is not a valid MAC address", addr)
	}
	return a, nil
}

// AddrType infers the address type from the two most significant bits of
// the first octet (static random addresses have both set). Backends that
// know the real type report it directly; this is the fallback.
func AddrType(addr string) string {
	a, err := CanonicalAddr(addr)
	if err != nil {
		return AddrTypePublic
	}
	var first byte
	_, _ = fmt.Sscanf(a[:2], "%02X", &first)
	if first&0xC0 == 0xC0 {
		return AddrTypeRandom
	}
	return AddrTypePublic
}

// Advertisement is one raw advertising event observed during a scan pass.
type Advertisement struct {
	Addr     string
	AddrType string
	RSSI     int
	Fields   []advdata.Field
}

// Link is one live connection to a single peripheral. A Link never
// outlives the session that owns it and is never shared across devices.
type Link interface {
	// Write sends a payload to the peripheral. Transient link
	// unavailability is reported as a retryable error.
	Write(p []byte) error

	// Notifications returns the stream of peripheral-originated payloads.
	// The channel is closed when the link closes, for any reason.
	Notifications() <-chan []byte

	// Disconnected is closed when the underlying link drops.
	Disconnected() <-chan struct{}

	// AddrType reports the peripheral address type observed on connect.
	AddrType() string

	// Close releases the link. Idempotent; always succeeds from the
	// caller's perspective.
	Close() error
}

// Radio is the central-role interface to the physical adapter.
type Radio interface {
	// Dial establishes a link to the peripheral at addr. Blocks until the
	// link is up, ctx is done, or the attempt fails.
	Dial(ctx context.Context, addr string) (Link, error)

	// Scan runs a discovery pass until ctx is done, invoking h for every
	// raw advertisement event. Pass expiry is a normal return, not an
	// error.
	Scan(ctx context.Context, h func(Advertisement)) error
}

// Gate is the mutual-exclusion point for the shared radio hardware. The
// adapter allows one outstanding link-layer operation at a time, so every
// dial, scan and write acquires the Gate before touching the hardware.
type Gate struct {
	sem chan struct{}
}

// NewGate returns an unheld Gate.
func NewGate() *Gate {
	return &Gate{sem: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is held or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcquireTimeout blocks until the gate is held or d elapses.
func (g *Gate) AcquireTimeout(d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-t.C:
		return fmt.Errorf("radio busy, gate not acquired within %s", d)
	}
}

// Release frees the gate. Must only be called after a successful Acquire.
func (g *Gate) Release() {
	<-g.sem
}
