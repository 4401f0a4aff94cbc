// Package scanner runs bounded discovery passes against the radio and
// aggregates raw advertisement fragments into per-address reports. Only
// one pass runs at a time; requests arriving mid-pass share that pass's
// result instead of starting a second scan the hardware cannot serve.
package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/edgekit/blegate/internal/advdata"
	"github.com/edgekit/blegate/internal/groutine"
	"github.com/edgekit/blegate/internal/radio"
)

// DefaultPassDuration is the length of one discovery pass.
const DefaultPassDuration = 5 * time.Second

// Report aggregates everything observed for one advertising address
// during a single pass. Reports are built fresh each pass and never
// merged with a previous pass.
type Report struct {
	AddressType string                   `json:"address-type"`
	RSSI        int                      `json:"rssi-db"`
	ADDataTypes map[string]advdata.Entry `json:"ad-data-types"`
}

// Coordinator serializes discovery passes on the shared radio.
type Coordinator struct {
	radio    radio.Radio
	duration time.Duration
	logger   *logrus.Logger

	mu       sync.Mutex
	inflight *pass
}

// pass is one in-progress or completed discovery pass. Concurrent scan
// requests block on done and share reports/err.
type pass struct {
	done    chan struct{}
	mu      sync.Mutex
	devices *hashmap.Map[string, *Report]
	reports map[string]*Report
	err     error
}

// New creates a Coordinator. A duration of zero means the default
// 5 second pass.
func New(r radio.Radio, duration time.Duration, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	if duration <= 0 {
		duration = DefaultPassDuration
	}
	return &Coordinator{radio: r, duration: duration, logger: logger}
}

// Scan returns the aggregated report mapping for one discovery pass.
// If a pass is already running, the call waits for it and returns its
// result rather than scanning again. A pass runs on a coordinator-owned
// context and cannot be cancelled mid-pass: the caller's ctx only
// bounds its own wait, so a caller leaving never truncates the pass
// the remaining waiters share.
func (c *Coordinator) Scan(ctx context.Context) (map[string]*Report, error) {
	c.mu.Lock()
	p := c.inflight
	if p == nil {
		p = &pass{
			done:    make(chan struct{}),
			devices: hashmap.New[string, *Report](),
		}
		c.inflight = p
		groutine.Go(context.Background(), "scan-pass", func(ctx context.Context) {
			c.run(ctx, p)
		})
	} else {
		c.logger.Debug("Scan already in progress, awaiting its result")
	}
	c.mu.Unlock()

	select {
	case <-p.done:
		return p.reports, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run executes one bounded pass and freezes its result. The pass is
// retired from inflight before done closes, so a caller returning from
// one pass and scanning again always gets a fresh pass.
func (c *Coordinator) run(ctx context.Context, p *pass) {
	defer close(p.done)
	defer func() {
		c.mu.Lock()
		c.inflight = nil
		c.mu.Unlock()
	}()

	c.logger.WithField("duration", c.duration).Info("Starting BLE scan pass")

	scanCtx, cancel := context.WithTimeout(ctx, c.duration)
	defer cancel()

	p.err = c.radio.Scan(scanCtx, p.observe)

	p.reports = make(map[string]*Report, p.devices.Len())
	p.devices.Range(func(addr string, r *Report) bool {
		p.reports[addr] = r
		return true
	})

	c.logger.WithField("device_count", len(p.reports)).Info("BLE scan pass completed")
}

// observe folds one raw advertisement event into the pass accumulator:
// the first event for an address creates its report, later events
// refresh the signal strength (most recent wins) and merge newly seen
// advertisement types (first occurrence of a type code wins).
func (p *pass) observe(adv radio.Advertisement) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.devices.Get(adv.Addr); ok {
		r.RSSI = adv.RSSI
		advdata.Merge(r.ADDataTypes, adv.Fields)
		return
	}
	p.devices.Set(adv.Addr, &Report{
		AddressType: adv.AddrType,
		RSSI:        adv.RSSI,
		ADDataTypes: advdata.Parse(adv.Fields),
	})
}
