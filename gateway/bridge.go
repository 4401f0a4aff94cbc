package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edgekit/blegate/internal/bus"
	"github.com/edgekit/blegate/internal/groutine"
)

// bridge pumps one device's data in both directions: bus tx topic to
// session writes, session notifications to the bus rx topic. Payloads
// pass through byte-identical in both directions; arrival order is
// preserved per device.
type bridge struct {
	addr   string
	sub    bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *Router) startBridge(addr string, sess DeviceSession) {
	r.mu.Lock()
	if old, ok := r.bridges[addr]; ok {
		// A reconnect raced the previous teardown; replace the bridge.
		delete(r.bridges, addr)
		r.mu.Unlock()
		old.stop()
		r.mu.Lock()
	}

	ctx, cancel := context.WithCancel(r.ctx)
	b := &bridge{addr: addr, cancel: cancel, done: make(chan struct{})}
	r.bridges[addr] = b
	r.mu.Unlock()

	sub, err := r.bus.Subscribe(r.topics.DataTx(addr), func(topic string, payload []byte) {
		// The data channel carries opaque JSON; anything else is a
		// request validation error, not a device write.
		if !json.Valid(payload) {
			r.publishError(fmt.Sprintf("invalid JSON payload on %s", topic))
			return
		}
		if werr := sess.Write(payload); werr != nil {
			r.publishError(fmt.Sprintf("failed to write to BLE device %s: %v", addr, werr))
		}
	})
	if err != nil {
		r.logger.WithError(err).WithField("address", addr).Error("Failed to subscribe to device tx topic")
	} else {
		b.sub = sub
	}

	rxTopic := r.topics.DataRx(addr)
	groutine.Go(ctx, "bridge-rx-"+addr, func(ctx context.Context) {
		defer close(b.done)
		for {
			select {
			case payload, ok := <-sess.Notifications():
				if !ok {
					return
				}
				if perr := r.bus.Publish(rxTopic, payload); perr != nil {
					r.logger.WithError(perr).WithField("address", addr).Error("Failed to forward device payload")
				}
			case <-ctx.Done():
				return
			}
		}
	})

	r.logger.WithField("address", addr).Info("Data bridge started")
}

func (r *Router) stopBridge(addr string) {
	r.mu.Lock()
	b, ok := r.bridges[addr]
	if ok {
		delete(r.bridges, addr)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	b.stop()
	r.logger.WithField("address", addr).Info("Data bridge stopped")
}

func (b *bridge) stop() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.cancel()
	<-b.done
}
