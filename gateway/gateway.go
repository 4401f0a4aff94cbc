// Package gateway is the boundary between the message bus and the BLE
// engine. The Router maps control topic messages onto connection
// manager and scan coordinator calls, publishes their results, and runs
// one bidirectional data bridge per connected device.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgekit/blegate/internal/bus"
	"github.com/edgekit/blegate/internal/groutine"
	"github.com/edgekit/blegate/internal/radio"
	"github.com/edgekit/blegate/manager"
	"github.com/edgekit/blegate/scanner"
)

// maxControlWorkers bounds concurrent control request dispatch. Connect
// requests can block for the full caller window, so they must not stall
// the bus delivery callback or each other.
const maxControlWorkers = 8

// Engine is the connection manager surface the router dispatches to.
type Engine interface {
	Connect(ctx context.Context, addr string) (string, error)
	Disconnect(ctx context.Context, addr string) error
	List() map[string]manager.DeviceStatus
}

// ScanRunner produces one aggregated discovery report per request.
type ScanRunner interface {
	Scan(ctx context.Context) (map[string]*scanner.Report, error)
}

// DeviceSession is the per-device data surface the bridge pumps.
type DeviceSession interface {
	Write(p []byte) error
	Notifications() <-chan []byte
}

// StateEvent is one connection state transition observed by the router.
// Session is non-nil only when Current is the connected state.
type StateEvent struct {
	Addr     string
	Previous string
	Current  string
	Session  DeviceSession
}

// Router validates and dispatches control messages and owns the data
// bridges. One Router serves one gateway.
type Router struct {
	bus    bus.PubSub
	topics bus.Topics
	engine Engine
	scans  ScanRunner
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}

	mu      sync.Mutex
	bridges map[string]*bridge
	subs    []bus.Subscription
}

// New creates a Router. Call Start to subscribe to the control topics.
func New(b bus.PubSub, topics bus.Topics, engine Engine, scans ScanRunner, logger *logrus.Logger) *Router {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		bus:     b,
		topics:  topics,
		engine:  engine,
		scans:   scans,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		sem:     make(chan struct{}, maxControlWorkers),
		bridges: make(map[string]*bridge),
	}
}

// Start subscribes to every control topic.
func (r *Router) Start() error {
	for _, op := range bus.ControlOps {
		topic := r.topics.Control(op)
		sub, err := r.bus.Subscribe(topic, r.handleControl)
		if err != nil {
			r.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
		r.logger.WithField("topic", topic).Info("Subscribed to control topic")
	}
	return nil
}

// Stop unsubscribes from every topic and tears down all bridges.
func (r *Router) Stop() {
	r.cancel()

	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	bridges := make([]*bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		bridges = append(bridges, b)
	}
	r.bridges = make(map[string]*bridge)
	r.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	for _, b := range bridges {
		b.stop()
	}
}

// handleControl dispatches one control request on a bounded worker so a
// long connect attempt cannot stall bus delivery.
func (r *Router) handleControl(topic string, payload []byte) {
	groutine.Go(r.ctx, "control-"+topic, func(ctx context.Context) {
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-ctx.Done():
			return
		}
		r.dispatch(ctx, topic, payload)
	})
}

// controlRequest is the envelope of every control message.
type controlRequest struct {
	BleMac string `json:"ble-mac"`
}

// response is the envelope of every control response.
type response struct {
	Status int `json:"status"`
	Data   any `json:"data"`
}

func (r *Router) dispatch(ctx context.Context, topic string, payload []byte) {
	op := topic[strings.LastIndex(topic, "/")+1:]

	log := r.logger.WithFields(logrus.Fields{"topic": topic, "op": op})
	log.Debug("Received control message")

	var req controlRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		r.publishError(fmt.Sprintf("malformed control message on %s: %v", topic, err))
		return
	}

	switch op {
	case bus.OpConnect:
		r.handleConnect(ctx, req)
	case bus.OpDisconnect:
		r.handleDisconnect(ctx, req)
	case bus.OpList:
		r.handleList()
	case bus.OpScan:
		r.handleScan(ctx)
	default:
		r.publishError(fmt.Sprintf("received message on unknown control topic %s", topic))
	}
}

// requireMac validates the ble-mac field of a connect or disconnect
// request. A missing or invalid address is a request validation error:
// it goes to the error topic and the operation is never invoked.
func (r *Router) requireMac(op string, req controlRequest) (string, bool) {
	if req.BleMac == "" {
		r.publishError(fmt.Sprintf("%s request is missing required field 'ble-mac'", op))
		return "", false
	}
	mac, err := radio.CanonicalAddr(req.BleMac)
	if err != nil {
		r.publishError(fmt.Sprintf("%s request: %v", op, err))
		return "", false
	}
	return mac, true
}

type connectData struct {
	BleMac        string `json:"ble-mac"`
	ConnectStatus string `json:"connect-status"`
	Error         string `json:"error,omitempty"`
}

func (r *Router) handleConnect(ctx context.Context, req controlRequest) {
	mac, ok := r.requireMac(bus.OpConnect, req)
	if !ok {
		return
	}

	status, err := r.engine.Connect(ctx, mac)

	resp := response{Status: 200, Data: connectData{BleMac: mac, ConnectStatus: status}}
	if status != manager.StatusSuccess {
		data := connectData{BleMac: mac, ConnectStatus: manager.StatusFailed}
		if err != nil {
			data.Error = err.Error()
		}
		resp = response{Status: 500, Data: data}
	}
	r.publish(r.topics.ControlResponse(bus.OpConnect), resp)

	if err != nil && radio.IsUnavailable(err) {
		r.publishError(fmt.Sprintf("radio unavailable: %v", err))
	}
}

type disconnectData struct {
	BleMac           string `json:"ble-mac"`
	DisconnectStatus string `json:"disconnect-status"`
	Error            string `json:"error,omitempty"`
}

func (r *Router) handleDisconnect(ctx context.Context, req controlRequest) {
	mac, ok := r.requireMac(bus.OpDisconnect, req)
	if !ok {
		return
	}

	resp := response{Status: 200, Data: disconnectData{BleMac: mac, DisconnectStatus: manager.StatusSuccess}}
	if err := r.engine.Disconnect(ctx, mac); err != nil {
		resp = response{Status: 500, Data: disconnectData{
			BleMac:           mac,
			DisconnectStatus: manager.StatusFailed,
			Error:            err.Error(),
		}}
	}
	r.publish(r.topics.ControlResponse(bus.OpDisconnect), resp)
}

func (r *Router) handleList() {
	r.publish(r.topics.ControlResponse(bus.OpList), response{Status: 200, Data: r.engine.List()})
}

type scanError struct {
	ErrorMessage string `json:"error-message"`
}

func (r *Router) handleScan(ctx context.Context) {
	reports, err := r.scans.Scan(ctx)
	if err != nil {
		r.publish(r.topics.ControlResponse(bus.OpScan), response{Status: 500, Data: scanError{ErrorMessage: err.Error()}})
		if radio.IsUnavailable(err) {
			r.publishError(fmt.Sprintf("radio unavailable: %v", err))
		}
		return
	}
	r.publish(r.topics.ControlResponse(bus.OpScan), response{Status: 200, Data: reports})
}

// stateMessage mirrors each connection state transition onto the state
// topic so bus consumers can track device availability.
type stateMessage struct {
	ControlCommand string    `json:"control-command"`
	BleMac         string    `json:"ble-mac"`
	Updated        string    `json:"updated"`
	Data           stateData `json:"data"`
}

type stateData struct {
	PreviousState string `json:"previous-state"`
	CurrentState  string `json:"current-state"`
}

// HandleStateChange reacts to one connection state transition: the data
// bridge starts exactly when a device enters the connected state and
// stops exactly when it leaves it, then the transition is published.
func (r *Router) HandleStateChange(ev StateEvent) {
	switch {
	case ev.Current == string(manager.StateConnected) && ev.Session != nil:
		r.startBridge(ev.Addr, ev.Session)
	case ev.Previous == string(manager.StateConnected):
		r.stopBridge(ev.Addr)
	}

	r.publish(r.topics.State(), stateMessage{
		ControlCommand: "ble-connection-state-changed",
		BleMac:         ev.Addr,
		Updated:        time.Now().Format(time.RFC3339),
		Data:           stateData{PreviousState: ev.Previous, CurrentState: ev.Current},
	})
}

// publish marshals and sends one message, reporting bus failures on the
// log only; there is nowhere further to escalate.
func (r *Router) publish(topic string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.WithError(err).WithField("topic", topic).Error("Failed to marshal message")
		return
	}
	if err := r.bus.Publish(topic, payload); err != nil {
		r.logger.WithError(err).WithField("topic", topic).Error("Failed to publish message")
	}
}

type errorMessage struct {
	Status       int    `json:"status"`
	ErrorMessage string `json:"error-message"`
}

// PublishError reports a malformed or unroutable request on the
// dedicated error topic. The process continues unaffected.
func (r *Router) PublishError(msg string) {
	r.publishError(msg)
}

func (r *Router) publishError(msg string) {
	r.logger.Error(msg)
	r.publish(r.topics.Error(), errorMessage{Status: 500, ErrorMessage: msg})
}
