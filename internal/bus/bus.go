// Package bus defines the gateway's view of the publish/subscribe
// message bus and the topic layout shared by the control and data
// channels. The transport itself is a collaborator behind the PubSub
// interface; this package ships a NATS-backed implementation.
package bus

import "fmt"

// Handler receives one message delivered on a subscribed topic.
type Handler func(topic string, payload []byte)

// Subscription is one active topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// PubSub is the boundary to the message bus. Implementations must
// provide reliable, ordered delivery of opaque byte payloads per topic.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, h Handler) (Subscription, error)
	Close() error
}

// Control operations understood by the gateway.
const (
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
	OpList       = "list"
	OpScan       = "scan"
)

// ControlOps lists every supported control operation.
var ControlOps = []string{OpConnect, OpDisconnect, OpList, OpScan}

// Topics derives every gateway topic from a prefix and gateway ID.
// Layout:
//
//	<prefix>/things/<id>/ble/control/<op>           control requests
//	<prefix>/things/<id>/ble/control/<op>/response  control responses
//	<prefix>/things/<id>/ble/data/tx/<MAC>          bus -> device
//	<prefix>/things/<id>/ble/data/rx/<MAC>          device -> bus
//	<prefix>/things/<id>/ble/state                  connection state changes
//	<prefix>/things/<id>/ble/error                  unroutable/malformed requests
type Topics struct {
	base string
}

// NewTopics builds the topic layout for one gateway.
func NewTopics(prefix, gatewayID string) Topics {
	return Topics{base: fmt.Sprintf("%s/things/%s/ble", prefix, gatewayID)}
}

// Control returns the request topic for op.
func (t Topics) Control(op string) string {
	return fmt.Sprintf("%s/control/%s", t.base, op)
}

// ControlResponse returns the response topic for op.
func (t Topics) ControlResponse(op string) string {
	return t.Control(op) + "/response"
}

// DataTx returns the bus-to-device topic for mac.
func (t Topics) DataTx(mac string) string {
	return fmt.Sprintf("%s/data/tx/%s", t.base, mac)
}

// DataRx returns the device-to-bus topic for mac.
func (t Topics) DataRx(mac string) string {
	return fmt.Sprintf("%s/data/rx/%s", t.base, mac)
}

// State returns the connection state change topic.
func (t Topics) State() string {
	return t.base + "/state"
}

// Error returns the error channel topic.
func (t Topics) Error() string {
	return t.base + "/error"
}
