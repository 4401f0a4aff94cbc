package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicsLayout(t *testing.T) {
	topics := NewTopics("gateway", "hub-01")

	assert.Equal(t, "gateway/things/hub-01/ble/control/connect", topics.Control(OpConnect))
	assert.Equal(t, "gateway/things/hub-01/ble/control/connect/response", topics.ControlResponse(OpConnect))
	assert.Equal(t, "gateway/things/hub-01/ble/control/scan/response", topics.ControlResponse(OpScan))
	assert.Equal(t, "gateway/things/hub-01/ble/data/tx/AA:BB:CC:DD:EE:FF", topics.DataTx("AA:BB:CC:DD:EE:FF"))
	assert.Equal(t, "gateway/things/hub-01/ble/data/rx/AA:BB:CC:DD:EE:FF", topics.DataRx("AA:BB:CC:DD:EE:FF"))
	assert.Equal(t, "gateway/things/hub-01/ble/state", topics.State())
	assert.Equal(t, "gateway/things/hub-01/ble/error", topics.Error())
}

func TestControlOpsCoverEveryRequestTopic(t *testing.T) {
	topics := NewTopics("p", "id")

	seen := map[string]bool{}
	for _, op := range ControlOps {
		seen[topics.Control(op)] = true
	}
	assert.Len(t, seen, 4)
	assert.True(t, seen["p/things/id/ble/control/list"])
	assert.True(t, seen["p/things/id/ble/control/disconnect"])
}

func TestSubjectMapping(t *testing.T) {
	tests := []struct {
		topic   string
		subject string
	}{
		{"gateway/things/hub-01/ble/state", "gateway.things.hub-01.ble.state"},
		{"gateway/things/hub-01/ble/data/rx/AA:BB:CC:DD:EE:FF", "gateway.things.hub-01.ble.data.rx.AA:BB:CC:DD:EE:FF"},
		{"/leading/slash", "leading.slash"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.subject, subjectFromTopic(tt.topic))
	}

	// Round trip for canonical (unslashed-prefix) topics.
	topics := NewTopics("gateway", "hub-01")
	for _, op := range ControlOps {
		tp := topics.Control(op)
		assert.Equal(t, tp, topicFromSubject(subjectFromTopic(tp)))
	}
}
