package ringchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPanicsOnInvalidCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
	assert.Panics(t, func() { New[int](-1) })
}

func TestTrySend(t *testing.T) {
	rc := New[int](2)

	assert.True(t, rc.TrySend(1))
	assert.True(t, rc.TrySend(2))
	assert.False(t, rc.TrySend(3))
	assert.Equal(t, 2, rc.Len())
	assert.Equal(t, 2, rc.Cap())
}

func TestForceSendDropsOldest(t *testing.T) {
	rc := New[int](2)

	assert.False(t, rc.ForceSend(1))
	assert.False(t, rc.ForceSend(2))
	assert.True(t, rc.ForceSend(3))

	assert.Equal(t, 2, <-rc.C())
	assert.Equal(t, 3, <-rc.C())
	assert.Equal(t, 0, rc.Len())
}

func TestCloseEndsRange(t *testing.T) {
	rc := New[string](4)
	rc.ForceSend("a")
	rc.ForceSend("b")
	rc.Close()

	var got []string
	for v := range rc.C() {
		got = append(got, v)
	}
	require.Equal(t, []string{"a", "b"}, got)
}
