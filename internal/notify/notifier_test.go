package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNotifyInvokesListenersInOrder(t *testing.T) {
	n := New(zap.NewNop())

	var order []string
	n.AddListener(func(Notification) { order = append(order, "a") })
	n.AddListener(func(Notification) { order = append(order, "b") })

	n.Success("Sale Recorded", "Cola (3x) - Stock: 7")

	assert.Equal(t, []string{"a", "b"}, order)
}

func TestNotifyIsolatesPanickingListener(t *testing.T) {
	n := New(zap.NewNop())

	var got []Notification
	n.AddListener(func(Notification) { panic("bad listener") })
	n.AddListener(func(notification Notification) { got = append(got, notification) })

	assert.NotPanics(t, func() {
		n.Warning("Sale Log Failed", "Cola: sale applied but not recorded in history")
	})

	require.Len(t, got, 1)
	assert.Equal(t, KindWarning, got[0].Kind)
	assert.Equal(t, "Sale Log Failed", got[0].Title)
}

func TestKindHelpers(t *testing.T) {
	n := New(zap.NewNop())

	var got []Notification
	n.AddListener(func(notification Notification) { got = append(got, notification) })

	n.Success("s", "1")
	n.Warning("w", "2")
	n.Error("e", "3")

	require.Len(t, got, 3)
	assert.Equal(t, KindSuccess, got[0].Kind)
	assert.Equal(t, KindWarning, got[1].Kind)
	assert.Equal(t, KindError, got[2].Kind)
}
