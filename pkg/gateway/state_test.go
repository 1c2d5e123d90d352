package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNode_ActiveTasks(t *testing.T) {
	n := NewNode("node-1", "node", "0.1.0", "linux", nil, nil)
	assert.True(t, n.IsConnected())

	n.AddActiveTask("t1")
	n.AddActiveTask("t2")
	assert.Len(t, n.ActiveTaskIDs, 2)

	n.RemoveActiveTask("t1")
	_, stillThere := n.ActiveTaskIDs["t1"]
	assert.False(t, stillThere)
	_, other := n.ActiveTaskIDs["t2"]
	assert.True(t, other)

	n.MarkDisconnected()
	assert.False(t, n.IsConnected())
}

func TestNode_AwaitStatusReport_WakesOnNotify(t *testing.T) {
	n := NewNode("node-1", "node", "0.1.0", "linux", nil, nil)

	waiter := n.AwaitStatusReport()

	select {
	case <-waiter:
		t.Fatal("waiter fired before NotifyStatusReport")
	default:
	}

	n.NotifyStatusReport()

	select {
	case <-waiter:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after NotifyStatusReport")
	}
}

func TestNode_AwaitStatusReport_MultipleWaitersAllWake(t *testing.T) {
	n := NewNode("node-1", "node", "0.1.0", "linux", nil, nil)

	w1 := n.AwaitStatusReport()
	w2 := n.AwaitStatusReport()

	n.NotifyStatusReport()

	for _, w := range []<-chan struct{}{w1, w2} {
		select {
		case <-w:
		case <-time.After(time.Second):
			t.Fatal("a waiter never woke")
		}
	}
}

func TestNode_NotifyStatusReport_WithoutWaitersIsSafe(t *testing.T) {
	n := NewNode("node-1", "node", "0.1.0", "linux", nil, nil)
	require.NotPanics(t, func() { n.NotifyStatusReport() })
}
