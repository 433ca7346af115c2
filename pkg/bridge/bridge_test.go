package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverAndConsume(t *testing.T) {
	b := New()
	ch := b.Open("task-1", "evt-1")

	b.Deliver("task-1", TaskMessage{Kind: KindProgress, Text: "checking nodes"})
	b.Deliver("task-1", TaskMessage{Kind: KindResult, Status: "success", Output: "done"})

	msg := <-ch
	assert.Equal(t, KindProgress, msg.Kind)
	assert.False(t, msg.Terminal())

	msg = <-ch
	assert.Equal(t, KindResult, msg.Kind)
	assert.True(t, msg.Terminal())
}

func TestOrphanMessageDropped(t *testing.T) {
	b := New()
	// No channel open — must not panic, message silently dropped.
	b.Deliver("unknown", TaskMessage{Kind: KindProgress})
}

func TestCloseDrainsBufferedMessages(t *testing.T) {
	b := New()
	ch := b.Open("task-1", "evt-1")
	b.Deliver("task-1", TaskMessage{Kind: KindProgress, Text: "one"})
	b.Close("task-1")

	msg, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "one", msg.Text)

	_, ok = <-ch
	assert.False(t, ok, "channel must be closed after drain")

	assert.False(t, b.Outstanding("task-1"))
	// Double close is safe.
	b.Close("task-1")
}

func TestInjectSentinel(t *testing.T) {
	b := New()
	ch := b.Open("task-1", "evt-1")
	b.InjectSentinel("task-1", KindDisconnected)

	msg := <-ch
	assert.Equal(t, KindDisconnected, msg.Kind)
	assert.True(t, msg.Terminal())
}

func TestCancelByEvent(t *testing.T) {
	b := New()
	ch1 := b.Open("task-1", "evt-1")
	ch2 := b.Open("task-2", "evt-1")
	ch3 := b.Open("task-3", "evt-2")

	n := b.CancelByEvent("evt-1")
	assert.Equal(t, 2, n)

	assert.Equal(t, KindCancelled, (<-ch1).Kind)
	assert.Equal(t, KindCancelled, (<-ch2).Kind)

	select {
	case <-ch3:
		t.Fatal("task of another event must not be cancelled")
	default:
	}
}

func TestChannelFullDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	ch := b.Open("task-1", "evt-1")

	for i := 0; i < taskChannelBuffer+5; i++ {
		b.Deliver("task-1", TaskMessage{Kind: KindProgress})
	}
	// Consumer sees exactly the buffer's worth.
	count := 0
	for len(ch) > 0 {
		<-ch
		count++
	}
	assert.Equal(t, taskChannelBuffer, count)
}
