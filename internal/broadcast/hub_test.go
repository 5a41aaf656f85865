package broadcast

import (
	"sync"
	"testing"

	"groupvault/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func msg(text string) types.NormalizedMessage {
	return types.NormalizedMessage{GroupID: "g@g.us", SenderName: "Alice", Text: text}
}

func TestHub_DeliversInOrder(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe(0)
	defer cancel()

	h.Publish(msg("one"))
	h.Publish(msg("two"))

	first, second := <-ch, <-ch
	assert.Equal(t, "one", first.Message.Text)
	assert.Equal(t, "two", second.Message.Text)
	assert.Less(t, first.Seq, second.Seq)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(8)
	slow, cancelSlow := h.Subscribe(1)
	defer cancelSlow()
	fast, cancelFast := h.Subscribe(10)
	defer cancelFast()

	for i := 0; i < 5; i++ {
		h.Publish(msg("x"))
	}
	assert.Len(t, slow, 1)
	assert.Len(t, fast, 5)
	assert.EqualValues(t, 4, h.Dropped())
	assert.EqualValues(t, 5, h.Published())
}

func TestHub_CancelClosesChannel(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe(0)
	require.Equal(t, 1, h.Subscribers())

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, h.Subscribers())

	h.Publish(msg("after"))
}

func TestHub_CloseEndsSubscribers(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe(0)
	h.Close()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	late, _ := h.Subscribe(0)
	_, open = <-late
	assert.False(t, open)
	h.Publish(msg("ignored"))
}

func TestHub_ConcurrentPublishAndSubscribe(t *testing.T) {
	h := NewHub(4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel := h.Subscribe(0)
			defer cancel()
			for j := 0; j < 10; j++ {
				select {
				case <-ch:
				default:
				}
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Publish(msg("x"))
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 200, h.Published())
}
