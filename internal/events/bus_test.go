package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversAndDrops(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventFill, 1)

	b.Publish(EventFill, 1)
	b.Publish(EventFill, 2)
	b.Publish(EventSignal, 3)

	assert.Equal(t, 1, <-ch)
	assert.Equal(t, int64(1), b.Dropped())

	unsub()
	unsub()
	_, open := <-ch
	assert.False(t, open)
	b.Publish(EventFill, 4)
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var b *Bus
	assert.NotPanics(t, func() { b.Publish(EventFill, 1) })
}
