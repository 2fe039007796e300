package telemetry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCircularBuffer_FillsInOrder(t *testing.T) {
	b := NewCircularBuffer[int](5)

	b.Add(1)
	b.Add(2)
	b.Add(3)

	assert.Equal(t, 3, b.Size())
	assert.Equal(t, []int{1, 2, 3}, b.Items())
}

func TestCircularBuffer_WrapsOverwritingOldest(t *testing.T) {
	b := NewCircularBuffer[int](3)

	for i := 1; i <= 5; i++ {
		b.Add(i)
	}

	// Oldest first after wraparound
	assert.Equal(t, 3, b.Size())
	assert.Equal(t, []int{3, 4, 5}, b.Items())
}

func TestCircularBuffer_Clear(t *testing.T) {
	b := NewCircularBuffer[int](3)
	b.Add(1)
	b.Add(2)

	b.Clear()

	assert.Equal(t, 0, b.Size())
	assert.Empty(t, b.Items())

	b.Add(7)
	assert.Equal(t, []int{7}, b.Items())
}

func TestCircularBuffer_MinimumCapacity(t *testing.T) {
	b := NewCircularBuffer[string](0)

	b.Add("first")
	b.Add("second")

	assert.Equal(t, []string{"second"}, b.Items())
}

func TestCircularBuffer_ItemsReturnsCopy(t *testing.T) {
	b := NewCircularBuffer[int](3)
	b.Add(1)

	items := b.Items()
	items[0] = 99

	assert.Equal(t, []int{1}, b.Items())
}

func TestCircularBuffer_ConcurrentAdds(t *testing.T) {
	b := NewCircularBuffer[int](64)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Add(i)
				b.Items()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 64, b.Size())
}
