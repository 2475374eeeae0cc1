package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool(t *testing.T) {
	pool := NewPool(10, DefaultBasePort, DefaultStride)

	assert.Equal(t, 20, pool.Capacity())
	assert.Equal(t, 20, pool.Available())

	// Первые два порта - пара первой сессии
	assert.Equal(t, uint16(35000), pool.Pop())
	assert.Equal(t, uint16(35002), pool.Pop())
}

func TestPool_FillOrder(t *testing.T) {
	const n = 4
	pool := NewPool(n, 35000, 4)

	seen := make(map[uint16]bool)
	for i := 0; i < n; i++ {
		first := pool.Pop()
		second := pool.Pop()

		assert.Equal(t, uint16(35000+4*i), first)
		assert.Equal(t, uint16(35000+4*i+2), second)

		assert.False(t, seen[first], "порт %d выдан дважды", first)
		assert.False(t, seen[second], "порт %d выдан дважды", second)
		seen[first] = true
		seen[second] = true
	}

	assert.Len(t, seen, 2*n)
	assert.Equal(t, 0, pool.Available())
}

func TestPool_PopEmpty(t *testing.T) {
	pool := NewPool(1, 35000, 4)

	require.NotEqual(t, NoPort, pool.Pop())
	require.NotEqual(t, NoPort, pool.Pop())

	// Пул исчерпан
	assert.Equal(t, NoPort, pool.Pop())
	assert.Equal(t, NoPort, pool.Pop())
}

func TestPool_ReturnIsLIFO(t *testing.T) {
	pool := NewPool(2, 35000, 4)

	first := pool.Pop()
	second := pool.Pop()

	pool.Return(first)
	assert.Equal(t, first, pool.Pop())

	pool.Return(second)
	pool.Return(first)
	assert.Equal(t, first, pool.Pop())
	assert.Equal(t, second, pool.Pop())

	// После возврата продолжаем с исходного порядка
	assert.Equal(t, uint16(35004), pool.Pop())
}

func TestPool_ReturnNoPort(t *testing.T) {
	pool := NewPool(1, 35000, 4)

	pool.Return(NoPort)
	assert.Equal(t, 2, pool.Available())
	assert.Equal(t, uint16(35000), pool.Pop())
}

func TestPool_ZeroStrideUsesDefault(t *testing.T) {
	pool := NewPool(2, 40000, 0)

	pool.Pop()
	pool.Pop()
	assert.Equal(t, uint16(40000+DefaultStride), pool.Pop())
}

func TestPool_ZeroClients(t *testing.T) {
	pool := NewPool(0, 35000, 4)

	assert.Equal(t, 0, pool.Capacity())
	assert.Equal(t, NoPort, pool.Pop())
}
