package handle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_InsertGetRemove(t *testing.T) {
	var a Arena[string]

	h := a.Insert("gru")
	assert.NotZero(t, h)

	v, err := a.Get(h)
	require.NoError(t, err)
	assert.Equal(t, "gru", v)

	v, err = a.Remove(h)
	require.NoError(t, err)
	assert.Equal(t, "gru", v)

	_, err = a.Get(h)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = a.Remove(h)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, 0, a.Len())
}

func TestArena_StaleHandleAfterReuse(t *testing.T) {
	var a Arena[int]

	old := a.Insert(1)
	_, err := a.Remove(old)
	require.NoError(t, err)

	fresh := a.Insert(2)
	_, oldIdx, _ := old.split()
	_, freshIdx, _ := fresh.split()
	assert.Equal(t, oldIdx, freshIdx)
	assert.NotEqual(t, old, fresh)

	_, err = a.Get(old)
	assert.ErrorIs(t, err, ErrInvalid)
	v, err := a.Get(fresh)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestArena_ZeroAndForeignHandles(t *testing.T) {
	var a Arena[int]
	a.Insert(1)

	_, err := a.Get(0)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = a.Get(makeHandle(0, 10, 1))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestArena_TagSeparatesArenas(t *testing.T) {
	nets := NewArena[string](1)
	layers := NewArena[string](2)

	n := nets.Insert("net")
	l := layers.Insert("layer")
	_, ni, ng := n.split()
	_, li, lg := l.split()
	require.Equal(t, ni, li)
	require.Equal(t, ng, lg)

	_, err := layers.Get(n)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = nets.Get(l)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestArena_Drain(t *testing.T) {
	var a Arena[int]
	h1 := a.Insert(1)
	h2 := a.Insert(2)
	_, err := a.Remove(h1)
	require.NoError(t, err)
	a.Insert(3)

	assert.ElementsMatch(t, []int{2, 3}, a.Drain())
	assert.Equal(t, 0, a.Len())
	_, err = a.Get(h2)
	assert.ErrorIs(t, err, ErrInvalid)

	h := a.Insert(4)
	v, err := a.Get(h)
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestArena_Concurrent(t *testing.T) {
	var a Arena[int]
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h := a.Insert(i*100 + j)
				v, err := a.Get(h)
				assert.NoError(t, err)
				assert.Equal(t, i*100+j, v)
				_, err = a.Remove(h)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, a.Len())
}
