package jobcache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"joinguard/internal/task/delay"
)

func TestAddGetDelete(t *testing.T) {
	t.Parallel()
	c := New()

	_, ok := c.Get("terminate-100-7")
	require.False(t, ok)

	h := delay.Handle{ID: "a", Key: "terminate-100-7"}
	c.Add("terminate-100-7", h)
	got, ok := c.Get("terminate-100-7")
	require.True(t, ok)
	require.Equal(t, h, got)

	h2 := delay.Handle{ID: "b", Key: "terminate-100-7"}
	c.Add("terminate-100-7", h2)
	got, _ = c.Get("terminate-100-7")
	require.Equal(t, h2, got, "last write wins")

	c.Delete("terminate-100-7")
	c.Delete("terminate-100-7")
	_, ok = c.Get("terminate-100-7")
	require.False(t, ok)
	require.Zero(t, c.Len())
}

func TestConcurrentKeysDoNotInterfere(t *testing.T) {
	t.Parallel()
	c := New()

	const workers = 32
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("terminate-%d-%d", w, i)
				c.Add(key, delay.Handle{ID: key})
				if h, ok := c.Get(key); !ok || h.ID != key {
					t.Errorf("lost write for %s", key)
				}
				if i%2 == 0 {
					c.Delete(key)
				}
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, workers*100, c.Len())
}
