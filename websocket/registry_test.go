package websocket

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry()
	var built atomic.Int32
	factory := func(key string) Handler {
		built.Add(1)
		return NewSocialHandler(key, false, nil)
	}

	var wg sync.WaitGroup
	handlers := make([]Handler, 50)
	for i := range handlers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handlers[i] = r.GetOrCreate("SocialAuth-https://a.example/", factory)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), built.Load())
	for _, h := range handlers {
		require.NotNil(t, h)
		assert.Same(t, handlers[0], h)
	}

	other := r.GetOrCreate("SocialAnon-https://a.example/", factory)
	assert.NotSame(t, handlers[0], other)
	assert.Equal(t, int32(2), built.Load())
	assert.Equal(t, 2, r.Len())
}
