package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrPopulate(t *testing.T) {
	c := New()
	calls := 0

	v, err := c.GetOrPopulate(KeyProducts, func() (interface{}, error) {
		calls++
		return "v1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, 1, calls)

	// Second read is served from the cache.
	v, err = c.GetOrPopulate(KeyProducts, func() (interface{}, error) {
		calls++
		return "v2", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, 1, calls)
}

func TestInvalidateForcesRepopulate(t *testing.T) {
	c := New()

	_, err := c.GetOrPopulate(KeySalesToday, func() (interface{}, error) { return 10, nil })
	require.NoError(t, err)

	c.Invalidate(KeySalesToday)

	_, ok := c.Peek(KeySalesToday)
	assert.False(t, ok, "an invalidated key must not be served")

	v, err := c.GetOrPopulate(KeySalesToday, func() (interface{}, error) { return 17, nil })
	require.NoError(t, err)
	assert.Equal(t, 17, v)
}

func TestInvalidateUnknownKey(t *testing.T) {
	c := New()
	c.Invalidate("never-populated")

	_, ok := c.Peek("never-populated")
	assert.False(t, ok)
}

func TestFailedPopulateIsNotCached(t *testing.T) {
	c := New()

	_, err := c.GetOrPopulate(KeyProducts, func() (interface{}, error) {
		return nil, errors.New("store down")
	})
	require.Error(t, err)

	v, err := c.GetOrPopulate(KeyProducts, func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestPopulateDoesNotBlockOtherKeys(t *testing.T) {
	c := New()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.GetOrPopulate(KeyProducts, func() (interface{}, error) {
			close(started)
			<-release
			return "slow", nil
		})
	}()
	<-started

	// A slow store fetch for one key must not stall reads of another key or
	// the sale pipeline's invalidations.
	v, err := c.GetOrPopulate(KeySalesToday, func() (interface{}, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	c.Invalidate(KeySalesToday)

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("slow populate never finished")
	}
}

func TestInvalidateDuringPopulateWins(t *testing.T) {
	c := New()

	v, err := c.GetOrPopulate(KeyProducts, func() (interface{}, error) {
		// A write commits while the read is in flight; its invalidation must
		// not be overwritten by the older fetch.
		c.Invalidate(KeyProducts)
		return "pre-write", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pre-write", v)

	_, ok := c.Peek(KeyProducts)
	assert.False(t, ok, "the fetch that raced the invalidation must not be cached")
}

func TestInvalidateAll(t *testing.T) {
	c := New()
	_, _ = c.GetOrPopulate(KeyProducts, func() (interface{}, error) { return 1, nil })
	_, _ = c.GetOrPopulate(KeySalesToday, func() (interface{}, error) { return 2, nil })

	c.InvalidateAll()

	_, ok := c.Peek(KeyProducts)
	assert.False(t, ok)
	_, ok = c.Peek(KeySalesToday)
	assert.False(t, ok)
}
