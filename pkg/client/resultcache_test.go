package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultCache_TTL(t *testing.T) {
	cache := NewResultCache(time.Minute, nil)
	now := time.Now()
	cache.now = func() time.Time { return now }

	var fetches int
	fetch := func() (any, error) {
		fetches++
		return fetches, nil
	}

	v, err := cache.GetOrFetch("targets", 0, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	now = now.Add(59 * time.Second)
	v, err = cache.GetOrFetch("targets", 0, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Second)
	v, err = cache.GetOrFetch("targets", 0, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestResultCache_PerCallTTL(t *testing.T) {
	cache := NewResultCache(time.Minute, nil)
	now := time.Now()
	cache.now = func() time.Time { return now }

	var fetches int
	fetch := func() (any, error) {
		fetches++
		return fetches, nil
	}

	_, err := cache.GetOrFetch("config", time.Second, fetch)
	require.NoError(t, err)
	now = now.Add(2 * time.Second)
	v, err := cache.GetOrFetch("config", time.Second, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestResultCache_ErrorsAreNotCached(t *testing.T) {
	cache := NewResultCache(time.Minute, nil)

	_, err := cache.GetOrFetch("extents", 0, func() (any, error) { return nil, errors.New("boom") })
	require.Error(t, err)

	v, err := cache.GetOrFetch("extents", 0, func() (any, error) { return "fresh", nil })
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestResultCache_Invalidate(t *testing.T) {
	cache := NewResultCache(time.Minute, nil)

	var fetches int
	fetch := func() (any, error) {
		fetches++
		return fetches, nil
	}

	cache.GetOrFetch("mappings", 0, fetch)
	cache.GetOrFetch("extents", 0, fetch)
	cache.Invalidate("mappings")

	v, _ := cache.GetOrFetch("mappings", 0, fetch)
	assert.Equal(t, 3, v)
	v, _ = cache.GetOrFetch("extents", 0, fetch)
	assert.Equal(t, 2, v)
}

func TestResultCache_InvalidateDuringFetch(t *testing.T) {
	cache := NewResultCache(time.Minute, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		cache.GetOrFetch("mappings", 0, func() (any, error) {
			close(started)
			<-release
			return "stale", nil
		})
	}()

	<-started
	cache.Invalidate("mappings")
	close(release)
	<-done

	v, err := cache.GetOrFetch("mappings", 0, func() (any, error) { return "fresh", nil })
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestCachedTyped(t *testing.T) {
	cache := NewResultCache(time.Minute, nil)
	targets, err := cached(cache, cacheKeyTargets, func() ([]ISCSITarget, error) {
		return []ISCSITarget{{ID: 1, Name: "vm"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "vm", targets[0].Name)
}
