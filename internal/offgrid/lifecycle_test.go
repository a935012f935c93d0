package offgrid

import (
	"context"
	"net/http"
	"sync"
	"testing"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testManifest = []string{"/", "/logo192.png", "/offline.html"}

func okFetch(req *Request) (CacheEntry, error) {
	return textEntry(http.StatusOK, "body of "+req.URL.Path), nil
}

func TestLifecycle_InstallActivate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.Open("offgrid-v0")
	require.NoError(t, err)

	l := NewLifecycle(store, newFakeFetcher(okFetch), "offgrid-v1", testManifest)
	assert.Equal(t, StateParsed, l.State())
	assert.Nil(t, l.Current())

	require.NoError(t, l.Start(ctx))
	assert.Equal(t, StateActive, l.State())
	require.NotNil(t, l.Current())
	assert.Equal(t, "offgrid-v1", l.Current().Name())

	names, err := store.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"offgrid-v1"}, names)

	active, ok, err := store.Active()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "offgrid-v1", active)

	ent, ok, err := l.Current().Match("GET /offline.html")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "body of /offline.html", string(ent.Body))
	_, stamped := ent.CachedAt()
	assert.True(t, stamped)
}

func TestLifecycle_FailedInstallKeepsPreviousGeneration(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	v1 := NewLifecycle(store, newFakeFetcher(okFetch), "offgrid-v1", testManifest)
	require.NoError(t, v1.Start(ctx))

	flaky := newFakeFetcher(func(req *Request) (CacheEntry, error) {
		if req.URL.Path == "/offline.html" {
			return CacheEntry{}, errOffline
		}
		return okFetch(req)
	})
	v2 := NewLifecycle(store, flaky, "offgrid-v2", testManifest)
	err := v2.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, StateRedundant, v2.State())

	// v2 resumed the generation v1 left active and keeps serving it.
	require.NotNil(t, v2.Current())
	assert.Equal(t, "offgrid-v1", v2.Current().Name())
	_, ok, err := v2.Current().Match("GET /logo192.png")
	require.NoError(t, err)
	assert.True(t, ok)

	has, err := store.Has("offgrid-v2")
	require.NoError(t, err)
	assert.False(t, has, "a failed install writes nothing")

	err = v2.Activate(ctx)
	require.Error(t, err)
}

func TestLifecycle_NonOKPrecacheFailsInstall(t *testing.T) {
	f := newFakeFetcher(func(req *Request) (CacheEntry, error) {
		if req.URL.Path == "/logo192.png" {
			return textEntry(http.StatusNotFound, "gone"), nil
		}
		return okFetch(req)
	})
	l := NewLifecycle(newTestStore(t), f, "offgrid-v1", testManifest)
	require.Error(t, l.Install(context.Background()))
	assert.Equal(t, StateRedundant, l.State())
	assert.Nil(t, l.Current())
}

func TestLifecycle_ResumeSkipsInstall(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, NewLifecycle(store, newFakeFetcher(okFetch), "offgrid-v1", testManifest).Start(ctx))

	f := newFakeFetcher(offlineFetch)
	again := NewLifecycle(store, f, "offgrid-v1", testManifest)
	require.NoError(t, again.Start(ctx))
	assert.Equal(t, StateActive, again.State())
	assert.Zero(t, f.count("GET /"), "an active generation is not reinstalled")
}

func TestLifecycle_RetryAfterFailure(t *testing.T) {
	ctx := context.Background()
	online := false
	f := newFakeFetcher(func(req *Request) (CacheEntry, error) {
		if !online {
			return CacheEntry{}, errOffline
		}
		return okFetch(req)
	})
	l := NewLifecycle(newTestStore(t), f, "offgrid-v1", testManifest)
	require.Error(t, l.Start(ctx))
	assert.Equal(t, StateRedundant, l.State())

	online = true
	require.NoError(t, l.Start(ctx))
	assert.Equal(t, StateActive, l.State())
}

func TestLifecycle_BadManifestPathFetchesNothing(t *testing.T) {
	f := newFakeFetcher(okFetch)
	l := NewLifecycle(newTestStore(t), f, "offgrid-v1", []string{"/", "/%zz", "/offline.html"})

	err := l.Install(context.Background())
	require.Error(t, err)
	assert.Equal(t, platformerrors.CodeInvalidConfig, platformerrors.GetCode(err))
	assert.Equal(t, StateRedundant, l.State())
	assert.Zero(t, f.count("GET /"))
	assert.Zero(t, f.count("GET /offline.html"))
}

func TestLifecycle_ConcurrentInstallsSerialize(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	l := NewLifecycle(store, newFakeFetcher(okFetch), "offgrid-v1", testManifest)

	errs := make([]error, 6)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				errs[i] = l.Start(ctx)
			} else {
				errs[i] = l.Reinstall(ctx)
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, StateActive, l.State())
	names, err := store.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"offgrid-v1"}, names)
}

func TestLifecycle_FailedReinstallKeepsActive(t *testing.T) {
	ctx := context.Background()
	online := true
	f := newFakeFetcher(func(req *Request) (CacheEntry, error) {
		if !online {
			return CacheEntry{}, errOffline
		}
		return okFetch(req)
	})
	l := NewLifecycle(newTestStore(t), f, "offgrid-v1", testManifest)
	require.NoError(t, l.Start(ctx))

	online = false
	require.Error(t, l.Reinstall(ctx))
	assert.Equal(t, StateActive, l.State())
	require.NotNil(t, l.Current())
	assert.Equal(t, "offgrid-v1", l.Current().Name())
}
