package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Add(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestQueryReusesFreshResult(t *testing.T) {
	clk := &fakeNow{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := New(Options{Now: clk.Now, Logger: zerolog.Nop()})

	calls := 0
	fetch := func(context.Context) (int, error) {
		calls++
		return calls * 10, nil
	}

	v, err := Query(context.Background(), g, "results:a1", 30*time.Second, fetch)
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	clk.Add(29 * time.Second)
	v, _ = Query(context.Background(), g, "results:a1", 30*time.Second, fetch)
	assert.Equal(t, 10, v)
	assert.Equal(t, 1, calls)

	clk.Add(time.Second)
	v, _ = Query(context.Background(), g, "results:a1", 30*time.Second, fetch)
	assert.Equal(t, 20, v)

	g.Forget("results:a1")
	v, _ = Query(context.Background(), g, "results:a1", 30*time.Second, fetch)
	assert.Equal(t, 30, v)
}

func TestQueryDoesNotCacheErrors(t *testing.T) {
	g := New(Options{Logger: zerolog.Nop()})
	boom := errors.New("boom")

	calls := 0
	fetch := func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", boom
		}
		return "ok", nil
	}

	_, err := Query(context.Background(), g, "certs", time.Minute, fetch)
	assert.ErrorIs(t, err, boom)

	v, err := Query(context.Background(), g, "certs", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestQueryCachesNilPointer(t *testing.T) {
	g := New(Options{Logger: zerolog.Nop()})
	calls := 0
	fetch := func(context.Context) (*int, error) {
		calls++
		return nil, nil
	}

	for range 3 {
		v, err := Query(context.Background(), g, "k", time.Minute, fetch)
		require.NoError(t, err)
		assert.Nil(t, v)
	}
	assert.Equal(t, 1, calls)
}

func TestMutateAcrossInstances(t *testing.T) {
	mr, rdb := newRedis(t)
	a := New(Options{Redis: rdb, LockTTL: 10 * time.Second, Logger: zerolog.Nop()})
	b := New(Options{Redis: rdb, LockTTL: 10 * time.Second, Logger: zerolog.Nop()})

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Mutate(context.Background(), a, "submit:a1", func(context.Context) (bool, error) {
			close(entered)
			<-release
			return true, nil
		})
		done <- err
	}()
	<-entered

	marker := "dedup:inflight:submit:a1"
	assert.True(t, mr.Exists(marker))
	assert.Equal(t, 10*time.Second, mr.TTL(marker))

	called := false
	_, err := Mutate(context.Background(), b, "submit:a1", func(context.Context) (bool, error) {
		called = true
		return true, nil
	})
	assert.ErrorIs(t, err, ErrInFlight)
	assert.False(t, called)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, mr.Exists(marker))

	ok, err := Mutate(context.Background(), b, "submit:a1", func(context.Context) (bool, error) { return true, nil })
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMutateKeepsForeignMarker(t *testing.T) {
	mr, rdb := newRedis(t)
	g := New(Options{Redis: rdb, Logger: zerolog.Nop()})
	marker := "dedup:inflight:feedback:a1"

	_, err := Mutate(context.Background(), g, "feedback:a1", func(context.Context) (struct{}, error) {
		// Our marker expired and someone else took over.
		require.NoError(t, mr.Set(marker, "someone-else"))
		return struct{}{}, nil
	})
	require.NoError(t, err)

	got, err := mr.Get(marker)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestMutateReleasesOnError(t *testing.T) {
	mr, rdb := newRedis(t)
	g := New(Options{Redis: rdb, Logger: zerolog.Nop()})
	boom := errors.New("backend down")

	_, err := Mutate(context.Background(), g, "submit:a2", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("dedup:inflight:submit:a2"))
}

func TestMutateWithoutRedis(t *testing.T) {
	g := New(Options{Logger: zerolog.Nop()})
	v, err := Mutate(context.Background(), g, "submit:a3", func(context.Context) (string, error) { return "done", nil })
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestMutateRedisDown(t *testing.T) {
	mr, rdb := newRedis(t)
	g := New(Options{Redis: rdb, Logger: zerolog.Nop()})
	mr.Close()

	called := false
	_, err := Mutate(context.Background(), g, "submit:a4", func(context.Context) (int, error) {
		called = true
		return 1, nil
	})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInFlight)
	assert.False(t, called)
}
