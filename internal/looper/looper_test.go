package looper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/adbhost/internal/util"
)

func startLooper(t *testing.T) *Looper {
	t.Helper()
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	// Wait until Run has recorded its goroutine.
	require.True(t, l.RunSync(func() {}))
	return l
}

func TestPostRunsInOrder(t *testing.T) {
	l := startLooper(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.RunSync(func() {})

	require.Len(t, got, 100)
	for i := range got {
		assert.Equal(t, i, got[i])
	}
}

func TestPostFromManyGoroutines(t *testing.T) {
	l := startLooper(t)

	count := 0
	var wg sync.WaitGroup
	for n := 0; n < 10; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				l.Post(func() { count++ })
			}
		}()
	}
	wg.Wait()
	l.RunSync(func() {})
	assert.Equal(t, 1000, count)
}

func TestRunSyncOnLooperIsInline(t *testing.T) {
	l := startLooper(t)

	ran := false
	l.RunSync(func() {
		l.CheckLooper()
		l.RunSync(func() { ran = true })
	})
	assert.True(t, ran)
}

func TestCheckLooper(t *testing.T) {
	l := startLooper(t)
	l.SetChecks(true)

	assert.False(t, l.OnLooper())
	assert.Panics(t, l.CheckLooper)
	assert.NotPanics(t, l.CheckNotLooper)

	l.RunSync(func() {
		assert.True(t, l.OnLooper())
		assert.Panics(t, l.CheckNotLooper)
	})
}

func TestChecksFollowTrace(t *testing.T) {
	l := startLooper(t)
	assert.NotPanics(t, l.CheckLooper)

	util.SetTrace("fdevent")
	defer util.SetTrace("")
	traced := startLooper(t)
	assert.Panics(t, traced.CheckLooper)
	traced.SetChecks(false)
	assert.NotPanics(t, traced.CheckLooper)
}

func TestAfterFunc(t *testing.T) {
	l := startLooper(t)

	fired := make(chan bool, 1)
	l.AfterFunc(10*time.Millisecond, func() { fired <- l.OnLooper() })

	select {
	case onLooper := <-fired:
		assert.True(t, onLooper)
	case <-time.After(2 * time.Second):
		t.Fatal("AfterFunc never fired")
	}
}

func TestRunSyncAfterStop(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	require.True(t, l.RunSync(func() {}))
	cancel()
	<-l.Done()

	assert.False(t, l.RunSync(func() { t.Error("ran after stop") }))
}
