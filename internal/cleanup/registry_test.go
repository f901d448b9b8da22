package cleanup

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ReverseOrder(t *testing.T) {
	r := New(nil)
	var order []string

	for _, name := range []string{"A", "B", "C"} {
		name := name
		r.Register(name, func() error {
			order = append(order, name)
			return nil
		})
	}

	r.Release()
	assert.Equal(t, []string{"C", "B", "A"}, order)
}

func TestRegistry_FailureDoesNotAbortRemaining(t *testing.T) {
	r := New(nil)
	var order []string

	r.Register("remove dir", func() error {
		order = append(order, "remove dir")
		return nil
	})
	r.Register("unmount", func() error {
		order = append(order, "unmount")
		return errors.New("target is busy")
	})

	r.Release()
	// The failed unmount must not prevent the directory removal attempt.
	assert.Equal(t, []string{"unmount", "remove dir"}, order)
}

func TestRegistry_ReleaseIsIdempotent(t *testing.T) {
	r := New(nil)
	count := 0
	r.Register("once", func() error {
		count++
		return nil
	})

	r.Release()
	r.Release()
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ConcurrentReleaseRunsActionsOnce(t *testing.T) {
	r := New(nil)
	var mu sync.Mutex
	count := 0
	r.Register("once", func() error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, count)
}

func TestRegistry_ArmReleasesOnInterrupt(t *testing.T) {
	r := New(nil)
	released := false
	r.Register("unmount", func() error {
		released = true
		return nil
	})

	fired := make(chan os.Signal, 1)
	disarm := r.Arm(func(sig os.Signal) {
		r.Release()
		fired <- sig
	})
	defer disarm()

	// Notify has replaced the default SIGINT disposition, so signalling
	// ourselves exercises the real delivery path without killing the test.
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGINT))

	select {
	case sig := <-fired:
		assert.Equal(t, syscall.SIGINT, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt handler did not fire")
	}
	assert.True(t, released)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SealRejectsLateRegistration(t *testing.T) {
	r := New(nil)
	r.Register("early", func() error { return nil })
	r.Seal()
	r.Register("late", func() error { return nil })

	assert.Equal(t, 1, r.Len())
}
