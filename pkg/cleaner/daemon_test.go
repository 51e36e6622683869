package cleaner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemonStopsOnCancel(t *testing.T) {
	e := newEnv(t, Config{WakeupInterval: time.Hour, BytesInterval: 1 << 20})
	d := NewDaemon(e.orch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop on cancellation")
	}
}

func TestDaemonByteIntervalTriggersClean(t *testing.T) {
	e := newEnv(t, Config{WakeupInterval: time.Hour, BytesInterval: 100})
	const n = 200
	for i := 0; i < n; i++ {
		e.put(key(i), "v1")
	}
	e.roll()
	for i := 0; i < n; i++ {
		e.put(key(i), "v2")
	}

	d := NewDaemon(e.orch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// The application reports enough write volume to cross the interval.
	d.NotifyBytesWritten(200)

	require.Eventually(t, func() bool {
		return !e.files.IsFileValid(1)
	}, 5*time.Second, 10*time.Millisecond, "daemon never cleaned the obsolete file")
	cancel()
	<-done
}

func TestDaemonQuiescedWakeAsksCheckpointer(t *testing.T) {
	e := newEnv(t, Config{WakeupInterval: 20 * time.Millisecond})
	d := NewDaemon(e.orch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-e.ckpt.Wakeups():
		// A timed wake with no writes asked the checkpointer to flush.
	case <-time.After(5 * time.Second):
		t.Fatal("checkpointer never woken on a quiesced timed wake")
	}
	cancel()
	<-done
}
