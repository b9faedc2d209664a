package stream

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasks(t *testing.T) {
	p := newRPCPool(2, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	p.start(ctx)

	done := make(chan struct{})
	require.True(t, p.submit(func() { close(done) }))
	<-done

	cancel()
	p.stop()
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := newRPCPool(1, 1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.start(ctx)

	started := make(chan struct{})
	block := make(chan struct{})
	require.True(t, p.submit(func() {
		close(started)
		<-block
	}))
	<-started

	// Worker occupied; one slot of queue left.
	require.True(t, p.submit(func() {}))
	assert.False(t, p.submit(func() {}))

	close(block)
	cancel()
	p.stop()
}

func TestPoolSubmitAfterStop(t *testing.T) {
	p := newRPCPool(2, 2, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	p.start(ctx)
	cancel()
	p.stop()

	// A read pump still dispatching during shutdown must not panic; the
	// task is dropped instead.
	assert.NotPanics(t, func() { p.submit(func() {}) })
}
