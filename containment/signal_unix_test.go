//go:build unix

package containment_test

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_NotifyOnSignals(t *testing.T) {
	g := newGuard()

	ctx, cancel := g.NotifyOnSignals(context.Background(), syscall.SIGUSR1)
	defer cancel()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled by signal")
	}
	assert.True(t, g.ShuttingDown())
}

func TestGuard_NotifyOnSignalsParentCancel(t *testing.T) {
	g := newGuard()

	parent, stop := context.WithCancel(context.Background())
	ctx, cancel := g.NotifyOnSignals(parent, syscall.SIGUSR2)
	defer cancel()

	stop()
	<-ctx.Done()
	assert.False(t, g.ShuttingDown())
}
