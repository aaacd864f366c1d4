package hgfs

import (
	"context"
	"testing"
	"time"

	"github.com/slackhq/hgfs/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControl_StopWaitsForWorkers(t *testing.T) {
	l := test.NewLogger()
	c := newConfig(t, "server:\n  workers: 3\nchannel:\n  type: guest\n  guest:\n    memory_size: 8KiB\n")

	ctrl, err := Main(c, false, "test", l)
	require.NoError(t, err)
	ctrl.Start()

	stopped := make(chan struct{})
	go func() {
		ctrl.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}

	assert.ErrorIs(t, ctrl.Context().Err(), context.Canceled)
	assert.Nil(t, ctrl.GuestChannel().Capabilities().Load(), "stopping withdraws the guest mapping capability")
}
