package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounters(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	r.Enqueued(ctx)
	r.Enqueued(ctx)
	r.Dropped(ctx, "group")
	r.Dropped(ctx, "rate_limited")
	r.Dropped(ctx, "rate_limited")
	r.DeadLettered(ctx)

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap[MessagesEnqueued])
	assert.Equal(t, int64(3), snap[MessagesDropped])
	assert.Equal(t, int64(2), snap[MessagesDropped+".rate_limited"])
	assert.Equal(t, int64(1), snap[MessagesDropped+".group"])
	assert.Equal(t, int64(1), snap[MessagesDeadLettered])
	assert.Zero(t, snap[MessagesDelivered])

	require.NoError(t, r.Shutdown(ctx))
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	ctx := context.Background()
	r.Enqueued(ctx)
	r.Reconnect(ctx)

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
	assert.NoError(t, r.Shutdown(ctx))
}

func TestNames(t *testing.T) {
	assert.Contains(t, Names(), Reconnects)
	assert.Len(t, Names(), 7)
}
