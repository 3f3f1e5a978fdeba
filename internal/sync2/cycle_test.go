// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package sync2_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"

	"tracdap.io/tracdap/internal/sync2"
)

func TestCycle_RunsImmediatelyAndOnTrigger(t *testing.T) {
	t.Parallel()

	var count int64
	cycle := sync2.NewCycle(time.Hour)

	done := make(chan error, 1)
	go func() {
		done <- cycle.Run(context.Background(), func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, cycle.TriggerWait())
	require.Equal(t, int64(2), atomic.LoadInt64(&count))

	cycle.Stop()
	require.NoError(t, <-done)
}

func TestCycle_FailureStopsTheLoop(t *testing.T) {
	t.Parallel()

	boom := errs.New("boom")
	cycle := sync2.NewCycle(time.Millisecond)

	err := cycle.Run(context.Background(), func(ctx context.Context) error {
		return boom
	})
	require.Equal(t, boom, err)
}

func TestCycle_StopBeforeRun(t *testing.T) {
	t.Parallel()

	cycle := sync2.NewCycle(time.Hour)
	cycle.Stop()

	err := cycle.Run(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestCycle_ContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cycle := sync2.NewCycle(time.Hour)

	done := make(chan error, 1)
	go func() {
		done <- cycle.Run(ctx, func(ctx context.Context) error {
			return nil
		})
	}()

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
