// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package tracerr_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"

	"tracdap.io/tracdap/pkg/tracerr"
)

func TestKindOf(t *testing.T) {
	err := tracerr.New(tracerr.NotFound, "object %q missing", "x")
	require.Equal(t, tracerr.NotFound, tracerr.KindOf(err))
	require.Contains(t, err.Error(), "NOT_FOUND")
	require.Contains(t, err.Error(), `object "x" missing`)

	require.Equal(t, tracerr.Kind(""), tracerr.KindOf(nil))
	require.Equal(t, tracerr.Unexpected, tracerr.KindOf(errs.New("plain")))
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := tracerr.New(tracerr.Duplicate, "object already exists")

	wrapped := fmt.Errorf("saving batch: %w", inner)
	require.Equal(t, tracerr.Duplicate, tracerr.KindOf(wrapped))

	metastoreClass := errs.Class("metastore")
	classed := metastoreClass.Wrap(inner)
	require.Equal(t, tracerr.Duplicate, tracerr.KindOf(classed))
}

func TestRekindingOuterWins(t *testing.T) {
	inner := tracerr.New(tracerr.NotFound, "missing")
	outer := tracerr.Wrap(tracerr.Internal, inner)
	require.Equal(t, tracerr.Internal, tracerr.KindOf(outer))
}

func TestWrapNil(t *testing.T) {
	require.NoError(t, tracerr.Wrap(tracerr.Internal, nil))
	require.NoError(t, tracerr.WrapStartup(nil, 7, false))
}

func TestRetryable(t *testing.T) {
	require.True(t, tracerr.TemporaryFailure.Retryable())
	require.True(t, tracerr.ExecutorTemporaryFailure.Retryable())
	require.False(t, tracerr.Validation.Retryable())
	require.False(t, tracerr.ExecutorFailure.Retryable())
}

func TestExitCode(t *testing.T) {
	require.Equal(t, tracerr.ExitOK, tracerr.ExitCode(nil))
	require.Equal(t, tracerr.ExitFatal, tracerr.ExitCode(errs.New("boom")))
	require.Equal(t, tracerr.ExitInterrupted, tracerr.ExitCode(context.Canceled))
	require.Equal(t, tracerr.ExitInterrupted,
		tracerr.ExitCode(fmt.Errorf("run: %w", context.Canceled)))

	startup := tracerr.WrapStartup(errs.New("bad config"), 12, true)
	require.Equal(t, 12, tracerr.ExitCode(startup))
	require.Equal(t, tracerr.Startup, tracerr.KindOf(startup))
}
