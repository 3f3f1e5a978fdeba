// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package lifecycle allows controlling a group of items.
package lifecycle

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tracdap.io/tracdap/internal/errs2"
)

// slowShutdown is how long an item may take to honor context cancellation
// before the group dumps goroutine stacks to the log.
const slowShutdown = 15 * time.Second

// Group is an ordered collection of items with a run and close lifecycle.
type Group struct {
	log   *zap.Logger
	items []Item

	shutdownStack sync.Once
}

// Item is a single entry in a Group. Run blocks until the item stops or the
// context is canceled; Close releases the item's resources. Either may be
// nil.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// NewGroup creates a new group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add appends an item to the group.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts each item on the errgroup in the order they were added.
// Cancellation of an item's Run is not an error; any other failure tears
// down the whole errgroup.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	if ctx.Err() != nil {
		return
	}
	for _, item := range group.items {
		item := item
		started := make(chan struct{})
		g.Go(func() error {
			defer close(started)
			if item.Run == nil {
				return nil
			}

			finished := make(chan struct{})
			defer close(finished)
			go group.watchShutdown(ctx, item.Name, finished)

			err := item.Run(ctx)
			if errs2.IsCanceled(err) {
				err = nil
			}
			if err != nil {
				group.log.Error("unexpected shutdown of a runner",
					zap.String("name", item.Name), zap.Error(err))
			}
			return err
		})

		select {
		case <-started:
		case <-ctx.Done():
			return
		}
	}
}

// watchShutdown logs condensed goroutine stacks when an item has not
// returned within slowShutdown of cancellation.
func (group *Group) watchShutdown(ctx context.Context, name string, finished chan struct{}) {
	select {
	case <-finished:
		return
	case <-ctx.Done():
	}

	select {
	case <-finished:
	case <-time.After(slowShutdown):
		group.shutdownStack.Do(func() {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			group.log.Warn("slow shutdown",
				zap.String("name", name),
				zap.String("stack", string(condenseStack(buf[:n]))))
		})
	}
}

// Close closes all items in reverse order.
func (group *Group) Close() error {
	var errlist errs.Group

	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}
		errlist.Add(item.Close())
	}

	return errlist.Err()
}
