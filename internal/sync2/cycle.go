// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package sync2 holds small synchronization helpers shared by the services.
package sync2

import (
	"context"
	"sync"
	"time"
)

// Cycle implements a controllable recurring event.
//
// Run executes fn immediately and then once per interval until the context
// is canceled or Stop is called. Trigger forces a run between ticks.
type Cycle struct {
	interval time.Duration

	ticker  *time.Ticker
	control chan interface{}

	stopping chan struct{}
	stopped  chan struct{}

	init sync.Once
}

type cycleTrigger struct {
	done chan error
}

type cycleInterval struct {
	interval time.Duration
}

// NewCycle creates a new cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	cycle := &Cycle{}
	cycle.SetInterval(interval)
	return cycle
}

// SetInterval allows changing the interval before starting.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.interval = interval
}

func (cycle *Cycle) initialize() {
	cycle.init.Do(func() {
		cycle.control = make(chan interface{})
		cycle.stopping = make(chan struct{})
		cycle.stopped = make(chan struct{})
	})
}

// Run runs fn immediately, then periodically, until the context is
// canceled or the cycle is stopped. A failing fn stops the cycle and
// returns the failure.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.initialize()
	defer close(cycle.stopped)

	currentInterval := cycle.interval
	cycle.ticker = time.NewTicker(currentInterval)
	defer cycle.ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-cycle.stopping:
			return nil

		case message := <-cycle.control:
			switch message := message.(type) {
			case cycleInterval:
				currentInterval = message.interval
				cycle.ticker.Stop()
				cycle.ticker = time.NewTicker(currentInterval)

			case cycleTrigger:
				err := fn(ctx)
				if message.done != nil {
					message.done <- err
				}
				if err != nil {
					return err
				}
			}

		case <-cycle.ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sendControl delivers a control message unless the cycle is stopping or
// was never started.
func (cycle *Cycle) sendControl(message interface{}) bool {
	cycle.initialize()
	select {
	case cycle.control <- message:
		return true
	case <-cycle.stopping:
		return false
	case <-cycle.stopped:
		return false
	}
}

// Stop requests the cycle to stop permanently. It is safe to call whether
// or not the cycle ever ran and it does not wait for a run in progress.
func (cycle *Cycle) Stop() {
	cycle.initialize()
	select {
	case <-cycle.stopping:
	default:
		close(cycle.stopping)
	}
}

// ChangeInterval changes the ticker interval of a running cycle.
func (cycle *Cycle) ChangeInterval(interval time.Duration) {
	cycle.sendControl(cycleInterval{interval})
}

// Trigger starts a run between scheduled ticks without waiting for it.
func (cycle *Cycle) Trigger() {
	go cycle.sendControl(cycleTrigger{})
}

// TriggerWait runs fn out of schedule and waits for it to complete,
// returning what fn returned.
func (cycle *Cycle) TriggerWait() error {
	done := make(chan error, 1)
	if !cycle.sendControl(cycleTrigger{done: done}) {
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-cycle.stopped:
		return nil
	}
}
