// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package errs2 collects error handling helpers shared by the services.
package errs2

import (
	"sync"
)

// Group is a collection of goroutines working on subtasks that returns
// every error the subtasks produced, unlike errgroup which keeps the first.
type Group struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	errors []error
}

// Go calls the given function in a new goroutine.
func (group *Group) Go(fn func() error) {
	group.wg.Add(1)
	go func() {
		defer group.wg.Done()
		if err := fn(); err != nil {
			group.mu.Lock()
			group.errors = append(group.errors, err)
			group.mu.Unlock()
		}
	}()
}

// Wait blocks until all function calls from the Go method have returned,
// then returns all errors (if any) from them.
func (group *Group) Wait() []error {
	group.wg.Wait()
	group.mu.Lock()
	defer group.mu.Unlock()
	return group.errors
}
